// Package auth verifies Firebase ID tokens for the public API.
//
// Google publishes the token signing certificates as a JSON object of
// kid -> PEM certificate and rotates them; KeyCache fetches that document and
// holds the parsed keys for as long as its Cache-Control max-age allows.
package auth

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultKeysURL is where Firebase publishes its ID token certificates.
const DefaultKeysURL = "https://www.googleapis.com/robot/v1/metadata/x509/securetoken@system.gserviceaccount.com"

// ErrUnknownKey is returned when no published certificate matches a kid.
var ErrUnknownKey = errors.New("auth: unknown signing key")

// KeyCache fetches and caches the published signing keys.
type KeyCache struct {
	URL    string
	Client *http.Client
	Now    func() time.Time
	// MinTTL applies when the response carries no usable max-age.
	MinTTL time.Duration

	mu      sync.RWMutex
	keys    map[string]*rsa.PublicKey
	expires time.Time
}

// NewKeyCache returns a cache over url, or DefaultKeysURL when url is empty.
func NewKeyCache(url string, client *http.Client) *KeyCache {
	if url == "" {
		url = DefaultKeysURL
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &KeyCache{URL: url, Client: client, MinTTL: time.Hour}
}

// Key returns the public key for kid, refreshing the set when it is stale or
// does not contain kid.
func (k *KeyCache) Key(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	now := k.now()

	k.mu.RLock()
	key, ok := k.keys[kid]
	fresh := now.Before(k.expires)
	k.mu.RUnlock()
	if ok && fresh {
		return key, nil
	}

	if err := k.refresh(ctx, now); err != nil {
		return nil, err
	}

	k.mu.RLock()
	defer k.mu.RUnlock()
	if key, ok := k.keys[kid]; ok {
		return key, nil
	}
	return nil, ErrUnknownKey
}

func (k *KeyCache) refresh(ctx context.Context, now time.Time) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, k.URL, nil)
	if err != nil {
		return fmt.Errorf("build key request: %w", err)
	}
	resp, err := k.Client.Do(req)
	if err != nil {
		return fmt.Errorf("fetch signing keys: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetch signing keys: status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read signing keys: %w", err)
	}

	var certs map[string]string
	if err := json.Unmarshal(body, &certs); err != nil {
		return fmt.Errorf("decode signing keys: %w", err)
	}
	keys := make(map[string]*rsa.PublicKey, len(certs))
	for kid, pemCert := range certs {
		pub, err := jwt.ParseRSAPublicKeyFromPEM([]byte(pemCert))
		if err != nil {
			return fmt.Errorf("parse key %s: %w", kid, err)
		}
		keys[kid] = pub
	}

	ttl := maxAge(resp.Header.Get("Cache-Control"))
	if ttl <= 0 {
		ttl = k.MinTTL
	}

	k.mu.Lock()
	k.keys = keys
	k.expires = now.Add(ttl)
	k.mu.Unlock()
	return nil
}

func (k *KeyCache) now() time.Time {
	if k.Now != nil {
		return k.Now()
	}
	return time.Now()
}

// maxAge extracts max-age from a Cache-Control header, or 0.
func maxAge(cacheControl string) time.Duration {
	for _, part := range strings.Split(cacheControl, ",") {
		name, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok || !strings.EqualFold(name, "max-age") {
			continue
		}
		secs, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil || secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	return 0
}
