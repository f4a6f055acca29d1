// Package services – UserService
//
// This file implements UserService: provisioning a user with the default
// allotment, and reading a user's balance as it would look after the lazy
// daily reset.
package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/go-credit-ledger/internal/domain"
	"github.com/tbourn/go-credit-ledger/internal/ledger"
	"github.com/tbourn/go-credit-ledger/internal/repo"
)

// UserService provisions users and reports balances.
type UserService struct {
	DB     *gorm.DB
	Policy ledger.Policy
	Now    func() time.Time
}

// NewUserService constructs a UserService.
func NewUserService(db *gorm.DB, policy ledger.Policy) *UserService {
	return &UserService{DB: db, Policy: policy}
}

// Create provisions userID on the free plan with a copy of the default
// allotment, zeroed usage and today's reset date.
//
// Errors:
//   - ErrInvalidInput when userID is blank.
//   - ErrUserExists when the id is already provisioned.
func (s *UserService) Create(ctx context.Context, userID, email string) (*domain.User, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, fmt.Errorf("%w: userId is required", ErrInvalidInput)
	}
	now := s.now()
	usage := domain.Credits{}
	for bucket := range s.Policy.Defaults {
		usage[bucket] = 0
	}
	u := &domain.User{
		ID:             userID,
		Email:          strings.TrimSpace(email),
		Plan:           domain.PlanFree,
		Credits:        s.Policy.Defaults.Clone(),
		Usage:          usage,
		LastResetDate:  s.Policy.Today(now),
		RecentRequests: domain.RequestLog{},
	}
	if err := repo.CreateUser(ctx, s.DB, u); err != nil {
		if errors.Is(err, repo.ErrDuplicate) {
			return nil, ErrUserExists
		}
		return nil, err
	}
	return u, nil
}

// Balance returns userID's record with the lazy reset applied in memory.
// Nothing is written; the next Reserve or Refund persists the reset.
func (s *UserService) Balance(ctx context.Context, userID string) (*domain.User, error) {
	u, err := repo.GetUser(ctx, s.DB, userID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	out := s.Policy.Reset(*u, s.now())
	return &out, nil
}

func (s *UserService) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}
