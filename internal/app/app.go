// Package app assembles the pieces shared by the API server and the
// generation worker: the database handle, the credit policy and the ledger
// services built on them.
package app

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/tbourn/go-credit-ledger/internal/config"
	"github.com/tbourn/go-credit-ledger/internal/domain"
	"github.com/tbourn/go-credit-ledger/internal/ledger"
	"github.com/tbourn/go-credit-ledger/internal/repo"
	"github.com/tbourn/go-credit-ledger/internal/services"
)

// Services groups the ledger services over one database.
type Services struct {
	DB      *gorm.DB
	Policy  ledger.Policy
	Credits *services.CreditService
	Jobs    *services.JobService
	Users   *services.UserService
}

// Policy builds the credit policy from configuration.
func Policy(cfg config.LedgerConfig) (ledger.Policy, error) {
	loc, err := time.LoadLocation(cfg.ResetTimezone)
	if err != nil {
		return ledger.Policy{}, fmt.Errorf("reset timezone: %w", err)
	}
	defaults := make(domain.Credits, len(cfg.DefaultCredits))
	for b, n := range cfg.DefaultCredits {
		defaults[b] = n
	}
	costs := make(map[string]int, len(cfg.Costs))
	for b, n := range cfg.Costs {
		costs[b] = n
	}
	return ledger.Policy{Defaults: defaults, Location: loc, Costs: costs}, nil
}

// OpenDB opens the configured database and migrates the schema.
func OpenDB(cfg config.Config) (*gorm.DB, error) {
	db, err := repo.Open(repo.Options{
		Driver:  cfg.DBDriver,
		Path:    cfg.DBPath,
		DSN:     cfg.DatabaseURL,
		Tracing: cfg.DBTracing,
	})
	if err != nil {
		return nil, err
	}
	if err := repo.AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return db, nil
}

// NewServices wires the ledger services on db. Transaction retries are
// logged at debug level.
func NewServices(cfg config.Config, db *gorm.DB) (*Services, error) {
	policy, err := Policy(cfg.Ledger)
	if err != nil {
		return nil, err
	}
	tx := repo.TxOptions{
		MaxAttempts: cfg.Ledger.TxnMaxAttempts,
		OnRetry: func(attempt int, err error) {
			log.Debug().Err(err).Int("attempt", attempt).Msg("transaction conflict, retrying")
		},
	}
	return &Services{
		DB:      db,
		Policy:  policy,
		Credits: services.NewCreditService(db, policy, cfg.Ledger.RecentCap, tx),
		Jobs:    services.NewJobService(db, tx),
		Users:   services.NewUserService(db, policy),
	}, nil
}

// Close releases the underlying connection pool.
func (s *Services) Close() error {
	sqlDB, err := s.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
