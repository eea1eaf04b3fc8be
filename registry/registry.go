// Package registry implements the known-workspace policy table
// (SPEC_FULL.md §4.N): a small gorm-backed Postgres table recording which
// workspace ids are known and what sync policy applies to them, consulted
// by room.Manager on a peer's first connection to a workspace. Grounded
// on db/postgres.go's gorm.Open(postgres.Open(dsn), &gorm.Config{})
// connection setup, with the Register/Unregister/Get/List surface of the
// former client/service registry kept as the imitated access pattern.
package registry

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// Policy names the sync mode a workspace id is admitted under.
type Policy string

const (
	// PolicyOpen admits any peer without checking credentials.
	PolicyOpen Policy = "open"
	// PolicyAuth marks a workspace id for token-checked peers. It is only
	// stored: AllowKnown and AllowUnregisteredAs admit a
	// registered id whatever its policy, and no token is verified.
	PolicyAuth Policy = "auth"
)

// KnownWorkspace is the known_workspaces row for one workspace id.
type KnownWorkspace struct {
	WorkspaceID string `gorm:"primaryKey;column:workspace_id"`
	Policy      Policy `gorm:"column:policy;not null"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (KnownWorkspace) TableName() string { return "known_workspaces" }

// ErrNotFound is returned by Get when no row exists for a workspace id.
var ErrNotFound = errors.New("registry: workspace not registered")

// Store is the gorm-backed known-workspace table. A zero Store is not
// usable; construct one with Open.
type Store struct {
	db            *gorm.DB
	defaultPolicy Policy
}

// Option configures a new Store.
type Option func(*Store)

// WithDefaultPolicy records a default policy on the Store (PolicyOpen when
// not given). No method of Store reads it; admission of ids with no row is
// decided by the choice between AllowKnown and AllowUnregisteredAs.
func WithDefaultPolicy(p Policy) Option {
	return func(s *Store) { s.defaultPolicy = p }
}

// Open connects to Postgres at dsn and ensures the known_workspaces table
// exists via AutoMigrate, mirroring db/postgres.go's PGMigrations.
func Open(dsn string, opts ...Option) (*Store, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("registry: connect: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("registry: underlying sql.DB: %w", err)
	}
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(100)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := db.AutoMigrate(&KnownWorkspace{}); err != nil {
		return nil, fmt.Errorf("registry: migrate: %w", err)
	}

	s := &Store{db: db, defaultPolicy: PolicyOpen}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Register creates or updates the policy recorded for workspaceID.
func (s *Store) Register(workspaceID string, policy Policy) error {
	row := KnownWorkspace{WorkspaceID: workspaceID, Policy: policy}
	err := s.db.Save(&row).Error
	if err != nil {
		return fmt.Errorf("registry: register %s: %w", workspaceID, err)
	}
	return nil
}

// Unregister removes any row recorded for workspaceID. Unregistering an
// unknown id is not an error.
func (s *Store) Unregister(workspaceID string) error {
	err := s.db.Where("workspace_id = ?", workspaceID).Delete(&KnownWorkspace{}).Error
	if err != nil {
		return fmt.Errorf("registry: unregister %s: %w", workspaceID, err)
	}
	return nil
}

// Get returns the policy recorded for workspaceID, or ErrNotFound if no
// row exists.
func (s *Store) Get(workspaceID string) (Policy, error) {
	var row KnownWorkspace
	err := s.db.Where("workspace_id = ?", workspaceID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("registry: get %s: %w", workspaceID, err)
	}
	return row.Policy, nil
}

// List returns every registered workspace id.
func (s *Store) List() ([]KnownWorkspace, error) {
	var rows []KnownWorkspace
	if err := s.db.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("registry: list: %w", err)
	}
	return rows, nil
}

// AllowKnown returns a room.PolicyFunc-compatible predicate admitting
// only workspace ids with a row in the table (any policy value).
func (s *Store) AllowKnown(workspaceID string) bool {
	_, err := s.Get(workspaceID)
	return err == nil
}

// AllowUnregisteredAs returns a room.PolicyFunc-compatible predicate that
// admits registered ids, and falls back to either accepting or rejecting
// unregistered ids depending on reject -- so an operator can run ad hoc
// (unregistered ids allowed) or registered-only (reject everything but
// rows explicitly Register'd) by choice of this flag, per spec.md §4.I.
func (s *Store) AllowUnregisteredAs(reject bool) func(string) bool {
	return func(workspaceID string) bool {
		_, err := s.Get(workspaceID)
		if err == nil {
			return true
		}
		if errors.Is(err, ErrNotFound) {
			return !reject
		}
		return false
	}
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("registry: underlying sql.DB: %w", err)
	}
	return sqlDB.Close()
}
