package storage

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"regexp"
	"time"

	_ "github.com/lib/pq"
)

// PostgresConfig holds Postgres store configuration.
type PostgresConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// PostgresStore persists actor records in a single table with one row per
// actor and JSONB columns for the JSON-valued keys.
type PostgresStore struct {
	db *sql.DB
}

var identifierPattern = regexp.MustCompile(`^[a-zA-Z0-9_.-]+$`)

// validateConfig rejects configuration values that could smuggle extra DSN
// parameters into the connection string.
func validateConfig(config PostgresConfig) error {
	if config.Host == "" {
		return fmt.Errorf("database host is required")
	}
	if net.ParseIP(config.Host) == nil && !identifierPattern.MatchString(config.Host) {
		return fmt.Errorf("invalid database host %q", config.Host)
	}
	if config.Port != "" && !regexp.MustCompile(`^\d{1,5}$`).MatchString(config.Port) {
		return fmt.Errorf("invalid database port %q", config.Port)
	}
	if !identifierPattern.MatchString(config.User) {
		return fmt.Errorf("invalid database user %q", config.User)
	}
	if !identifierPattern.MatchString(config.DBName) {
		return fmt.Errorf("invalid database name %q", config.DBName)
	}
	switch config.SSLMode {
	case "", "disable", "allow", "prefer", "require", "verify-ca", "verify-full":
	default:
		return fmt.Errorf("invalid ssl mode %q", config.SSLMode)
	}
	return nil
}

// NewPostgresStore connects to Postgres, configures the pool and initializes
// the schema.
func NewPostgresStore(config PostgresConfig) (*PostgresStore, error) {
	if err := validateConfig(config); err != nil {
		return nil, err
	}
	sslMode := config.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	dsn := fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		config.Host, config.Port, config.User, config.Password, config.DBName, sslMode)

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &PostgresStore{db: db}
	if err := store.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// NewPostgresStoreWithDB wraps an existing connection; used by tests.
func NewPostgresStoreWithDB(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS actors (
			actor_type         TEXT NOT NULL,
			actor_id           TEXT NOT NULL,
			initial_caller     JSONB,
			input              JSONB,
			persisted_snapshot JSONB,
			updated_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (actor_type, actor_id)
		)`)
	if err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// Load returns the record for an actor, or nil when none exists.
func (s *PostgresStore) Load(ctx context.Context, actorType, actorID string) (*Record, error) {
	rec := &Record{ActorType: actorType, ActorID: actorID}
	var initialCaller, input, snapshot sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT initial_caller, input, persisted_snapshot
		FROM actors WHERE actor_type = $1 AND actor_id = $2`,
		actorType, actorID,
	).Scan(&initialCaller, &input, &snapshot)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load actor record: %w", err)
	}
	if initialCaller.Valid {
		rec.InitialCaller = []byte(initialCaller.String)
	}
	if input.Valid {
		rec.Input = []byte(input.String)
	}
	if snapshot.Valid {
		rec.Snapshot = []byte(snapshot.String)
	}
	return rec, nil
}

// Save upserts the whole record.
func (s *PostgresStore) Save(ctx context.Context, rec *Record) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO actors (actor_type, actor_id, initial_caller, input, persisted_snapshot, updated_at)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT (actor_type, actor_id) DO UPDATE SET
			initial_caller = EXCLUDED.initial_caller,
			input = EXCLUDED.input,
			persisted_snapshot = COALESCE(EXCLUDED.persisted_snapshot, actors.persisted_snapshot),
			updated_at = now()`,
		rec.ActorType, rec.ActorID, nullable(rec.InitialCaller), nullable(rec.Input), nullable(rec.Snapshot))
	if err != nil {
		return fmt.Errorf("failed to save actor record: %w", err)
	}
	return nil
}

// SaveSnapshot overwrites only the persisted snapshot column.
func (s *PostgresStore) SaveSnapshot(ctx context.Context, actorType, actorID string, snapshot []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO actors (actor_type, actor_id, persisted_snapshot, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (actor_type, actor_id) DO UPDATE SET
			persisted_snapshot = EXCLUDED.persisted_snapshot,
			updated_at = now()`,
		actorType, actorID, string(snapshot))
	if err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}
	return nil
}

// Delete removes the actor's record.
func (s *PostgresStore) Delete(ctx context.Context, actorType, actorID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM actors WHERE actor_type = $1 AND actor_id = $2`, actorType, actorID)
	if err != nil {
		return fmt.Errorf("failed to delete actor record: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func nullable(raw []byte) interface{} {
	if raw == nil {
		return nil
	}
	return string(raw)
}
