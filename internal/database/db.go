package database

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// DB wraps the PostgreSQL connection pool
type DB struct {
	Pool *pgxpool.Pool
}

// Config holds database configuration
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

// NewDB creates a new database connection
func NewDB(cfg Config) (*DB, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode,
	)

	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	poolConfig.MaxConns = 25
	poolConfig.MinConns = 5
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	log.Printf("Successfully connected to PostgreSQL database: %s", cfg.Database)

	return &DB{Pool: pool}, nil
}

// Close closes the database connection
func (db *DB) Close() {
	if db.Pool != nil {
		db.Pool.Close()
		log.Println("Database connection closed")
	}
}

// RunMigrations executes database migrations
func (db *DB) RunMigrations(ctx context.Context) error {
	log.Println("Running database migrations...")

	migrations := []string{
		// License applications. Records are never physically deleted;
		// terminal statuses are retained for audit.
		`CREATE TABLE IF NOT EXISTS applications (
			id UUID PRIMARY KEY,
			owner_id VARCHAR(100) NOT NULL,
			app_key VARCHAR(300) NOT NULL,
			ea_name VARCHAR(200) NOT NULL,
			account_number VARCHAR(50) NOT NULL,
			broker VARCHAR(100) NOT NULL,
			email VARCHAR(255) NOT NULL,
			x_account VARCHAR(100),
			status VARCHAR(30) NOT NULL DEFAULT 'PENDING',
			applied_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			approved_at TIMESTAMPTZ,
			expiry_date TIMESTAMPTZ,
			license_key TEXT,
			license_issued_at TIMESTAMPTZ,
			notification_scheduled_at TIMESTAMPTZ,
			integration_test_id VARCHAR(100),
			failure_count INTEGER NOT NULL DEFAULT 0,
			last_failure_reason TEXT,
			last_failed_at TIMESTAMPTZ,
			UNIQUE (owner_id, app_key)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_applications_owner ON applications(owner_id)`,
		`CREATE INDEX IF NOT EXISTS idx_applications_status ON applications(status)`,
		`CREATE INDEX IF NOT EXISTS idx_applications_applied_at ON applications(applied_at)`,

		// Append-only transition history, one row per lifecycle mutation
		`CREATE TABLE IF NOT EXISTS application_history (
			id UUID PRIMARY KEY,
			owner_id VARCHAR(100) NOT NULL,
			app_key VARCHAR(300) NOT NULL,
			action VARCHAR(50) NOT NULL,
			changed_by VARCHAR(100) NOT NULL,
			previous_status VARCHAR(30) NOT NULL,
			new_status VARCHAR(30) NOT NULL,
			reason TEXT,
			timestamp TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_history_app ON application_history(owner_id, app_key)`,
		`CREATE INDEX IF NOT EXISTS idx_history_timestamp ON application_history(timestamp)`,

		// Per-user profile with embedded test records
		`CREATE TABLE IF NOT EXISTS user_profiles (
			owner_id VARCHAR(100) PRIMARY KEY,
			setup_phase VARCHAR(20) NOT NULL DEFAULT 'SETUP',
			notification_enabled BOOLEAN NOT NULL DEFAULT true,
			callback_url TEXT,
			setup_test JSONB,
			integration_test JSONB,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_user_profiles_phase ON user_profiles(setup_phase)`,
	}

	for i, migration := range migrations {
		if _, err := db.Pool.Exec(ctx, migration); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}

	log.Println("Database migrations completed successfully")
	return nil
}

// HealthCheck performs a database health check
func (db *DB) HealthCheck(ctx context.Context) error {
	return db.Pool.Ping(ctx)
}
