package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq" // Postgres driver

	"storyproc/internal/core"
)

// PostgresDB implements the Database interface for PostgreSQL
type PostgresDB struct {
	db *sql.DB

	stories *postgresStoryRepo
	history *postgresHistoryRepo
}

// NewPostgresDB creates a new PostgreSQL database connection
func NewPostgresDB(connectionString string) (*PostgresDB, error) {
	db, err := sql.Open("postgres", connectionString)
	if err != nil {
		return nil, fmt.Errorf("%w: open: %v", core.ErrAuditStore, err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	// Test the connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: ping: %v", core.ErrAuditStore, err)
	}

	pdb := &PostgresDB{db: db}
	pdb.stories = &postgresStoryRepo{db: db}
	pdb.history = &postgresHistoryRepo{db: db}

	return pdb, nil
}

// Stories returns the audit log repository
func (p *PostgresDB) Stories() StoryRepository {
	return p.stories
}

// History returns the project watermark repository
func (p *PostgresDB) History() ProjectHistoryRepository {
	return p.history
}

// Close closes the database connection
func (p *PostgresDB) Close() error {
	return p.db.Close()
}

// Ping verifies the database connection
func (p *PostgresDB) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// BeginTx starts a new transaction
func (p *PostgresDB) BeginTx(ctx context.Context) (Transaction, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: begin transaction: %v", core.ErrAuditStore, err)
	}

	return &postgresTx{
		tx:      tx,
		stories: &postgresStoryRepo{db: p.db, tx: tx},
		history: &postgresHistoryRepo{db: p.db, tx: tx},
	}, nil
}

// postgresTx implements the Transaction interface
type postgresTx struct {
	tx      *sql.Tx
	stories *postgresStoryRepo
	history *postgresHistoryRepo
}

func (t *postgresTx) Commit() error {
	return t.tx.Commit()
}

func (t *postgresTx) Rollback() error {
	return t.tx.Rollback()
}

func (t *postgresTx) Stories() StoryRepository {
	return t.stories
}

func (t *postgresTx) History() ProjectHistoryRepository {
	return t.history
}
