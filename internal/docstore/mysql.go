package docstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net"
	"strconv"
	"sync/atomic"

	"github.com/go-sql-driver/mysql"

	"github.com/rzpsarthak13/history-absorber/internal/core"
	"github.com/rzpsarthak13/history-absorber/internal/update"
)

// MySQLStore keeps each document as a JSON body in one row. Updates lock the
// row with SELECT ... FOR UPDATE and upsert the new body in the same
// transaction.
type MySQLStore struct {
	db     *sql.DB
	table  string
	closed atomic.Bool
}

// NewMySQLStore wraps an open database handle.
func NewMySQLStore(db *sql.DB, table string) *MySQLStore {
	return &MySQLStore{db: db, table: table}
}

// EnsureTable creates the documents table if it does not exist.
func (m *MySQLStore) EnsureTable(ctx context.Context) error {
	query := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	doc_id VARCHAR(255) NOT NULL PRIMARY KEY,
	body JSON NOT NULL,
	version BIGINT NOT NULL DEFAULT 0,
	updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP
)`, m.table)
	if _, err := m.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to create table %s: %w", m.table, err)
	}
	return nil
}

// Apply applies ops to the document inside one transaction.
func (m *MySQLStore) Apply(ctx context.Context, docID string, ops []core.UpdateOperation) (err error) {
	if m.closed.Load() {
		return fmt.Errorf("document store is closed")
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				log.Printf("[MYSQL] ERROR: rollback for document %s failed: %v", docID, rbErr)
			}
		}
	}()

	var body []byte
	var version int64
	row := tx.QueryRowContext(ctx, fmt.Sprintf("SELECT body, version FROM %s WHERE doc_id = ? FOR UPDATE", m.table), docID)
	if scanErr := row.Scan(&body, &version); scanErr != nil && !errors.Is(scanErr, sql.ErrNoRows) {
		return fmt.Errorf("failed to load document %s: %w", docID, scanErr)
	}

	doc, err := decodeDocument(body)
	if err != nil {
		return err
	}
	if err = update.Apply(doc, ops); err != nil {
		return err
	}
	newBody, err := encodeDocument(doc)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx,
		fmt.Sprintf("INSERT INTO %s (doc_id, body, version) VALUES (?, ?, ?) ON DUPLICATE KEY UPDATE body = VALUES(body), version = VALUES(version)", m.table),
		docID, newBody, version+1)
	if err != nil {
		log.Printf("[MYSQL] ERROR: upsert of document %s failed: %v", docID, err)
		return fmt.Errorf("failed to write document %s: %w", docID, err)
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit document %s: %w", docID, err)
	}
	return nil
}

// ReadArray returns the array stored at path in docID.
func (m *MySQLStore) ReadArray(ctx context.Context, docID string, path string) ([]core.PlayRecord, error) {
	var body []byte
	err := m.db.QueryRowContext(ctx, fmt.Sprintf("SELECT body FROM %s WHERE doc_id = ?", m.table), docID).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return []core.PlayRecord{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read document %s: %w", docID, err)
	}

	doc, err := decodeDocument(body)
	if err != nil {
		return nil, err
	}
	arr, err := update.ArrayAt(doc, path)
	if err != nil {
		return nil, &core.PathError{Path: path, Err: err}
	}
	if arr == nil {
		return []core.PlayRecord{}, nil
	}
	return arr, nil
}

// Close closes the database handle.
func (m *MySQLStore) Close() error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}
	return m.db.Close()
}

// MySQLStoreFactory creates MySQL-backed stores.
type MySQLStoreFactory struct{}

// Type returns the type identifier for this factory.
func (f *MySQLStoreFactory) Type() string {
	return "mysql"
}

// Validate validates the MySQL-specific configuration.
func (f *MySQLStoreFactory) Validate(config Config) error {
	if config.Type != "mysql" {
		return fmt.Errorf("invalid type for MySQL factory: %s", config.Type)
	}
	mc := config.MySQL
	if mc.Host == "" {
		return fmt.Errorf("host is required for MySQL")
	}
	if mc.Port <= 0 || mc.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got: %d", mc.Port)
	}
	if mc.Database == "" {
		return fmt.Errorf("database is required for MySQL")
	}
	if mc.Username == "" {
		return fmt.Errorf("username is required for MySQL")
	}
	if mc.Table == "" {
		return fmt.Errorf("table is required for MySQL")
	}
	if mc.MaxOpenConns <= 0 {
		return fmt.Errorf("max_open_conns must be greater than 0, got: %d", mc.MaxOpenConns)
	}
	if mc.MaxIdleConns < 0 || mc.MaxIdleConns > mc.MaxOpenConns {
		return fmt.Errorf("max_idle_conns must be between 0 and max_open_conns, got: %d", mc.MaxIdleConns)
	}
	if mc.ConnectionTimeout <= 0 {
		return fmt.Errorf("connection_timeout must be greater than 0, got: %v", mc.ConnectionTimeout)
	}
	return nil
}

// DSN builds the driver connection string for mc.
func (mc MySQLConfig) DSN() string {
	cfg := mysql.NewConfig()
	cfg.User = mc.Username
	cfg.Passwd = mc.Password
	cfg.Net = "tcp"
	cfg.Addr = net.JoinHostPort(mc.Host, strconv.Itoa(mc.Port))
	cfg.DBName = mc.Database
	cfg.ParseTime = true
	cfg.Timeout = mc.ConnectionTimeout
	return cfg.FormatDSN()
}

// Create opens the connection pool and verifies it with a ping.
func (f *MySQLStoreFactory) Create(ctx context.Context, config Config) (core.DocumentStore, error) {
	mc := config.MySQL

	db, err := sql.Open("mysql", mc.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(mc.MaxOpenConns)
	db.SetMaxIdleConns(mc.MaxIdleConns)
	db.SetConnMaxLifetime(mc.ConnMaxLifetime)
	db.SetConnMaxIdleTime(mc.ConnMaxIdleTime)

	pingCtx, cancel := context.WithTimeout(ctx, mc.ConnectionTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := NewMySQLStore(db, mc.Table)
	if mc.CreateTable {
		if err := store.EnsureTable(ctx); err != nil {
			db.Close()
			return nil, err
		}
	}

	log.Printf("[MYSQL] Connected to %s/%s (table %s)", net.JoinHostPort(mc.Host, strconv.Itoa(mc.Port)), mc.Database, mc.Table)
	return store, nil
}

func init() {
	RegisterFactory(&MySQLStoreFactory{})
}
