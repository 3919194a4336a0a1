// Package mysqlstore persists conversations in MySQL, one row per message.
package mysqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/hupe1980/agentloop/core"
	"github.com/hupe1980/agentloop/session"
)

// DefaultTable stores the messages.
const DefaultTable = "agentloop_messages"

var tableName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Config describes the database connection.
type Config struct {
	DSN             string        `yaml:"dsn"`
	Table           string        `yaml:"table"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"-"`
}

// Store implements session.Store. Every write replaces the session's rows in
// one transaction, so readers never observe a partial list.
type Store struct {
	db    *sql.DB
	table string
	owned bool
}

var _ session.Store = (*Store)(nil)

// New wraps an open database. The schema is not touched; call EnsureSchema.
func New(db *sql.DB, table string) (*Store, error) {
	if table == "" {
		table = DefaultTable
	}

	if !tableName.MatchString(table) {
		return nil, fmt.Errorf("mysqlstore: invalid table name %q", table)
	}

	return &Store{db: db, table: table}, nil
}

// Open validates the DSN, connects, pings and bootstraps the schema.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, errors.New("mysqlstore: DSN must not be empty")
	}

	if _, err := mysql.ParseDSN(cfg.DSN); err != nil {
		return nil, fmt.Errorf("mysqlstore: invalid DSN: %w", err)
	}

	db, err := sql.Open("mysql", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("mysqlstore: open: %w", err)
	}

	db.SetMaxOpenConns(orDefault(cfg.MaxOpenConns, 20))
	db.SetMaxIdleConns(orDefault(cfg.MaxIdleConns, 10))

	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	} else {
		db.SetConnMaxLifetime(30 * time.Minute)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("mysqlstore: ping: %w", err)
	}

	s, err := New(db, cfg.Table)
	if err != nil {
		db.Close()
		return nil, err
	}

	s.owned = true

	if err := s.EnsureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

func orDefault(v, def int) int {
	if v > 0 {
		return v
	}

	return def
}

// EnsureSchema creates the message table if it does not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	stmt := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
        session_id VARCHAR(128) NOT NULL,
        seq INT NOT NULL,
        role VARCHAR(16) NOT NULL,
        content MEDIUMTEXT NOT NULL,
        created_at BIGINT NOT NULL,
        PRIMARY KEY (session_id, seq)
)`, s.table)

	if _, err := s.db.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("mysqlstore: create table %s: %w", s.table, err)
	}

	return nil
}

// Write replaces the stored list.
func (s *Store) Write(ctx context.Context, sessionID string, messages []core.StoredMessage) (err error) {
	if sessionID == "" {
		return session.ErrEmptySessionID
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("mysqlstore: begin: %w", err)
	}

	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE session_id = ?", s.table), sessionID); err != nil {
		return fmt.Errorf("mysqlstore: clear %s: %w", sessionID, err)
	}

	if len(messages) > 0 {
		query, args := s.insert(sessionID, messages)
		if _, err = tx.ExecContext(ctx, query, args...); err != nil {
			var mysqlErr *mysql.MySQLError
			if errors.As(err, &mysqlErr) && mysqlErr.Number == 1406 {
				return fmt.Errorf("mysqlstore: message too long for %s: %w", sessionID, err)
			}
			return fmt.Errorf("mysqlstore: insert %s: %w", sessionID, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("mysqlstore: commit: %w", err)
	}

	return nil
}

func (s *Store) insert(sessionID string, messages []core.StoredMessage) (string, []any) {
	var b strings.Builder

	fmt.Fprintf(&b, "INSERT INTO %s (session_id, seq, role, content, created_at) VALUES ", s.table)

	args := make([]any, 0, len(messages)*5)
	for i, m := range messages {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("(?, ?, ?, ?, ?)")
		args = append(args, sessionID, i, m.Role, m.Content, m.Timestamp.UnixMilli())
	}

	return b.String(), args
}

// Read returns the stored list in order.
func (s *Store) Read(ctx context.Context, sessionID string) ([]core.StoredMessage, error) {
	if sessionID == "" {
		return nil, session.ErrEmptySessionID
	}

	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf("SELECT role, content, created_at FROM %s WHERE session_id = ? ORDER BY seq", s.table),
		sessionID)
	if err != nil {
		return nil, fmt.Errorf("mysqlstore: query %s: %w", sessionID, err)
	}
	defer rows.Close()

	out := []core.StoredMessage{}

	for rows.Next() {
		var (
			m       core.StoredMessage
			created int64
		)

		if err := rows.Scan(&m.Role, &m.Content, &created); err != nil {
			return nil, fmt.Errorf("mysqlstore: scan %s: %w", sessionID, err)
		}

		m.Timestamp = time.UnixMilli(created).UTC()
		out = append(out, m)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("mysqlstore: rows %s: %w", sessionID, err)
	}

	return out, nil
}

// Close closes the database when it was opened by Open.
func (s *Store) Close() error {
	if !s.owned {
		return nil
	}

	return s.db.Close()
}
