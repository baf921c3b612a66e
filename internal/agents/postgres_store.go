package agents

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/mbd888/agentpay/internal/apperr"
	"github.com/mbd888/agentpay/internal/retry"
)

// PostgresStore persists agents in PostgreSQL. The schema lives in
// migrations/00001_agents.sql.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed agent store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const agentColumns = `id, username, password_hash, level, status, source, commission_rate,
		parent_id, site_config, invite_code, balance, total_earnings, total_transaction_count,
		created_at, updated_at`

const subtreeColumns = `a.id, a.username, a.password_hash, a.level, a.status, a.source, a.commission_rate,
		a.parent_id, a.site_config, a.invite_code, a.balance, a.total_earnings, a.total_transaction_count,
		a.created_at, a.updated_at`

func (p *PostgresStore) Get(ctx context.Context, id string) (*Agent, error) {
	return p.getOne(ctx, p.db, `SELECT `+agentColumns+` FROM agents WHERE id = $1`, id)
}

func (p *PostgresStore) GetByUsername(ctx context.Context, username string) (*Agent, error) {
	return p.getOne(ctx, p.db, `SELECT `+agentColumns+` FROM agents WHERE lower(username) = lower($1)`, username)
}

func (p *PostgresStore) GetByInviteCode(ctx context.Context, code string) (*Agent, error) {
	return p.getOne(ctx, p.db, `SELECT `+agentColumns+` FROM agents WHERE invite_code = $1`, code)
}

func (p *PostgresStore) List(ctx context.Context) ([]*Agent, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+agentColumns+` FROM agents ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanAgents(rows)
}

func (p *PostgresStore) ListChildren(ctx context.Context, parentID string) ([]*Agent, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+agentColumns+` FROM agents
		WHERE parent_id = $1 AND id <> $1
		ORDER BY created_at, id`, parentID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanAgents(rows)
}

// ListSubtree walks descendants with a recursive CTE. The recursion stops one
// level past MaxDepth so a cycle terminates; any row at that depth, or any id
// reached twice, means the tree is corrupt.
func (p *PostgresStore) ListSubtree(ctx context.Context, rootID string) ([]*Agent, error) {
	if _, err := p.Get(ctx, rootID); err != nil {
		return nil, err
	}

	rows, err := p.db.QueryContext(ctx, `
		WITH RECURSIVE sub AS (
			SELECT id, 1 AS depth FROM agents WHERE parent_id = $1 AND id <> $1
			UNION ALL
			SELECT a.id, s.depth + 1 FROM agents a
			JOIN sub s ON a.parent_id = s.id
			WHERE s.depth <= $2
		)
		SELECT s.depth, `+subtreeColumns+`
		FROM sub s JOIN agents a ON a.id = s.id
		ORDER BY s.depth, a.created_at, a.id`, rootID, MaxDepth)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Agent
	seen := map[string]bool{rootID: true}
	for rows.Next() {
		var depth int
		a, err := scanAgent(rows, &depth)
		if err != nil {
			return nil, err
		}
		if depth > MaxDepth || seen[a.ID] {
			return nil, fmt.Errorf("%w: subtree of %s", ErrCorruptHierarchy, rootID)
		}
		seen[a.ID] = true
		out = append(out, a)
	}
	return out, rows.Err()
}

func (p *PostgresStore) Insert(ctx context.Context, a *Agent) error {
	cfg, err := marshalConfig(a.SiteConfig)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO agents (
			id, username, password_hash, level, status, source, commission_rate,
			parent_id, site_config, invite_code, balance, total_earnings, total_transaction_count,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		a.ID, a.Username, a.PasswordHash, int(a.Level), string(a.Status), string(a.Source), a.CommissionRate,
		nullString(a.ParentID), cfg, a.InviteCode, a.Balance, a.TotalEarnings, a.TotalTransactionCount,
		a.CreatedAt, a.UpdatedAt,
	)
	return mapInsertError(err)
}

func (p *PostgresStore) Update(ctx context.Context, id string, patch func(*Agent) error) (*Agent, error) {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	cur, err := p.getOne(ctx, tx, `SELECT `+agentColumns+` FROM agents WHERE id = $1 FOR UPDATE`, id)
	if err != nil {
		return nil, err
	}
	next := cur.Clone()
	if err := patch(next); err != nil {
		return nil, err
	}
	next.UpdatedAt = time.Now()

	cfg, err := marshalConfig(next.SiteConfig)
	if err != nil {
		return nil, err
	}
	// Only the patchable columns are written.
	_, err = tx.ExecContext(ctx, `
		UPDATE agents SET
			password_hash = $1, status = $2, commission_rate = $3, site_config = $4, updated_at = $5
		WHERE id = $6`,
		next.PasswordHash, string(next.Status), next.CommissionRate, cfg, next.UpdatedAt, id,
	)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	cur.PasswordHash, cur.Status, cur.CommissionRate = next.PasswordHash, next.Status, next.CommissionRate
	cur.SiteConfig, cur.UpdatedAt = next.SiteConfig, next.UpdatedAt
	return cur, nil
}

// DeleteSet removes every id in one serializable transaction. A missing id
// aborts the whole delete; the parent_id foreign key aborts it too if the
// set would leave an orphan. Serialization failures are retried.
func (p *PostgresStore) DeleteSet(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	unique := dedupe(ids)
	return retry.Do(ctx, retry.DefaultPolicy, isSerializationFailure, func(ctx context.Context) error {
		return p.deleteSet(ctx, unique)
	})
}

func (p *PostgresStore) deleteSet(ctx context.Context, ids []string) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var found int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM agents WHERE id = ANY($1)`, pq.Array(ids),
	).Scan(&found); err != nil {
		return err
	}
	if found != len(ids) {
		return ErrAgentNotFound
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM agents WHERE id = ANY($1)`, pq.Array(ids)); err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23503" {
			return fmt.Errorf("%w: delete would orphan descendants", apperr.ErrInvalidArgument)
		}
		return err
	}
	return tx.Commit()
}

func (p *PostgresStore) ApplyCredits(ctx context.Context, credits []Credit) error {
	return retry.Do(ctx, retry.DefaultPolicy, isSerializationFailure, func(ctx context.Context) error {
		tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
		if err != nil {
			return err
		}
		defer tx.Rollback()

		if err := ApplyCreditsTx(ctx, tx, credits); err != nil {
			return err
		}
		return tx.Commit()
	})
}

// isSerializationFailure reports SQLSTATE 40001, which Postgres raises when
// a serializable transaction loses a conflict and may simply be rerun.
func isSerializationFailure(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "40001"
}

// ApplyCreditsTx applies credits inside a caller-owned transaction so they
// commit together with the caller's own writes.
func ApplyCreditsTx(ctx context.Context, tx *sql.Tx, credits []Credit) error {
	for _, c := range credits {
		result, err := tx.ExecContext(ctx, `
			UPDATE agents SET
				balance = balance + $1,
				total_earnings = total_earnings + $1,
				total_transaction_count = total_transaction_count + 1,
				updated_at = NOW()
			WHERE id = $2`, c.Amount, c.AgentID)
		if err != nil {
			return err
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return err
		}
		if rows == 0 {
			return fmt.Errorf("credit %s: %w", c.AgentID, ErrAgentNotFound)
		}
	}
	return nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func (p *PostgresStore) getOne(ctx context.Context, q queryer, query string, arg string) (*Agent, error) {
	a, err := scanAgent(q.QueryRowContext(ctx, query, arg), nil)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAgentNotFound
	}
	return a, err
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanAgent(s scanner, depth *int) (*Agent, error) {
	a := &Agent{}
	var (
		level    int
		status   string
		source   string
		parentID sql.NullString
		cfgJSON  []byte
	)
	dest := []interface{}{
		&a.ID, &a.Username, &a.PasswordHash, &level, &status, &source, &a.CommissionRate,
		&parentID, &cfgJSON, &a.InviteCode, &a.Balance, &a.TotalEarnings, &a.TotalTransactionCount,
		&a.CreatedAt, &a.UpdatedAt,
	}
	if depth != nil {
		dest = append([]interface{}{depth}, dest...)
	}
	if err := s.Scan(dest...); err != nil {
		return nil, err
	}

	a.Level = Level(level)
	a.Status = Status(status)
	a.Source = Source(source)
	a.ParentID = parentID.String
	if len(cfgJSON) > 0 {
		var cfg SiteConfig
		if err := json.Unmarshal(cfgJSON, &cfg); err != nil {
			return nil, fmt.Errorf("decode site_config for %s: %w", a.ID, err)
		}
		a.SiteConfig = &cfg
	}
	return a, nil
}

func scanAgents(rows *sql.Rows) ([]*Agent, error) {
	var out []*Agent
	for rows.Next() {
		a, err := scanAgent(rows, nil)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// marshalConfig encodes cfg for a JSONB column. It returns a string because
// lib/pq sends []byte as bytea.
func marshalConfig(cfg *SiteConfig) (sql.NullString, error) {
	if cfg == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(cfg)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func mapInsertError(err error) error {
	if err == nil {
		return nil
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch {
		case pqErr.Code == "23505" && pqErr.Constraint == "agents_invite_code_key":
			return ErrInviteCodeTaken
		case pqErr.Code == "23505":
			return ErrUsernameTaken
		case pqErr.Code == "23503":
			return fmt.Errorf("parent: %w", ErrAgentNotFound)
		}
	}
	return err
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
