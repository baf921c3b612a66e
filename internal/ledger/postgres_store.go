package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"

	"github.com/mbd888/agentpay/internal/agents"
	"github.com/mbd888/agentpay/internal/apperr"
	"github.com/mbd888/agentpay/internal/paymenttarget"
)

// PostgresStore persists transactions in PostgreSQL. Finalize shares its
// database transaction with the agent balance updates, so both tables must
// live in the same database.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed transaction store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const txColumns = `id, amount, type, referral_agent_id, receiving_agent_id, status,
		customer_view, admin_view, verified_by, verified_at, remarks,
		commission, parent_commission, parent_commission_agent_id, payer_ref,
		created_at, updated_at, completed_at`

func (p *PostgresStore) Create(ctx context.Context, t *Transaction) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO transactions (`+txColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`,
		t.ID, t.Amount, string(t.Type), t.ReferralAgentID, t.ReceivingAgentID, string(t.Status),
		string(t.Verification.CustomerView), string(t.Verification.AdminView),
		nullString(t.Verification.VerifiedBy), t.Verification.VerifiedAt, nullString(t.Verification.Remarks),
		t.Commission, t.ParentCommission, nullString(t.ParentCommissionAgentID), nullString(t.PayerRef),
		t.CreatedAt, t.UpdatedAt, t.CompletedAt,
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return fmt.Errorf("%w: transaction %s already exists", apperr.ErrConflict, t.ID)
	}
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Transaction, error) {
	t, err := scanTransaction(p.db.QueryRowContext(ctx,
		`SELECT `+txColumns+` FROM transactions WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTransactionNotFound
	}
	return t, err
}

func (p *PostgresStore) List(ctx context.Context, filter ListFilter) ([]*Transaction, error) {
	var (
		where []string
		args  []interface{}
	)
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if filter.ReferralAgentIDs != nil {
		where = append(where, "referral_agent_id = ANY("+arg(pq.Array(filter.ReferralAgentIDs))+")")
	}
	if filter.Status != "" {
		where = append(where, "status = "+arg(string(filter.Status)))
	}
	if c := filter.Cursor; c != nil {
		ts, id := arg(c.CreatedAt), arg(c.ID)
		where = append(where, "(created_at, id) < ("+ts+", "+id+")")
	}

	query := `SELECT ` + txColumns + ` FROM transactions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"
	if filter.Limit > 0 {
		query += " LIMIT " + arg(filter.Limit)
	}

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Finalize flips the row out of pending with a conditional update and
// credits the agents inside the same database transaction.
func (p *PostgresStore) Finalize(ctx context.Context, t *Transaction, credits []agents.Credit) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		UPDATE transactions SET
			status = $1, customer_view = $2, admin_view = $3,
			verified_by = $4, verified_at = $5, remarks = $6,
			commission = $7, parent_commission = $8, parent_commission_agent_id = $9,
			updated_at = $10, completed_at = $11
		WHERE id = $12 AND status = 'pending'`,
		string(t.Status), string(t.Verification.CustomerView), string(t.Verification.AdminView),
		nullString(t.Verification.VerifiedBy), t.Verification.VerifiedAt, nullString(t.Verification.Remarks),
		t.Commission, t.ParentCommission, nullString(t.ParentCommissionAgentID),
		t.UpdatedAt, t.CompletedAt, t.ID,
	)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var exists bool
		if err := tx.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM transactions WHERE id = $1)`, t.ID,
		).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrTransactionNotFound
		}
		return ErrAlreadyProcessed
	}

	if err := agents.ApplyCreditsTx(ctx, tx, credits); err != nil {
		return err
	}
	return tx.Commit()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanTransaction(s scanner) (*Transaction, error) {
	t := &Transaction{}
	var (
		typ, status, customerView, adminView         string
		verifiedBy, remarks, parentAgentID, payerRef sql.NullString
		verifiedAt, completedAt                      sql.NullTime
	)
	err := s.Scan(
		&t.ID, &t.Amount, &typ, &t.ReferralAgentID, &t.ReceivingAgentID, &status,
		&customerView, &adminView, &verifiedBy, &verifiedAt, &remarks,
		&t.Commission, &t.ParentCommission, &parentAgentID, &payerRef,
		&t.CreatedAt, &t.UpdatedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}

	t.Type = paymenttarget.Type(typ)
	t.Status = Status(status)
	t.Verification.CustomerView = CustomerView(customerView)
	t.Verification.AdminView = AdminView(adminView)
	t.Verification.VerifiedBy = verifiedBy.String
	t.Verification.Remarks = remarks.String
	if verifiedAt.Valid {
		at := verifiedAt.Time
		t.Verification.VerifiedAt = &at
	}
	if completedAt.Valid {
		at := completedAt.Time
		t.CompletedAt = &at
	}
	t.ParentCommissionAgentID = parentAgentID.String
	t.PayerRef = payerRef.String
	return t, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

var _ Store = (*PostgresStore)(nil)
