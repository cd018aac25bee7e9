package persistence

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"strings"
	"time"

	"InvoiceLedger/internal/ledger"
	"InvoiceLedger/internal/lifecycle"
	fpmath "InvoiceLedger/internal/math"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// SQLStore is the database-backed ledger.Store. Every Mutation is one
// transaction guarded by an optimistic version check on the invoice row.
type SQLStore struct {
	db       *sql.DB
	snapshot *sql.TxOptions
}

var _ ledger.Store = (*SQLStore)(nil)

func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db, snapshot: snapshotOptions(db.Driver())}
}

// snapshotOptions are the options of multi-statement reads. Postgres runs
// READ COMMITTED by default, where every statement takes a fresh snapshot.
// SQLite has a single connection and needs none.
func snapshotOptions(d driver.Driver) *sql.TxOptions {
	if _, ok := d.(*pq.Driver); ok {
		return &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true}
	}
	return nil
}

// DB exposes the connection pool for health checks and the audit writer.
func (s *SQLStore) DB() *sql.DB { return s.db }

const invoiceColumns = `id, face_value, discount_rate, apr_bps, due_at, created_at, updated_at, state,
	payer_ref, issuer_ref, token_id, issuer_address, fully_funded_at, disbursed_at, settled_at, version`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanInvoice(row rowScanner) (*ledger.Invoice, error) {
	var (
		inv                                  ledger.Invoice
		id, state                            string
		token                                sql.NullString
		face, discount, apr                  int64
		due, created, updated                int64
		fullyFunded, disbursed, settledMicro int64
	)
	err := row.Scan(&id, &face, &discount, &apr, &due, &created, &updated, &state,
		&inv.PayerRef, &inv.IssuerRef, &token, &inv.IssuerAddress,
		&fullyFunded, &disbursed, &settledMicro, &inv.Version)
	if err != nil {
		return nil, err
	}

	if inv.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("invoice id %q: %w", id, err)
	}
	if inv.State, err = lifecycle.ParseState(state); err != nil {
		return nil, err
	}
	inv.FaceValue = fpmath.Amount(face)
	inv.DiscountRate = fpmath.MicroRate(discount)
	inv.APR = fpmath.BasisPoints(apr)
	inv.DueAt = fromMicros(due)
	inv.CreatedAt = fromMicros(created)
	inv.UpdatedAt = fromMicros(updated)
	inv.TokenID = token.String
	inv.FullyFundedAt = fromMicros(fullyFunded)
	inv.DisbursedAt = fromMicros(disbursed)
	inv.SettledAt = fromMicros(settledMicro)
	return &inv, nil
}

func (s *SQLStore) CreateInvoice(ctx context.Context, inv *ledger.Invoice) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO invoices (`+invoiceColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, 1)`,
		inv.ID.String(), int64(inv.FaceValue), int64(inv.DiscountRate), int64(inv.APR),
		toMicros(inv.DueAt), toMicros(inv.CreatedAt), toMicros(inv.UpdatedAt), inv.State.String(),
		inv.PayerRef, inv.IssuerRef, nullable(inv.TokenID), inv.IssuerAddress,
		toMicros(inv.FullyFundedAt), toMicros(inv.DisbursedAt), toMicros(inv.SettledAt),
	)
	if err != nil {
		return fmt.Errorf("insert invoice %s: %w", inv.ID, err)
	}
	return nil
}

func (s *SQLStore) LoadInvoice(ctx context.Context, id uuid.UUID) (*ledger.Invoice, error) {
	return loadInvoice(ctx, s.db, id)
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
}

func loadInvoice(ctx context.Context, q querier, id uuid.UUID) (*ledger.Invoice, error) {
	inv, err := scanInvoice(q.QueryRowContext(ctx,
		`SELECT `+invoiceColumns+` FROM invoices WHERE id = $1`, id.String()))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("invoice %s: %w", id, ledger.ErrInvoiceNotFound)
	}
	return inv, err
}

func (s *SQLStore) InvoiceByToken(ctx context.Context, tokenID string) (*ledger.Invoice, error) {
	inv, err := scanInvoice(s.db.QueryRowContext(ctx,
		`SELECT `+invoiceColumns+` FROM invoices WHERE token_id = $1`, tokenID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("token %s: %w", tokenID, ledger.ErrTokenNotFound)
	}
	return inv, err
}

func (s *SQLStore) ListInvoicesByState(ctx context.Context, states ...lifecycle.State) ([]*ledger.Invoice, error) {
	query := `SELECT ` + invoiceColumns + ` FROM invoices`
	args := make([]interface{}, 0, len(states))
	if len(states) > 0 {
		marks := make([]string, 0, len(states))
		for i, st := range states {
			marks = append(marks, fmt.Sprintf("$%d", i+1))
			args = append(args, st.String())
		}
		query += ` WHERE state IN (` + strings.Join(marks, ", ") + `)`
	}
	query += ` ORDER BY created_at, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list invoices: %w", err)
	}
	defer rows.Close()

	out := make([]*ledger.Invoice, 0)
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inv)
	}
	return out, rows.Err()
}

// LoadBook reads invoice, contributions and repayments inside one read
// transaction so the three agree.
func (s *SQLStore) LoadBook(ctx context.Context, id uuid.UUID) (*ledger.Book, error) {
	tx, err := s.db.BeginTx(ctx, s.snapshot)
	if err != nil {
		return nil, fmt.Errorf("begin read: %w", err)
	}
	defer tx.Rollback()

	inv, err := loadInvoice(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	contributions, err := queryContributions(ctx, tx,
		`SELECT invoice_id, investor, amount, funded_at, tx_hash FROM contributions
		 WHERE invoice_id = $1 ORDER BY funded_at, tx_hash`, id.String())
	if err != nil {
		return nil, err
	}
	repayments, err := queryRepayments(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	return &ledger.Book{Invoice: inv, Contributions: contributions, Repayments: repayments}, nil
}

func (s *SQLStore) ContributionsByInvestor(ctx context.Context, investor string) ([]ledger.Contribution, error) {
	return queryContributions(ctx, s.db,
		`SELECT invoice_id, investor, amount, funded_at, tx_hash FROM contributions
		 WHERE investor = $1 ORDER BY funded_at, tx_hash`, investor)
}

func queryContributions(ctx context.Context, q querier, query string, arg string) ([]ledger.Contribution, error) {
	rows, err := q.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("query contributions: %w", err)
	}
	defer rows.Close()

	var out []ledger.Contribution
	for rows.Next() {
		var (
			c         ledger.Contribution
			invoiceID string
			amount    int64
			fundedAt  int64
		)
		if err := rows.Scan(&invoiceID, &c.Investor, &amount, &fundedAt, &c.TxHash); err != nil {
			return nil, err
		}
		if c.InvoiceID, err = uuid.Parse(invoiceID); err != nil {
			return nil, err
		}
		c.Amount = fpmath.Amount(amount)
		c.FundedAt = fromMicros(fundedAt)
		out = append(out, c)
	}
	return out, rows.Err()
}

func queryRepayments(ctx context.Context, q querier, id uuid.UUID) ([]ledger.Repayment, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT amount, deposited_at, tx_hash FROM repayments
		 WHERE invoice_id = $1 ORDER BY deposited_at, tx_hash`, id.String())
	if err != nil {
		return nil, fmt.Errorf("query repayments: %w", err)
	}
	defer rows.Close()

	var out []ledger.Repayment
	for rows.Next() {
		var (
			r           ledger.Repayment
			amount      int64
			depositedAt int64
		)
		if err := rows.Scan(&amount, &depositedAt, &r.TxHash); err != nil {
			return nil, err
		}
		r.InvoiceID = id
		r.Amount = fpmath.Amount(amount)
		r.DepositedAt = fromMicros(depositedAt)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLStore) StateHistory(ctx context.Context, id uuid.UUID) ([]ledger.StateChange, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT from_state, to_state, trigger_id, reference, at FROM state_changes
		 WHERE invoice_id = $1 ORDER BY version, step`, id.String())
	if err != nil {
		return nil, fmt.Errorf("query state history: %w", err)
	}
	defer rows.Close()

	var out []ledger.StateChange
	for rows.Next() {
		var (
			from, to string
			trigger  int32
			at       int64
			sc       = ledger.StateChange{InvoiceID: id}
		)
		if err := rows.Scan(&from, &to, &trigger, &sc.Reference, &at); err != nil {
			return nil, err
		}
		if sc.From, err = lifecycle.ParseState(from); err != nil {
			return nil, err
		}
		if sc.To, err = lifecycle.ParseState(to); err != nil {
			return nil, err
		}
		sc.Trigger = lifecycle.Trigger(trigger)
		sc.At = fromMicros(at)
		out = append(out, sc)
	}
	return out, rows.Err()
}

// Commit applies m in one transaction. The invoice row update carries the
// version check; the applied_events insert is the idempotency marker.
func (s *SQLStore) Commit(ctx context.Context, m ledger.Mutation) error {
	err := s.commit(ctx, m)
	if err == nil || m.AppliedTxHash == "" || errors.Is(err, ledger.ErrAlreadyApplied) {
		return err
	}
	// A concurrent commit of the same tx hash loses on the primary key;
	// checked after the transaction has released its connection.
	if applied, cerr := s.IsApplied(ctx, m.AppliedTxHash); cerr == nil && applied {
		return fmt.Errorf("tx %s: %w", m.AppliedTxHash, ledger.ErrAlreadyApplied)
	}
	return err
}

func (s *SQLStore) commit(ctx context.Context, m ledger.Mutation) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin commit: %w", err)
	}
	defer tx.Rollback()

	if m.AppliedTxHash != "" {
		applied, err := isApplied(ctx, tx, m.AppliedTxHash)
		if err != nil {
			return err
		}
		if applied {
			return fmt.Errorf("tx %s: %w", m.AppliedTxHash, ledger.ErrAlreadyApplied)
		}
	}

	current, err := loadInvoice(ctx, tx, m.InvoiceID)
	if err != nil {
		return err
	}
	if current.Version != m.ExpectedVersion {
		return fmt.Errorf("invoice %s at version %d, expected %d: %w",
			m.InvoiceID, current.Version, m.ExpectedVersion, ledger.ErrVersionConflict)
	}
	next := current
	if m.Invoice != nil {
		next = m.Invoice
	}
	newVersion := current.Version + 1

	if next.TokenID != "" && next.TokenID != current.TokenID {
		var owner string
		err := tx.QueryRowContext(ctx, `SELECT id FROM invoices WHERE token_id = $1`, next.TokenID).Scan(&owner)
		switch {
		case err == nil:
			return fmt.Errorf("token %s linked to %s: %w", next.TokenID, owner, ledger.ErrTokenConflict)
		case !errors.Is(err, sql.ErrNoRows):
			return fmt.Errorf("check token %s: %w", next.TokenID, err)
		}
	}

	res, err := tx.ExecContext(ctx, `UPDATE invoices SET
			face_value = $1, discount_rate = $2, apr_bps = $3, due_at = $4, updated_at = $5, state = $6,
			payer_ref = $7, issuer_ref = $8, token_id = $9, issuer_address = $10,
			fully_funded_at = $11, disbursed_at = $12, settled_at = $13, version = $14
		WHERE id = $15 AND version = $16`,
		int64(next.FaceValue), int64(next.DiscountRate), int64(next.APR), toMicros(next.DueAt),
		toMicros(next.UpdatedAt), next.State.String(), next.PayerRef, next.IssuerRef,
		nullable(next.TokenID), next.IssuerAddress,
		toMicros(next.FullyFundedAt), toMicros(next.DisbursedAt), toMicros(next.SettledAt),
		newVersion, m.InvoiceID.String(), m.ExpectedVersion,
	)
	if err != nil {
		return fmt.Errorf("update invoice %s: %w", m.InvoiceID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("invoice %s moved past version %d: %w", m.InvoiceID, m.ExpectedVersion, ledger.ErrVersionConflict)
	}

	if c := m.Contribution; c != nil {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO contributions (tx_hash, invoice_id, investor, amount, funded_at) VALUES ($1, $2, $3, $4, $5)`,
			c.TxHash, m.InvoiceID.String(), c.Investor, int64(c.Amount), toMicros(c.FundedAt),
		); err != nil {
			return fmt.Errorf("insert contribution %s: %w", c.TxHash, err)
		}
	}
	if r := m.Repayment; r != nil {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO repayments (tx_hash, invoice_id, amount, deposited_at) VALUES ($1, $2, $3, $4)`,
			r.TxHash, m.InvoiceID.String(), int64(r.Amount), toMicros(r.DepositedAt),
		); err != nil {
			return fmt.Errorf("insert repayment %s: %w", r.TxHash, err)
		}
	}
	for i, sc := range m.StateChanges {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO state_changes (invoice_id, version, step, from_state, to_state, trigger_id, reference, at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			m.InvoiceID.String(), newVersion, i, sc.From.String(), sc.To.String(), int32(sc.Trigger), sc.Reference, toMicros(sc.At),
		); err != nil {
			return fmt.Errorf("insert state change: %w", err)
		}
	}
	if m.AppliedTxHash != "" {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO applied_events (tx_hash, kind, applied_at) VALUES ($1, $2, $3)`,
			m.AppliedTxHash, m.AppliedKind, time.Now().UTC().UnixMicro(),
		); err != nil {
			return fmt.Errorf("mark %s applied: %w", m.AppliedTxHash, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit invoice %s: %w", m.InvoiceID, err)
	}
	return nil
}

func toMicros(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UTC().UnixMicro()
}

func fromMicros(us int64) time.Time {
	if us == 0 {
		return time.Time{}
	}
	return time.UnixMicro(us).UTC()
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
