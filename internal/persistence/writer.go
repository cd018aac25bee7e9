package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"InvoiceLedger/internal/event"

	"github.com/google/uuid"
)

// auditNamespace seeds deterministic audit row ids so a re-emitted domain
// event maps onto the row already written.
var auditNamespace = uuid.MustParse("7d1b0c9e-4a52-4d8e-9a3f-0c6f1e2b8a11")

// AuditRow represents a row in audit_log.
type AuditRow struct {
	ID         uuid.UUID
	Kind       string
	InvoiceID  string
	TokenID    string
	TxHash     string
	Payload    []byte // JSON-encoded domain event
	OccurredAt time.Time
}

// NewAuditRow converts a domain event into its audit row.
func NewAuditRow(evt event.DomainEvent) (AuditRow, error) {
	payload, err := json.Marshal(evt)
	if err != nil {
		return AuditRow{}, fmt.Errorf("marshal %s: %w", evt.Kind, err)
	}
	invoiceID := ""
	if evt.InvoiceID != uuid.Nil {
		invoiceID = evt.InvoiceID.String()
	}
	key := strings.Join([]string{evt.Kind.String(), invoiceID, evt.TokenID, evt.TxHash, evt.FromState, evt.ToState}, "|")
	return AuditRow{
		ID:         uuid.NewSHA1(auditNamespace, []byte(key)),
		Kind:       evt.Kind.String(),
		InvoiceID:  invoiceID,
		TokenID:    evt.TokenID,
		TxHash:     evt.TxHash,
		Payload:    payload,
		OccurredAt: evt.OccurredAt,
	}, nil
}

// AuditWriter writes audit rows using multi-row INSERT.
type AuditWriter struct {
	db *sql.DB
}

func NewAuditWriter(db *sql.DB) *AuditWriter {
	return &AuditWriter{db: db}
}

// WriteBatch inserts rows in one statement. Existing ids are skipped.
func (w *AuditWriter) WriteBatch(ctx context.Context, rows []AuditRow) error {
	if len(rows) == 0 {
		return nil
	}

	query := `INSERT INTO audit_log (id, kind, invoice_id, token_id, tx_hash, payload, occurred_at) VALUES `

	values := make([]string, 0, len(rows))
	args := make([]interface{}, 0, len(rows)*7)

	for i, r := range rows {
		base := i * 7
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7,
		))
		args = append(args,
			r.ID.String(), r.Kind, r.InvoiceID, r.TokenID, r.TxHash, string(r.Payload), toMicros(r.OccurredAt),
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (id) DO NOTHING"

	_, err := w.db.ExecContext(ctx, query, args...)
	return err
}

// Trail returns the audit rows of one invoice, oldest first.
func (w *AuditWriter) Trail(ctx context.Context, invoiceID uuid.UUID, limit int) ([]AuditRow, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := w.db.QueryContext(ctx,
		`SELECT id, kind, invoice_id, token_id, tx_hash, payload, occurred_at FROM audit_log
		 WHERE invoice_id = $1 ORDER BY occurred_at, id LIMIT $2`, invoiceID.String(), limit)
	if err != nil {
		return nil, fmt.Errorf("query audit trail: %w", err)
	}
	defer rows.Close()

	var out []AuditRow
	for rows.Next() {
		var (
			r        AuditRow
			id       string
			payload  string
			occurred int64
		)
		if err := rows.Scan(&id, &r.Kind, &r.InvoiceID, &r.TokenID, &r.TxHash, &payload, &occurred); err != nil {
			return nil, err
		}
		if r.ID, err = uuid.Parse(id); err != nil {
			return nil, err
		}
		r.Payload = []byte(payload)
		r.OccurredAt = fromMicros(occurred)
		out = append(out, r)
	}
	return out, rows.Err()
}
