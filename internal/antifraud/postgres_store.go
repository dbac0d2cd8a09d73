package antifraud

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"
)

var (
	_ OperationLog   = (*PostgresStore)(nil)
	_ Blacklist      = (*PostgresStore)(nil)
	_ HoldStore      = (*PostgresStore)(nil)
	_ DeviceRegistry = (*PostgresStore)(nil)
	_ AuditStore     = (*PostgresStore)(nil)
)

// PostgresStore reads the loyalty tables (operations, holds, devices,
// customers) and owns the fraud_checks and fraud_feedback tables. The
// schema lives in migrations/.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed antifraud store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) CountOperations(ctx context.Context, f OperationFilter) (int, error) {
	where, args := filterClause(f)
	var n int
	err := p.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM loyalty_operations WHERE `+where, args...).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("antifraud: count operations: %w", err)
	}
	return n, nil
}

// filterClause renders f as a WHERE clause with positional arguments.
func filterClause(f OperationFilter) (string, []any) {
	conds := []string{"merchant_id = $1"}
	args := []any{f.MerchantID}
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if f.CustomerID != "" {
		add("customer_id = $%d", f.CustomerID)
	}
	if f.OutletID != "" {
		add("outlet_id = $%d", f.OutletID)
	}
	if f.DeviceID != "" {
		add("device_id = $%d", f.DeviceID)
	}
	if f.StaffID != "" {
		add("staff_id = $%d", f.StaffID)
	}
	if !f.Since.IsZero() {
		add("created_at >= $%d", f.Since)
	}
	if !f.Before.IsZero() {
		add("created_at < $%d", f.Before)
	}
	return strings.Join(conds, " AND "), args
}

const operationColumns = `id, merchant_id, customer_id, type, amount,
	COALESCE(outlet_id, ''), COALESCE(staff_id, ''), COALESCE(device_id, ''),
	lat, lon, created_at`

func scanOperation(scanner interface{ Scan(...any) error }) (OperationSummary, error) {
	var (
		op       OperationSummary
		lat, lon sql.NullFloat64
	)
	err := scanner.Scan(&op.ID, &op.MerchantID, &op.CustomerID, &op.Type, &op.Amount,
		&op.OutletID, &op.StaffID, &op.DeviceID, &lat, &lon, &op.CreatedAt)
	if err != nil {
		return op, err
	}
	if lat.Valid && lon.Valid {
		op.Location = &GeoPoint{Lat: lat.Float64, Lon: lon.Float64}
	}
	return op, nil
}

func (p *PostgresStore) FindRecentOperations(ctx context.Context, merchantID, customerID string, limit int) ([]OperationSummary, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+operationColumns+`
		FROM loyalty_operations
		WHERE merchant_id = $1 AND customer_id = $2
		ORDER BY created_at DESC
		LIMIT $3`, merchantID, customerID, limit)
	if err != nil {
		return nil, fmt.Errorf("antifraud: recent operations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []OperationSummary
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, fmt.Errorf("antifraud: scan operation: %w", err)
		}
		out = append(out, op)
	}
	return out, rows.Err()
}

func (p *PostgresStore) CountDistinctDevices(ctx context.Context, merchantID, customerID string, since time.Time) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx, `
		SELECT COUNT(DISTINCT device_id)
		FROM loyalty_operations
		WHERE merchant_id = $1 AND customer_id = $2
		  AND device_id IS NOT NULL AND device_id <> ''
		  AND created_at >= $3`, merchantID, customerID, since).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("antifraud: count devices: %w", err)
	}
	return n, nil
}

func (p *PostgresStore) LastLocatedOperation(ctx context.Context, merchantID, customerID string) (*OperationSummary, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+operationColumns+`
		FROM loyalty_operations
		WHERE merchant_id = $1 AND customer_id = $2
		  AND lat IS NOT NULL AND lon IS NOT NULL
		ORDER BY created_at DESC
		LIMIT 1`, merchantID, customerID)
	op, err := scanOperation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("antifraud: last located operation: %w", err)
	}
	return &op, nil
}

func (p *PostgresStore) IsBlacklisted(ctx context.Context, merchantID, customerID string) (bool, error) {
	var blocked bool
	err := p.db.QueryRowContext(ctx, `
		SELECT accruals_blocked OR redemptions_blocked
		FROM loyalty_customers
		WHERE merchant_id = $1 AND customer_id = $2`, merchantID, customerID).Scan(&blocked)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("antifraud: blacklist lookup: %w", err)
	}
	return blocked, nil
}

func (p *PostgresStore) GetHold(ctx context.Context, id string) (*Hold, error) {
	h := &Hold{}
	var outlet, staff, device sql.NullString
	err := p.db.QueryRowContext(ctx, `
		SELECT id, merchant_id, customer_id, outlet_id, staff_id, device_id,
			mode, earn_points, redeem_amount
		FROM loyalty_holds WHERE id = $1`, id,
	).Scan(&h.ID, &h.MerchantID, &h.CustomerID, &outlet, &staff, &device,
		&h.Mode, &h.EarnPoints, &h.RedeemAmount)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrHoldNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("antifraud: get hold: %w", err)
	}
	h.OutletID, h.StaffID, h.DeviceID = outlet.String, staff.String, device.String
	return h, nil
}

func (p *PostgresStore) ResolveDevice(ctx context.Context, merchantID, code string) (string, error) {
	normalized := NormalizeDeviceCode(code)
	if normalized == "" {
		return "", ErrNotFound
	}
	var id string
	err := p.db.QueryRowContext(ctx, `
		SELECT id FROM loyalty_devices
		WHERE merchant_id = $1 AND code_normalized = $2 AND archived_at IS NULL
		ORDER BY id
		LIMIT 1`, merchantID, normalized).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("antifraud: resolve device code: %w", err)
	}

	err = p.db.QueryRowContext(ctx, `
		SELECT id FROM loyalty_devices
		WHERE id = $1 AND merchant_id = $2 AND archived_at IS NULL`,
		strings.TrimSpace(code), merchantID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("antifraud: resolve device id: %w", err)
	}
	return id, nil
}

func (p *PostgresStore) Record(ctx context.Context, rec *AuditRecord) error {
	meta, err := json.Marshal(rec.Metadata)
	if err != nil {
		return fmt.Errorf("antifraud: encode metadata: %w", err)
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO fraud_checks (
			id, actor, merchant_id, customer_id, transaction_id, operation, type,
			amount, score, level, factors, blocked, review, block_reason,
			metadata, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		rec.ID, rec.Actor, rec.MerchantID, rec.CustomerID, nullString(rec.TransactionID),
		string(rec.Operation), string(rec.Type), rec.Amount, rec.Score, string(rec.Level),
		pq.Array(rec.Factors), rec.Blocked, rec.Review, nullString(rec.BlockReason),
		meta, rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("antifraud: insert fraud check: %w", err)
	}
	return nil
}

const auditColumns = `id, actor, merchant_id, customer_id, COALESCE(transaction_id, ''),
	operation, type, amount, score, level, factors, blocked, review,
	COALESCE(block_reason, ''), metadata, created_at`

func scanAudit(rows *sql.Rows) (*AuditRecord, error) {
	var (
		r      AuditRecord
		amount decimal.NullDecimal
		meta   []byte
	)
	err := rows.Scan(&r.ID, &r.Actor, &r.MerchantID, &r.CustomerID, &r.TransactionID,
		&r.Operation, &r.Type, &amount, &r.Score, &r.Level, pq.Array(&r.Factors),
		&r.Blocked, &r.Review, &r.BlockReason, &meta, &r.CreatedAt)
	if err != nil {
		return nil, err
	}
	r.Amount = amount.Decimal
	if len(meta) > 0 {
		_ = json.Unmarshal(meta, &r.Metadata)
	}
	return &r, nil
}

func (p *PostgresStore) listAudit(ctx context.Context, query string, args ...any) ([]*AuditRecord, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("antifraud: list fraud checks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*AuditRecord
	for rows.Next() {
		r, err := scanAudit(rows)
		if err != nil {
			return nil, fmt.Errorf("antifraud: scan fraud check: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *PostgresStore) ListByCustomer(ctx context.Context, merchantID, customerID string, limit int) ([]*AuditRecord, error) {
	return p.listAudit(ctx, `
		SELECT `+auditColumns+`
		FROM fraud_checks
		WHERE merchant_id = $1 AND customer_id = $2
		ORDER BY created_at DESC
		LIMIT $3`, merchantID, customerID, limit)
}

func (p *PostgresStore) ListSince(ctx context.Context, merchantID string, since time.Time) ([]*AuditRecord, error) {
	return p.listAudit(ctx, `
		SELECT `+auditColumns+`
		FROM fraud_checks
		WHERE merchant_id = $1 AND created_at >= $2
		ORDER BY created_at`, merchantID, since)
}

func (p *PostgresStore) RecordFeedback(ctx context.Context, fb *Feedback) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO fraud_feedback (id, merchant_id, transaction_id, is_fraud, notes, reviewer, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		fb.ID, fb.MerchantID, fb.TransactionID, fb.IsFraud,
		nullString(fb.Notes), nullString(fb.Reviewer), fb.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("antifraud: insert feedback: %w", err)
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
