package antifraud

import (
	"context"
	"slices"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// MemoryStore is an in-memory implementation of every antifraud
// collaborator, for demo/development mode and tests.
type MemoryStore struct {
	mu          sync.RWMutex
	operations  []OperationSummary
	holds       map[string]*Hold
	blacklisted map[string]bool   // merchantID/customerID
	devices     map[string]device // by ID
	records     []*AuditRecord
	feedback    []*Feedback
	failWith    error
	queries     atomic.Int64
}

type device struct {
	id         string
	merchantID string
	code       string // normalized
	archived   bool
}

var (
	_ OperationLog   = (*MemoryStore)(nil)
	_ Blacklist      = (*MemoryStore)(nil)
	_ HoldStore      = (*MemoryStore)(nil)
	_ DeviceRegistry = (*MemoryStore)(nil)
	_ AuditStore     = (*MemoryStore)(nil)
)

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		holds:       make(map[string]*Hold),
		blacklisted: make(map[string]bool),
		devices:     make(map[string]device),
	}
}

// AddOperation appends an operation to the log.
func (m *MemoryStore) AddOperation(op OperationSummary) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if op.CreatedAt.IsZero() {
		op.CreatedAt = time.Now()
	}
	m.operations = append(m.operations, op)
}

// PutHold stores or replaces a hold.
func (m *MemoryStore) PutHold(h *Hold) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *h
	m.holds[h.ID] = &cp
}

// SetBlacklisted marks a customer as blocked for accruals and redemptions.
func (m *MemoryStore) SetBlacklisted(merchantID, customerID string, blocked bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blacklisted[merchantID+"/"+customerID] = blocked
}

// RegisterDevice adds a device under its human-entered code.
func (m *MemoryStore) RegisterDevice(merchantID, code, id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.devices[id] = device{id: id, merchantID: merchantID, code: NormalizeDeviceCode(code)}
}

// ArchiveDevice hides a device from resolution.
func (m *MemoryStore) ArchiveDevice(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d, ok := m.devices[id]; ok {
		d.archived = true
		m.devices[id] = d
	}
}

// FailWith makes every read and write return err (nil restores).
func (m *MemoryStore) FailWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failWith = err
}

// Queries returns the number of calls made against the store.
func (m *MemoryStore) Queries() int64 {
	return m.queries.Load()
}

// Records returns a copy of the stored audit records, oldest first.
func (m *MemoryStore) Records() []*AuditRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.records)
}

// Feedback returns a copy of the stored feedback.
func (m *MemoryStore) Feedback() []*Feedback {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.feedback)
}

// begin counts a query and returns the injected failure, if any. The
// caller must hold at least the read lock.
func (m *MemoryStore) begin() error {
	m.queries.Add(1)
	return m.failWith
}

func (m *MemoryStore) CountOperations(ctx context.Context, f OperationFilter) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.begin(); err != nil {
		return 0, err
	}
	n := 0
	for i := range m.operations {
		if matches(&m.operations[i], f) {
			n++
		}
	}
	return n, nil
}

func matches(op *OperationSummary, f OperationFilter) bool {
	switch {
	case f.MerchantID != "" && op.MerchantID != f.MerchantID:
		return false
	case f.CustomerID != "" && op.CustomerID != f.CustomerID:
		return false
	case f.OutletID != "" && op.OutletID != f.OutletID:
		return false
	case f.DeviceID != "" && op.DeviceID != f.DeviceID:
		return false
	case f.StaffID != "" && op.StaffID != f.StaffID:
		return false
	case !f.Since.IsZero() && op.CreatedAt.Before(f.Since):
		return false
	case !f.Before.IsZero() && !op.CreatedAt.Before(f.Before):
		return false
	}
	return true
}

// recent returns the customer's operations, newest first. Caller holds the lock.
func (m *MemoryStore) recent(merchantID, customerID string) []OperationSummary {
	var out []OperationSummary
	for _, op := range m.operations {
		if op.MerchantID == merchantID && op.CustomerID == customerID {
			out = append(out, op)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

func (m *MemoryStore) FindRecentOperations(ctx context.Context, merchantID, customerID string, limit int) ([]OperationSummary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.begin(); err != nil {
		return nil, err
	}
	out := m.recent(merchantID, customerID)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) CountDistinctDevices(ctx context.Context, merchantID, customerID string, since time.Time) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.begin(); err != nil {
		return 0, err
	}
	seen := map[string]struct{}{}
	for _, op := range m.operations {
		if op.MerchantID == merchantID && op.CustomerID == customerID &&
			op.DeviceID != "" && !op.CreatedAt.Before(since) {
			seen[op.DeviceID] = struct{}{}
		}
	}
	return len(seen), nil
}

func (m *MemoryStore) LastLocatedOperation(ctx context.Context, merchantID, customerID string) (*OperationSummary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.begin(); err != nil {
		return nil, err
	}
	for _, op := range m.recent(merchantID, customerID) {
		if op.Location != nil {
			return &op, nil
		}
	}
	return nil, nil
}

func (m *MemoryStore) IsBlacklisted(ctx context.Context, merchantID, customerID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.begin(); err != nil {
		return false, err
	}
	return m.blacklisted[merchantID+"/"+customerID], nil
}

func (m *MemoryStore) GetHold(ctx context.Context, id string) (*Hold, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.begin(); err != nil {
		return nil, err
	}
	h, ok := m.holds[id]
	if !ok {
		return nil, ErrHoldNotFound
	}
	cp := *h
	return &cp, nil
}

// ResolveDevice finds an active device of the merchant by normalized code,
// then by id. Devices sharing a code resolve to the lowest id.
func (m *MemoryStore) ResolveDevice(ctx context.Context, merchantID, code string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.begin(); err != nil {
		return "", err
	}
	normalized := NormalizeDeviceCode(code)
	if normalized == "" {
		return "", ErrNotFound
	}
	var found string
	for _, d := range m.devices {
		if d.merchantID == merchantID && !d.archived && d.code == normalized && (found == "" || d.id < found) {
			found = d.id
		}
	}
	if found != "" {
		return found, nil
	}
	if d, ok := m.devices[strings.TrimSpace(code)]; ok && d.merchantID == merchantID && !d.archived {
		return d.id, nil
	}
	return "", ErrNotFound
}

func (m *MemoryStore) Record(ctx context.Context, rec *AuditRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(); err != nil {
		return err
	}
	cp := *rec
	cp.Factors = slices.Clone(rec.Factors)
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	m.records = append(m.records, &cp)
	return nil
}

func (m *MemoryStore) ListByCustomer(ctx context.Context, merchantID, customerID string, limit int) ([]*AuditRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.begin(); err != nil {
		return nil, err
	}
	var out []*AuditRecord
	for i := len(m.records) - 1; i >= 0; i-- {
		r := m.records[i]
		if r.MerchantID != merchantID || r.CustomerID != customerID {
			continue
		}
		out = append(out, r)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryStore) ListSince(ctx context.Context, merchantID string, since time.Time) ([]*AuditRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.begin(); err != nil {
		return nil, err
	}
	var out []*AuditRecord
	for _, r := range m.records {
		if r.MerchantID == merchantID && !r.CreatedAt.Before(since) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *MemoryStore) RecordFeedback(ctx context.Context, fb *Feedback) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(); err != nil {
		return err
	}
	cp := *fb
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	m.feedback = append(m.feedback, &cp)
	return nil
}

// NormalizeDeviceCode canonicalizes a cashier-entered device code:
// surrounding space, inner spaces and dashes are dropped and letters
// upper-cased.
func NormalizeDeviceCode(code string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', '-', '_':
			return -1
		}
		return r
	}, strings.ToUpper(strings.TrimSpace(code)))
}
