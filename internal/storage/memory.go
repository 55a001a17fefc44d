// internal/storage/memory.go
// Package storage provides implementations of the Store interface
// for both in-memory and PostgreSQL storage backends.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/commandcenter/servicevirt-go/internal/model"
)

// Standard errors returned by the storage layer
var (
	ErrNotFound    = errors.New("not found")         // Returned when a record is not found
	ErrInvalid     = errors.New("invalid record")    // Returned when required fields are missing
	ErrUnavailable = errors.New("store unavailable") // Returned when the backing store is unreachable
)

// Store interface defines the persistence operations required by the
// virtualization core. It is implemented by both in-memory and PostgreSQL
// backends. Single-row updates rely on the store's own transactional
// guarantees; no cross-record transactions are required.
type Store interface {
	// Insert persists a new mock record and returns its assigned id.
	// Name, OriginalURL, and RoutingURL are required; the operation is
	// atomic, leaving no partial row on failure.
	Insert(ctx context.Context, rec model.MockRecord) (int64, error)

	// ListAll returns records ordered by creation time descending.
	// When liveOnly is true, sourceless records are excluded (the refresh
	// engine has nothing live to re-query for them).
	ListAll(ctx context.Context, liveOnly bool) ([]model.MockRecord, error)

	// GetByID fetches a single record, ErrNotFound when absent.
	GetByID(ctx context.Context, id int64) (*model.MockRecord, error)

	// GetByRoutingURL fetches the most recently created record for a
	// routing key, ErrNotFound when absent. Routing keys are not unique;
	// lookup is defined as "most recent match".
	GetByRoutingURL(ctx context.Context, routingURL string) (*model.MockRecord, error)

	// UpdateResponse replaces the stored response payload and advances
	// updated_at. Structured payloads (maps/slices) are serialized to
	// canonical JSON text; string payloads pass through unchanged. The
	// prior response is untouched on failure.
	UpdateResponse(ctx context.Context, id int64, payload any) error

	// ClearResponse sets the response to NULL and advances updated_at.
	// The row itself is retained.
	ClearResponse(ctx context.Context, id int64) error
}

// serializePayload converts an update payload to its stored text form.
// Structured values get canonical JSON; strings pass through unchanged.
func serializePayload(payload any) (string, error) {
	switch v := payload.(type) {
	case string:
		return v, nil
	case []byte:
		return string(v), nil
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return "", err
		}
		return string(b), nil
	}
}

// validateRecord checks the fields the schema marks NOT NULL.
func validateRecord(rec model.MockRecord) error {
	if rec.Name == "" || rec.OriginalURL == "" || rec.RoutingURL == "" {
		return ErrInvalid
	}
	return nil
}

// memory implements the Store interface with mutex-guarded maps.
// It's intended for development and testing purposes.
type memory struct {
	mu      sync.RWMutex
	nextID  int64
	records map[int64]*model.MockRecord
}

// NewMemory creates a new in-memory storage implementation.
func NewMemory() Store {
	return &memory{
		nextID:  1,
		records: make(map[int64]*model.MockRecord),
	}
}

func (m *memory) Insert(ctx context.Context, rec model.MockRecord) (int64, error) {
	if err := validateRecord(rec); err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	rec.ID = m.nextID
	m.nextID++

	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = rec.CreatedAt
	}

	recCopy := rec
	m.records[rec.ID] = &recCopy
	return rec.ID, nil
}

func (m *memory) ListAll(ctx context.Context, liveOnly bool) ([]model.MockRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]model.MockRecord, 0, len(m.records))
	for _, rec := range m.records {
		if liveOnly && rec.Sourceless() {
			continue
		}
		out = append(out, *rec)
	}

	// Most recently created first; id breaks ties for records created in
	// the same instant (insertion order).
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})

	return out, nil
}

func (m *memory) GetByID(ctx context.Context, id int64) (*model.MockRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, exists := m.records[id]
	if !exists {
		return nil, ErrNotFound
	}
	recCopy := *rec
	return &recCopy, nil
}

func (m *memory) GetByRoutingURL(ctx context.Context, routingURL string) (*model.MockRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var best *model.MockRecord
	for _, rec := range m.records {
		if rec.RoutingURL != routingURL {
			continue
		}
		if best == nil ||
			rec.CreatedAt.After(best.CreatedAt) ||
			(rec.CreatedAt.Equal(best.CreatedAt) && rec.ID > best.ID) {
			best = rec
		}
	}
	if best == nil {
		return nil, ErrNotFound
	}
	recCopy := *best
	return &recCopy, nil
}

func (m *memory) UpdateResponse(ctx context.Context, id int64, payload any) error {
	text, err := serializePayload(payload)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	rec, exists := m.records[id]
	if !exists {
		return ErrNotFound
	}

	rec.Response = &text
	rec.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *memory) ClearResponse(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, exists := m.records[id]
	if !exists {
		return ErrNotFound
	}

	rec.Response = nil
	rec.UpdatedAt = time.Now().UTC()
	return nil
}
