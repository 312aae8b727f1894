package store

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/3liz/qgswps/internal/model"
)

type memToken struct {
	value    []byte
	expireAt time.Time
}

// Memory is an in-process Store, used by tests and single process setups.
type Memory struct {
	mx        sync.Mutex
	records   map[string]model.JobRecord
	requests  map[string][]byte
	responses map[string][]byte
	tokens    map[string]memToken
	now       func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		records:   make(map[string]model.JobRecord),
		requests:  make(map[string][]byte),
		responses: make(map[string][]byte),
		tokens:    make(map[string]memToken),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (m *Memory) LogRequest(_ context.Context, id string, req model.JobRequest) (model.JobRecord, error) {
	m.mx.Lock()
	defer m.mx.Unlock()
	rec := newRecord(id, req, m.now())
	m.records[id] = rec
	m.requests[id] = slices.Clone(req.Body)
	delete(m.responses, id)
	return rec, nil
}

func (m *Memory) UpdateResponse(ctx context.Context, id string, upd model.StatusUpdate) (model.JobRecord, error) {
	m.mx.Lock()
	defer m.mx.Unlock()
	var current *model.JobRecord
	if rec, ok := m.records[id]; ok {
		current = &rec
	}
	rec, err := apply(ctx, id, current, upd)
	if err != nil {
		return rec, err
	}
	m.records[id] = rec
	return rec, nil
}

func (m *Memory) WriteResponse(_ context.Context, id string, body []byte) error {
	m.mx.Lock()
	defer m.mx.Unlock()
	var current *model.JobRecord
	if rec, ok := m.records[id]; ok {
		current = &rec
	}
	if err := writable(id, current); err != nil {
		return err
	}
	m.responses[id] = slices.Clone(body)
	return nil
}

func (m *Memory) GetStatus(_ context.Context, id string) (*model.JobRecord, error) {
	m.mx.Lock()
	defer m.mx.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (m *Memory) ListStatus(ctx context.Context) ([]model.JobRecord, error) {
	return collect(ctx, m)
}

func (m *Memory) GetRequest(_ context.Context, id string) ([]byte, error) {
	m.mx.Lock()
	defer m.mx.Unlock()
	return slices.Clone(m.requests[id]), nil
}

func (m *Memory) GetResults(_ context.Context, id string) ([]byte, error) {
	m.mx.Lock()
	defer m.mx.Unlock()
	return slices.Clone(m.responses[id]), nil
}

func (m *Memory) DeleteResponse(_ context.Context, id string) error {
	m.mx.Lock()
	defer m.mx.Unlock()
	delete(m.records, id)
	delete(m.requests, id)
	delete(m.responses, id)
	return nil
}

func (m *Memory) PinResponse(_ context.Context, id string, value bool) (model.JobRecord, error) {
	m.mx.Lock()
	defer m.mx.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return model.JobRecord{}, fmt.Errorf("pinning %s: %w", id, ErrNotFound)
	}
	rec, err := pin(rec, value)
	if err != nil {
		return rec, err
	}
	m.records[id] = rec
	return rec, nil
}

func (m *Memory) SetJSON(_ context.Context, value any, ttl time.Duration) (string, error) {
	b, err := json.Marshal(value)
	if err != nil {
		return "", fmt.Errorf("encoding token value: %w", err)
	}
	token := uuid.NewString()
	m.mx.Lock()
	defer m.mx.Unlock()
	m.tokens[token] = memToken{value: b, expireAt: m.now().Add(ttl)}
	return token, nil
}

func (m *Memory) GetJSON(_ context.Context, token string, dst any) (bool, error) {
	m.mx.Lock()
	t, ok := m.tokens[token]
	if ok && !m.now().Before(t.expireAt) {
		delete(m.tokens, token)
		ok = false
	}
	m.mx.Unlock()
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(t.value, dst); err != nil {
		return false, fmt.Errorf("decoding token value: %w", err)
	}
	return true, nil
}

// Records iterates over a snapshot so the caller may delete while ranging.
func (m *Memory) Records(_ context.Context) iter.Seq2[model.JobRecord, error] {
	m.mx.Lock()
	ids := slices.Sorted(maps.Keys(m.records))
	snapshot := make([]model.JobRecord, 0, len(ids))
	for _, id := range ids {
		snapshot = append(snapshot, m.records[id])
	}
	m.mx.Unlock()
	return func(yield func(model.JobRecord, error) bool) {
		for _, rec := range snapshot {
			if !yield(rec, nil) {
				return
			}
		}
	}
}

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) Close() error { return nil }
