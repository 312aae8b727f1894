// Package store persists job records, request bodies and response documents
// keyed by job uuid, plus short lived download tokens.
//
// All status mutations go through UpdateResponse, which serializes them per
// uuid and refuses transitions the job state machine does not allow. Lookups
// of unknown jobs return a nil record and a nil error, only PinResponse
// reports ErrNotFound.
package store

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"time"

	"github.com/3liz/qgswps/internal/model"
)

var (
	ErrNotFound          = model.ErrNotFound
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrNotPinnable       = errors.New("only succeeded jobs can be pinned")
)

type Store interface {
	// LogRequest creates the initial record, an existing one is replaced.
	LogRequest(ctx context.Context, uuid string, req model.JobRequest) (model.JobRecord, error)
	// UpdateResponse merges upd into the record, creating it when missing.
	UpdateResponse(ctx context.Context, uuid string, upd model.StatusUpdate) (model.JobRecord, error)
	// WriteResponse stores the response document. It fails with
	// ErrInvalidTransition once the record reached a terminal status.
	WriteResponse(ctx context.Context, uuid string, body []byte) error
	GetStatus(ctx context.Context, uuid string) (*model.JobRecord, error)
	ListStatus(ctx context.Context) ([]model.JobRecord, error)
	GetRequest(ctx context.Context, uuid string) ([]byte, error)
	GetResults(ctx context.Context, uuid string) ([]byte, error)
	// DeleteResponse removes the record, request and response at once.
	DeleteResponse(ctx context.Context, uuid string) error
	PinResponse(ctx context.Context, uuid string, pin bool) (model.JobRecord, error)
	// SetJSON stores value under a new random token for ttl.
	SetJSON(ctx context.Context, value any, ttl time.Duration) (string, error)
	// GetJSON decodes the token value into dst, false when unknown or expired.
	GetJSON(ctx context.Context, token string, dst any) (bool, error)
	Records(ctx context.Context) iter.Seq2[model.JobRecord, error]
	Ping(ctx context.Context) error
	Close() error
}

// New opens the backend named by cfg.Backend.
func New(ctx context.Context, cfg model.Store) (Store, error) {
	switch cfg.Backend {
	case model.StoreRedis:
		return NewRedis(ctx, cfg)
	case model.StoreSQLite:
		return OpenSQLite(ctx, cfg.Path)
	case model.StoreMemory:
		return NewMemory(), nil
	}
	return nil, fmt.Errorf("unsupported store backend %q", cfg.Backend)
}

func newRecord(uuid string, req model.JobRequest, now time.Time) model.JobRecord {
	return model.JobRecord{
		UUID:              uuid,
		Identifier:        req.Identifier,
		Version:           req.Version,
		MapURI:            req.MapURI,
		Realm:             req.Realm,
		Service:           req.Service,
		Status:            model.StatusNone,
		PercentDone:       0,
		TimeStart:         now,
		Updated:           now,
		TimeoutSeconds:    int(req.Timeout / time.Second),
		ExpirationSeconds: int(req.Expiration / time.Second),
	}
}

// writable refuses response writes on terminal records.
func writable(uuid string, rec *model.JobRecord) error {
	if rec != nil && rec.Status.Terminal() {
		return fmt.Errorf("writing response %s: job is %s: %w", uuid, rec.Status, ErrInvalidTransition)
	}
	return nil
}

// apply checks and merges upd into rec. A nil rec means the record is
// missing, one is created with a warning.
func apply(ctx context.Context, uuid string, rec *model.JobRecord, upd model.StatusUpdate) (model.JobRecord, error) {
	if upd.Timestamp.IsZero() {
		upd.Timestamp = time.Now().UTC()
	}
	var r model.JobRecord
	if rec == nil {
		slog.WarnContext(ctx, "updating a job without record: creating it", "job_id", uuid)
		r = newRecord(uuid, model.JobRequest{}, upd.Timestamp)
	} else {
		r = *rec
	}
	target := upd.Status
	if target == "" {
		target = r.Status
	}
	if !r.Status.CanTransition(target) {
		return r, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, r.Status, target)
	}
	upd.Apply(&r)
	return r, nil
}

func pin(rec model.JobRecord, value bool) (model.JobRecord, error) {
	if rec.Status != model.StatusSucceeded {
		return rec, fmt.Errorf("%w: job is %s", ErrNotPinnable, rec.Status)
	}
	rec.Pinned = value
	if value || rec.TimeEnd == nil {
		rec.ExpireAt = nil
	} else {
		exp := rec.TimeEnd.Add(time.Duration(rec.ExpirationSeconds) * time.Second)
		rec.ExpireAt = &exp
	}
	return rec, nil
}

func collect(ctx context.Context, s Store) ([]model.JobRecord, error) {
	var ret []model.JobRecord
	for rec, err := range s.Records(ctx) {
		if err != nil {
			return nil, err
		}
		ret = append(ret, rec)
	}
	return ret, nil
}
