package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"net"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/3liz/qgswps/internal/model"
)

const maxTxRetries = 16

// Redis keeps records in a single hash "{prefix}:status" keyed by uuid and
// request/response bodies under "{prefix}:request:{uuid}" and
// "{prefix}:response:{uuid}". Tokens live under "{prefix}:token:{token}"
// with a TTL.
type Redis struct {
	client *redis.Client
	prefix string
}

func NewRedis(ctx context.Context, cfg model.Store) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr: net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		DB:   cfg.DBNum,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connecting to redis %s:%d: %w", cfg.Host, cfg.Port, err)
	}
	return NewRedisClient(client, cfg.Prefix), nil
}

// NewRedisClient wraps an existing client, the store owns it afterwards.
func NewRedisClient(client *redis.Client, prefix string) *Redis {
	if prefix != "" {
		prefix += ":"
	}
	return &Redis{client: client, prefix: prefix}
}

func (r *Redis) statusKey() string            { return r.prefix + "status" }
func (r *Redis) requestKey(id string) string  { return r.prefix + "request:" + id }
func (r *Redis) responseKey(id string) string { return r.prefix + "response:" + id }
func (r *Redis) tokenKey(t string) string     { return r.prefix + "token:" + t }

func decodeRecord(raw string) (model.JobRecord, error) {
	var rec model.JobRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return rec, fmt.Errorf("decoding record: %w", err)
	}
	return rec, nil
}

func (r *Redis) LogRequest(ctx context.Context, id string, req model.JobRequest) (model.JobRecord, error) {
	rec := newRecord(id, req, time.Now().UTC())
	raw, err := json.Marshal(rec)
	if err != nil {
		return rec, fmt.Errorf("encoding record: %w", err)
	}
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, r.statusKey(), id, raw)
		pipe.Set(ctx, r.requestKey(id), req.Body, 0)
		pipe.Del(ctx, r.responseKey(id))
		return nil
	})
	if err != nil {
		return rec, fmt.Errorf("logging request %s: %w", id, err)
	}
	return rec, nil
}

// modify runs fn on the current record inside a WATCH transaction and writes
// the result back, retrying when another client raced it.
func (r *Redis) modify(ctx context.Context, id string, fn func(*model.JobRecord) (model.JobRecord, error)) (model.JobRecord, error) {
	var out model.JobRecord
	txf := func(tx *redis.Tx) error {
		var current *model.JobRecord
		raw, err := tx.HGet(ctx, r.statusKey(), id).Result()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return err
		default:
			rec, err := decodeRecord(raw)
			if err != nil {
				return err
			}
			current = &rec
		}
		rec, err := fn(current)
		if err != nil {
			out = rec
			return err
		}
		b, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("encoding record: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, r.statusKey(), id, b)
			return nil
		})
		out = rec
		return err
	}

	for range maxTxRetries {
		err := r.client.Watch(ctx, txf, r.statusKey())
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return out, err
	}
	return out, fmt.Errorf("updating %s: too many concurrent updates", id)
}

func (r *Redis) UpdateResponse(ctx context.Context, id string, upd model.StatusUpdate) (model.JobRecord, error) {
	return r.modify(ctx, id, func(current *model.JobRecord) (model.JobRecord, error) {
		return apply(ctx, id, current, upd)
	})
}

// WriteResponse watches the status hash so a record turning terminal
// concurrently aborts the write.
func (r *Redis) WriteResponse(ctx context.Context, id string, body []byte) error {
	txf := func(tx *redis.Tx) error {
		raw, err := tx.HGet(ctx, r.statusKey(), id).Result()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return err
		default:
			rec, err := decodeRecord(raw)
			if err != nil {
				return err
			}
			if err := writable(id, &rec); err != nil {
				return err
			}
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, r.responseKey(id), body, 0)
			return nil
		})
		return err
	}

	for range maxTxRetries {
		err := r.client.Watch(ctx, txf, r.statusKey())
		switch {
		case errors.Is(err, redis.TxFailedErr):
			continue
		case errors.Is(err, ErrInvalidTransition):
			return err
		case err != nil:
			return fmt.Errorf("writing response %s: %w", id, err)
		}
		return nil
	}
	return fmt.Errorf("writing response %s: too many concurrent updates", id)
}

func (r *Redis) GetStatus(ctx context.Context, id string) (*model.JobRecord, error) {
	raw, err := r.client.HGet(ctx, r.statusKey(), id).Result()
	switch {
	case errors.Is(err, redis.Nil):
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("reading status %s: %w", id, err)
	}
	rec, err := decodeRecord(raw)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (r *Redis) ListStatus(ctx context.Context) ([]model.JobRecord, error) {
	return collect(ctx, r)
}

func (r *Redis) bytes(ctx context.Context, key string) ([]byte, error) {
	b, err := r.client.Get(ctx, key).Bytes()
	switch {
	case errors.Is(err, redis.Nil):
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("reading %s: %w", key, err)
	}
	return b, nil
}

func (r *Redis) GetRequest(ctx context.Context, id string) ([]byte, error) {
	return r.bytes(ctx, r.requestKey(id))
}

func (r *Redis) GetResults(ctx context.Context, id string) ([]byte, error) {
	return r.bytes(ctx, r.responseKey(id))
}

func (r *Redis) DeleteResponse(ctx context.Context, id string) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HDel(ctx, r.statusKey(), id)
		pipe.Del(ctx, r.requestKey(id), r.responseKey(id))
		return nil
	})
	if err != nil {
		return fmt.Errorf("deleting %s: %w", id, err)
	}
	return nil
}

func (r *Redis) PinResponse(ctx context.Context, id string, value bool) (model.JobRecord, error) {
	return r.modify(ctx, id, func(current *model.JobRecord) (model.JobRecord, error) {
		if current == nil {
			return model.JobRecord{}, fmt.Errorf("pinning %s: %w", id, ErrNotFound)
		}
		return pin(*current, value)
	})
}

func (r *Redis) SetJSON(ctx context.Context, value any, ttl time.Duration) (string, error) {
	b, err := json.Marshal(value)
	if err != nil {
		return "", fmt.Errorf("encoding token value: %w", err)
	}
	token := uuid.NewString()
	if err := r.client.Set(ctx, r.tokenKey(token), b, ttl).Err(); err != nil {
		return "", fmt.Errorf("storing token: %w", err)
	}
	return token, nil
}

func (r *Redis) GetJSON(ctx context.Context, token string, dst any) (bool, error) {
	b, err := r.bytes(ctx, r.tokenKey(token))
	if err != nil || b == nil {
		return false, err
	}
	if err := json.Unmarshal(b, dst); err != nil {
		return false, fmt.Errorf("decoding token value: %w", err)
	}
	return true, nil
}

// Records scans the status hash with HSCAN, records changed during the scan
// may be seen twice or not at all.
func (r *Redis) Records(ctx context.Context) iter.Seq2[model.JobRecord, error] {
	return func(yield func(model.JobRecord, error) bool) {
		it := r.client.HScan(ctx, r.statusKey(), 0, "", 100).Iterator()
		for it.Next(ctx) {
			// values alternate field, value
			if !it.Next(ctx) {
				break
			}
			rec, err := decodeRecord(it.Val())
			if !yield(rec, err) {
				return
			}
		}
		if err := it.Err(); err != nil {
			yield(model.JobRecord{}, fmt.Errorf("scanning records: %w", err))
		}
	}
}

func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *Redis) Close() error {
	return r.client.Close()
}
