package interaction

import (
	"context"

	"agentloom/internal/domain"
	"agentloom/internal/store/sqlite"
)

// KV is the durable key-value side channel questions and responses live in.
type KV interface {
	Put(ctx context.Context, key string, value []byte) error
	Get(ctx context.Context, key string) ([]byte, bool, error)
	List(ctx context.Context, prefix string) ([]domain.KVEntry, error)
}

type retryKV struct {
	kv     KV
	policy sqlite.RetryPolicy
}

// Retrying wraps kv so busy store errors are retried under policy and
// surface as domain.ErrTransientIO once attempts run out.
func Retrying(kv KV, policy sqlite.RetryPolicy) KV {
	if r, ok := kv.(*retryKV); ok {
		return r
	}
	return &retryKV{kv: kv, policy: policy}
}

func (r *retryKV) Put(ctx context.Context, key string, value []byte) error {
	return r.policy.Do(ctx, func() error {
		return r.kv.Put(ctx, key, value)
	})
}

func (r *retryKV) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var (
		value []byte
		ok    bool
	)
	err := r.policy.Do(ctx, func() error {
		var err error
		value, ok, err = r.kv.Get(ctx, key)
		return err
	})
	return value, ok, err
}

func (r *retryKV) List(ctx context.Context, prefix string) ([]domain.KVEntry, error) {
	var entries []domain.KVEntry
	err := r.policy.Do(ctx, func() error {
		var err error
		entries, err = r.kv.List(ctx, prefix)
		return err
	})
	return entries, err
}
