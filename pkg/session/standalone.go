package session

import (
	"context"
)

// RunStandalone runs fn as one unit of work under a fresh session key.
//
// If fn returns an error or panics, the session is rolled back. In every
// case the session is removed before RunStandalone returns; fn's error
// is returned unchanged and a panic is re-raised. Cleanup runs on a
// context detached from ctx's cancellation. The caller's ctx is never
// modified, so its session key (or lack of one) is preserved.
func (r *Registry) RunStandalone(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	key := NewKey()
	scoped, _ := Set(ctx, key)

	defer func() {
		cleanup := context.WithoutCancel(scoped)
		p := recover()
		if err != nil || p != nil {
			r.rollbackKey(cleanup, key)
		}
		if rerr := r.RemoveKey(cleanup, key); rerr != nil {
			r.logger.Warn("remove session %s: %v", key, rerr)
		}
		if p != nil {
			panic(p)
		}
	}()

	return fn(scoped)
}

// rollbackKey 回滚指定会话，失败只记录日志
func (r *Registry) rollbackKey(ctx context.Context, key Key) {
	s, ok := r.Lookup(key)
	if !ok {
		return
	}
	if err := s.Rollback(ctx); err != nil {
		r.logger.Error("rollback session %s: %v", key, err)
	}
}

// Standalone wraps fn so that each call runs as its own unit of work.
func Standalone(reg *Registry, fn func(ctx context.Context) error) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		return reg.RunStandalone(ctx, fn)
	}
}
