package session

import (
	"context"

	"github.com/google/uuid"
)

// Key 会话键，标识一个工作单元
type Key string

// NewKey returns a fresh, globally unique session key.
func NewKey() Key {
	return Key(uuid.NewString())
}

type keyCtxKey struct{}

// Token captures the context that was current before Set.
type Token struct {
	prev context.Context
}

// Get returns the session key carried by ctx, or ErrContextNotSet.
func Get(ctx context.Context) (Key, error) {
	key, ok := KeyFromContext(ctx)
	if !ok {
		return "", NewError(ErrCodeContextNotSet, "session context is not set", nil)
	}
	return key, nil
}

// Set derives a context carrying key. The token restores ctx via Reset.
// A nil ctx is treated as context.Background().
func Set(ctx context.Context, key Key) (context.Context, Token) {
	if ctx == nil {
		ctx = context.Background()
	}
	return WithKey(ctx, key), Token{prev: ctx}
}

// Reset returns the context captured by Set.
func Reset(tok Token) context.Context {
	if tok.prev == nil {
		return context.Background()
	}
	return tok.prev
}

// WithKey 返回携带会话键的子 context
func WithKey(ctx context.Context, key Key) context.Context {
	return context.WithValue(ctx, keyCtxKey{}, key)
}

// KeyFromContext 读取 context 中的会话键
func KeyFromContext(ctx context.Context) (Key, bool) {
	if ctx == nil {
		return "", false
	}
	key, ok := ctx.Value(keyCtxKey{}).(Key)
	return key, ok && key != ""
}
