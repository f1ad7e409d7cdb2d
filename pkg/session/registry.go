package session

import (
	"context"
	"database/sql"
	"sync"

	"github.com/kasuganosora/dbscope/pkg/engine"
	"github.com/kasuganosora/dbscope/pkg/logging"
	"github.com/kasuganosora/dbscope/pkg/routing"
)

// Options 会话表选项
type Options struct {
	// AutoFlush flushes pending writes before every read.
	AutoFlush bool
	// Classifier 语句分类器，nil 时使用包级默认分类器
	Classifier *routing.Classifier
	Logger     logging.Logger
	Observer   Observer
}

// DefaultOptions 返回默认选项
func DefaultOptions() *Options {
	return &Options{
		AutoFlush: true,
		Logger:    logging.NewNoOpLogger(),
	}
}

// Registry 会话表：会话键到会话的映射
//
// Sessions are created lazily by Current and live until Remove. The
// table is safe for concurrent use; distinct keys never share a session.
type Registry struct {
	mu       sync.Mutex
	sessions map[Key]*Session
	pair     *engine.Pair
	opts     *Options
	logger   logging.Logger
}

// NewRegistry creates an empty session table over the engine pair.
func NewRegistry(pair *engine.Pair, opts *Options) *Registry {
	if opts == nil {
		opts = DefaultOptions()
	}
	o := *opts
	if o.Logger == nil {
		o.Logger = logging.NewNoOpLogger()
	}
	if o.Classifier == nil {
		o.Classifier = routing.DefaultClassifier()
	}
	return &Registry{
		sessions: make(map[Key]*Session),
		pair:     pair,
		opts:     &o,
		logger:   o.Logger,
	}
}

// Pair 返回会话表使用的引擎对
func (r *Registry) Pair() *engine.Pair {
	return r.pair
}

// Current returns the session bound to the key carried by ctx, creating
// it on first use. It fails with ErrContextNotSet when ctx carries no key.
func (r *Registry) Current(ctx context.Context) (*Session, error) {
	key, err := Get(ctx)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.sessions[key]; ok {
		return s, nil
	}

	s := newSession(ctx, key, r.pair, r.opts)
	r.sessions[key] = s
	sessionsCreatedTotal.Inc()
	sessionsActive.Inc()
	r.logger.Debug("session %s created", key)
	s.emit(Event{Key: key, Type: EventCreate})
	return s, nil
}

// Lookup returns the session for key without creating it.
func (r *Registry) Lookup(key Key) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[key]
	return s, ok
}

// Len 返回当前持有的会话数
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Close closes the current session without removing it.
func (r *Registry) Close(ctx context.Context) error {
	key, err := Get(ctx)
	if err != nil {
		return err
	}
	s, ok := r.Lookup(key)
	if !ok {
		return nil
	}
	return s.Close(ctx)
}

// Remove closes the current session and discards it from the table. A
// later Current with the same key yields a fresh session. Removing an
// absent session is a no-op.
func (r *Registry) Remove(ctx context.Context) error {
	key, err := Get(ctx)
	if err != nil {
		return err
	}
	return r.RemoveKey(ctx, key)
}

// RemoveKey removes the session for key.
func (r *Registry) RemoveKey(ctx context.Context, key Key) error {
	r.mu.Lock()
	s, ok := r.sessions[key]
	if ok {
		delete(r.sessions, key)
	}
	r.mu.Unlock()

	if !ok {
		return nil
	}

	sessionsRemovedTotal.Inc()
	sessionsActive.Dec()
	r.logger.Debug("session %s removed", key)
	return s.finalize(ctx)
}

// Shutdown removes every session still held by the table.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	keys := make([]Key, 0, len(r.sessions))
	for k := range r.sessions {
		keys = append(keys, k)
	}
	r.mu.Unlock()

	var first error
	for _, k := range keys {
		if err := r.RemoveKey(ctx, k); err != nil {
			r.logger.Warn("remove session %s on shutdown: %v", k, err)
			if first == nil {
				first = err
			}
		}
	}
	return first
}

// 以下方法代理到当前会话

// Begin starts a transaction on the current session.
func (r *Registry) Begin(ctx context.Context) error {
	s, err := r.Current(ctx)
	if err != nil {
		return err
	}
	return s.Begin(ctx)
}

// Commit commits the current session.
func (r *Registry) Commit(ctx context.Context) error {
	s, err := r.Current(ctx)
	if err != nil {
		return err
	}
	return s.Commit(ctx)
}

// Rollback rolls back the current session.
func (r *Registry) Rollback(ctx context.Context) error {
	s, err := r.Current(ctx)
	if err != nil {
		return err
	}
	return s.Rollback(ctx)
}

// Flush flushes the current session.
func (r *Registry) Flush(ctx context.Context) error {
	s, err := r.Current(ctx)
	if err != nil {
		return err
	}
	return s.Flush(ctx)
}

// Add buffers a write on the current session.
func (r *Registry) Add(ctx context.Context, stmt routing.Statement) error {
	s, err := r.Current(ctx)
	if err != nil {
		return err
	}
	return s.Add(stmt)
}

// Exec executes on the current session.
func (r *Registry) Exec(ctx context.Context, stmt routing.Statement) (sql.Result, error) {
	s, err := r.Current(ctx)
	if err != nil {
		return nil, err
	}
	return s.Exec(ctx, stmt)
}

// Query queries on the current session.
func (r *Registry) Query(ctx context.Context, stmt routing.Statement) (*sql.Rows, error) {
	s, err := r.Current(ctx)
	if err != nil {
		return nil, err
	}
	return s.Query(ctx, stmt)
}

// QueryRow queries a single row on the current session.
func (r *Registry) QueryRow(ctx context.Context, stmt routing.Statement) (*sql.Row, error) {
	s, err := r.Current(ctx)
	if err != nil {
		return nil, err
	}
	return s.QueryRow(ctx, stmt)
}
