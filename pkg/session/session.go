package session

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"time"

	"github.com/kasuganosora/dbscope/pkg/engine"
	"github.com/kasuganosora/dbscope/pkg/logging"
	"github.com/kasuganosora/dbscope/pkg/routing"
	pkgerrors "github.com/pkg/errors"
)

// binding 会话在某个引擎上持有的连接和事务
type binding struct {
	target routing.Target
	engine *engine.Engine
	conn   *sql.Conn
	tx     *sql.Tx
}

// Session 绑定到一个会话键的数据库会话
//
// A Session buffers pending writes, tracks whether a transaction is
// active, and resolves the target engine of every statement through the
// routing policy. Statements within one session run in issue order; the
// session may be shared by goroutines of the same unit of work.
//
// The transaction begins lazily: Begin marks it active, and each engine
// joins it the first time a statement is routed there. Rows returned by
// Query must be closed before the next statement on the same session.
type Session struct {
	mu sync.Mutex

	key        Key
	pair       *engine.Pair
	classifier *routing.Classifier
	autoFlush  bool
	logger     logging.Logger
	observer   Observer

	// 事务生命周期 context，与请求的取消解耦
	baseCtx context.Context
	cancel  context.CancelFunc

	pending  []routing.Statement
	flushing bool
	active   bool
	bindings map[routing.Target]*binding
	removed  bool
}

func newSession(ctx context.Context, key Key, pair *engine.Pair, opts *Options) *Session {
	baseCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	return &Session{
		key:        key,
		pair:       pair,
		classifier: opts.Classifier,
		autoFlush:  opts.AutoFlush,
		logger:     opts.Logger.WithField("session", string(key)),
		observer:   opts.Observer,
		baseCtx:    baseCtx,
		cancel:     cancel,
		bindings:   make(map[routing.Target]*binding, 2),
	}
}

// Key 返回会话键
func (s *Session) Key() Key {
	return s.key
}

// InTransaction reports whether a transaction is active.
func (s *Session) InTransaction() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Pending 返回尚未 flush 的写语句数
func (s *Session) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Removed reports whether the session was removed from its table.
func (s *Session) Removed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removed
}

// Begin explicitly starts a transaction.
func (s *Session) Begin(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkUsable(); err != nil {
		return err
	}
	if s.active {
		return NewError(ErrCodeTransactionActive, "a transaction is already active", nil)
	}
	s.beginLocked()
	return nil
}

// Add buffers a write to be sent by the next flush. Statements that do
// not declare a kind are classified from their text.
func (s *Session) Add(stmt routing.Statement) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkUsable(); err != nil {
		return err
	}
	if stmt.Query == "" {
		return NewError(ErrCodeInvalidParam, "empty statement", nil)
	}
	stmt.Kind = stmt.Resolve(s.classifier)
	s.pending = append(s.pending, stmt)
	return nil
}

// Flush sends all pending writes to the writer engine.
func (s *Session) Flush(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkUsable(); err != nil {
		return err
	}
	return s.flushLocked(ctx)
}

// Exec 执行不返回行的语句
func (s *Session) Exec(ctx context.Context, stmt routing.Statement) (sql.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := s.prepareLocked(ctx, stmt)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	res, err := b.tx.ExecContext(ctx, stmt.Query, stmt.Args...)
	s.observeStatement(b, stmt, start, err)
	return res, err
}

// Query 执行返回多行的语句
func (s *Session) Query(ctx context.Context, stmt routing.Statement) (*sql.Rows, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := s.prepareLocked(ctx, stmt)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	rows, err := b.tx.QueryContext(ctx, stmt.Query, stmt.Args...)
	s.observeStatement(b, stmt, start, err)
	return rows, err
}

// QueryRow executes a statement expected to return at most one row.
// Errors resolving the session or its engine are returned directly;
// query errors are deferred to Row.Scan as with database/sql.
func (s *Session) QueryRow(ctx context.Context, stmt routing.Statement) (*sql.Row, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := s.prepareLocked(ctx, stmt)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	row := b.tx.QueryRowContext(ctx, stmt.Query, stmt.Args...)
	s.observeStatement(b, stmt, start, row.Err())
	return row, nil
}

// Commit flushes pending writes and commits the active transaction.
// It is a no-op when no transaction is active and nothing is pending.
func (s *Session) Commit(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkUsable(); err != nil {
		return err
	}
	if !s.active {
		if len(s.pending) == 0 {
			return nil
		}
		s.beginLocked()
	}

	if err := s.flushLocked(ctx); err != nil {
		return WrapError(err, ErrCodeTransaction, "flush before commit failed")
	}

	// reader 只承载读语句，因此先提交 writer；writer 失败时 reader 一并回滚
	if w := s.bindings[routing.Writer]; w != nil {
		if err := w.tx.Commit(); err != nil {
			s.endLocked(false)
			sessionTransactionsTotal.WithLabelValues("commit", "error").Inc()
			return WrapError(err, ErrCodeTransaction, "commit on writer failed")
		}
		delete(s.bindings, routing.Writer)
		s.release(w)
	}
	if err := s.endLocked(true); err != nil {
		s.logger.Warn("ending reader transaction: %v", err)
	}

	sessionTransactionsTotal.WithLabelValues("commit", "ok").Inc()
	s.emit(Event{Key: s.key, Type: EventCommit})
	return nil
}

// Rollback discards pending writes and rolls back the active
// transaction. It is a no-op when no transaction is active.
func (s *Session) Rollback(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkUsable(); err != nil {
		return err
	}
	return s.rollbackLocked()
}

// Close rolls back any active transaction and returns the session's
// connections to their pools. The session stays usable.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.removed {
		return nil
	}
	err := s.rollbackLocked()
	s.emit(Event{Key: s.key, Type: EventClose})
	return err
}

// finalize closes the session and marks it unusable.
func (s *Session) finalize(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.removed {
		return nil
	}
	err := s.rollbackLocked()
	s.removed = true
	s.cancel()
	s.emit(Event{Key: s.key, Type: EventRemove})
	return err
}

func (s *Session) checkUsable() error {
	if s.removed {
		return NewError(ErrCodeSessionRemoved, "session "+string(s.key)+" has been removed", nil)
	}
	return nil
}

func (s *Session) beginLocked() {
	s.active = true
	sessionTransactionsTotal.WithLabelValues("begin", "ok").Inc()
	s.emit(Event{Key: s.key, Type: EventBegin})
}

// prepareLocked 分类、autoflush 和 autobegin，并返回目标引擎上的绑定
func (s *Session) prepareLocked(ctx context.Context, stmt routing.Statement) (*binding, error) {
	if err := s.checkUsable(); err != nil {
		return nil, err
	}
	if stmt.Query == "" {
		return nil, NewError(ErrCodeInvalidParam, "empty statement", nil)
	}

	// 缓冲的写语句先于本语句执行，保持发出顺序
	kind := stmt.Resolve(s.classifier)
	if s.autoFlush && !s.flushing {
		if err := s.flushLocked(ctx); err != nil {
			return nil, err
		}
	}
	return s.routeLocked(ctx, kind, stmt)
}

func (s *Session) routeLocked(ctx context.Context, kind routing.Kind, stmt routing.Statement) (*binding, error) {
	if !s.active {
		s.beginLocked()
	}

	target := routing.Route(kind, s.flushing)
	b, err := s.bindLocked(ctx, target)
	if err != nil {
		return nil, err
	}

	if b.engine.Echo() {
		s.logger.Debug("[%s] %s %v", b.engine.Name(), stmt.Query, stmt.Args)
	}
	return b, nil
}

// observeStatement 记录语句指标并发出事件
func (s *Session) observeStatement(b *binding, stmt routing.Statement, start time.Time, err error) {
	elapsed := time.Since(start)
	statementsTotal.WithLabelValues(b.engine.Name()).Inc()
	statementDuration.WithLabelValues(b.engine.Name()).Observe(elapsed.Seconds())
	s.emit(Event{
		Key:      s.key,
		Type:     EventStatement,
		Target:   b.target,
		Query:    stmt.Query,
		Duration: elapsed,
		Err:      err,
	})
}

// bindLocked 获取目标引擎上的连接并开启事务
// 连接获取受调用方 ctx 约束，事务生命周期绑定到会话
func (s *Session) bindLocked(ctx context.Context, target routing.Target) (*binding, error) {
	if b, ok := s.bindings[target]; ok {
		return b, nil
	}

	eng := s.pair.Get(target)
	conn, err := eng.Conn(ctx)
	if err != nil {
		return nil, WrapError(err, ErrCodeEngine, "acquire "+eng.Name()+" connection")
	}
	tx, err := conn.BeginTx(s.baseCtx, nil)
	if err != nil {
		conn.Close()
		return nil, WrapError(err, ErrCodeTransaction, "begin on "+eng.Name()+" failed")
	}

	b := &binding{target: target, engine: eng, conn: conn, tx: tx}
	s.bindings[target] = b
	return b, nil
}

func (s *Session) flushLocked(ctx context.Context) error {
	if len(s.pending) == 0 || s.flushing {
		return nil
	}

	s.flushing = true
	defer func() { s.flushing = false }()

	for len(s.pending) > 0 {
		stmt := s.pending[0]
		b, err := s.routeLocked(ctx, stmt.Kind, stmt)
		if err != nil {
			return err
		}
		start := time.Now()
		_, err = b.tx.ExecContext(ctx, stmt.Query, stmt.Args...)
		s.observeStatement(b, stmt, start, err)
		if err != nil {
			return pkgerrors.Wrapf(err, "flush %q", stmt.Query)
		}
		s.pending = s.pending[1:]
	}

	flushesTotal.Inc()
	s.emit(Event{Key: s.key, Type: EventFlush})
	return nil
}

func (s *Session) rollbackLocked() error {
	s.pending = nil
	if !s.active {
		return nil
	}

	err := s.endLocked(false)
	if err != nil {
		sessionTransactionsTotal.WithLabelValues("rollback", "error").Inc()
	} else {
		sessionTransactionsTotal.WithLabelValues("rollback", "ok").Inc()
	}
	s.emit(Event{Key: s.key, Type: EventRollback})
	return err
}

// endLocked commits or rolls back every remaining binding, releases the
// connections and clears the transaction state. The first error wins.
func (s *Session) endLocked(commit bool) error {
	var first error
	for target, b := range s.bindings {
		var err error
		if commit {
			err = b.tx.Commit()
		} else {
			err = b.tx.Rollback()
		}
		// 请求取消后 database/sql 可能已自动回滚
		if err != nil && !errors.Is(err, sql.ErrTxDone) && first == nil {
			op := "rollback"
			if commit {
				op = "commit"
			}
			first = WrapError(err, ErrCodeTransaction, op+" on "+b.engine.Name()+" failed")
		}
		s.release(b)
		delete(s.bindings, target)
	}
	s.active = false
	return first
}

// release 把连接归还连接池，失败只记录日志
func (s *Session) release(b *binding) {
	if err := b.conn.Close(); err != nil {
		s.logger.Warn("release %s connection: %v", b.engine.Name(), err)
	}
}

func (s *Session) emit(ev Event) {
	if s.observer != nil {
		s.observer(ev)
	}
}
