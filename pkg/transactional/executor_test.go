package transactional

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/kasuganosora/dbscope/pkg/engine"
	"github.com/kasuganosora/dbscope/pkg/logging"
	"github.com/kasuganosora/dbscope/pkg/routing"
	"github.com/kasuganosora/dbscope/pkg/session"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const insertNote = "INSERT INTO notes (body) VALUES (?)"

type eventLog struct {
	mu     sync.Mutex
	counts map[session.Key]map[session.EventType]int
}

func (l *eventLog) observe(ev session.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.counts[ev.Key] == nil {
		l.counts[ev.Key] = make(map[session.EventType]int)
	}
	l.counts[ev.Key][ev.Type]++
}

func (l *eventLog) count(key session.Key, typ session.EventType) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.counts[key][typ]
}

func newTestRegistry(t *testing.T) (*session.Registry, *eventLog) {
	t.Helper()
	url := "file:" + filepath.Join(t.TempDir(), "tx.db") + "?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)"
	pair, err := engine.OpenPair(context.Background(), url, engine.Options{MaxOpenConns: 4})
	require.NoError(t, err)
	t.Cleanup(func() { pair.Close() })

	_, err = pair.Writer.DB().Exec("CREATE TABLE notes (id INTEGER PRIMARY KEY AUTOINCREMENT, body TEXT NOT NULL)")
	require.NoError(t, err)

	log := &eventLog{counts: make(map[session.Key]map[session.EventType]int)}
	opts := session.DefaultOptions()
	opts.Observer = log.observe
	reg := session.NewRegistry(pair, opts)
	t.Cleanup(func() { reg.Shutdown(context.Background()) })
	return reg, log
}

func committedBodies(t *testing.T, reg *session.Registry) []string {
	t.Helper()
	rows, err := reg.Pair().Reader.DB().Query("SELECT body FROM notes ORDER BY id")
	require.NoError(t, err)
	defer rows.Close()

	var out []string
	for rows.Next() {
		var b string
		require.NoError(t, rows.Scan(&b))
		out = append(out, b)
	}
	require.NoError(t, rows.Err())
	return out
}

func insert(ctx context.Context, reg *session.Registry, body string) error {
	_, err := reg.Exec(ctx, routing.NewStatement(insertNote, body))
	return err
}

type validationError struct{ field string }

func (e *validationError) Error() string { return "invalid " + e.field }

func TestRequired_ErrorRollsBackAndReturnsSameError(t *testing.T) {
	reg, log := newTestRegistry(t)
	ex := New(reg)
	want := &validationError{field: "body"}

	var key session.Key
	err := reg.RunStandalone(context.Background(), func(ctx context.Context) error {
		key, _ = session.Get(ctx)
		return ex.Run(ctx, func(ctx context.Context) error {
			if err := insert(ctx, reg, "rejected"); err != nil {
				return err
			}
			return want
		})
	})

	var got *validationError
	require.True(t, errors.As(err, &got))
	assert.Same(t, want, got)
	assert.Same(t, want, err)
	assert.Equal(t, "invalid body", err.Error())

	assert.Equal(t, 1, log.count(key, session.EventRollback))
	assert.Equal(t, 0, log.count(key, session.EventCommit))
	_, ok := reg.Lookup(key)
	assert.False(t, ok)
	assert.Empty(t, committedBodies(t, reg))
}

func TestRequired_SuccessCommitsOnce(t *testing.T) {
	reg, log := newTestRegistry(t)
	ex := New(reg)

	before := testutil.ToFloat64(transactionsTotal.WithLabelValues("required", outcomeCommit))

	var key session.Key
	err := reg.RunStandalone(context.Background(), func(ctx context.Context) error {
		key, _ = session.Get(ctx)
		return ex.Run(ctx, func(ctx context.Context) error {
			return insert(ctx, reg, "kept")
		})
	})
	require.NoError(t, err)

	assert.Equal(t, 1, log.count(key, session.EventCommit))
	assert.Equal(t, 0, log.count(key, session.EventRollback))
	assert.Equal(t, []string{"kept"}, committedBodies(t, reg))
	assert.Equal(t, before+1, testutil.ToFloat64(transactionsTotal.WithLabelValues("required", outcomeCommit)))
}

func TestRequired_JoinsAmbientTransaction(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ex := New(reg)

	err := reg.RunStandalone(context.Background(), func(ctx context.Context) error {
		require.NoError(t, reg.Begin(ctx))
		require.NoError(t, insert(ctx, reg, "ambient"))

		// 加入外层事务，成功时一并提交
		require.NoError(t, ex.Run(ctx, func(ctx context.Context) error {
			return insert(ctx, reg, "joined")
		}))

		s, err := reg.Current(ctx)
		require.NoError(t, err)
		assert.False(t, s.InTransaction())
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"ambient", "joined"}, committedBodies(t, reg))
}

func TestRequiredNew_CommitsIndependently(t *testing.T) {
	reg, log := newTestRegistry(t)
	ex := New(reg, WithPropagation(RequiredNew))

	err := reg.RunStandalone(context.Background(), func(ctx context.Context) error {
		ambient, err := reg.Current(ctx)
		require.NoError(t, err)
		require.NoError(t, ambient.Begin(ctx))
		require.NoError(t, ambient.Add(routing.NewStatement(insertNote, "ambient")))

		var nestedKey session.Key
		require.NoError(t, ex.Run(ctx, func(ctx context.Context) error {
			nestedKey, _ = session.Get(ctx)
			s, err := reg.Current(ctx)
			require.NoError(t, err)
			assert.NotSame(t, ambient, s)
			assert.True(t, s.InTransaction())
			return insert(ctx, reg, "independent")
		}))

		assert.Equal(t, 1, log.count(nestedKey, session.EventCommit))
		assert.Equal(t, 1, log.count(nestedKey, session.EventRemove))
		_, ok := reg.Lookup(nestedKey)
		assert.False(t, ok)

		// 外层会话状态不变
		assert.True(t, ambient.InTransaction())
		assert.Equal(t, 1, ambient.Pending())
		assert.Equal(t, 0, log.count(ambient.Key(), session.EventCommit))

		return errors.New("abandon ambient")
	})
	require.Error(t, err)
	assert.Equal(t, []string{"independent"}, committedBodies(t, reg))
}

func TestRequiredNew_ErrorLeavesAmbientUntouched(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ex := New(reg, WithPropagation(RequiredNew))
	boom := errors.New("boom")

	err := reg.RunStandalone(context.Background(), func(ctx context.Context) error {
		require.NoError(t, reg.Add(ctx, routing.NewStatement(insertNote, "ambient")))

		err := ex.Run(ctx, func(ctx context.Context) error {
			return boom
		})
		assert.Same(t, boom, err)
		assert.Equal(t, 1, reg.Len())

		return reg.Commit(ctx)
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"ambient"}, committedBodies(t, reg))
}

func TestRun_ContextNotSet(t *testing.T) {
	reg, _ := newTestRegistry(t)
	called := false
	fn := func(ctx context.Context) error {
		called = true
		return nil
	}

	for _, p := range []Propagation{Required, RequiredNew} {
		err := New(reg, WithPropagation(p)).Run(context.Background(), fn)
		assert.True(t, errors.Is(err, session.ErrContextNotSet), p.String())
	}
	assert.False(t, called)
	assert.Equal(t, 0, reg.Len())
}

func TestRun_UnknownPropagationFallsBackToRequired(t *testing.T) {
	reg, log := newTestRegistry(t)
	var buf bytes.Buffer
	logger := logging.NewDefaultLoggerWithOutput(logging.LogWarn, &buf)
	ex := New(reg, WithPropagation(Propagation(42)), WithLogger(logger))

	var key session.Key
	err := reg.RunStandalone(context.Background(), func(ctx context.Context) error {
		key, _ = session.Get(ctx)
		return ex.Run(ctx, func(ctx context.Context) error {
			s, err := reg.Current(ctx)
			require.NoError(t, err)
			assert.Equal(t, key, s.Key())
			return insert(ctx, reg, "fallback")
		})
	})
	require.NoError(t, err)

	assert.Equal(t, 1, log.count(key, session.EventCommit))
	assert.Contains(t, buf.String(), "unknown propagation Propagation(42)")
	assert.Equal(t, []string{"fallback"}, committedBodies(t, reg))
}

func TestRun_PanicRollsBack(t *testing.T) {
	reg, log := newTestRegistry(t)
	ex := New(reg)

	var key session.Key
	assert.PanicsWithValue(t, "kaboom", func() {
		_ = reg.RunStandalone(context.Background(), func(ctx context.Context) error {
			key, _ = session.Get(ctx)
			return ex.Run(ctx, func(ctx context.Context) error {
				require.NoError(t, insert(ctx, reg, "doomed"))
				panic("kaboom")
			})
		})
	})

	// 执行器与工作单元各回滚一次，第二次无事务可回滚
	assert.Equal(t, 1, log.count(key, session.EventRollback))
	assert.Equal(t, 0, reg.Len())
	assert.Empty(t, committedBodies(t, reg))
}

func TestRun_CommitFailureReturnsCommitError(t *testing.T) {
	reg, log := newTestRegistry(t)
	ex := New(reg)

	var key session.Key
	err := reg.RunStandalone(context.Background(), func(ctx context.Context) error {
		key, _ = session.Get(ctx)
		return ex.Run(ctx, func(ctx context.Context) error {
			require.NoError(t, insert(ctx, reg, "first"))
			return reg.Add(ctx, routing.WriteStatement("INSERT INTO missing_table (x) VALUES (1)"))
		})
	})

	require.Error(t, err)
	assert.Equal(t, session.ErrCodeTransaction, session.GetErrorCode(err))
	assert.Equal(t, 0, log.count(key, session.EventCommit))
	assert.Equal(t, 1, log.count(key, session.EventRollback))
	assert.Empty(t, committedBodies(t, reg))
}

func TestWrap(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ex := New(reg)

	create := session.Standalone(reg, ex.Wrap(func(ctx context.Context) error {
		return insert(ctx, reg, "wrapped")
	}))
	require.NoError(t, create(context.Background()))
	require.NoError(t, create(context.Background()))

	assert.Equal(t, []string{"wrapped", "wrapped"}, committedBodies(t, reg))
}

func TestDo(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ex := New(reg)

	var id int64
	err := reg.RunStandalone(context.Background(), func(ctx context.Context) error {
		var err error
		id, err = Do(ctx, ex, func(ctx context.Context) (int64, error) {
			res, err := reg.Exec(ctx, routing.NewStatement(insertNote, "typed"))
			if err != nil {
				return 0, err
			}
			return res.LastInsertId()
		})
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), id)

	err = reg.RunStandalone(context.Background(), func(ctx context.Context) error {
		v, err := Do(ctx, ex, func(ctx context.Context) (string, error) {
			return "discarded", errors.New("nope")
		})
		assert.Empty(t, v)
		return err
	})
	assert.EqualError(t, err, "nope")
}
