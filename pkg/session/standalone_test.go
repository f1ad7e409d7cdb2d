package session

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/kasuganosora/dbscope/pkg/routing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func TestRunStandalone_RestoresUnsetContext(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	var inner Key
	err := reg.RunStandalone(ctx, func(ctx context.Context) error {
		var err error
		inner, err = Get(ctx)
		return err
	})
	require.NoError(t, err)
	assert.NotEmpty(t, inner)

	_, err = Get(ctx)
	assert.True(t, errors.Is(err, ErrContextNotSet))
}

func TestRunStandalone_RestoresOuterKey(t *testing.T) {
	reg, _ := newTestRegistry(t)
	outer, _ := Set(context.Background(), "outer")

	err := reg.RunStandalone(outer, func(ctx context.Context) error {
		key, err := Get(ctx)
		require.NoError(t, err)
		assert.NotEqual(t, Key("outer"), key)
		return errors.New("fail")
	})
	require.Error(t, err)

	key, err := Get(outer)
	require.NoError(t, err)
	assert.Equal(t, Key("outer"), key)
}

// insert 后返回 boom：写走 writer、事务回滚、原错误返回、会话已移除
func TestRunStandalone_InsertThenBoom(t *testing.T) {
	reg, rec := newTestRegistry(t)
	boom := errors.New("boom")

	var key Key
	err := reg.RunStandalone(context.Background(), func(ctx context.Context) error {
		key, _ = Get(ctx)
		if _, err := reg.Exec(ctx, stmtInsert("doomed")); err != nil {
			return err
		}
		return boom
	})

	assert.Same(t, boom, err)
	assert.Equal(t, "boom", err.Error())

	target, ok := rec.targetOf(key, insertNote)
	require.True(t, ok)
	assert.Equal(t, routing.Writer, target)
	assert.Equal(t, 1, rec.count(key, EventRollback))
	assert.Equal(t, 1, rec.count(key, EventRemove))

	_, ok = reg.Lookup(key)
	assert.False(t, ok)
	assert.Equal(t, 0, reg.Len())
	assert.Equal(t, 0, countNotes(t, reg))
}

func TestRunStandalone_SuccessRemovesWithoutCommit(t *testing.T) {
	reg, rec := newTestRegistry(t)

	var key Key
	err := reg.RunStandalone(context.Background(), func(ctx context.Context) error {
		key, _ = Get(ctx)
		if _, err := reg.Exec(ctx, stmtInsert("committed")); err != nil {
			return err
		}
		return reg.Commit(ctx)
	})
	require.NoError(t, err)

	assert.Equal(t, 1, rec.count(key, EventCommit))
	assert.Equal(t, 0, rec.count(key, EventRollback))
	assert.Equal(t, 0, reg.Len())
	assert.Equal(t, 1, countNotes(t, reg))
}

func TestRunStandalone_Panic(t *testing.T) {
	reg, rec := newTestRegistry(t)

	var key Key
	assert.PanicsWithValue(t, "kaboom", func() {
		_ = reg.RunStandalone(context.Background(), func(ctx context.Context) error {
			key, _ = Get(ctx)
			if _, err := reg.Exec(ctx, stmtInsert("doomed")); err != nil {
				return err
			}
			panic("kaboom")
		})
	})

	assert.Equal(t, 1, rec.count(key, EventRollback))
	assert.Equal(t, 0, reg.Len())
	assert.Equal(t, 0, countNotes(t, reg))
}

func TestRunStandalone_CancelledStillCleansUp(t *testing.T) {
	reg, rec := newTestRegistry(t)
	ctx, cancel := context.WithCancel(context.Background())

	var key Key
	err := reg.RunStandalone(ctx, func(ctx context.Context) error {
		key, _ = Get(ctx)
		if _, err := reg.Exec(ctx, stmtInsert("interrupted")); err != nil {
			return err
		}
		cancel()
		<-ctx.Done()
		return ctx.Err()
	})

	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, 1, rec.count(key, EventRollback))
	assert.Equal(t, 1, rec.count(key, EventRemove))
	assert.Equal(t, 0, reg.Len())
	assert.Equal(t, 0, countNotes(t, reg))
}

func TestStandalone_Decorator(t *testing.T) {
	reg, _ := newTestRegistry(t)

	var mu sync.Mutex
	keys := make(map[Key]bool)
	fn := Standalone(reg, func(ctx context.Context) error {
		key, err := Get(ctx)
		if err != nil {
			return err
		}
		mu.Lock()
		keys[key] = true
		mu.Unlock()
		return nil
	})

	for i := 0; i < 3; i++ {
		require.NoError(t, fn(context.Background()))
	}
	assert.Len(t, keys, 3)
	assert.Equal(t, 0, reg.Len())
}

// 并发工作单元互不共享会话
func TestRunStandalone_ConcurrentUnitsAreIsolated(t *testing.T) {
	reg, _ := newTestRegistry(t)

	const units = 8
	var mu sync.Mutex
	sessions := make(map[*Session]Key, units)

	var g errgroup.Group
	for i := 0; i < units; i++ {
		g.Go(func() error {
			return reg.RunStandalone(context.Background(), func(ctx context.Context) error {
				s, err := reg.Current(ctx)
				if err != nil {
					return err
				}
				key, _ := Get(ctx)
				if s.Key() != key {
					return errors.New("session bound to a foreign key")
				}
				mu.Lock()
				sessions[s] = key
				mu.Unlock()

				if _, err := s.Exec(ctx, stmtInsert("unit")); err != nil {
					return err
				}
				return s.Commit(ctx)
			})
		})
	}
	require.NoError(t, g.Wait())

	assert.Len(t, sessions, units)
	assert.Equal(t, 0, reg.Len())
	assert.Equal(t, units, countNotes(t, reg))
}
