package session

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func TestGet_NotSet(t *testing.T) {
	_, err := Get(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrContextNotSet))
	assert.Equal(t, ErrCodeContextNotSet, GetErrorCode(err))
}

func TestSetReset_Nesting(t *testing.T) {
	root := context.Background()

	outer, tokOuter := Set(root, "outer")
	inner, tokInner := Set(outer, "inner")

	key, err := Get(inner)
	require.NoError(t, err)
	assert.Equal(t, Key("inner"), key)

	restored := Reset(tokInner)
	key, err = Get(restored)
	require.NoError(t, err)
	assert.Equal(t, Key("outer"), key)

	_, err = Get(Reset(tokOuter))
	assert.True(t, errors.Is(err, ErrContextNotSet))
}

func TestReset_ZeroToken(t *testing.T) {
	ctx := Reset(Token{})
	require.NotNil(t, ctx)
	_, ok := KeyFromContext(ctx)
	assert.False(t, ok)
}

func TestSet_NilParent(t *testing.T) {
	ctx, tok := Set(nil, "k") //nolint:staticcheck
	key, err := Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, Key("k"), key)

	_, ok := KeyFromContext(Reset(tok))
	assert.False(t, ok)
}

func TestKeyFromContext_Empty(t *testing.T) {
	_, ok := KeyFromContext(nil) //nolint:staticcheck
	assert.False(t, ok)

	_, ok = KeyFromContext(WithKey(context.Background(), ""))
	assert.False(t, ok)
}

func TestNewKey_Unique(t *testing.T) {
	seen := make(map[Key]bool)
	for i := 0; i < 1000; i++ {
		k := NewKey()
		assert.False(t, seen[k])
		seen[k] = true
	}
}

// 并发分支各自只看到自己的 Set 链
func TestSet_ConcurrentBranches(t *testing.T) {
	parent, _ := Set(context.Background(), "parent")

	var g errgroup.Group
	for i := 0; i < 16; i++ {
		g.Go(func() error {
			own := NewKey()
			ctx, tok := Set(parent, own)
			got, err := Get(ctx)
			if err != nil {
				return err
			}
			if got != own {
				return errors.New("branch observed a foreign key")
			}
			back, err := Get(Reset(tok))
			if err != nil {
				return err
			}
			if back != "parent" {
				return errors.New("reset did not restore the parent key")
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	key, err := Get(parent)
	require.NoError(t, err)
	assert.Equal(t, Key("parent"), key)
}
