package session

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/kasuganosora/dbscope/pkg/engine"
	"github.com/kasuganosora/dbscope/pkg/routing"
	"github.com/stretchr/testify/require"
)

// recorder 记录会话事件，供断言路由结果
type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) observe(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) count(key Key, typ EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Key == key && ev.Type == typ {
			n++
		}
	}
	return n
}

// targetOf 返回某条语句最后一次被路由到的引擎
func (r *recorder) targetOf(key Key, query string) (routing.Target, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.events) - 1; i >= 0; i-- {
		ev := r.events[i]
		if ev.Key == key && ev.Type == EventStatement && ev.Query == query {
			return ev.Target, true
		}
	}
	return 0, false
}

// lastStatement 返回某条语句最后一次执行的事件
func (r *recorder) lastStatement(key Key, query string) (Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.events) - 1; i >= 0; i-- {
		ev := r.events[i]
		if ev.Key == key && ev.Type == EventStatement && ev.Query == query {
			return ev, true
		}
	}
	return Event{}, false
}

func newTestPair(t *testing.T) *engine.Pair {
	t.Helper()
	url := "file:" + filepath.Join(t.TempDir(), "session.db") + "?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)"
	pair, err := engine.OpenPair(context.Background(), url, engine.Options{MaxOpenConns: 8})
	require.NoError(t, err)
	t.Cleanup(func() { pair.Close() })

	_, err = pair.Writer.DB().Exec("CREATE TABLE notes (id INTEGER PRIMARY KEY AUTOINCREMENT, body TEXT NOT NULL)")
	require.NoError(t, err)
	return pair
}

func newTestRegistry(t *testing.T) (*Registry, *recorder) {
	t.Helper()
	rec := &recorder{}
	opts := DefaultOptions()
	opts.Observer = rec.observe
	reg := NewRegistry(newTestPair(t), opts)
	t.Cleanup(func() { reg.Shutdown(context.Background()) })
	return reg, rec
}

// countNotes 绕过会话直接在 reader 上查询已提交的行数
func countNotes(t *testing.T, reg *Registry) int {
	t.Helper()
	var n int
	require.NoError(t, reg.Pair().Reader.DB().QueryRow("SELECT COUNT(*) FROM notes").Scan(&n))
	return n
}

const (
	insertNote = "INSERT INTO notes (body) VALUES (?)"
	countQuery = "SELECT COUNT(*) FROM notes"
)

func stmtInsert(body string) routing.Statement {
	return routing.NewStatement(insertNote, body)
}
