package routing

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name  string
		query string
		want  Kind
	}{
		{"select", "SELECT id, name FROM users WHERE id = ?", Read},
		{"select lowercase", "select * from users", Read},
		{"union", "SELECT id FROM a UNION SELECT id FROM b", Read},
		{"show", "SHOW TABLES", Read},
		{"explain", "EXPLAIN SELECT * FROM users", Read},
		{"describe", "DESC users", Read},
		{"select for update", "SELECT * FROM users WHERE id = 1 FOR UPDATE", Write},
		{"insert", "INSERT INTO users (name) VALUES (?)", Write},
		{"replace", "REPLACE INTO users (id, name) VALUES (1, 'a')", Write},
		{"update", "UPDATE users SET name = ? WHERE id = ?", Write},
		{"delete", "DELETE FROM users WHERE id = 3", Write},
		{"ddl", "CREATE TABLE t (id INT PRIMARY KEY)", Write},
		{"drop", "DROP TABLE t", Write},
		{"multi with write", "SELECT 1; DELETE FROM t", Write},
		{"empty", "", Write},
	}

	c := NewClassifier(0)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, c.Classify(tt.query))
		})
	}
}

func TestClassify_KeywordFallback(t *testing.T) {
	tests := []struct {
		name  string
		query string
		want  Kind
	}{
		{"postgres cast", "SELECT * FROM t WHERE id = ANY($1::int[])", Read},
		{"postgres upsert", "INSERT INTO t (id) VALUES ($1) ON CONFLICT (id) DO NOTHING RETURNING id::text", Write},
		{"comment prefix", "-- fetch\nSELECT x::text FROM t", Read},
		{"block comment", "/* hint */ SELECT x::text FROM t", Read},
		{"locking cte", "WITH x AS (SELECT 1::int) SELECT * FROM t FOR UPDATE", Write},
		{"modifying cte", "WITH d AS ( DELETE FROM t RETURNING id::int ) SELECT * FROM d", Write},
		{"unknown", "VACUUM t::x", Write},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, classifyKeyword(tt.query))
		})
	}
}

func TestClassifier_Cache(t *testing.T) {
	c := NewClassifier(2)
	assert.NotNil(t, c.cache)

	assert.Equal(t, Read, c.Classify("SELECT 1"))
	assert.Equal(t, Write, c.Classify("DELETE FROM t"))

	v, ok := c.cache.Peek("SELECT 1")
	assert.True(t, ok)
	assert.Equal(t, Read, v)

	// oldest entry evicted past capacity
	c.Classify("UPDATE t SET a = 1")
	_, ok = c.cache.Peek("SELECT 1")
	assert.False(t, ok)
}

func TestClassify_Concurrent(t *testing.T) {
	c := NewClassifier(16)
	done := make(chan struct{})
	for i := 0; i < 8; i++ {
		go func() {
			defer func() { done <- struct{}{} }()
			for j := 0; j < 50; j++ {
				assert.Equal(t, Read, c.Classify("SELECT * FROM users"))
				assert.Equal(t, Write, c.Classify("INSERT INTO users VALUES (1)"))
			}
		}()
	}
	for i := 0; i < 8; i++ {
		<-done
	}
}

func TestStatement(t *testing.T) {
	s := NewStatement("INSERT INTO t VALUES (?)", 1)
	assert.Equal(t, Write, s.Kind)
	assert.Equal(t, []interface{}{1}, s.Args)

	assert.Equal(t, Read, ReadStatement("SELECT 1").Kind)
	assert.Equal(t, Write, WriteStatement("SELECT 1").Kind)

	// declared kinds win over the text
	assert.Equal(t, Write, WriteStatement("SELECT 1").Resolve(nil))

	raw := Statement{Query: "SELECT * FROM t"}
	assert.Equal(t, Read, raw.Resolve(nil))
	assert.Equal(t, Read, raw.Resolve(NewClassifier(4)))
}
