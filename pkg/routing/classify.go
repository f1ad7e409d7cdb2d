package routing

import (
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru"
	"github.com/pingcap/tidb/pkg/parser"
	"github.com/pingcap/tidb/pkg/parser/ast"
	_ "github.com/pingcap/tidb/pkg/parser/test_driver"
)

// DefaultCacheSize 默认分类缓存容量
const DefaultCacheSize = 1024

var defaultClassifier = NewClassifier(DefaultCacheSize)

// DefaultClassifier 返回包级共享分类器
func DefaultClassifier() *Classifier {
	return defaultClassifier
}

// Classify classifies query with the package-level classifier.
func Classify(query string) Kind {
	return defaultClassifier.Classify(query)
}

// Classifier 基于 TiDB parser 的 SQL 读写分类器
// parser.Parser 不是并发安全的，因此通过 sync.Pool 复用
type Classifier struct {
	parsers sync.Pool
	cache   *lru.Cache
}

// NewClassifier creates a classifier caching up to cacheSize results.
// A cacheSize of zero disables caching.
func NewClassifier(cacheSize int) *Classifier {
	c := &Classifier{
		parsers: sync.Pool{New: func() interface{} { return parser.New() }},
	}
	if cacheSize > 0 {
		// lru.New only fails for a non-positive size
		c.cache, _ = lru.New(cacheSize)
	}
	return c
}

// Classify returns Read for statements that cannot modify data and Write
// for everything else. Text the parser rejects is classified by its
// leading keyword.
func (c *Classifier) Classify(query string) Kind {
	if c.cache != nil {
		if v, ok := c.cache.Get(query); ok {
			return v.(Kind)
		}
	}

	kind := c.parse(query)

	if c.cache != nil {
		c.cache.Add(query, kind)
	}
	return kind
}

func (c *Classifier) parse(query string) Kind {
	p := c.parsers.Get().(*parser.Parser)
	defer c.parsers.Put(p)

	stmts, _, err := p.ParseSQL(query)
	if err != nil || len(stmts) == 0 {
		return classifyKeyword(query)
	}

	for _, stmt := range stmts {
		if kindOf(stmt) == Write {
			return Write
		}
	}
	return Read
}

func kindOf(stmt ast.StmtNode) Kind {
	switch s := stmt.(type) {
	case *ast.SelectStmt:
		if s.LockInfo != nil && s.LockInfo.LockType != ast.SelectLockNone {
			return Write
		}
		return Read
	case *ast.SetOprStmt, *ast.ShowStmt, *ast.ExplainStmt:
		return Read
	default:
		// insert/replace/update/delete, DDL, locking and session statements
		return Write
	}
}

var readKeywords = map[string]bool{
	"SELECT":   true,
	"SHOW":     true,
	"EXPLAIN":  true,
	"DESCRIBE": true,
	"DESC":     true,
	"WITH":     true,
	"VALUES":   true,
	"TABLE":    true,
}

// classifyKeyword 解析失败时的兜底：按首个关键字判断
func classifyKeyword(query string) Kind {
	q := strings.TrimLeft(strings.TrimSpace(stripLeadingComments(query)), "(")
	end := strings.IndexFunc(q, func(r rune) bool {
		return r == ' ' || r == '\t' || r == '\n' || r == '\r' || r == '('
	})
	word := q
	if end >= 0 {
		word = q[:end]
	}
	word = strings.ToUpper(word)

	if !readKeywords[word] {
		return Write
	}

	upper := strings.ToUpper(q)
	if strings.Contains(upper, "FOR UPDATE") || strings.Contains(upper, "FOR SHARE") ||
		strings.Contains(upper, " INSERT INTO ") || strings.Contains(upper, " UPDATE ") ||
		strings.Contains(upper, " DELETE FROM ") {
		return Write
	}
	return Read
}

func stripLeadingComments(q string) string {
	for {
		q = strings.TrimSpace(q)
		switch {
		case strings.HasPrefix(q, "--"):
			if i := strings.IndexByte(q, '\n'); i >= 0 {
				q = q[i+1:]
				continue
			}
			return ""
		case strings.HasPrefix(q, "/*"):
			if i := strings.Index(q, "*/"); i >= 0 {
				q = q[i+2:]
				continue
			}
			return ""
		}
		return q
	}
}
