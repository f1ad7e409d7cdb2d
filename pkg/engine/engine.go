// Package engine owns the two long-lived connection pools, writer and
// reader, that back every session. Both are opened from one connection
// string and differ only in the role the routing policy assigns them.
package engine

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/kasuganosora/dbscope/pkg/routing"
	_ "github.com/lib/pq"
	"github.com/pkg/errors"
	_ "modernc.org/sqlite"
)

// DefaultRecycle 默认连接回收间隔
const DefaultRecycle = 3600 * time.Second

// Options 引擎参数
type Options struct {
	Recycle      time.Duration // 连接最长存活时间，0 表示使用 DefaultRecycle
	MaxOpenConns int
	MaxIdleConns int
	Echo         bool          // 是否在 DEBUG 日志中输出 SQL
	PingTimeout  time.Duration // 0 表示不做连通性检查
}

// ErrConnectionFailed 连接失败错误
type ErrConnectionFailed struct {
	Engine string
	Driver string
	Reason string
}

func (e *ErrConnectionFailed) Error() string {
	return fmt.Sprintf("failed to connect %s engine (%s): %s", e.Engine, e.Driver, e.Reason)
}

// Engine 带连接池的连接源
// 创建后不可变，进程生命周期内存在
type Engine struct {
	name    string
	driver  string
	db      *sql.DB
	recycle time.Duration
	echo    bool
}

// Open opens a pooled engine for the given connection string.
func Open(ctx context.Context, name, rawURL string, opts Options) (*Engine, error) {
	driverName, dsn, err := ParseURL(rawURL)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s engine", name)
	}

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, &ErrConnectionFailed{Engine: name, Driver: driverName, Reason: err.Error()}
	}

	e := newEngine(name, driverName, db, opts)

	if opts.PingTimeout > 0 {
		pingCtx, cancel := context.WithTimeout(ctx, opts.PingTimeout)
		defer cancel()
		if err := db.PingContext(pingCtx); err != nil {
			db.Close()
			return nil, &ErrConnectionFailed{Engine: name, Driver: driverName, Reason: err.Error()}
		}
	}

	return e, nil
}

// New wraps an already opened *sql.DB.
func New(name, driverName string, db *sql.DB, opts Options) *Engine {
	return newEngine(name, driverName, db, opts)
}

func newEngine(name, driverName string, db *sql.DB, opts Options) *Engine {
	recycle := opts.Recycle
	if recycle <= 0 {
		recycle = DefaultRecycle
	}

	db.SetConnMaxLifetime(recycle)
	if opts.MaxOpenConns > 0 {
		db.SetMaxOpenConns(opts.MaxOpenConns)
	}
	if opts.MaxIdleConns > 0 {
		db.SetMaxIdleConns(opts.MaxIdleConns)
	}

	return &Engine{
		name:    name,
		driver:  driverName,
		db:      db,
		recycle: recycle,
		echo:    opts.Echo,
	}
}

func (e *Engine) Name() string           { return e.name }
func (e *Engine) Driver() string         { return e.driver }
func (e *Engine) DB() *sql.DB            { return e.db }
func (e *Engine) Recycle() time.Duration { return e.recycle }
func (e *Engine) Echo() bool             { return e.echo }

// Conn acquires a dedicated connection from the pool. ctx bounds only the
// acquisition.
func (e *Engine) Conn(ctx context.Context) (*sql.Conn, error) {
	conn, err := e.db.Conn(ctx)
	if err != nil {
		return nil, errors.Wrapf(err, "acquire %s connection", e.name)
	}
	return conn, nil
}

// Ping 检查连通性
func (e *Engine) Ping(ctx context.Context) error {
	return e.db.PingContext(ctx)
}

// Stats 返回连接池统计
func (e *Engine) Stats() sql.DBStats {
	return e.db.Stats()
}

// Close 关闭连接池
func (e *Engine) Close() error {
	return e.db.Close()
}

// Pair 读写引擎对
type Pair struct {
	Writer *Engine
	Reader *Engine
}

// OpenPair opens the writer and reader engines from one connection string.
// An in-memory SQLite database is rejected: the reader would never see
// what the writer commits.
func OpenPair(ctx context.Context, rawURL string, opts Options) (*Pair, error) {
	if driverName, dsn, err := ParseURL(rawURL); err == nil && driverName == DriverSQLite && IsSQLiteMemory(dsn) {
		return nil, errors.Errorf("in-memory sqlite database %q cannot back a writer/reader pair, use a file", rawURL)
	}
	writer, err := Open(ctx, routing.Writer.String(), rawURL, opts)
	if err != nil {
		return nil, err
	}
	reader, err := Open(ctx, routing.Reader.String(), rawURL, opts)
	if err != nil {
		writer.Close()
		return nil, err
	}
	return &Pair{Writer: writer, Reader: reader}, nil
}

// Get 返回路由目标对应的引擎
func (p *Pair) Get(target routing.Target) *Engine {
	if target == routing.Reader {
		return p.Reader
	}
	return p.Writer
}

// Close closes both engines and returns the first error.
func (p *Pair) Close() error {
	var first error
	for _, e := range []*Engine{p.Writer, p.Reader} {
		if e == nil {
			continue
		}
		if err := e.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
