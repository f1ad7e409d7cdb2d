package orm

import (
	"context"
	"database/sql"
	"errors"

	"github.com/kasuganosora/dbscope/pkg/logging"
	"github.com/kasuganosora/dbscope/pkg/routing"
	"github.com/kasuganosora/dbscope/pkg/session"
	"gorm.io/gorm"
)

// ErrPrepareUnsupported 会话连接池不支持预编译语句
var ErrPrepareUnsupported = errors.New("orm: prepared statements are not supported by the session pool")

// ConnPool routes every gorm statement through the session bound to the
// statement's context. Statements are classified from their text.
type ConnPool struct {
	reg    *session.Registry
	logger logging.Logger
}

var (
	_ gorm.ConnPool         = (*ConnPool)(nil)
	_ gorm.ConnPoolBeginner = (*ConnPool)(nil)
	_ gorm.GetDBConnector   = (*ConnPool)(nil)
	_ gorm.TxCommitter      = (*txPool)(nil)
)

// PrepareContext is not supported.
func (p *ConnPool) PrepareContext(ctx context.Context, query string) (*sql.Stmt, error) {
	return nil, ErrPrepareUnsupported
}

// ExecContext 在当前会话上执行
func (p *ConnPool) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return p.reg.Exec(ctx, routing.Statement{Query: query, Args: args})
}

// QueryContext 在当前会话上查询
func (p *ConnPool) QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	return p.reg.Query(ctx, routing.Statement{Query: query, Args: args})
}

// QueryRowContext queries one row on the current session. When ctx has
// no usable session the error is logged and the returned row reports
// context.Canceled from Scan, since a *sql.Row cannot carry an error of
// our own.
func (p *ConnPool) QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row {
	row, err := p.reg.QueryRow(ctx, routing.Statement{Query: query, Args: args})
	if err == nil {
		return row
	}

	p.logger.Error("query row without session: %v", err)
	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	return p.reg.Pair().Reader.DB().QueryRowContext(cancelled, query, args...)
}

// BeginTx starts the session transaction and returns a pool whose
// Commit and Rollback end it.
func (p *ConnPool) BeginTx(ctx context.Context, opts *sql.TxOptions) (gorm.ConnPool, error) {
	if err := p.reg.Begin(ctx); err != nil {
		return nil, err
	}
	return &txPool{ConnPool: p, ctx: ctx}, nil
}

// GetDBConn returns the writer's *sql.DB so that gorm.DB.DB works.
func (p *ConnPool) GetDBConn() (*sql.DB, error) {
	return p.reg.Pair().Writer.DB(), nil
}

// txPool gorm 事务视图，提交和回滚委托给会话
type txPool struct {
	*ConnPool
	ctx context.Context
}

func (t *txPool) Commit() error {
	return t.reg.Commit(t.ctx)
}

func (t *txPool) Rollback() error {
	return t.reg.Rollback(t.ctx)
}
