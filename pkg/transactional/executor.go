// Package transactional runs functions inside a session transaction:
// commit when the function succeeds, roll back when it fails or panics.
package transactional

import (
	"context"

	"github.com/kasuganosora/dbscope/pkg/logging"
	"github.com/kasuganosora/dbscope/pkg/session"
)

// Executor 事务执行器
type Executor struct {
	reg         *session.Registry
	propagation Propagation
	logger      logging.Logger
}

// Option 执行器选项
type Option func(*Executor)

// WithPropagation sets the propagation mode.
func WithPropagation(p Propagation) Option {
	return func(e *Executor) { e.propagation = p }
}

// WithLogger 设置日志
func WithLogger(l logging.Logger) Option {
	return func(e *Executor) { e.logger = l }
}

// New creates an executor over reg. The default propagation is Required.
func New(reg *session.Registry, opts ...Option) *Executor {
	e := &Executor{
		reg:         reg,
		propagation: Required,
		logger:      logging.NewNoOpLogger(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Propagation 返回配置的传播方式
func (e *Executor) Propagation() Propagation {
	return e.propagation
}

// Run executes fn transactionally. ctx must carry a session key.
//
// fn's error is returned unchanged after a rollback. A failed commit is
// followed by a rollback attempt and its error is returned. A panic in
// fn rolls back and is re-raised. An unknown propagation runs as Required.
func (e *Executor) Run(ctx context.Context, fn func(ctx context.Context) error) error {
	switch e.propagation {
	case Required:
		return e.runRequired(ctx, fn)
	case RequiredNew:
		return e.runRequiredNew(ctx, fn)
	default:
		e.logger.Warn("unknown propagation %s, running as %s", e.propagation, Required)
		return e.runRequired(ctx, fn)
	}
}

// Wrap returns fn bound to this executor.
func (e *Executor) Wrap(fn func(ctx context.Context) error) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		return e.Run(ctx, fn)
	}
}

// Do runs fn through e and returns its result. The zero value is
// returned when the transaction did not commit.
func Do[T any](ctx context.Context, e *Executor, fn func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := e.Run(ctx, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		result = v
		return nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return result, nil
}

// runRequired 在当前会话上执行，已有事务时直接加入
func (e *Executor) runRequired(ctx context.Context, fn func(ctx context.Context) error) error {
	s, err := e.reg.Current(ctx)
	if err != nil {
		return err
	}
	return e.execute(ctx, s, Required, fn)
}

// runRequiredNew 在嵌套的新会话键上执行，外层会话不受影响
func (e *Executor) runRequiredNew(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, err := session.Get(ctx); err != nil {
		return err
	}

	key := session.NewKey()
	nested := session.WithKey(ctx, key)
	defer func() {
		if err := e.reg.RemoveKey(context.WithoutCancel(nested), key); err != nil {
			e.logger.Warn("remove nested session %s: %v", key, err)
		}
	}()

	s, err := e.reg.Current(nested)
	if err != nil {
		return err
	}
	if err := s.Begin(nested); err != nil {
		return err
	}
	return e.execute(nested, s, RequiredNew, fn)
}

func (e *Executor) execute(ctx context.Context, s *session.Session, p Propagation, fn func(ctx context.Context) error) error {
	label := p.String()

	defer func() {
		if r := recover(); r != nil {
			e.rollback(ctx, s)
			transactionsTotal.WithLabelValues(label, outcomePanic).Inc()
			panic(r)
		}
	}()

	if err := fn(ctx); err != nil {
		e.rollback(ctx, s)
		transactionsTotal.WithLabelValues(label, outcomeRollback).Inc()
		return err
	}

	if err := s.Commit(ctx); err != nil {
		e.rollback(ctx, s)
		transactionsTotal.WithLabelValues(label, outcomeCommitError).Inc()
		return err
	}
	transactionsTotal.WithLabelValues(label, outcomeCommit).Inc()
	return nil
}

// rollback 回滚失败只记录日志，保留原始错误
func (e *Executor) rollback(ctx context.Context, s *session.Session) {
	if err := s.Rollback(context.WithoutCancel(ctx)); err != nil {
		e.logger.Error("rollback session %s: %v", s.Key(), err)
	}
}
