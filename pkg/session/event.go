package session

import (
	"time"

	"github.com/kasuganosora/dbscope/pkg/routing"
)

// EventType 会话事件类型
type EventType int

const (
	EventCreate EventType = iota
	EventBegin
	EventStatement
	EventFlush
	EventCommit
	EventRollback
	EventClose
	EventRemove
)

func (t EventType) String() string {
	switch t {
	case EventCreate:
		return "create"
	case EventBegin:
		return "begin"
	case EventStatement:
		return "statement"
	case EventFlush:
		return "flush"
	case EventCommit:
		return "commit"
	case EventRollback:
		return "rollback"
	case EventClose:
		return "close"
	case EventRemove:
		return "remove"
	default:
		return "unknown"
	}
}

// Event describes one lifecycle step of a session. Target, Query,
// Duration and Err are set for EventStatement only; the event is emitted
// after the statement ran.
type Event struct {
	Key      Key
	Type     EventType
	Target   routing.Target
	Query    string
	Duration time.Duration
	Err      error
}

// Observer is called synchronously for every session event. It must not
// call back into the session that emitted the event.
type Observer func(Event)
