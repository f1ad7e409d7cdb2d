package httpapi

import "github.com/kasuganosora/dbscope/pkg/monitor"

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
}

// HealthResponse represents a health check response
type HealthResponse struct {
	Status  string            `json:"status"`
	Version string            `json:"version"`
	Engines map[string]string `json:"engines"`
}

// Note 笔记资源，也是 ORM 模型
type Note struct {
	ID   uint64 `json:"id" gorm:"primaryKey"`
	Body string `json:"body" gorm:"not null"`
}

// NoteRequest represents a create/update note request
type NoteRequest struct {
	Body string `json:"body"`
}

// NotesResponse represents a note listing
type NotesResponse struct {
	Notes []Note `json:"notes"`
	Total int    `json:"total"`
}

// SlowStatementsResponse 慢语句日志
type SlowStatementsResponse struct {
	Threshold       string                   `json:"threshold"`
	Statements      []*monitor.SlowStatement `json:"statements"`
	Analysis        *monitor.Analysis        `json:"analysis"`
	Recommendations []string                 `json:"recommendations"`
}

// ThresholdRequest 调整慢语句阈值
type ThresholdRequest struct {
	Threshold string `json:"threshold"`
}
