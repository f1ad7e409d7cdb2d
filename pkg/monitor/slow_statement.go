// Package monitor keeps a bounded log of slow statements fed by session
// events.
package monitor

import (
	"fmt"
	"sync"
	"time"

	"github.com/kasuganosora/dbscope/pkg/session"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var slowStatementsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "dbscope_slow_statements_total",
	Help: "Statements that ran at least as long as the slow threshold, by engine.",
}, []string{"engine"})

// SlowStatement 慢语句日志项
type SlowStatement struct {
	ID        int64         `json:"id"`
	Session   string        `json:"session"`
	Engine    string        `json:"engine"`
	SQL       string        `json:"sql"`
	Duration  time.Duration `json:"duration"`
	Timestamp time.Time     `json:"timestamp"`
	Error     string        `json:"error,omitempty"`
}

// SlowStatementLog 慢语句日志，超出容量时丢弃最旧的记录
type SlowStatementLog struct {
	mu         sync.RWMutex
	entries    []*SlowStatement
	byID       map[int64]*SlowStatement
	threshold  time.Duration
	maxEntries int
	nextID     int64
	now        func() time.Time
}

// NewSlowStatementLog creates a log keeping at most maxEntries statements
// that ran for at least threshold. A non-positive threshold disables
// recording.
func NewSlowStatementLog(threshold time.Duration, maxEntries int) *SlowStatementLog {
	if maxEntries < 1 {
		maxEntries = 1
	}
	return &SlowStatementLog{
		entries:    make([]*SlowStatement, 0, maxEntries),
		byID:       make(map[int64]*SlowStatement),
		threshold:  threshold,
		maxEntries: maxEntries,
		nextID:     1,
		now:        time.Now,
	}
}

// Observe records ev when it is a slow statement. It has the signature of
// session.Observer.
func (l *SlowStatementLog) Observe(ev session.Event) {
	if ev.Type != session.EventStatement {
		return
	}
	var errMsg string
	if ev.Err != nil {
		errMsg = ev.Err.Error()
	}
	l.Record(string(ev.Key), ev.Target.String(), ev.Query, ev.Duration, errMsg)
}

// IsSlow 检查耗时是否达到阈值
func (l *SlowStatementLog) IsSlow(d time.Duration) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.threshold > 0 && d >= l.threshold
}

// Record stores a statement and returns its id, or 0 when the statement
// was not slow.
func (l *SlowStatementLog) Record(key, engine, query string, d time.Duration, errMsg string) int64 {
	if !l.IsSlow(d) {
		return 0
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	entry := &SlowStatement{
		ID:        l.nextID,
		Session:   key,
		Engine:    engine,
		SQL:       query,
		Duration:  d,
		Timestamp: l.now(),
		Error:     errMsg,
	}
	l.byID[entry.ID] = entry
	l.entries = append(l.entries, entry)
	l.nextID++

	if len(l.entries) > l.maxEntries {
		oldest := l.entries[0]
		delete(l.byID, oldest.ID)
		l.entries = l.entries[1:]
	}

	slowStatementsTotal.WithLabelValues(engine).Inc()
	return entry.ID
}

// Get 按 id 获取记录
func (l *SlowStatementLog) Get(id int64) (*SlowStatement, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	entry, ok := l.byID[id]
	return entry, ok
}

// Filter 慢语句查询条件，零值字段不参与过滤
type Filter struct {
	Engine  string
	Session string
	// Since 和 Until 都包含边界
	Since time.Time
	Until time.Time
}

func (f Filter) match(entry *SlowStatement) bool {
	if f.Engine != "" && entry.Engine != f.Engine {
		return false
	}
	if f.Session != "" && entry.Session != f.Session {
		return false
	}
	if !f.Since.IsZero() && entry.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && entry.Timestamp.After(f.Until) {
		return false
	}
	return true
}

// Find returns at most n statements matching f, newest first. A
// non-positive n returns every match.
func (l *SlowStatementLog) Find(f Filter, n int) []*SlowStatement {
	l.mu.RLock()
	defer l.mu.RUnlock()

	result := []*SlowStatement{}
	for i := len(l.entries) - 1; i >= 0; i-- {
		if n > 0 && len(result) == n {
			break
		}
		if f.match(l.entries[i]) {
			result = append(result, l.entries[i])
		}
	}
	return result
}

// Count 获取记录总数
func (l *SlowStatementLog) Count() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Delete 删除一条记录
func (l *SlowStatementLog) Delete(id int64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.byID[id]; !ok {
		return false
	}
	delete(l.byID, id)
	for i, entry := range l.entries {
		if entry.ID == id {
			l.entries = append(l.entries[:i], l.entries[i+1:]...)
			break
		}
	}
	return true
}

// Clear 清空所有记录，id 从 1 重新开始
func (l *SlowStatementLog) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.entries = make([]*SlowStatement, 0, l.maxEntries)
	l.byID = make(map[int64]*SlowStatement)
	l.nextID = 1
}

// SetThreshold 设置慢语句阈值
func (l *SlowStatementLog) SetThreshold(threshold time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.threshold = threshold
}

// Threshold 获取慢语句阈值
func (l *SlowStatementLog) Threshold() time.Duration {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.threshold
}

// Analysis 慢语句统计
type Analysis struct {
	Total       int                     `json:"total"`
	ErrorCount  int                     `json:"error_count"`
	AvgDuration time.Duration           `json:"avg_duration"`
	MaxDuration time.Duration           `json:"max_duration"`
	MinDuration time.Duration           `json:"min_duration"`
	Engines     map[string]*EngineStats `json:"engines"`
}

// EngineStats 单个引擎上的慢语句统计
type EngineStats struct {
	Count         int           `json:"count"`
	TotalDuration time.Duration `json:"total_duration"`
	MaxDuration   time.Duration `json:"max_duration"`
	AvgDuration   time.Duration `json:"avg_duration"`
}

// Analyze summarizes the recorded statements.
func (l *SlowStatementLog) Analyze() *Analysis {
	l.mu.RLock()
	defer l.mu.RUnlock()

	analysis := &Analysis{Engines: make(map[string]*EngineStats)}
	if len(l.entries) == 0 {
		return analysis
	}

	analysis.Total = len(l.entries)
	analysis.MaxDuration = l.entries[0].Duration
	analysis.MinDuration = l.entries[0].Duration

	var total time.Duration
	for _, entry := range l.entries {
		total += entry.Duration
		if entry.Duration > analysis.MaxDuration {
			analysis.MaxDuration = entry.Duration
		}
		if entry.Duration < analysis.MinDuration {
			analysis.MinDuration = entry.Duration
		}
		if entry.Error != "" {
			analysis.ErrorCount++
		}

		stats, ok := analysis.Engines[entry.Engine]
		if !ok {
			stats = &EngineStats{}
			analysis.Engines[entry.Engine] = stats
		}
		stats.Count++
		stats.TotalDuration += entry.Duration
		if entry.Duration > stats.MaxDuration {
			stats.MaxDuration = entry.Duration
		}
	}

	analysis.AvgDuration = total / time.Duration(analysis.Total)
	for _, stats := range analysis.Engines {
		stats.AvgDuration = stats.TotalDuration / time.Duration(stats.Count)
	}
	return analysis
}

// Recommendations returns human readable hints derived from Analyze.
func (l *SlowStatementLog) Recommendations() []string {
	analysis := l.Analyze()
	recommendations := []string{}

	if analysis.Total == 0 {
		return recommendations
	}

	if analysis.AvgDuration > time.Second {
		recommendations = append(recommendations,
			fmt.Sprintf("average slow statement takes %v, check indexes on the hot tables", analysis.AvgDuration))
	}

	errorRate := float64(analysis.ErrorCount) / float64(analysis.Total)
	if errorRate > 0.1 {
		recommendations = append(recommendations,
			fmt.Sprintf("%.0f%% of slow statements failed, they may be waiting on locks", errorRate*100))
	}

	// writer 上的慢语句会拉长事务持锁时间
	if stats, ok := analysis.Engines["writer"]; ok && stats.Count > analysis.Total/2 {
		recommendations = append(recommendations,
			fmt.Sprintf("%d of %d slow statements ran on the writer, keep transactions short", stats.Count, analysis.Total))
	}

	return recommendations
}
