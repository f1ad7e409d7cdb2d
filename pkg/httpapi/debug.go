package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/schema"
	"github.com/kasuganosora/dbscope/pkg/monitor"
)

// slowStatementsQuery 慢语句列表的查询参数，since/until 为 RFC 3339 时间
type slowStatementsQuery struct {
	Limit   int       `json:"limit"`
	Engine  string    `json:"engine"`
	Session string    `json:"session"`
	Since   time.Time `json:"since"`
	Until   time.Time `json:"until"`
}

// SlowStatementsHandler 慢语句日志接口
type SlowStatementsHandler struct {
	log     *monitor.SlowStatementLog
	decoder *schema.Decoder
}

// NewSlowStatementsHandler creates a handler over log.
func NewSlowStatementsHandler(log *monitor.SlowStatementLog) *SlowStatementsHandler {
	return &SlowStatementsHandler{log: log, decoder: newQueryDecoder()}
}

// List handles GET /api/v1/debug/slow-statements, newest first. It accepts
// limit, engine, session, since and until; a zero or missing limit returns
// every match. Analysis always covers the whole log.
func (h *SlowStatementsHandler) List(w http.ResponseWriter, r *http.Request) {
	var q slowStatementsQuery
	if err := r.ParseForm(); err != nil {
		badRequest(w, err.Error())
		return
	}
	if err := h.decoder.Decode(&q, r.Form); err != nil {
		badRequest(w, "invalid query: "+err.Error())
		return
	}
	if q.Limit < 0 || q.Limit > maxListLimit {
		badRequest(w, "limit must be within [0, "+strconv.Itoa(maxListLimit)+"]")
		return
	}
	if !q.Since.IsZero() && !q.Until.IsZero() && q.Until.Before(q.Since) {
		badRequest(w, "until must not be before since")
		return
	}

	filter := monitor.Filter{Engine: q.Engine, Session: q.Session, Since: q.Since, Until: q.Until}
	writeJSON(w, http.StatusOK, SlowStatementsResponse{
		Threshold:       h.log.Threshold().String(),
		Statements:      h.log.Find(filter, q.Limit),
		Analysis:        h.log.Analyze(),
		Recommendations: h.log.Recommendations(),
	})
}

// Get handles GET /api/v1/debug/slow-statements/{id}
func (h *SlowStatementsHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := slowStatementID(w, r)
	if !ok {
		return
	}
	entry, ok := h.log.Get(id)
	if !ok {
		slowStatementNotFound(w)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

// Delete handles DELETE /api/v1/debug/slow-statements/{id}
func (h *SlowStatementsHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := slowStatementID(w, r)
	if !ok {
		return
	}
	if !h.log.Delete(id) {
		slowStatementNotFound(w)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Clear handles DELETE /api/v1/debug/slow-statements.
func (h *SlowStatementsHandler) Clear(w http.ResponseWriter, r *http.Request) {
	h.log.Clear()
	w.WriteHeader(http.StatusNoContent)
}

// SetThreshold handles PUT /api/v1/debug/slow-statements/threshold with a
// body like {"threshold":"500ms"}. A zero threshold stops recording.
func (h *SlowStatementsHandler) SetThreshold(w http.ResponseWriter, r *http.Request) {
	var req ThresholdRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid request body: "+err.Error())
		return
	}
	threshold, err := time.ParseDuration(req.Threshold)
	if err != nil || threshold < 0 {
		badRequest(w, "threshold must be a non-negative duration such as \"500ms\"")
		return
	}
	h.log.SetThreshold(threshold)
	writeJSON(w, http.StatusOK, ThresholdRequest{Threshold: threshold.String()})
}

func slowStatementID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil || id <= 0 {
		badRequest(w, "invalid slow statement id")
		return 0, false
	}
	return id, true
}

func slowStatementNotFound(w http.ResponseWriter) {
	writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "slow statement not found", Code: http.StatusNotFound})
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: msg, Code: http.StatusBadRequest})
}
