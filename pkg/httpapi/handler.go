package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/schema"
	"github.com/kasuganosora/dbscope/pkg/engine"
	"github.com/kasuganosora/dbscope/pkg/logging"
	"github.com/kasuganosora/dbscope/pkg/transactional"
	"gorm.io/gorm"
)

const (
	healthPingTimeout = 2 * time.Second

	defaultListLimit = 100
	maxListLimit     = 1000
)

var errNoteNotFound = errors.New("note not found")

// listQuery 列表接口的查询参数
type listQuery struct {
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

func newQueryDecoder() *schema.Decoder {
	decoder := schema.NewDecoder()
	decoder.IgnoreUnknownKeys(false)
	decoder.SetAliasTag("json")
	return decoder
}

// decodeListQuery 解析 limit/offset，limit 缺省为 defaultLimit
func decodeListQuery(w http.ResponseWriter, r *http.Request, decoder *schema.Decoder, defaultLimit int) (listQuery, bool) {
	q := listQuery{Limit: defaultLimit}
	if err := r.ParseForm(); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: http.StatusBadRequest})
		return q, false
	}
	if err := decoder.Decode(&q, r.Form); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid query: " + err.Error(), Code: http.StatusBadRequest})
		return q, false
	}
	if q.Limit < 0 || q.Limit > maxListLimit || q.Offset < 0 {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{
			Error: "limit must be within [0, " + strconv.Itoa(maxListLimit) + "] and offset must not be negative",
			Code:  http.StatusBadRequest,
		})
		return q, false
	}
	return q, true
}

// NotesHandler 笔记资源的处理器
// Every handler runs inside the request's unit of work; writes go through
// the transactional executor so they commit before the response is sent.
type NotesHandler struct {
	db      *gorm.DB
	tx      *transactional.Executor
	logger  logging.Logger
	decoder *schema.Decoder
}

// NewNotesHandler creates a new NotesHandler
func NewNotesHandler(db *gorm.DB, tx *transactional.Executor, logger logging.Logger) *NotesHandler {
	return &NotesHandler{db: db, tx: tx, logger: logger, decoder: newQueryDecoder()}
}

// List handles GET /api/v1/notes?limit=N&offset=M. Total counts every
// note, not just the returned page.
func (h *NotesHandler) List(w http.ResponseWriter, r *http.Request) {
	q, ok := decodeListQuery(w, r, h.decoder, defaultListLimit)
	if !ok {
		return
	}
	if q.Limit == 0 {
		q.Limit = defaultListLimit
	}

	db := h.db.WithContext(r.Context())
	var total int64
	if err := db.Model(&Note{}).Count(&total).Error; err != nil {
		h.fail(w, err)
		return
	}
	var notes []Note
	if err := db.Order("id").Limit(q.Limit).Offset(q.Offset).Find(&notes).Error; err != nil {
		h.fail(w, err)
		return
	}
	if notes == nil {
		notes = []Note{}
	}
	writeJSON(w, http.StatusOK, NotesResponse{Notes: notes, Total: int(total)})
}

// Get handles GET /api/v1/notes/{id}
func (h *NotesHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := noteID(w, r)
	if !ok {
		return
	}

	var note Note
	if err := h.db.WithContext(r.Context()).First(&note, id).Error; err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, note)
}

// Create handles POST /api/v1/notes
func (h *NotesHandler) Create(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeNote(w, r)
	if !ok {
		return
	}

	note, err := transactional.Do(r.Context(), h.tx, func(ctx context.Context) (Note, error) {
		n := Note{Body: req.Body}
		err := h.db.WithContext(ctx).Create(&n).Error
		return n, err
	})
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, note)
}

// Update handles PUT /api/v1/notes/{id}
func (h *NotesHandler) Update(w http.ResponseWriter, r *http.Request) {
	id, ok := noteID(w, r)
	if !ok {
		return
	}
	req, ok := decodeNote(w, r)
	if !ok {
		return
	}

	err := h.tx.Run(r.Context(), func(ctx context.Context) error {
		res := h.db.WithContext(ctx).Model(&Note{}).Where("id = ?", id).Update("body", req.Body)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return errNoteNotFound
		}
		return nil
	})
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, Note{ID: id, Body: req.Body})
}

// Delete handles DELETE /api/v1/notes/{id}
func (h *NotesHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := noteID(w, r)
	if !ok {
		return
	}

	err := h.tx.Run(r.Context(), func(ctx context.Context) error {
		res := h.db.WithContext(ctx).Delete(&Note{}, id)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return errNoteNotFound
		}
		return nil
	})
	if err != nil {
		h.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *NotesHandler) fail(w http.ResponseWriter, err error) {
	if errors.Is(err, errNoteNotFound) || errors.Is(err, gorm.ErrRecordNotFound) {
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: errNoteNotFound.Error(), Code: http.StatusNotFound})
		return
	}
	h.logger.Error("notes: %v", err)
	writeJSON(w, http.StatusInternalServerError, ErrorResponse{
		Error: "internal server error",
		Code:  http.StatusInternalServerError,
	})
}

func noteID(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	id, err := strconv.ParseUint(mux.Vars(r)["id"], 10, 64)
	if err != nil || id == 0 {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid note id", Code: http.StatusBadRequest})
		return 0, false
	}
	return id, true
}

func decodeNote(w http.ResponseWriter, r *http.Request) (NoteRequest, bool) {
	var req NoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{
			Error: "invalid request body: " + err.Error(),
			Code:  http.StatusBadRequest,
		})
		return req, false
	}
	if strings.TrimSpace(req.Body) == "" {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "body field is required", Code: http.StatusBadRequest})
		return req, false
	}
	return req, true
}

// healthHandler 检查两个引擎的连通性
func healthHandler(pair *engine.Pair, version string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), healthPingTimeout)
		defer cancel()

		resp := HealthResponse{Status: "ok", Version: version, Engines: make(map[string]string, 2)}
		status := http.StatusOK
		for _, e := range []*engine.Engine{pair.Writer, pair.Reader} {
			if err := e.Ping(ctx); err != nil {
				resp.Engines[e.Name()] = err.Error()
				resp.Status = "degraded"
				status = http.StatusServiceUnavailable
				continue
			}
			resp.Engines[e.Name()] = "ok"
		}
		writeJSON(w, status, resp)
	}
}
