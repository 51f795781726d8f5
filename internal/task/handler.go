package task

import (
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/qiuyier/service-bridge/internal/httputil"
)

// Handlers /api/tasks 增删改查
type Handlers struct {
	store  *Store
	logger *zap.Logger
}

func NewHandlers(store *Store, logger *zap.Logger) *Handlers {
	return &Handlers{store: store, logger: logger}
}

// RegisterRoutes 注册任务路由
func (h *Handlers) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/api/tasks", h.List).Methods(http.MethodGet)
	r.HandleFunc("/api/tasks", h.Create).Methods(http.MethodPost)
	r.HandleFunc("/api/tasks/{id}", h.Get).Methods(http.MethodGet)
	r.HandleFunc("/api/tasks/{id}", h.Update).Methods(http.MethodPut)
	r.HandleFunc("/api/tasks/{id}", h.Delete).Methods(http.MethodDelete)
}

func (h *Handlers) List(w http.ResponseWriter, r *http.Request) {
	tasks, err := h.store.List(r.Context())
	if err != nil {
		h.fail(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, tasks)
}

func (h *Handlers) Get(w http.ResponseWriter, r *http.Request) {
	t, err := h.store.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.fail(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, t)
}

func (h *Handlers) Create(w http.ResponseWriter, r *http.Request) {
	t, ok := decodeTask(w, r)
	if !ok {
		return
	}

	created, err := h.store.Create(r.Context(), t)
	if err != nil {
		h.fail(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, created)
}

func (h *Handlers) Update(w http.ResponseWriter, r *http.Request) {
	t, ok := decodeTask(w, r)
	if !ok {
		return
	}

	updated, err := h.store.Update(r.Context(), mux.Vars(r)["id"], t)
	if err != nil {
		h.fail(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, updated)
}

func (h *Handlers) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Delete(r.Context(), mux.Vars(r)["id"]); err != nil {
		h.fail(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"message": "Task deleted successfully"})
}

func decodeTask(w http.ResponseWriter, r *http.Request) (Task, bool) {
	var t Task
	if err := httputil.DecodeJSON(r, &t); err != nil {
		httputil.WriteJSON(w, http.StatusBadRequest, map[string]string{"message": "Invalid request body"})
		return t, false
	}
	if t.Title == "" {
		httputil.WriteJSON(w, http.StatusBadRequest, map[string]string{"message": "Title is required"})
		return t, false
	}
	return t, true
}

func (h *Handlers) fail(w http.ResponseWriter, err error) {
	if errors.Is(err, ErrInvalidID) {
		httputil.WriteJSON(w, http.StatusBadRequest, map[string]string{"message": "Task id must not contain ':'"})
		return
	}
	if errors.Is(err, ErrNotFound) {
		httputil.WriteJSON(w, http.StatusNotFound, map[string]string{"message": "Task not found"})
		return
	}
	h.logger.Error("task request failed", zap.Error(err))
	httputil.WriteJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
}
