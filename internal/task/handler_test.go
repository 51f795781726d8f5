package task

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestRouter(t *testing.T) *mux.Router {
	t.Helper()

	s, _ := newTestStore(t)
	r := mux.NewRouter()
	NewHandlers(s, zaptest.NewLogger(t)).RegisterRoutes(r)
	return r
}

func serve(r http.Handler, method, path, body string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(method, path, strings.NewReader(body)))
	return rec
}

func TestTaskHandlersCRUD(t *testing.T) {
	r := newTestRouter(t)

	rec := serve(r, http.MethodPost, "/api/tasks", `{"title":"Complete project","description":"Finish the API"}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	var created Task
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	require.NotEmpty(t, created.ID)
	assert.Equal(t, "Complete project", created.Title)
	assert.False(t, created.Completed)

	rec = serve(r, http.MethodGet, "/api/tasks/"+created.ID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"id":"`+created.ID+`","title":"Complete project","description":"Finish the API","completed":false}`, rec.Body.String())

	rec = serve(r, http.MethodPut, "/api/tasks/"+created.ID, `{"title":"Complete project","completed":true}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"id":"`+created.ID+`","title":"Complete project","description":"","completed":true}`, rec.Body.String())

	rec = serve(r, http.MethodGet, "/api/tasks", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var tasks []Task
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &tasks))
	require.Len(t, tasks, 1)
	assert.True(t, tasks[0].Completed)

	rec = serve(r, http.MethodDelete, "/api/tasks/"+created.ID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"message":"Task deleted successfully"}`, rec.Body.String())

	rec = serve(r, http.MethodGet, "/api/tasks", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())
}

func TestTaskHandlersNotFound(t *testing.T) {
	r := newTestRouter(t)

	for _, tc := range []struct{ method, body string }{
		{http.MethodGet, ""},
		{http.MethodPut, `{"title":"x"}`},
		{http.MethodDelete, ""},
	} {
		rec := serve(r, tc.method, "/api/tasks/missing", tc.body)
		assert.Equal(t, http.StatusNotFound, rec.Code, tc.method)
		assert.JSONEq(t, `{"message":"Task not found"}`, rec.Body.String(), tc.method)
	}
}

func TestTaskHandlersBadRequest(t *testing.T) {
	r := newTestRouter(t)

	rec := serve(r, http.MethodPost, "/api/tasks", `{"title":`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serve(r, http.MethodPost, "/api/tasks", `{"description":"no title"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.JSONEq(t, `{"message":"Title is required"}`, rec.Body.String())
}

func TestTaskHandlersRejectColonInID(t *testing.T) {
	r := newTestRouter(t)

	rec := serve(r, http.MethodPost, "/api/tasks", `{"id":"x:cached","title":"sneaky"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.JSONEq(t, `{"message":"Task id must not contain ':'"}`, rec.Body.String())

	rec = serve(r, http.MethodGet, "/api/tasks/x:cached", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
