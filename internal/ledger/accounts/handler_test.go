package accounts

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRouter(t *testing.T) (*chi.Mux, *mockRepository) {
	t.Helper()
	repo := newMockRepository()
	handler := NewHandler(slog.New(slog.NewTextHandler(io.Discard, nil)), NewService(repo))
	r := chi.NewRouter()
	r.Route("/api/accounts", handler.MountRoutes)
	return r, repo
}

func TestHandlerCreateAndGet(t *testing.T) {
	router, _ := newTestRouter(t)

	body := `{"code":"1000","name":"Cash","type":"ASSET","openingBalance":"250.00"}`
	req := httptest.NewRequest(http.MethodPost, "/api/accounts/", strings.NewReader(body))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	var created accountResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &created))
	assert.Equal(t, "1000", created.Code)
	assert.Equal(t, "DEBIT", created.NormalSide)
	assert.Equal(t, "250.00", created.OpeningBalance)

	req = httptest.NewRequest(http.MethodGet, "/api/accounts/1000", nil)
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestHandlerCreateValidation(t *testing.T) {
	router, _ := newTestRouter(t)

	// Unknown type fails the oneof validation before touching the service.
	body := `{"code":"1000","name":"Cash","type":"GOODWILL"}`
	req := httptest.NewRequest(http.MethodPost, "/api/accounts/", strings.NewReader(body))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	req = httptest.NewRequest(http.MethodPost, "/api/accounts/", strings.NewReader(`not json`))
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestHandlerDuplicateCodeConflict(t *testing.T) {
	router, _ := newTestRouter(t)

	body := `{"code":"1000","name":"Cash","type":"ASSET"}`
	req := httptest.NewRequest(http.MethodPost, "/api/accounts/", strings.NewReader(body))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	require.Equal(t, http.StatusCreated, rr.Code)

	req = httptest.NewRequest(http.MethodPost, "/api/accounts/", strings.NewReader(body))
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusConflict, rr.Code)
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))
}

func TestHandlerGetUnknownAccount(t *testing.T) {
	router, _ := newTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/api/accounts/9999", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestHandlerDeleteWithPostings(t *testing.T) {
	router, repo := newTestRouter(t)

	body := `{"code":"1000","name":"Cash","type":"ASSET"}`
	req := httptest.NewRequest(http.MethodPost, "/api/accounts/", strings.NewReader(body))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	require.Equal(t, http.StatusCreated, rr.Code)

	account, err := repo.GetByCode(context.Background(), "1000")
	require.NoError(t, err)
	repo.posted[account.ID] = true

	req = httptest.NewRequest(http.MethodDelete, "/api/accounts/1000", nil)
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusConflict, rr.Code)
}
