package routes

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gatewatch/internal/dto"
	"gatewatch/internal/logger"
	"gatewatch/internal/model"
	"gatewatch/internal/repository/sqldb"
	"gatewatch/internal/services/stream"
)

type noDetector struct{}

func (noDetector) DetectNow(context.Context, string) (*dto.DetectionResult, error) {
	return &dto.DetectionResult{Lane: "entry", Detections: []model.Detection{}}, nil
}

type emptyLedger struct{}

func (emptyLedger) List() []model.LedgerEntry { return nil }

func setupRouter(t *testing.T, token string) http.Handler {
	t.Helper()
	db, err := sqldb.Open(sqldb.DriverSQLite, filepath.Join(t.TempDir(), "routes.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	streams := stream.NewRegistry()
	streams.For("entry")

	return SetupRoutes(Dependencies{
		APIToken: token,
		Events:   sqldb.NewEventRepository(db),
		Detector: noDetector{},
		Ledger:   emptyLedger{},
		Stats:    func() map[string]any { return map[string]any{} },
		Streams:  streams,
		Logger:   logger.NewNop(),
	})
}

func TestRoutes_OpenWithoutToken(t *testing.T) {
	router := setupRouter(t, "")

	for _, path := range []string{"/api/events", "/api/ledger", "/api/stats", "/api/detect"} {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusOK, rec.Code, path)
	}
}

func TestRoutes_RequireToken(t *testing.T) {
	router := setupRouter(t, "s3cret")

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/events", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/events", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/api/events", nil)
	req.Header.Set("Authorization", "Bearer nope")
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRoutes_LoginCookieGrantsAccess(t *testing.T) {
	router := setupRouter(t, "s3cret")

	rec := httptest.NewRecorder()
	form := url.Values{"token": {"s3cret"}}
	req := httptest.NewRequest(http.MethodPost, "/auth/login", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNoContent, rec.Code)

	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/api/ledger", nil)
	req.AddCookie(cookies[0])
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/api/ledger", nil)
	req.AddCookie(&http.Cookie{Name: cookies[0].Name, Value: "forged"})
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRoutes_UnknownStreamLane(t *testing.T) {
	router := setupRouter(t, "")

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stream/nowhere", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
