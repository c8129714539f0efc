package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SOG-web/reauth-sub000/core/jwks"
	"github.com/SOG-web/reauth-sub000/internal/db/dbtest"
	"github.com/SOG-web/reauth-sub000/orm"
)

func TestHealthz(t *testing.T) {
	r := NewRouter(RouterOptions{})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())
}

func TestJWKSEndpoint(t *testing.T) {
	o := orm.NewBun(dbtest.NewDB(t))
	svc, err := jwks.NewService(o, jwks.Config{Issuer: "https://auth.test"})
	require.NoError(t, err)
	_, err = svc.GetActiveKey(context.Background())
	require.NoError(t, err)

	r := NewRouter(RouterOptions{JWKS: svc})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/.well-known/jwks.json", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Equal(t, "public, max-age=300", rec.Header().Get("Cache-Control"))

	var doc struct {
		Keys []map[string]any `json:"keys"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))
	require.Len(t, doc.Keys, 1)
	assert.Equal(t, "RSA", doc.Keys[0]["kty"])
	assert.NotContains(t, doc.Keys[0], "d")
}

func TestJWKSEndpoint_NotMountedWithoutService(t *testing.T) {
	r := NewRouter(RouterOptions{})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/.well-known/jwks.json", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestExtraRoutes(t *testing.T) {
	r := NewRouter(RouterOptions{
		ExtraRoutes: func(r chi.Router) {
			r.Get("/custom", func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusTeapot)
			})
		},
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/custom", nil))
	assert.Equal(t, http.StatusTeapot, rec.Code)
}
