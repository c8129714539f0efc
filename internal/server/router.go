// Package server surfaces the engine's public HTTP endpoints: the JWKS
// publication document and a health probe. Step transports are adapter
// territory and live outside this module.
package server

import (
	"encoding/json"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/SOG-web/reauth-sub000/core/jwks"
)

// RouterOptions controls router construction. The zero value is valid;
// defaults are applied where fields are unset.
type RouterOptions struct {
	JWKS          *jwks.Service
	CORSOptions   *cors.Options
	HealthHandler http.HandlerFunc
	ExtraRoutes   func(chi.Router)
}

// DefaultCORSOptions returns the JWKS endpoint CORS policy. Key sets are
// public and consumed cross-origin by relying parties.
func DefaultCORSOptions() cors.Options {
	return cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type"},
		MaxAge:         300,
	}
}

func defaultHealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// NewRouter assembles the chi router with shared middleware and the JWKS
// handlers mounted.
func NewRouter(opts RouterOptions) chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	corsOptions := DefaultCORSOptions()
	if opts.CORSOptions != nil {
		corsOptions = *opts.CORSOptions
	}
	r.Use(cors.Handler(corsOptions))

	health := opts.HealthHandler
	if health == nil {
		health = defaultHealthHandler
	}
	r.Get("/healthz", health)

	if opts.JWKS != nil {
		r.Get("/.well-known/jwks.json", jwksHandler(opts.JWKS))
	}

	if opts.ExtraRoutes != nil {
		opts.ExtraRoutes(r)
	}

	return r
}

// jwksHandler serves the published key set. The service caches the
// document, so the handler stays cheap under polling relying parties.
func jwksHandler(svc *jwks.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		doc, err := svc.GetPublicJWKS(r.Context())
		if err != nil {
			log.Printf("jwks endpoint: %v", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "public, max-age=300")
		if err := json.NewEncoder(w).Encode(doc); err != nil {
			log.Printf("jwks endpoint: encode response: %v", err)
		}
	}
}
