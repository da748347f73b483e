package main

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"github.com/always-cache/filecache"
)

// MethodPurge removes the stored response of the request URL.
const MethodPurge = "PURGE"

func init() {
	chi.RegisterMethod(MethodPurge)
}

// newRouter serves the proxy on every path. A nil registry disables the
// metrics endpoint.
func newRouter(logger zerolog.Logger, proxy *filecache.Handler, reg *prometheus.Registry, metricsPath string) http.Handler {
	r := chi.NewRouter()
	r.Use(hlog.NewHandler(logger))
	r.Use(hlog.RemoteAddrHandler("ip"))
	r.Use(hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
		hlog.FromRequest(r).Info().
			Str("method", r.Method).
			Stringer("url", r.URL).
			Int("status", status).
			Int("size", size).
			Dur("duration", duration).
			Msg("")
	}))

	if reg != nil {
		r.Method(http.MethodGet, metricsPath, promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	}
	r.MethodFunc(MethodPurge, "/*", purge(proxy))
	r.Handle("/*", proxy)
	return r
}

func purge(proxy *filecache.Handler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req := r.Clone(r.Context())
		req.Method = http.MethodGet
		purged, err := proxy.Purge(req)
		switch {
		case err != nil:
			hlog.FromRequest(r).Error().Err(err).Msg("Purge failed")
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		case !purged:
			http.NotFound(w, r)
		default:
			w.WriteHeader(http.StatusNoContent)
		}
	}
}
