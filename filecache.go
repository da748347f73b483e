// Package filecache is a caching reverse proxy on top of the cache package.
package filecache

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/always-cache/filecache/cache"
	cachekey "github.com/always-cache/filecache/pkg/cache-key"
	cacheupdate "github.com/always-cache/filecache/pkg/cache-update"
	tee "github.com/always-cache/filecache/pkg/response-writer-tee"
	"github.com/always-cache/filecache/rfc9111"
	"github.com/always-cache/filecache/rfc9211"
)

// CacheName identifies this cache in Cache-Status headers.
const CacheName = "FileCache"

type Config struct {
	// Storage for cache entries.
	Cache *cache.Cache
	// URL of the origin server.
	// Origins with paths are not supported.
	OriginURL url.URL
	// Hostname to use for HTTP requests and TLS negotiation.
	// Use if needed if e.g. the origin URL is just an IP address.
	OriginHost string
	// Logger to use. The global zerolog logger is used if nil.
	Logger *zerolog.Logger
	// Policy applied to every lookup.
	Policy cache.Policy
	// Lifetime of responses without explicit expiration, by status code.
	// Responses with other status codes are only stored if they carry
	// expiration information.
	Valid map[int]time.Duration
	// How long 502 and 504 responses of the origin are cached. Zero disables it.
	ErrorValid time.Duration
	// Prefix of every cache key.
	KeyPrefix string
	// Optional function for mutating the incoming request.
	// Use it e.g. for setting the request `Cache-Key` header when needed.
	RequestModifier func(*http.Request)
	// Optional function for transforming the origin response.
	ResponseModifier func(*http.Response) error
	// Transport to the origin. Defaults to http.DefaultTransport.
	Transport http.RoundTripper
}

// DefaultValid returns the status codes cached for d when the origin gives
// no expiration, like nginx's proxy_cache_valid without codes.
func DefaultValid(d time.Duration) map[int]time.Duration {
	return map[int]time.Duration{
		http.StatusOK:               d,
		http.StatusMovedPermanently: d,
		http.StatusFound:            d,
	}
}

// Handler serves requests from the cache and populates it from the origin.
type Handler struct {
	cache         *cache.Cache
	keyer         cachekey.Keyer
	log           zerolog.Logger
	policy        cache.Policy
	valid         map[int]time.Duration
	errorValid    time.Duration
	reverseproxy  *httputil.ReverseProxy
	modifyRequest func(*http.Request)
	now           func() time.Time
}

// New creates the handler.
func New(config Config) *Handler {
	logger := log.Logger
	if config.Logger != nil {
		logger = *config.Logger
	}
	logger = logger.With().
		Str("origin", config.OriginURL.String()).
		Logger()

	h := &Handler{
		cache:         config.Cache,
		keyer:         cachekey.NewKeyer(config.KeyPrefix),
		log:           logger,
		policy:        config.Policy,
		valid:         config.Valid,
		errorValid:    config.ErrorValid,
		modifyRequest: config.RequestModifier,
		now:           time.Now,
	}

	host := config.OriginURL.Host
	hostHeader := host
	transport := config.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}
	if config.OriginHost != "" {
		hostHeader = config.OriginHost
		if config.Transport == nil {
			transport = &http.Transport{
				Proxy:           http.ProxyFromEnvironment,
				TLSClientConfig: &tls.Config{ServerName: config.OriginHost},
			}
		}
	}

	h.reverseproxy = &httputil.ReverseProxy{
		Director:       createDirector(config.OriginURL.Scheme, host, hostHeader),
		Transport:      transport,
		ModifyResponse: config.ResponseModifier,
		ErrorHandler:   h.proxyError,
	}
	return h
}

func (h *Handler) proxyError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusBadGateway
	if errors.Is(err, context.DeadlineExceeded) {
		status = http.StatusGatewayTimeout
	}
	if r.Context().Err() == nil {
		h.log.Warn().Err(err).Str("url", r.URL.String()).Msg("Origin request failed")
	}
	w.WriteHeader(status)
}

// ServeHTTP implements the http.Handler interface.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.modifyRequest != nil {
		h.modifyRequest(r)
	}
	cs := rfc9211.New(CacheName)

	parts, err := h.keyer.Parts(r)
	if err != nil {
		cs.Forward(rfc9211.FwdReasonMethod)
		h.forward(w, r, cs)
		return
	}
	if r.Header.Get("Authorization") != "" {
		cs.Forward(rfc9211.FwdReasonBypass)
		h.forward(w, r, cs)
		return
	}

	e, err := h.cache.Lookup(cache.Request{Keys: parts, Header: r.Header, Policy: h.policy})
	if err != nil {
		h.log.Error().Err(err).Str("url", r.URL.String()).Msg("Cache lookup failed")
		cs.Forward(rfc9211.FwdReasonBypass)
		cs.Detail("error")
		h.forward(w, r, cs)
		return
	}
	defer e.Close()

	if e.Again() {
		cs.Collapsed()
		if err := h.cache.Wait(r.Context(), e); err != nil {
			h.log.Debug().Err(err).Str("url", r.URL.String()).Msg("Client went away while waiting")
			return
		}
	}

	switch {
	case e.Status == cache.Hit:
		cs.Hit()
		h.serveStored(w, r, e, cs)
	case e.Status == cache.Negative:
		cs.Hit()
		cs.Detail("negative")
		w.Header().Set("Cache-Status", cs.String())
		http.Error(w, http.StatusText(e.ErrorStatus), e.ErrorStatus)
		h.logRequest(r, e, cs)
	case e.CanPopulate():
		h.populate(w, r, e, cs)
	case e.Status == cache.Stale:
		cs.Hit()
		cs.Detail("updating")
		h.serveStored(w, r, e, cs)
	default:
		cs.Forward(rfc9211.FwdReasonMiss)
		cs.Detail("busy")
		h.forward(w, r, cs)
		h.logRequest(r, e, cs)
	}
}

// Purge removes the stored response for r.
func (h *Handler) Purge(r *http.Request) (bool, error) {
	parts, err := h.keyer.Parts(r)
	if err != nil {
		return false, err
	}
	return h.cache.Purge(cache.Request{Keys: parts, Header: r.Header, Policy: h.policy})
}

func (h *Handler) forward(w http.ResponseWriter, r *http.Request, cs *rfc9211.CacheStatus) {
	w.Header().Set("Cache-Status", cs.String())
	if !rfc9111.UnsafeRequest(r) {
		h.reverseproxy.ServeHTTP(w, r)
		return
	}
	var targets []string
	rs := tee.NewResponseSaver(w, func(status int, header http.Header) (io.Writer, bool) {
		targets = cacheupdate.Targets(r, status, header)
		return nil, true
	})
	h.reverseproxy.ServeHTTP(rs, r)
	h.invalidate(r, targets)
}

// invalidate purges the stored responses for the request URIs on the host of r.
func (h *Handler) invalidate(r *http.Request, targets []string) {
	for _, target := range targets {
		u, err := url.ParseRequestURI(target)
		if err != nil {
			continue
		}
		req := r.Clone(r.Context())
		req.Method = http.MethodGet
		req.URL = u
		purged, err := h.Purge(req)
		if err != nil {
			h.log.Error().Err(err).Str("target", target).Msg("Could not invalidate stored response")
			continue
		}
		h.log.Trace().Str("target", target).Bool("purged", purged).Msg("Invalidated")
	}
}

func (h *Handler) serveStored(w http.ResponseWriter, r *http.Request, e *cache.Entry, cs *rfc9211.CacheStatus) {
	status, header, err := e.Header()
	if err != nil {
		h.log.Error().Err(err).Str("url", r.URL.String()).Msg("Could not parse stored response")
		cs.Forward(rfc9211.FwdReasonMiss)
		h.forward(w, r, cs)
		return
	}
	now := h.now()
	stored := e.Stored()
	body := e.Body()

	copyHeader(w.Header(), header)
	if stored.Date != 0 {
		w.Header().Set("Age", rfc9111.DeltaSeconds(now.Sub(time.Unix(stored.Date, 0))))
	}
	w.Header().Set("Content-Length", strconv.FormatInt(body.Size(), 10))
	cs.TTL(time.Unix(stored.ValidSec, 0).Sub(now))
	w.Header().Set("Cache-Status", cs.String())
	w.WriteHeader(status)
	if r.Method != http.MethodHead {
		if _, err := io.Copy(w, body); err != nil {
			h.log.Debug().Err(err).Msg("Could not write response body to client")
		}
	}
	h.logRequest(r, e, cs)
}

// populate fetches the response from the origin, sends it to the client and
// stores it.
func (h *Handler) populate(w http.ResponseWriter, r *http.Request, e *cache.Entry, cs *rfc9211.CacheStatus) {
	stale := e.Status == cache.Stale
	if stale {
		cs.Forward(rfc9211.FwdReasonStale)
	} else {
		cs.Forward(rfc9211.FwdReasonUriMiss)
	}

	// the stored response answers GET and HEAD
	outreq := r
	if r.Method == http.MethodHead {
		outreq = r.Clone(r.Context())
		outreq.Method = http.MethodGet
	}

	var (
		writer *cache.Writer
		length int64 = -1
	)
	rs := tee.NewResponseSaver(w, func(status int, header http.Header) (io.Writer, bool) {
		cs.ForwardStatus(status)
		now := h.now()
		if stale && status >= http.StatusInternalServerError && e.StaleIfError(now) {
			return nil, false
		}
		res := &http.Response{StatusCode: status, Header: header, Request: outreq}
		if m, ok := h.meta(outreq, res, now); ok {
			var err error
			if writer, err = h.cache.Populate(e, m); err != nil {
				h.log.Debug().Err(err).Str("url", r.URL.String()).Msg("Response not stored")
			} else {
				cs.Stored()
				cs.TTL(m.Valid.Sub(now))
				length, _ = strconv.ParseInt(header.Get("Content-Length"), 10, 64)
			}
		}
		w.Header().Set("Cache-Status", cs.String())
		if writer == nil {
			return nil, true
		}
		return writer, true
	})
	h.reverseproxy.ServeHTTP(rs, outreq)

	status := rs.StatusCode()
	switch {
	case !rs.Forwarded():
		cs = rfc9211.New(CacheName)
		cs.Hit()
		cs.ForwardStatus(status)
		cs.Detail("stale-if-error")
		h.fail(e, 0)
		h.serveStored(w, r, e, cs)
		return
	case writer != nil:
		n, err := rs.Saved()
		if err == nil && length >= 0 && n != length {
			err = io.ErrUnexpectedEOF
		}
		if err != nil {
			h.log.Warn().Err(err).Str("url", r.URL.String()).Msg("Response not stored")
			h.cache.Abandon(e)
		} else if err := h.cache.FinishPopulate(writer, cache.Outcome{}); err != nil {
			h.log.Error().Err(err).Str("url", r.URL.String()).Msg("Could not store response")
		}
	default:
		h.fail(e, status)
	}
	h.logRequest(r, e, cs)
}

// fail releases the entry of a request that did not store a response. Origin
// errors are cached as negative results.
func (h *Handler) fail(e *cache.Entry, status int) {
	o := cache.Outcome{}
	if status == http.StatusBadGateway || status == http.StatusGatewayTimeout {
		o = cache.Outcome{ErrorStatus: status, ErrorWindow: h.errorValid}
	}
	if err := h.cache.Fail(e, o); err != nil && !errors.Is(err, cache.ErrNotPopulating) {
		h.log.Error().Err(err).Msg("Could not release cache entry")
	}
}

// meta decides whether and how long a response is stored.
func (h *Handler) meta(req *http.Request, res *http.Response, now time.Time) (cache.Meta, bool) {
	if rfc9111.MustNotStore(req, res) {
		return cache.Meta{}, false
	}
	f := rfc9111.GetFreshness(res, now)
	if !f.Explicit {
		d, ok := h.valid[res.StatusCode]
		if !ok {
			return cache.Meta{}, false
		}
		f.Valid = now.Add(d)
	}
	if !f.Valid.After(now) {
		return cache.Meta{}, false
	}

	header := rfc9111.StorableHeader(res.Header)
	header.Del("Age")
	header.Del("Cache-Status")
	return cache.Meta{
		StatusCode:           res.StatusCode,
		Header:               header,
		Valid:                f.Valid,
		StaleWhileRevalidate: f.StaleWhileRevalidate,
		StaleIfError:         f.StaleIfError,
		LastModified:         rfc9111.LastModified(header),
		Date:                 now.Add(-rfc9111.CorrectedInitialAge(res.Header, now)),
		ETag:                 header.Get("ETag"),
		Vary:                 strings.Join(rfc9111.GetListHeader(header, "Vary"), ","),
	}, true
}

func (h *Handler) logRequest(r *http.Request, e *cache.Entry, cs *rfc9211.CacheStatus) {
	h.log.Debug().
		Str("method", r.Method).
		Str("url", r.URL.String()).
		Str("sourceIp", getRequestSourceIp(r)).
		Str("key", e.Key().String()).
		Str("status", e.Status.String()).
		Str("cacheStatus", cs.String()).
		Msg("Sending response to client")
}

func createDirector(scheme, host, hostHeader string) func(req *http.Request) {
	return func(req *http.Request) {
		req.URL.Scheme = scheme
		req.URL.Host = host
		if hostHeader != "" {
			req.Host = hostHeader
		}
	}
}

func getRequestSourceIp(r *http.Request) string {
	// RemoteAddr is in the format:
	// 1.2.3.4:10000 for ipv4
	// [1:2:3]:10000 for ipv6
	ipAndPort := r.RemoteAddr
	portSepIdx := strings.LastIndex(ipAndPort, ":")
	if portSepIdx < 0 {
		return ipAndPort
	}
	return ipAndPort[:portSepIdx]
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}
