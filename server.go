/*
 * Copyright 2022 RapidLoop, Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package gatewayd

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/fsnotify/fsnotify"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/rapidloop/gatewayd/cache"
	"github.com/rapidloop/gatewayd/gwerr"
)

// Runtime carries the host process's logging sink and metrics reporting
// hook. Unchanged in shape from the teacher's RuntimeInterface, minus the
// cache and javascript hooks: the response cache is now owned internally
// by Gateway (see cache.Store), and there is no embedded script engine.
type Runtime struct {
	Logger       *zerolog.Logger
	ReportMetric func(name string, labels []string, value float64)
}

// Gateway is the runtime: it resolves incoming requests against the
// configured routes, builds a parameter bundle from the request's headers,
// body, query string, route params, auth claims and settings vars, and
// dispatches to the configured query chain or proxy target.
type Gateway struct {
	cfgPtr atomic.Pointer[Config]
	rt     *Runtime
	logger zerolog.Logger

	srv     *http.Server
	handler *handlerSwitch
	ds      *datasources
	jwt     *jwtAuthorizer

	mu    sync.RWMutex // guards cors/files, replaced wholesale on Reload
	cors  *corsCache
	files *fileStores

	respCache *cache.Store
	pinfo     sync.Map // *Param -> *paramInfo

	bgctx       context.Context
	bgctxcancel context.CancelFunc
}

// NewGateway builds a Gateway from cfg. cfg is validated before anything
// else is set up; datasource connections are not established until Start.
func NewGateway(cfg *Config, rt *Runtime) (*Gateway, error) {
	if rt == nil || rt.Logger == nil {
		return nil, fmt.Errorf("gatewayd: a Runtime with a Logger is required")
	}
	if err := cfg.IsValid(); err != nil {
		return nil, fmt.Errorf("gatewayd: invalid configuration: %w", err)
	}
	g := &Gateway{
		rt:        rt,
		logger:    *rt.Logger,
		ds:        &datasources{logger: *rt.Logger},
		jwt:       newJWTAuthorizer(*rt.Logger),
		cors:      &corsCache{},
		files:     newFileStores(*rt.Logger),
		respCache: cache.New(),
	}
	g.cfgPtr.Store(cfg)
	g.prepareParams()
	return g, nil
}

func (g *Gateway) config() *Config { return g.cfgPtr.Load() }

func (g *Gateway) corsRef() *corsCache {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.cors
}

func (g *Gateway) filesRef() *fileStores {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.files
}

// prepareParams compiles the enum/pattern cache for every declared
// parameter of every route, keyed by the Param's own address so
// typeCheckRouteParams' lookups are O(1) per request instead of
// recompiling a regexp on every call.
func (g *Gateway) prepareParams() {
	cfg := g.config()
	for _, route := range cfg.Routes {
		for i := range route.Params {
			p := &route.Params[i]
			if info := buildParamInfo(p); info != nil {
				g.pinfo.Store(p, info)
			}
		}
	}
}

func (g *Gateway) paramInfoFor(route *Route) func(name string) *paramInfo {
	return func(name string) *paramInfo {
		for i := range route.Params {
			if route.Params[i].Name == name {
				if v, ok := g.pinfo.Load(&route.Params[i]); ok {
					return v.(*paramInfo)
				}
				return nil
			}
		}
		return nil
	}
}

//------------------------------------------------------------------------------
// lifecycle

// handlerSwitch lets Reload swap the live chi.Mux under a running
// http.Server without a restart.
type handlerSwitch struct {
	v atomic.Value // http.Handler
}

func (s *handlerSwitch) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.v.Load().(http.Handler).ServeHTTP(w, r)
}

func (s *handlerSwitch) set(h http.Handler) { s.v.Store(h) }

func (g *Gateway) buildHandler(cfg *Config) http.Handler {
	r := chi.NewRouter()
	r.NotFound(func(resp http.ResponseWriter, req *http.Request) {
		g.writeError(resp, req, g.logger, gwerr.NotFound("no route matched %s %s", req.Method, req.URL.Path))
	})
	g.setupRouter(r, cfg)
	var h http.Handler = r
	if cfg.Compression {
		h = compressionMiddleware(h)
	}
	return h
}

// Start connects every configured datasource and begins serving HTTP.
func (g *Gateway) Start() error {
	cfg := g.config()
	g.bgctx, g.bgctxcancel = context.WithCancel(context.Background())

	if err := g.ds.start(g.bgctx, cfg.Datasources); err != nil {
		return fmt.Errorf("gatewayd: failed to start datasources: %w", err)
	}

	g.handler = &handlerSwitch{}
	g.handler.set(g.buildHandler(cfg))

	listen := cfg.Listen
	if listen == "" {
		listen = ":8080"
	} else if _, _, err := net.SplitHostPort(listen); err != nil {
		listen = net.JoinHostPort(listen, "8080")
	}
	ln, err := net.Listen("tcp", listen)
	if err != nil {
		g.ds.stop()
		return fmt.Errorf("gatewayd: failed to listen on %q: %w", listen, err)
	}

	g.srv = &http.Server{
		Handler:      g.handler,
		ReadTimeout:  time.Minute,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  2 * time.Minute,
	}
	go func() {
		if err := g.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			g.logger.Error().Err(err).Msg("http server stopped unexpectedly")
		}
	}()
	g.logger.Info().Str("listen", listen).Msg("gatewayd started")
	return nil
}

// Stop shuts the HTTP server down within timeout, then releases every
// datasource pool and file-store connection.
func (g *Gateway) Stop(timeout time.Duration) error {
	if g.bgctxcancel != nil {
		g.bgctxcancel()
	}
	var err error
	if g.srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		err = g.srv.Shutdown(ctx)
	}
	g.filesRef().stop()
	g.ds.stop()
	return err
}

//------------------------------------------------------------------------------
// hot reload
//
// Every configuration section is hot-reloadable except the list of
// configuration files itself: Reload swaps routes, CORS, auth providers,
// API key collections, the file-store pool, cache policy and vars in one
// atomic step. Datasource connections are established once at Start and
// stay in place across a reload — reconnecting a live connection pool
// mid-request is out of scope here, matching the pipeline's own
// external-collaborator boundary around driver/connection-string handling.

// Reload validates newCfg and, if valid, swaps it in along with a freshly
// rebuilt router, CORS cache and file-store pool.
func (g *Gateway) Reload(newCfg *Config) error {
	if err := newCfg.IsValid(); err != nil {
		return fmt.Errorf("gatewayd: invalid configuration: %w", err)
	}

	g.mu.Lock()
	g.cors = &corsCache{}
	g.files = newFileStores(g.logger)
	g.mu.Unlock()

	g.cfgPtr.Store(newCfg)
	g.prepareParams()

	if g.handler != nil {
		g.handler.set(g.buildHandler(newCfg))
	}
	g.logger.Info().Msg("configuration reloaded")
	return nil
}

// WatchConfig watches the directories containing paths for changes and
// calls load to produce a fresh Config whenever one fires, applying it via
// Reload. The returned watcher is closed automatically when Gateway's
// background context is cancelled (on Stop).
func (g *Gateway) WatchConfig(paths []string, load func() (*Config, error)) (*fsnotify.Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("gatewayd: failed to start config watcher: %w", err)
	}
	dirs := make(map[string]bool)
	for _, p := range paths {
		dirs[filepath.Dir(p)] = true
	}
	for d := range dirs {
		if err := w.Add(d); err != nil {
			w.Close()
			return nil, fmt.Errorf("gatewayd: failed to watch %q: %w", d, err)
		}
	}
	go func() {
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				g.logger.Info().Str("file", ev.Name).Msg("configuration file changed, reloading")
				newCfg, lerr := load()
				if lerr != nil {
					g.logger.Error().Err(lerr).Msg("failed to reload configuration, keeping previous one")
					continue
				}
				if rerr := g.Reload(newCfg); rerr != nil {
					g.logger.Error().Err(rerr).Msg("failed to apply reloaded configuration, keeping previous one")
				}
			case werr, ok := <-w.Errors:
				if !ok {
					return
				}
				g.logger.Warn().Err(werr).Msg("config watcher error")
			case <-g.bgctx.Done():
				w.Close()
				return
			}
		}
	}()
	return w, nil
}

//------------------------------------------------------------------------------
// routing

func (g *Gateway) setupRouter(r chi.Router, cfg *Config) {
	prefix := cfg.CommonPrefix
	for id, route := range cfg.Routes {
		id, route := id, route
		handler := g.routeHandler(id, route, cfg)
		path := prefix + route.Path
		if len(route.Methods) == 0 {
			r.Handle(path, handler)
			continue
		}
		for _, m := range route.Methods {
			r.Method(strings.ToUpper(m), path, handler)
		}
	}
}

func (g *Gateway) routeHandler(id string, route *Route, cfg *Config) http.Handler {
	core := http.HandlerFunc(func(resp http.ResponseWriter, req *http.Request) {
		g.serve(resp, req, id, route, cfg)
	})
	return g.corsRef().applyCORS(route, cfg.CORS, g.logger, core)
}

func getRealIP(req *http.Request) string {
	if v := req.Header.Get("X-Forwarded-For"); v != "" {
		if i := strings.IndexByte(v, ','); i > 0 {
			return strings.TrimSpace(v[:i])
		}
		return strings.TrimSpace(v)
	}
	if v := req.Header.Get("X-Real-Ip"); v != "" {
		return v
	}
	if host, _, err := net.SplitHostPort(req.RemoteAddr); err == nil {
		return host
	}
	return req.RemoteAddr
}

func (g *Gateway) reportMetric(name string, value float64, labels ...string) {
	if g.rt.ReportMetric != nil {
		g.rt.ReportMetric(name, labels, value)
	}
}

//------------------------------------------------------------------------------
// the request pipeline

// serve runs route's full pipeline for one request: CORS has already been
// applied by routeHandler by the time this is called.
func (g *Gateway) serve(resp http.ResponseWriter, req *http.Request, routeID string, route *Route, cfg *Config) {
	start := time.Now()
	logger := g.logger.With().
		Str("route", routeID).
		Str("method", req.Method).
		Str("path", req.URL.Path).
		Str("client_ip", getRealIP(req)).
		Logger()
	if route.Debug {
		logger = logger.Level(zerolog.DebugLevel)
	}

	tracker := &tempFileTracker{}
	defer tracker.cleanup(func(path string, err error) {
		logger.Warn().Str("path", path).Err(err).Msg("failed to remove staged upload")
	})

	if err := g.dispatch(resp, req, routeID, route, cfg, logger, tracker); err != nil {
		g.writeError(resp, req, logger, err)
	}

	g.reportMetric("route_serve_seconds", time.Since(start).Seconds(), routeID, req.Method)
	logger.Debug().Dur("duration", time.Since(start)).Msg("request served")
}

// dispatch runs the Route Resolver's wildcard-path computation through the
// File-Upload Stager, then hands off to the Query Chain or Proxy stage. A
// non-nil return is always a *gwerr.Error (or is promoted to one by the
// caller) describing the externally surfaced failure.
func (g *Gateway) dispatch(resp http.ResponseWriter, req *http.Request, routeID string, route *Route, cfg *Config, logger zerolog.Logger, tracker *tempFileTracker) error {
	ctx := req.Context()
	if route.Timeout != nil && *route.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(*route.Timeout*float64(time.Second)))
		defer cancel()
		req = req.WithContext(ctx)
	}

	remaining := remainingPath(req)

	var providers map[string]*AuthProvider
	if cfg.Authorize != nil {
		providers = cfg.Authorize.Providers
	}
	claims, err := g.jwt.authorize(ctx, route, providers, req)
	if err != nil {
		return err
	}
	if err := checkAPIKey(route, cfg.APIKeyCollections, req); err != nil {
		return err
	}

	serviceType, _ := classify(route, req)

	bundle, rawFiles, filesField, _, err := buildParamBundle(req, route, cfg.Vars, claims, logger)
	if err != nil {
		return gwerr.Validation("failed to parse request: %v", err)
	}
	if err := typeCheckRouteParams(route, bundle, g.paramInfoFor(route)); err != nil {
		return gwerr.Validation("%v", err)
	}
	if err := checkMandatory(route, bundle); err != nil {
		return gwerr.Validation("%v", err)
	}

	if rawFiles != nil && route.FileManagementPolicy != nil {
		staged, err := stageFiles(route.FileManagementPolicy, cfg.FileManagement, rawFiles, tracker)
		if err != nil {
			return err
		}
		if filesField != "" {
			stagedAny := make([]any, len(staged))
			for i, s := range staged {
				stagedAny[i] = s
			}
			bundle.set(groupJSON, filesField, stagedAny)
		}
	}

	switch serviceType {
	case ServiceTypeDBQuery:
		return g.serveQuery(ctx, resp, routeID, route, cfg, bundle, tracker, logger)
	case ServiceTypeAPIGateway:
		return g.serveProxy(ctx, resp, req, routeID, route, cfg, bundle, remaining, logger)
	default:
		return gwerr.Internal("unknown_service_type", nil, "route has unknown serviceType %q", route.ServiceType)
	}
}

//------------------------------------------------------------------------------
// query chain stage

func (g *Gateway) serveQuery(ctx context.Context, resp http.ResponseWriter, routeID string, route *Route, cfg *Config, bundle *ParamBundle, tracker *tempFileTracker, logger zerolog.Logger) error {
	if route.ResponseStructure == ResponseFile {
		return g.serveQueryFile(ctx, resp, route, cfg, bundle, tracker)
	}

	policy := route.CachePolicy
	if policy == nil {
		policy = cfg.Cache
	}

	produce := func() ([]byte, error) {
		statusCode, data, err := runQueryChain(ctx, g.ds, route, bundle)
		if err != nil {
			return nil, err
		}
		qr := queryResult{StatusCode: statusCode, Data: data}
		return json.Marshal(&qr)
	}

	var raw []byte
	var err error
	if policy != nil && policy.TTLSeconds > 0 {
		key := g.cacheKey(routeID, "db", "", bundle, policy)
		raw, err = g.respCache.GetOrProduce(key, time.Duration(policy.TTLSeconds*float64(time.Second)), produce)
	} else {
		raw, err = produce()
	}
	if err != nil {
		return err
	}

	var qr queryResult
	if err := json.Unmarshal(raw, &qr); err != nil {
		return gwerr.Internal("cache_entry_corrupt", err, "cached query result is corrupt")
	}

	if err := g.filesRef().commitFiles(route.FileManagementPolicy, cfg.FileManagement, tracker); err != nil {
		return err
	}

	resp.Header().Set("Content-Type", "application/json")
	resp.WriteHeader(qr.StatusCode)
	return json.NewEncoder(resp).Encode(qr.Data)
}

// serveQueryFile implements the `file` response structure: the chain's
// first result row names its content via exactly one of base64_content,
// relative_path or http, checked in that priority order, and the body is
// streamed straight to the caller without ever being cached or buffered
// whole in memory.
func (g *Gateway) serveQueryFile(ctx context.Context, resp http.ResponseWriter, route *Route, cfg *Config, bundle *ParamBundle, tracker *tempFileTracker) error {
	_, data, err := runQueryChain(ctx, g.ds, route, bundle)
	if err != nil {
		return err
	}
	rows, _ := data.([]map[string]any)
	if len(rows) == 0 {
		return gwerr.NotFound("query returned no row to describe a file")
	}
	row := rows[0]

	fileName, _ := row["file_name"].(string)
	if fileName == "" {
		fileName = "download"
	}
	contentType, _ := row["content_type"].(string)

	var body io.ReadCloser
	switch {
	case row["base64_content"] != nil:
		s, _ := row["base64_content"].(string)
		raw, derr := base64.StdEncoding.DecodeString(s)
		if derr != nil {
			return gwerr.Internal("file_response_decode_failed", derr, "failed to decode base64_content column")
		}
		if contentType == "" {
			contentType = http.DetectContentType(raw)
		}
		body = io.NopCloser(bytes.NewReader(raw))
	case row["relative_path"] != nil:
		relPath, _ := row["relative_path"].(string)
		storeName, _ := row["store"].(string)
		f, _, ferr := g.filesRef().openForRead(route.FileManagementPolicy, cfg.FileManagement, storeName, relPath)
		if ferr != nil {
			return ferr
		}
		body = f
	case row["http"] != nil:
		url, _ := row["http"].(string)
		freq, rerr := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if rerr != nil {
			return gwerr.Internal("file_response_fetch_failed", rerr, "failed to build file fetch request")
		}
		fresp, rerr := proxyClientDefault.Do(freq)
		if rerr != nil {
			return gwerr.Upstream(rerr, "failed to fetch file from %q", url)
		}
		if contentType == "" {
			contentType = fresp.Header.Get("Content-Type")
		}
		body = fresp.Body
	default:
		return gwerr.Internal("file_response_missing_source", nil,
			"query result has none of base64_content, relative_path or http")
	}
	defer body.Close()

	if contentType == "" {
		contentType = "application/octet-stream"
	}
	resp.Header().Set("Content-Type", contentType)
	resp.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", fileName))
	resp.WriteHeader(http.StatusOK)
	if _, err := io.Copy(resp, body); err != nil {
		g.logger.Debug().Err(err).Msg("file response stream copy ended early")
	}

	return g.filesRef().commitFiles(route.FileManagementPolicy, cfg.FileManagement, tracker)
}

//------------------------------------------------------------------------------
// proxy stage

// errSkipCache marks a produce() outcome that must not be cached (an
// excluded status code), without itself being a request failure.
var errSkipCache = errors.New("gatewayd: response excluded from cache")

func (g *Gateway) serveProxy(ctx context.Context, resp http.ResponseWriter, req *http.Request, routeID string, route *Route, cfg *Config, bundle *ParamBundle, remaining string, logger zerolog.Logger) error {
	target := route.ProxyTarget
	policy := route.CachePolicy
	if policy == nil {
		policy = cfg.Cache
	}

	if policy == nil || policy.TTLSeconds <= 0 {
		upstream, err := runProxy(ctx, target, remaining, req, logger)
		if err != nil {
			return err
		}
		defer upstream.Body.Close()
		streamProxyResponse(resp, upstream, logger)
		return nil
	}

	key := g.cacheKey(routeID, "proxy", req.URL.RawQuery, bundle, policy)
	raw, err := g.respCache.GetOrProduce(key, time.Duration(policy.TTLSeconds*float64(time.Second)), func() ([]byte, error) {
		upstream, err := runProxy(ctx, target, remaining, req, logger)
		if err != nil {
			return nil, err
		}
		defer upstream.Body.Close()
		for _, c := range target.ExcludeStatusCodesFromCache {
			if c == upstream.StatusCode {
				return nil, errSkipCache
			}
		}
		headers, contentHeaders := splitProxyHeaders(upstream.Header)
		body, err := io.ReadAll(upstream.Body)
		if err != nil {
			return nil, gwerr.Upstream(err, "failed to read upstream response body")
		}
		pr := proxyResult{StatusCode: upstream.StatusCode, Headers: headers, ContentHeaders: contentHeaders, Body: body}
		return json.Marshal(&pr)
	})
	if errors.Is(err, errSkipCache) {
		// Excluded from cache: re-run uncached and stream it straight
		// through. The upstream call happens twice in this path; cheaper
		// than threading a second "don't cache this" return channel
		// through GetOrProduce for what should be the rare case.
		upstream, rerr := runProxy(ctx, target, remaining, req, logger)
		if rerr != nil {
			return rerr
		}
		defer upstream.Body.Close()
		streamProxyResponse(resp, upstream, logger)
		return nil
	}
	if err != nil {
		return err
	}

	var pr proxyResult
	if err := json.Unmarshal(raw, &pr); err != nil {
		return gwerr.Internal("cache_entry_corrupt", err, "cached proxy result is corrupt")
	}
	writeProxyCacheEntry(resp, &pr)
	return nil
}

//------------------------------------------------------------------------------
// cache key derivation
//
// A 64-bit hash of the route identifier, request kind, path/query, and the
// sorted set of configured invalidator names bound to their resolved
// values, emitted as an unsigned decimal string.

func (g *Gateway) cacheKey(routeID, kind, extra string, bundle *ParamBundle, policy *CachePolicy) string {
	h := xxhash.New()
	_, _ = h.WriteString(routeID)
	h.Write([]byte{0})
	_, _ = h.WriteString(kind)
	h.Write([]byte{0})
	_, _ = h.WriteString(extra)

	if bundle != nil && len(policy.Invalidators) > 0 {
		names := append([]string(nil), policy.Invalidators...)
		sort.Strings(names)
		for _, name := range names {
			h.Write([]byte{0})
			_, _ = h.WriteString(name)
			h.Write([]byte{1})
			v, _ := bundle.resolveGeneric(name)
			s := fmt.Sprintf("%v", v)
			if policy.MaxInvalidatorValueLength > 0 && len(s) > policy.MaxInvalidatorValueLength {
				s = s[:policy.MaxInvalidatorValueLength]
			}
			_, _ = h.WriteString(s)
		}
	}
	return strconv.FormatUint(h.Sum64(), 10)
}

//------------------------------------------------------------------------------
// error responses
//
// A 500-class error's diagnostic detail is replaced by
// Config.GenericErrorMessage unless the request carries
// Config.DebugHeaderName set to Config.DebugHeaderValue.

func (g *Gateway) debugRequested(cfg *Config, req *http.Request) bool {
	if cfg.DebugHeaderName == "" || cfg.DebugHeaderValue == "" {
		return false
	}
	return req.Header.Get(cfg.DebugHeaderName) == cfg.DebugHeaderValue
}

func (g *Gateway) writeError(resp http.ResponseWriter, req *http.Request, logger zerolog.Logger, err error) {
	var gerr *gwerr.Error
	if !errors.As(err, &gerr) {
		gerr = gwerr.Internal("unexpected_error", err, "unexpected error")
	}

	cfg := g.config()
	status := gerr.Status()
	message := gerr.Message

	if status >= 500 {
		logger.Error().Err(gerr).Str("code", gerr.Code).Msg("request failed")
		if !g.debugRequested(cfg, req) {
			message = cfg.GenericErrorMessage
			if message == "" {
				message = "an internal error occurred"
			}
		}
	} else {
		logger.Debug().Err(gerr).Str("code", gerr.Code).Msg("request rejected")
	}

	resp.Header().Set("Content-Type", "application/json")
	resp.WriteHeader(status)
	_ = json.NewEncoder(resp).Encode(map[string]string{"error": message})
}

//------------------------------------------------------------------------------
// response compression, applied to the server as a whole (Config.Compression)

type compressResponseWriter struct {
	http.ResponseWriter
	w io.Writer
}

func (c *compressResponseWriter) Write(b []byte) (int, error) { return c.w.Write(b) }

func compressionMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(resp http.ResponseWriter, req *http.Request) {
		ae := req.Header.Get("Accept-Encoding")
		switch {
		case strings.Contains(ae, "gzip"):
			gz := gzip.NewWriter(resp)
			defer gz.Close()
			resp.Header().Set("Content-Encoding", "gzip")
			next.ServeHTTP(&compressResponseWriter{ResponseWriter: resp, w: gz}, req)
		case strings.Contains(ae, "deflate"):
			fw, _ := flate.NewWriter(resp, flate.DefaultCompression)
			defer fw.Close()
			resp.Header().Set("Content-Encoding", "deflate")
			next.ServeHTTP(&compressResponseWriter{ResponseWriter: resp, w: fw}, req)
		default:
			next.ServeHTTP(resp, req)
		}
	})
}
