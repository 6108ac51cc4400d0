// Package router is a small method-aware mux with request logging and
// single-segment wildcard routes ("/api/v1/runs/*").
package router

import (
	"net/http"
	"strings"
	"time"

	"nyc-taxi-pipeline/pkg/logger"
)

type HandlerFunc func(http.ResponseWriter, *http.Request)

type Router struct {
	mux    *http.ServeMux
	routes map[string]HandlerFunc // key = METHOD:PATH
	paths  []string               // registration order, most specific first
}

func New() *Router {
	r := &Router{
		mux:    http.NewServeMux(),
		routes: make(map[string]HandlerFunc),
	}

	r.mux.HandleFunc("/", func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		r.dispatch(lrw, req)

		logger.Infof("%s %s %d (%v)", req.Method, req.URL.Path, lrw.statusCode, time.Since(start))
	})
	return r
}

func (r *Router) dispatch(w http.ResponseWriter, req *http.Request) {
	if h, ok := r.routes[req.Method+":"+req.URL.Path]; ok {
		h(w, req)
		return
	}

	pathMatched := false
	for _, pattern := range r.paths {
		if !matchRoute(req.URL.Path, pattern) {
			continue
		}
		pathMatched = true
		if h, ok := r.routes[req.Method+":"+pattern]; ok {
			h(w, req)
			return
		}
	}
	if pathMatched {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}
	http.Error(w, "Not Found", http.StatusNotFound)
}

// matchRoute compares path segments; "*" matches exactly one segment,
// and a trailing "*" matches the rest of the path.
func matchRoute(requestPath, pattern string) bool {
	reqSegs := strings.Split(strings.Trim(requestPath, "/"), "/")
	patSegs := strings.Split(strings.Trim(pattern, "/"), "/")

	trailing := len(patSegs) > 0 && patSegs[len(patSegs)-1] == "*"
	if trailing {
		if len(reqSegs) < len(patSegs) {
			return false
		}
		reqSegs = reqSegs[:len(patSegs)-1]
		patSegs = patSegs[:len(patSegs)-1]
	} else if len(reqSegs) != len(patSegs) {
		return false
	}
	for i, pat := range patSegs {
		if pat != "*" && reqSegs[i] != pat {
			return false
		}
	}
	return true
}

func (r *Router) register(method, path string, handler HandlerFunc) {
	r.routes[method+":"+path] = handler
	for _, p := range r.paths {
		if p == path {
			return
		}
	}
	r.paths = append(r.paths, path)
}

func (r *Router) GET(path string, handler HandlerFunc)    { r.register(http.MethodGet, path, handler) }
func (r *Router) POST(path string, handler HandlerFunc)   { r.register(http.MethodPost, path, handler) }
func (r *Router) DELETE(path string, handler HandlerFunc) { r.register(http.MethodDelete, path, handler) }

// Handler exposes the mux for http.Server and tests.
func (r *Router) Handler() http.Handler { return r.mux }

// Start blocks serving on addr.
func (r *Router) Start(addr string) error {
	logger.Infof("server listening on %s", addr)
	return http.ListenAndServe(addr, r.mux)
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}
