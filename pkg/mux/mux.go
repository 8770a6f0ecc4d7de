package mux

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	gmux "github.com/gorilla/mux"

	"cdnmesh/pkg/metrics"
)

const RequestIDHeaderKey = "X-Request-Id"

type Handler func(rw ResponseWriter, req *http.Request)

// ServeMux routes method qualified patterns such as "GET /blobs/{cid}" and wraps every
// response to record metrics and log failures.
type ServeMux struct {
	router *gmux.Router
	log    logr.Logger
}

func NewServeMux(log logr.Logger) *ServeMux {
	router := gmux.NewRouter()
	router.NotFoundHandler = http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
		r, ok := rw.(ResponseWriter)
		if !ok {
			http.NotFound(rw, req)
			return
		}
		r.SetHandler("not-found")
		r.WriteError(http.StatusNotFound, fmt.Errorf("no handler for path %s", req.URL.Path))
	})
	router.MethodNotAllowedHandler = http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
		r, ok := rw.(ResponseWriter)
		if !ok {
			http.Error(rw, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		r.SetHandler("method-not-allowed")
		r.WriteError(http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed for path %s", req.Method, req.URL.Path))
	})
	return &ServeMux{
		router: router,
		log:    log,
	}
}

// Handle registers handler for a pattern of the form "METHOD /path".
func (s *ServeMux) Handle(pattern string, handler Handler) {
	method, path, ok := strings.Cut(pattern, " ")
	if !ok {
		panic(fmt.Sprintf("pattern %q must be of the form \"METHOD /path\"", pattern))
	}
	h := func(rw http.ResponseWriter, req *http.Request) {
		handler(rw.(ResponseWriter), req)
	}
	if strings.HasSuffix(path, "/") && path != "/" {
		s.router.PathPrefix(path).Methods(method).HandlerFunc(h)
		return
	}
	s.router.Path(path).Methods(method).HandlerFunc(h)
}

func (s *ServeMux) ServeHTTP(rw http.ResponseWriter, req *http.Request) {
	start := time.Now()
	requestID := req.Header.Get(RequestIDHeaderKey)
	if requestID == "" {
		requestID = uuid.NewString()
	}
	rw.Header().Set(RequestIDHeaderKey, requestID)

	r := &response{ResponseWriter: rw}
	defer func() {
		latency := time.Since(start)
		handler := r.handler
		if handler == "" {
			handler = "unknown"
		}
		code := strconv.FormatInt(int64(r.Status()), 10)
		metrics.HttpRequestDurHistogram.WithLabelValues(handler, req.Method, code).Observe(latency.Seconds())
		metrics.HttpResponseSizeHistogram.WithLabelValues(handler, req.Method, code).Observe(float64(r.Size()))

		kvs := []any{
			"request", requestID,
			"handler", handler,
			"path", req.URL.Path,
			"status", r.Status(),
			"method", req.Method,
			"latency", latency.String(),
			"ip", req.RemoteAddr,
		}
		if r.Status() >= http.StatusInternalServerError {
			s.log.Error(r.Error(), "", kvs...)
			return
		}
		if r.Error() != nil {
			kvs = append(kvs, "err", r.Error().Error())
		}
		s.log.V(4).Info("", kvs...)
	}()

	defer func() {
		if p := recover(); p != nil {
			s.log.Error(fmt.Errorf("%v", p), "recovered from panic in handler", "path", req.URL.Path)
			if !r.writtenHeader {
				r.WriteError(http.StatusInternalServerError, fmt.Errorf("internal error"))
			}
		}
	}()

	s.router.ServeHTTP(r, req)
}

// Vars returns the path variables of the matched route.
func Vars(req *http.Request) map[string]string {
	return gmux.Vars(req)
}

// InflightHandler names a handler and keeps the inflight gauge for the duration of the call.
func InflightHandler(name string, handler Handler) Handler {
	return func(rw ResponseWriter, req *http.Request) {
		rw.SetHandler(name)
		gauge := metrics.HttpRequestsInflight.WithLabelValues(name)
		gauge.Inc()
		defer gauge.Dec()
		handler(rw, req)
	}
}
