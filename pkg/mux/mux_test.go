package mux

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/require"
)

func TestServeMux(t *testing.T) {
	t.Parallel()

	m := NewServeMux(logr.Discard())
	m.Handle("GET /blobs/{cid}", func(rw ResponseWriter, req *http.Request) {
		rw.SetHandler("blob")
		_, _ = rw.Write([]byte(Vars(req)["cid"]))
	})
	m.Handle("POST /fail", func(rw ResponseWriter, req *http.Request) {
		rw.WriteError(http.StatusBadRequest, errors.New("bad input"))
	})

	tests := []struct {
		name           string
		method         string
		target         string
		expectedStatus int
		expectedBody   string
	}{
		{
			name:           "path variable",
			method:         http.MethodGet,
			target:         "/blobs/abc",
			expectedStatus: http.StatusOK,
			expectedBody:   "abc",
		},
		{
			name:           "error response",
			method:         http.MethodPost,
			target:         "/fail",
			expectedStatus: http.StatusBadRequest,
			expectedBody:   "bad input\n",
		},
		{
			name:           "unknown path",
			method:         http.MethodGet,
			target:         "/missing",
			expectedStatus: http.StatusNotFound,
			expectedBody:   "no handler for path /missing\n",
		},
		{
			name:           "wrong method",
			method:         http.MethodGet,
			target:         "/fail",
			expectedStatus: http.StatusMethodNotAllowed,
			expectedBody:   "method GET not allowed for path /fail\n",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			rw := httptest.NewRecorder()
			req := httptest.NewRequest(tt.method, tt.target, nil)
			m.ServeHTTP(rw, req)
			require.Equal(t, tt.expectedStatus, rw.Code)
			require.Equal(t, tt.expectedBody, rw.Body.String())
			require.NotEmpty(t, rw.Header().Get(RequestIDHeaderKey))
		})
	}
}

func TestRequestIDPropagated(t *testing.T) {
	t.Parallel()

	m := NewServeMux(logr.Discard())
	m.Handle("GET /healthz", func(rw ResponseWriter, req *http.Request) {
		rw.WriteHeader(http.StatusOK)
	})
	rw := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set(RequestIDHeaderKey, "abc-123")
	m.ServeHTTP(rw, req)
	require.Equal(t, "abc-123", rw.Header().Get(RequestIDHeaderKey))
}

func TestRecoverPanic(t *testing.T) {
	t.Parallel()

	m := NewServeMux(logr.Discard())
	m.Handle("GET /panic", func(rw ResponseWriter, req *http.Request) {
		panic("boom")
	})
	rw := httptest.NewRecorder()
	m.ServeHTTP(rw, httptest.NewRequest(http.MethodGet, "/panic", nil))
	require.Equal(t, http.StatusInternalServerError, rw.Code)
}

func TestResponseWriter(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	r := &response{ResponseWriter: rec}
	require.Equal(t, http.StatusOK, r.Status())
	require.NoError(t, r.Error())

	r.WriteHeader(http.StatusCreated)
	r.WriteHeader(http.StatusConflict)
	require.Equal(t, http.StatusCreated, r.Status())
	require.Equal(t, http.StatusCreated, rec.Code)

	n, err := r.Write([]byte("hello"))
	require.NoError(t, err)
	require.Equal(t, 5, n)
	require.Equal(t, int64(5), r.Size())
}
