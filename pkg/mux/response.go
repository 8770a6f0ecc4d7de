package mux

import (
	"bufio"
	"errors"
	"io"
	"net"
	"net/http"
)

// ResponseWriter tracks status, size and error of a response so the mux can log and measure it.
type ResponseWriter interface {
	http.ResponseWriter
	io.ReaderFrom
	// WriteError writes the status code and error message. The error is kept for logging.
	WriteError(statusCode int, err error)
	// SetHandler names the handler for metrics and logs.
	SetHandler(handler string)
	Status() int
	Error() error
	Size() int64
}

var (
	_ ResponseWriter = &response{}
	_ http.Flusher   = &response{}
	_ http.Hijacker  = &response{}
)

type response struct {
	http.ResponseWriter
	err           error
	handler       string
	status        int
	size          int64
	writtenHeader bool
}

func (r *response) WriteHeader(statusCode int) {
	if r.writtenHeader {
		return
	}
	r.writtenHeader = true
	r.status = statusCode
	r.ResponseWriter.WriteHeader(statusCode)
}

func (r *response) Write(b []byte) (int, error) {
	if !r.writtenHeader {
		r.WriteHeader(http.StatusOK)
	}
	n, err := r.ResponseWriter.Write(b)
	r.size += int64(n)
	return n, err
}

func (r *response) ReadFrom(rd io.Reader) (int64, error) {
	if !r.writtenHeader {
		r.WriteHeader(http.StatusOK)
	}
	n, err := io.Copy(r.ResponseWriter, rd)
	r.size += n
	return n, err
}

func (r *response) WriteError(statusCode int, err error) {
	r.err = err
	r.ResponseWriter.Header().Set("Content-Type", "text/plain; charset=utf-8")
	r.ResponseWriter.Header().Set("X-Content-Type-Options", "nosniff")
	r.WriteHeader(statusCode)
	if err != nil {
		_, _ = r.Write([]byte(err.Error() + "\n"))
	}
}

func (r *response) Flush() {
	if flusher, ok := r.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func (r *response) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return hijacker.Hijack()
}

func (r *response) SetHandler(handler string) {
	r.handler = handler
}

func (r *response) Status() int {
	if r.status == 0 {
		return http.StatusOK
	}
	return r.status
}

func (r *response) Error() error {
	return r.err
}

func (r *response) Size() int64 {
	return r.size
}
