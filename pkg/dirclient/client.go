// Package dirclient talks to the directory service. Every call is bounded by a timeout and
// transient failures are retried a bounded number of times.
package dirclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/containerd/errdefs"
	"github.com/containerd/errdefs/pkg/errhttp"
	"github.com/go-logr/logr"

	"cdnmesh/pkg/api"
	"cdnmesh/pkg/metrics"
)

const (
	DefaultTimeout  = 5 * time.Second
	DefaultAttempts = 3
	DefaultDelay    = 200 * time.Millisecond
)

type ClientConfig struct {
	Client   *http.Client
	Log      logr.Logger
	Timeout  time.Duration
	Attempts uint
	Delay    time.Duration
}

func (cfg *ClientConfig) Apply(opts ...ClientOption) error {
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(cfg); err != nil {
			return err
		}
	}
	return nil
}

type ClientOption func(cfg *ClientConfig) error

func WithHTTPClient(client *http.Client) ClientOption {
	return func(cfg *ClientConfig) error {
		cfg.Client = client
		return nil
	}
}

func WithLogger(log logr.Logger) ClientOption {
	return func(cfg *ClientConfig) error {
		cfg.Log = log
		return nil
	}
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(cfg *ClientConfig) error {
		if timeout <= 0 {
			return fmt.Errorf("timeout must be positive, got %s", timeout)
		}
		cfg.Timeout = timeout
		return nil
	}
}

// WithRetry sets the total number of attempts per call and the initial backoff between them.
func WithRetry(attempts uint, delay time.Duration) ClientOption {
	return func(cfg *ClientConfig) error {
		if attempts == 0 {
			return errors.New("attempts must be at least one")
		}
		cfg.Attempts = attempts
		cfg.Delay = delay
		return nil
	}
}

type Client struct {
	client   *http.Client
	log      logr.Logger
	base     *url.URL
	timeout  time.Duration
	attempts uint
	delay    time.Duration
}

func NewClient(directoryURL string, opts ...ClientOption) (*Client, error) {
	if !strings.Contains(directoryURL, "://") {
		directoryURL = "http://" + directoryURL
	}
	base, err := url.Parse(directoryURL)
	if err != nil {
		return nil, fmt.Errorf("invalid directory url %q: %w", directoryURL, err)
	}
	if base.Host == "" {
		return nil, fmt.Errorf("directory url %q has no host", directoryURL)
	}
	cfg := ClientConfig{
		Client:   &http.Client{},
		Log:      logr.Discard(),
		Timeout:  DefaultTimeout,
		Attempts: DefaultAttempts,
		Delay:    DefaultDelay,
	}
	err = cfg.Apply(opts...)
	if err != nil {
		return nil, err
	}
	return &Client{
		client:   cfg.Client,
		log:      cfg.Log,
		base:     base,
		timeout:  cfg.Timeout,
		attempts: cfg.Attempts,
		delay:    cfg.Delay,
	}, nil
}

func (c *Client) Register(ctx context.Context, address, name string) error {
	return c.call(ctx, "register", http.MethodPost, api.RegisterPath, nil, api.RegisterRequest{ServerAddress: address, Name: name}, nil)
}

func (c *Client) Heartbeat(ctx context.Context, address string) error {
	return c.call(ctx, "heartbeat", http.MethodPost, api.HeartbeatPath, nil, api.HeartbeatRequest{ServerAddress: address}, nil)
}

func (c *Client) AddMapping(ctx context.Context, req api.AddMappingRequest) error {
	return c.call(ctx, "add-mapping", http.MethodPost, api.AddMappingPath, nil, req, nil)
}

// FetchResults resolves a file name into the ordered candidate list. An empty contentType matches any.
func (c *Client) FetchResults(ctx context.Context, fileName, contentType string) ([]api.Result, error) {
	q := url.Values{}
	q.Set("fileName", fileName)
	if contentType != "" {
		q.Set("contentType", contentType)
	}
	results := []api.Result{}
	err := c.call(ctx, "fetch-results", http.MethodGet, api.FetchResultsPath, q, nil, &results)
	if err != nil {
		return nil, err
	}
	return results, nil
}

func (c *Client) call(ctx context.Context, name, method, path string, query url.Values, body, out any) error {
	log, err := logr.FromContext(ctx)
	if err != nil {
		log = c.log
	}
	log = log.WithValues("call", name)

	var payload []byte
	if body != nil {
		payload, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}
	u := c.base.JoinPath(path)
	u.RawQuery = query.Encode()

	err = retry.Do(
		func() error {
			return c.once(ctx, method, u.String(), payload, out)
		},
		retry.Context(ctx),
		retry.Attempts(c.attempts),
		retry.Delay(c.delay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(errdefs.IsUnavailable),
		retry.OnRetry(func(n uint, err error) {
			log.V(4).Info("retrying directory call", "attempt", n+1, "err", err.Error())
		}),
	)
	result := "success"
	if err != nil {
		result = "failure"
	}
	metrics.DirectoryCallsTotal.WithLabelValues(name, result).Inc()
	if err != nil {
		return fmt.Errorf("directory call %s failed: %w", name, err)
	}
	return nil
}

func (c *Client) once(ctx context.Context, method, target string, payload []byte, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return retry.Unrecoverable(err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return errors.Join(errdefs.ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		statusErr := fmt.Errorf("directory responded with %s: %s", resp.Status, strings.TrimSpace(string(msg)))
		if resp.StatusCode >= http.StatusInternalServerError {
			return errors.Join(errdefs.ErrUnavailable, statusErr)
		}
		return errors.Join(errhttp.ToNative(resp.StatusCode), statusErr)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Join(errdefs.ErrUnavailable, fmt.Errorf("could not decode directory response: %w", err))
	}
	return nil
}
