// Package rest talks to the backend's PostgREST and auth endpoints.
package rest

import (
	"bytes"
	"context"
	logx "deptnotify/pkg/logx"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sony/gobreaker/v2"

	"deptnotify/internal/model"
	"deptnotify/internal/source"
)

// Options configures a Client.
type Options struct {
	BaseURL string
	APIKey  string
	// Timeout bounds each request. Default 10s.
	Timeout time.Duration
	// BreakerTimeout is how long the circuit stays open. Default 30s.
	BreakerTimeout time.Duration
	HTTPClient     *http.Client
}

// Client implements source.Source and source.Authenticator.
type Client struct {
	base   *url.URL
	apiKey string
	hc     *http.Client
	cb     *gobreaker.CircuitBreaker[[]byte]
	log    logx.Logger
}

var (
	_ source.Source        = (*Client)(nil)
	_ source.Authenticator = (*Client)(nil)
)

func New(opts Options, log logx.Logger) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("rest: invalid base url %q", opts.BaseURL)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.BreakerTimeout <= 0 {
		opts.BreakerTimeout = 30 * time.Second
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: opts.Timeout}
	}
	log = log.With(logx.String("comp", "source.rest"))

	cb := gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        "backend",
		MaxRequests: 1,
		Timeout:     opts.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		// Client errors say nothing about backend health.
		IsSuccessful: func(err error) bool {
			return err == nil || !source.IsTransient(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("circuit breaker state changed", logx.String("name", name), logx.String("from", from.String()), logx.String("to", to.String()))
		},
	})

	return &Client{base: base, apiKey: opts.APIKey, hc: hc, cb: cb, log: log}, nil
}

// Request is one backend call.
type Request struct {
	Method string
	Path   string // e.g. "/rest/v1/tasks"
	Query  url.Values
	Token  string // bearer; falls back to the api key
	Body   any
	Prefer string
}

// Do executes req through the circuit breaker and returns the response body.
func (c *Client) Do(ctx context.Context, req Request) ([]byte, error) {
	body, err := c.cb.Execute(func() ([]byte, error) { return c.do(ctx, req) })
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("%s %s: %w", req.Method, req.Path, source.ErrUnavailable)
	}
	return body, err
}

func (c *Client) do(ctx context.Context, req Request) ([]byte, error) {
	u := *c.base
	u.Path = strings.TrimRight(c.base.Path, "/") + req.Path
	if len(req.Query) > 0 {
		u.RawQuery = req.Query.Encode()
	}

	var rd io.Reader
	if req.Body != nil {
		b, err := json.Marshal(req.Body)
		if err != nil {
			return nil, err
		}
		rd = bytes.NewReader(b)
	}
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	hr, err := http.NewRequestWithContext(ctx, method, u.String(), rd)
	if err != nil {
		return nil, err
	}
	token := req.Token
	if token == "" {
		token = c.apiKey
	}
	hr.Header.Set("apikey", c.apiKey)
	hr.Header.Set("Authorization", "Bearer "+token)
	hr.Header.Set("Accept", "application/json")
	if rd != nil {
		hr.Header.Set("Content-Type", "application/json")
	}
	if req.Prefer != "" {
		hr.Header.Set("Prefer", req.Prefer)
	}

	resp, err := c.hc.Do(hr)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &source.HTTPError{Status: resp.StatusCode, Body: errorMessage(b)}
	}
	return b, nil
}

// errorMessage pulls the human message out of PostgREST/GoTrue error bodies.
func errorMessage(b []byte) string {
	var e struct {
		Message          string `json:"message"`
		Msg              string `json:"msg"`
		Error            string `json:"error"`
		ErrorDescription string `json:"error_description"`
	}
	if json.Unmarshal(b, &e) == nil {
		for _, s := range []string{e.Message, e.Msg, e.ErrorDescription, e.Error} {
			if s != "" {
				return s
			}
		}
	}
	s := strings.TrimSpace(string(b))
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}

// Query implements source.Source.
func (c *Client) Query(ctx context.Context, token string, table model.Table, filter source.Filter, since time.Time) ([]model.ChangeEvent, error) {
	col := source.TimeColumn(table)
	q := url.Values{}
	q.Set("select", source.SelectColumns(table))
	q.Set(col, "gte."+since.UTC().Format(time.RFC3339Nano))
	q.Set("order", col+".asc,id.asc")
	switch len(filter.AnyOf) {
	case 0:
	case 1:
		q.Set(filter.AnyOf[0].Column, "eq."+filter.AnyOf[0].Value)
	default:
		parts := make([]string, 0, len(filter.AnyOf))
		for _, cnd := range filter.AnyOf {
			parts = append(parts, cnd.Column+".eq."+cnd.Value)
		}
		q.Set("or", "("+strings.Join(parts, ",")+")")
	}

	b, err := c.Do(ctx, Request{Path: "/rest/v1/" + string(table), Query: q, Token: token})
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", table, err)
	}
	var rows []json.RawMessage
	if err := json.Unmarshal(b, &rows); err != nil {
		return nil, fmt.Errorf("query %s: decode: %w", table, err)
	}
	out := make([]model.ChangeEvent, 0, len(rows))
	for _, r := range rows {
		ev, err := source.DecodeRow(table, r, nil)
		if err != nil {
			c.log.Warn("skipping undecodable row", logx.String("table", string(table)), logx.Err(err))
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}
