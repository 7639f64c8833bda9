// Package probe provides cheap backend liveness checks.
package probe

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/valyala/fasthttp"
)

// TokenSource supplies the bearer token for authenticated probes.
type TokenSource interface {
	AccessToken() string
}

// HTTP queries a single row from a REST table.
type HTTP struct {
	baseURL string
	apiKey  string
	table   string
	column  string
	tokens  TokenSource
	timeout time.Duration
	client  *fasthttp.Client
}

// NewHTTP probes GET <baseURL>/rest/v1/<table>?select=<column>&limit=1.
// tokens may be nil.
func NewHTTP(baseURL, apiKey, table string, tokens TokenSource) *HTTP {
	return &HTTP{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		table:   table,
		column:  "id",
		tokens:  tokens,
		timeout: 5 * time.Second,
		client:  &fasthttp.Client{Name: "realtime-probe"},
	}
}

// WithColumn changes the selected column.
func (p *HTTP) WithColumn(col string) *HTTP {
	p.column = col
	return p
}

func (p *HTTP) URL() string {
	q := url.Values{}
	q.Set("select", p.column)
	q.Set("limit", "1")
	return fmt.Sprintf("%s/rest/v1/%s?%s", p.baseURL, url.PathEscape(p.table), q.Encode())
}

func (p *HTTP) Probe(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	req := fasthttp.AcquireRequest()
	defer fasthttp.ReleaseRequest(req)
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(p.URL())
	req.Header.SetMethod(fasthttp.MethodGet)
	if p.apiKey != "" {
		req.Header.Set("apikey", p.apiKey)
	}
	token := p.apiKey
	if p.tokens != nil {
		if t := p.tokens.AccessToken(); t != "" {
			token = t
		}
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	deadline := time.Now().Add(p.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := p.client.DoDeadline(req, resp, deadline); err != nil {
		return fmt.Errorf("probe %s: %w", p.table, err)
	}
	if code := resp.StatusCode(); code >= 400 {
		return fmt.Errorf("probe %s: status %d", p.table, code)
	}
	return nil
}

// Redis pings a Redis server.
type Redis struct {
	client redis.UniversalClient
}

// NewRedis probes client with PING.
func NewRedis(client redis.UniversalClient) *Redis {
	return &Redis{client: client}
}

func (p *Redis) Probe(ctx context.Context) error {
	if err := p.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

// Func adapts a function to types.Prober.
type Func func(ctx context.Context) error

func (f Func) Probe(ctx context.Context) error { return f(ctx) }

// All runs each prober in order and returns the first failure.
type All []interface {
	Probe(ctx context.Context) error
}

func (a All) Probe(ctx context.Context) error {
	for _, p := range a {
		if err := p.Probe(ctx); err != nil {
			return err
		}
	}
	return nil
}
