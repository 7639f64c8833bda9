package probe

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticToken string

func (s staticToken) AccessToken() string { return string(s) }

func TestHTTPProbeURL(t *testing.T) {
	p := NewHTTP("https://db.example.com/", "anon", "profiles", nil)
	assert.Equal(t, "https://db.example.com/rest/v1/profiles?limit=1&select=id", p.URL())
	assert.Contains(t, p.WithColumn("user_id").URL(), "select=user_id")
}

func TestHTTPProbeSendsHeaders(t *testing.T) {
	var auth, key, path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		key = r.Header.Get("apikey")
		path = r.URL.Path
		_, _ = w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	p := NewHTTP(srv.URL, "anon", "profiles", staticToken("user-token"))
	require.NoError(t, p.Probe(context.Background()))
	assert.Equal(t, "Bearer user-token", auth)
	assert.Equal(t, "anon", key)
	assert.Equal(t, "/rest/v1/profiles", path)
}

func TestHTTPProbeFallsBackToAPIKey(t *testing.T) {
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
	}))
	defer srv.Close()

	p := NewHTTP(srv.URL, "anon", "profiles", staticToken(""))
	require.NoError(t, p.Probe(context.Background()))
	assert.Equal(t, "Bearer anon", auth)
}

func TestHTTPProbeFailsOnErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	err := NewHTTP(srv.URL, "anon", "profiles", nil).Probe(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
}

func TestHTTPProbeCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := NewHTTP("http://127.0.0.1:1", "", "t", nil).Probe(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRedisProbeUnreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	client := redis.NewClient(&redis.Options{
		Addr:        addr,
		DialTimeout: 200 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer client.Close()

	err = NewRedis(client).Probe(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis ping")
}

func TestFuncAndAll(t *testing.T) {
	calls := 0
	ok := Func(func(context.Context) error { calls++; return nil })
	boom := errors.New("boom")
	bad := Func(func(context.Context) error { return boom })

	require.NoError(t, All{ok, ok}.Probe(context.Background()))
	assert.Equal(t, 2, calls)
	assert.ErrorIs(t, All{ok, bad, ok}.Probe(context.Background()), boom)
	assert.Equal(t, 3, calls)
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	calls := 0
	fail := true
	inner := Func(func(context.Context) error {
		calls++
		if fail {
			return errors.New("down")
		}
		return nil
	})
	b := NewBreaker("rest", inner, BreakerConfig{TripAfter: 2, Cooldown: 20 * time.Millisecond}, zerolog.Nop())

	assert.Error(t, b.Probe(context.Background()))
	assert.Error(t, b.Probe(context.Background()))
	assert.Equal(t, "open", b.State())

	err := b.Probe(context.Background())
	assert.ErrorIs(t, err, ErrOpen)
	assert.Equal(t, 2, calls)

	fail = false
	time.Sleep(30 * time.Millisecond)
	require.NoError(t, b.Probe(context.Background()))
	assert.Equal(t, 3, calls)
	assert.Equal(t, "closed", b.State())
}

func TestBreakerIgnoresCanceledProbes(t *testing.T) {
	inner := Func(func(ctx context.Context) error { return ctx.Err() })
	b := NewBreaker("rest", inner, BreakerConfig{TripAfter: 1}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, b.Probe(ctx), context.Canceled)
	assert.Equal(t, "closed", b.State())
}
