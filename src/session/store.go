// Package session holds the authenticated backend session and refreshes it
// against a GoTrue-compatible auth endpoint.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/orchestra-mcp/realtime/src/types"
	"github.com/rs/zerolog"
	"github.com/valyala/fasthttp"
)

// Config locates the auth endpoint.
type Config struct {
	URL     string
	APIKey  string
	Timeout time.Duration
}

// Store is a types.SessionStore backed by an in-memory session.
type Store struct {
	cfg    Config
	client *fasthttp.Client
	logger zerolog.Logger
	now    func() time.Time

	mu      sync.RWMutex
	session *types.Session
}

// tokenResponse is the subset of the token endpoint reply we use.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	ExpiresAt    int64  `json:"expires_at,omitempty"`
	User         *struct {
		ID string `json:"id"`
	} `json:"user,omitempty"`
}

type errorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
	Message          string `json:"msg"`
}

// NewStore creates an empty session store.
func NewStore(cfg Config, logger zerolog.Logger) *Store {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	cfg.URL = strings.TrimRight(cfg.URL, "/")
	return &Store{
		cfg:    cfg,
		client: &fasthttp.Client{Name: "realtime-session"},
		logger: logger.With().Str("component", "session").Logger(),
		now:    time.Now,
	}
}

// SetSession replaces the current session. nil signs out. A zero ExpiresAt
// is filled from the access token's exp claim when it has one.
func (s *Store) SetSession(sess *types.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess == nil {
		s.session = nil
		return
	}
	cp := *sess
	if cp.ExpiresAt.IsZero() {
		if exp, ok := TokenExpiry(cp.AccessToken); ok {
			cp.ExpiresAt = exp
		}
	}
	s.session = &cp
}

// TokenExpiry reads the exp claim of a JWT without verifying its signature.
// The token is only used to schedule refreshes, never to authorize.
func TokenExpiry(token string) (time.Time, bool) {
	if token == "" {
		return time.Time{}, false
	}
	parsed, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return time.Time{}, false
	}
	exp, err := parsed.Claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}

// GetSession returns a copy of the current session or ErrNoSession.
func (s *Store) GetSession(ctx context.Context) (*types.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.session == nil {
		return nil, types.ErrNoSession
	}
	cp := *s.session
	return &cp, nil
}

// AccessToken returns the current access token, or "" when signed out.
func (s *Store) AccessToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.session == nil {
		return ""
	}
	return s.session.AccessToken
}

// RefreshSession exchanges the refresh token for a new session.
func (s *Store) RefreshSession(ctx context.Context) (*types.Session, error) {
	s.mu.RLock()
	var refreshToken, userID string
	if s.session != nil {
		refreshToken = s.session.RefreshToken
		userID = s.session.UserID
	}
	s.mu.RUnlock()

	if refreshToken == "" {
		return nil, types.ErrNoSession
	}

	body, err := json.Marshal(map[string]string{"refresh_token": refreshToken})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	status, respBody, err := s.post(ctx, s.cfg.URL+"/auth/v1/token?grant_type=refresh_token", body)
	if err != nil {
		return nil, fmt.Errorf("refresh session: %w", err)
	}
	if status >= 400 {
		return nil, parseError(respBody, status)
	}

	var tok tokenResponse
	if err := json.Unmarshal(respBody, &tok); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	if tok.AccessToken == "" {
		return nil, fmt.Errorf("refresh session: empty access token")
	}

	next := &types.Session{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		UserID:       userID,
	}
	if next.RefreshToken == "" {
		next.RefreshToken = refreshToken
	}
	if tok.User != nil && tok.User.ID != "" {
		next.UserID = tok.User.ID
	}
	switch {
	case tok.ExpiresAt > 0:
		next.ExpiresAt = time.Unix(tok.ExpiresAt, 0)
	case tok.ExpiresIn > 0:
		next.ExpiresAt = s.now().Add(time.Duration(tok.ExpiresIn) * time.Second)
	default:
		if exp, ok := TokenExpiry(tok.AccessToken); ok {
			next.ExpiresAt = exp
		}
	}

	s.mu.Lock()
	// A sign-out during the request wins.
	if s.session == nil {
		s.mu.Unlock()
		return nil, types.ErrNoSession
	}
	s.session = next
	s.mu.Unlock()

	s.logger.Debug().Time("expires_at", next.ExpiresAt).Msg("session refreshed")
	cp := *next
	return &cp, nil
}

func (s *Store) post(ctx context.Context, url string, body []byte) (int, []byte, error) {
	if err := ctx.Err(); err != nil {
		return 0, nil, err
	}

	req := fasthttp.AcquireRequest()
	defer fasthttp.ReleaseRequest(req)
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(url)
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("application/json")
	if s.cfg.APIKey != "" {
		req.Header.Set("apikey", s.cfg.APIKey)
	}
	req.SetBody(body)

	deadline := time.Now().Add(s.cfg.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := s.client.DoDeadline(req, resp, deadline); err != nil {
		return 0, nil, err
	}
	return resp.StatusCode(), append([]byte(nil), resp.Body()...), nil
}

func parseError(body []byte, status int) error {
	var e errorResponse
	if err := json.Unmarshal(body, &e); err == nil {
		msg := e.ErrorDescription
		if msg == "" {
			msg = e.Message
		}
		if msg == "" {
			msg = e.Error
		}
		if msg != "" {
			return fmt.Errorf("auth error (%d): %s", status, msg)
		}
	}
	return fmt.Errorf("auth error (%d): %s", status, strings.TrimSpace(string(body)))
}
