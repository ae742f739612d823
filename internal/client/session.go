// Package client is the REST half of the relay client: it logs in, keeps
// the access token fresh for the WebSocket dialer, and posts messages.
//
// Session implements connection.TokenSource, so every reconnect presents a
// valid access token without the connection layer knowing how it was
// obtained.
package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/relay-chat/relay/internal/connection"
	"github.com/relay-chat/relay/internal/protocol"
)

// refreshMargin is how long before expiry an access token is replaced.
const refreshMargin = 30 * time.Second

// ErrUnauthorized is returned when the server rejects both the refresh
// token and the password.
var ErrUnauthorized = errors.New("client: credentials rejected")

var _ connection.TokenSource = (*Session)(nil)

// Credentials identify the user. Password may be empty when the session is
// seeded with a refresh token only.
type Credentials struct {
	Email    string
	Password string
}

// Session holds the tokens of one logged-in user.
type Session struct {
	baseURL string
	creds   Credentials
	http    *http.Client
	logger  *zap.Logger
	now     func() time.Time

	mu           sync.Mutex
	userID       int64
	accessToken  string
	expiresAt    time.Time
	refreshToken string
}

// NewSession creates a Session against baseURL (e.g. http://localhost:8080).
// Nothing is sent until Login or Token is called.
func NewSession(baseURL string, creds Credentials, logger *zap.Logger) *Session {
	return &Session{
		baseURL: strings.TrimRight(baseURL, "/"),
		creds:   creds,
		http:    &http.Client{Timeout: 15 * time.Second},
		logger:  logger.Named("session"),
		now:     time.Now,
	}
}

// UserID is the authenticated user's id, 0 before the first login.
func (s *Session) UserID() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID
}

type tokenResponse struct {
	UserID       int64     `json:"user_id"`
	AccessToken  string    `json:"access_token"`
	ExpiresAt    time.Time `json:"expires_at"`
	RefreshToken string    `json:"refresh_token"`
}

// Login exchanges the password for a token pair.
func (s *Session) Login(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loginLocked(ctx)
}

func (s *Session) loginLocked(ctx context.Context) error {
	if s.creds.Password == "" {
		return ErrUnauthorized
	}
	var tok tokenResponse
	err := s.do(ctx, http.MethodPost, "/api/v1/auth/login", "", map[string]string{
		"email":    s.creds.Email,
		"password": s.creds.Password,
	}, &tok)
	if err != nil {
		return err
	}
	s.store(tok)
	s.logger.Info("logged in", zap.Int64("user_id", tok.UserID))
	return nil
}

func (s *Session) refreshLocked(ctx context.Context) error {
	var tok tokenResponse
	err := s.do(ctx, http.MethodPost, "/api/v1/auth/refresh", "", map[string]string{
		"refresh_token": s.refreshToken,
	}, &tok)
	if err != nil {
		return err
	}
	s.store(tok)
	s.logger.Debug("access token refreshed", zap.Time("expires_at", tok.ExpiresAt))
	return nil
}

func (s *Session) store(tok tokenResponse) {
	s.userID = tok.UserID
	s.accessToken = tok.AccessToken
	s.expiresAt = tok.ExpiresAt
	s.refreshToken = tok.RefreshToken
}

// Token returns a usable access token, refreshing or logging in again when
// the cached one is about to expire. Returned errors wrapping
// connection.ErrUnauthorized stop the reconnect loop.
func (s *Session) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.accessToken != "" && s.now().Add(refreshMargin).Before(s.expiresAt) {
		return s.accessToken, nil
	}

	if s.refreshToken != "" {
		err := s.refreshLocked(ctx)
		if err == nil {
			return s.accessToken, nil
		}
		if !errors.Is(err, ErrUnauthorized) {
			return "", err
		}
		s.logger.Info("refresh token rejected, logging in again")
		s.refreshToken = ""
	}

	if err := s.loginLocked(ctx); err != nil {
		if errors.Is(err, ErrUnauthorized) {
			return "", fmt.Errorf("%w: %w", connection.ErrUnauthorized, err)
		}
		return "", err
	}
	return s.accessToken, nil
}

// PostMessage stores content in roomID. The server broadcasts it to the
// room's subscribers, the sender's own sessions included.
func (s *Session) PostMessage(ctx context.Context, roomID int64, content string) (protocol.MessagePayload, error) {
	token, err := s.Token(ctx)
	if err != nil {
		return protocol.MessagePayload{}, err
	}
	var msg protocol.MessagePayload
	err = s.do(ctx, http.MethodPost, fmt.Sprintf("/api/v1/rooms/%d/messages", roomID), token,
		map[string]string{"content": content}, &msg)
	return msg, err
}

// Logout revokes the refresh token. Best effort: the local tokens are
// dropped even if the server call fails.
func (s *Session) Logout(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	refresh := s.refreshToken
	s.accessToken, s.refreshToken, s.expiresAt = "", "", time.Time{}
	if refresh == "" {
		return nil
	}
	return s.do(ctx, http.MethodPost, "/api/v1/auth/logout", "", map[string]string{"refresh_token": refresh}, nil)
}

// APIError is a non-2xx response from the REST API.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("client: %d %s: %s", e.Status, e.Code, e.Message)
}

// do sends a JSON request and decodes the "data" member of the response
// envelope into out. 401 responses are reported as ErrUnauthorized.
func (s *Session) do(ctx context.Context, method, path, token string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("client: encode request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("client: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := s.http.Do(req)
	if err != nil {
		return fmt.Errorf("client: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return ErrUnauthorized
	}
	if resp.StatusCode >= 300 {
		var env struct {
			Error struct {
				Message string `json:"message"`
				Code    string `json:"code"`
			} `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&env)
		return &APIError{Status: resp.StatusCode, Code: env.Error.Code, Message: env.Error.Message}
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}

	var env struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("client: decode response: %w", err)
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("client: decode response data: %w", err)
	}
	return nil
}
