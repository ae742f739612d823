package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/relay-chat/relay/internal/connection"
	"github.com/relay-chat/relay/internal/protocol"
)

// fakeAPI mimics the auth and message endpoints of the relay server.
type fakeAPI struct {
	logins    atomic.Int32
	refreshes atomic.Int32
	issued    atomic.Int32

	ttl           time.Duration
	rejectRefresh bool
	password      string
}

func (f *fakeAPI) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()

	writeData := func(w http.ResponseWriter, status int, v any) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(map[string]any{"data": v})
	}
	unauthorized := func(w http.ResponseWriter) {
		w.WriteHeader(http.StatusUnauthorized)
		_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]string{"message": "unauthorized", "code": "unauthorized"}})
	}
	issue := func(w http.ResponseWriter) {
		n := f.issued.Add(1)
		writeData(w, http.StatusOK, tokenResponse{
			UserID:       7,
			AccessToken:  fmt.Sprintf("access-%d", n),
			ExpiresAt:    time.Now().Add(f.ttl),
			RefreshToken: fmt.Sprintf("refresh-%d", n),
		})
	}

	mux.HandleFunc("POST /api/v1/auth/login", func(w http.ResponseWriter, r *http.Request) {
		f.logins.Add(1)
		var req map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		if req["password"] != f.password {
			unauthorized(w)
			return
		}
		issue(w)
	})
	mux.HandleFunc("POST /api/v1/auth/refresh", func(w http.ResponseWriter, r *http.Request) {
		f.refreshes.Add(1)
		if f.rejectRefresh {
			unauthorized(w)
			return
		}
		issue(w)
	})
	mux.HandleFunc("POST /api/v1/rooms/{id}/messages", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "" {
			unauthorized(w)
			return
		}
		if r.PathValue("id") == "404" {
			w.WriteHeader(http.StatusNotFound)
			_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]string{"message": "not found", "code": "not_found"}})
			return
		}
		var req map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		writeData(w, http.StatusCreated, protocol.MessagePayload{ID: 1, RoomID: 3, UserID: 7, Content: req["content"]})
	})
	return mux
}

func newSession(t *testing.T, api *fakeAPI, password string) *Session {
	t.Helper()
	srv := httptest.NewServer(api.handler(t))
	t.Cleanup(srv.Close)
	return NewSession(srv.URL, Credentials{Email: "alice@example.com", Password: password}, zap.NewNop())
}

func TestTokenIsCachedUntilNearExpiry(t *testing.T) {
	api := &fakeAPI{ttl: 15 * time.Minute, password: "secret123"}
	s := newSession(t, api, "secret123")

	tok, err := s.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "access-1", tok)
	assert.Equal(t, int64(7), s.UserID())

	tok, err = s.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "access-1", tok)
	assert.Equal(t, int32(1), api.logins.Load())
	assert.Zero(t, api.refreshes.Load())

	// Move past the refresh margin.
	s.now = func() time.Time { return time.Now().Add(15 * time.Minute) }
	tok, err = s.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "access-2", tok)
	assert.Equal(t, int32(1), api.refreshes.Load())
}

func TestRejectedRefreshFallsBackToLogin(t *testing.T) {
	api := &fakeAPI{ttl: time.Second, password: "secret123", rejectRefresh: true}
	s := newSession(t, api, "secret123")

	require.NoError(t, s.Login(context.Background()))

	// A one-second token is always inside the refresh margin.
	tok, err := s.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "access-2", tok)
	assert.Equal(t, int32(1), api.refreshes.Load())
	assert.Equal(t, int32(2), api.logins.Load())
}

func TestBadPasswordIsTerminalForDialer(t *testing.T) {
	api := &fakeAPI{ttl: time.Minute, password: "secret123"}
	s := newSession(t, api, "wrong")

	_, err := s.Token(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, connection.ErrUnauthorized)
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestNoPasswordNoLogin(t *testing.T) {
	api := &fakeAPI{ttl: time.Minute, password: "secret123"}
	s := newSession(t, api, "")

	_, err := s.Token(context.Background())
	assert.ErrorIs(t, err, connection.ErrUnauthorized)
	assert.Zero(t, api.logins.Load())
}

func TestPostMessage(t *testing.T) {
	api := &fakeAPI{ttl: 15 * time.Minute, password: "secret123"}
	s := newSession(t, api, "secret123")

	msg, err := s.PostMessage(context.Background(), 3, "hello")
	require.NoError(t, err)
	assert.Equal(t, "hello", msg.Content)
	assert.Equal(t, int64(3), msg.RoomID)

	_, err = s.PostMessage(context.Background(), 404, "hello")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.Status)
	assert.Equal(t, "not_found", apiErr.Code)
}

func TestStateRoundTrip(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "relay")

	s, err := LoadState(dir)
	require.NoError(t, err)
	assert.Empty(t, s.Rooms)

	require.NoError(t, SaveState(dir, State{Email: "alice@example.com", Rooms: []int64{9, 2, 5}}))
	s, err = LoadState(dir)
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", s.Email)
	assert.Equal(t, []int64{2, 5, 9}, s.Rooms)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp file left behind")

	require.NoError(t, os.WriteFile(filepath.Join(dir, stateFileName), []byte("{"), 0o600))
	_, err = LoadState(dir)
	assert.Error(t, err)
}

func TestMergeRooms(t *testing.T) {
	assert.Equal(t, []int64{3, 1, 4}, MergeRooms([]int64{3, 1}, []int64{1, 4, 0, 3}))
	assert.Empty(t, MergeRooms(nil, nil))
}
