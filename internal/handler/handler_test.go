package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	apperrors "github.com/omi/listen-server/internal/errors"
	"github.com/omi/listen-server/internal/listen"
	"github.com/omi/listen-server/internal/middleware"
	"github.com/omi/listen-server/internal/model"
	"github.com/omi/listen-server/internal/observability"
	"github.com/omi/listen-server/internal/service"
	"github.com/omi/listen-server/internal/util"
)

type fakeUsers struct {
	users map[string]*model.UserContext
}

func (f *fakeUsers) GetUserContext(_ context.Context, uid string) (*model.UserContext, error) {
	return f.users[uid], nil
}

func (f *fakeUsers) SetVMStatus(context.Context, string, model.VMStatus) error { return nil }

func (f *fakeUsers) SetVMAddress(context.Context, string, string, model.VMStatus) error { return nil }

type fakeTokens struct {
	byHash map[string]string
}

func (f *fakeTokens) FindByTokenHash(_ context.Context, hash string) (*model.APIToken, error) {
	uid, ok := f.byHash[hash]
	if !ok {
		return nil, nil
	}
	return &model.APIToken{TokenHash: hash, UID: uid}, nil
}

func (f *fakeTokens) Create(context.Context, string, string) error { return nil }

func (f *fakeTokens) RevokeByUID(context.Context, string) (int64, error) { return 0, nil }

// dialClose dials a socket endpoint and returns the close code the server
// ends it with.
func dialClose(t *testing.T, srv *httptest.Server, path string, header http.Header) int {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+path, header)
	require.NoError(t, err)
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		var closeErr *websocket.CloseError
		require.ErrorAs(t, err, &closeErr)
		return closeErr.Code
	}
}

func TestListenHandlerRejectsBadParams(t *testing.T) {
	h := NewListenHandler(&fakeUsers{}, listen.Deps{Metrics: observability.NewMetrics()})
	srv := httptest.NewServer(withUID("user-1", http.HandlerFunc(h.Single)))
	t.Cleanup(srv.Close)

	assert.Equal(t, apperrors.ClosePolicyViolation, dialClose(t, srv, "/?codec=mp3", nil))
}

func TestAgentSocketCloseCodes(t *testing.T) {
	tokens := &fakeTokens{byHash: map[string]string{
		util.HashToken("novm-token"): "user-novm",
	}}
	users := &fakeUsers{users: map[string]*model.UserContext{
		"user-novm": {UID: "user-novm"},
	}}
	h := NewAgentHandler(middleware.NewAuthMiddleware(tokens), users, nil, nil, nil)
	srv := httptest.NewServer(http.HandlerFunc(h.Socket))
	t.Cleanup(srv.Close)

	tests := []struct {
		name  string
		token string
		want  int
	}{
		{"missing token", "", apperrors.CloseAuthFailed},
		{"unknown token", "bogus", apperrors.CloseAuthFailed},
		{"user without vm", "novm-token", apperrors.CloseNoVM},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			header := http.Header{}
			if tt.token != "" {
				header.Set("Authorization", "Bearer "+tt.token)
			}
			assert.Equal(t, tt.want, dialClose(t, srv, "/", header))
		})
	}
}

func TestAgentChatNotConfigured(t *testing.T) {
	h := NewAgentHandler(nil, &fakeUsers{}, nil, nil, nil)
	req := httptest.NewRequest(http.MethodPost, "/chat", strings.NewReader(`{"prompt":"hi"}`))
	rec := httptest.NewRecorder()
	withUID("user-1", h.Routes()).ServeHTTP(rec, req)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

type mockActionItemRepo struct {
	mock.Mock
}

func (m *mockActionItemRepo) FindByID(ctx context.Context, uid, id string) (*model.ActionItem, error) {
	args := m.Called(ctx, uid, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.ActionItem), args.Error(1)
}

func (m *mockActionItemRepo) FindOpenByUID(ctx context.Context, uid string, limit int) ([]model.ActionItem, error) {
	args := m.Called(ctx, uid, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.ActionItem), args.Error(1)
}

func (m *mockActionItemRepo) Update(ctx context.Context, item *model.ActionItem) error {
	return m.Called(ctx, item).Error(0)
}

const itemID = "3f2b8c1e-9a4d-4e6b-8f21-5c7d9e0a1b2c"

func TestActionItemHandler(t *testing.T) {
	router := func(repo *mockActionItemRepo) http.Handler {
		r := chi.NewRouter()
		r.Mount("/v1/action-items", NewActionItemHandler(service.NewActionItemService(repo)).Routes())
		return withUID("user-1", r)
	}

	t.Run("completes an item", func(t *testing.T) {
		repo := new(mockActionItemRepo)
		repo.On("FindByID", mock.Anything, "user-1", itemID).
			Return(&model.ActionItem{ID: itemID, UID: "user-1", Description: "call Sam"}, nil)
		repo.On("Update", mock.Anything, mock.AnythingOfType("*model.ActionItem")).Return(nil)

		req := httptest.NewRequest(http.MethodPatch, "/v1/action-items/"+itemID, strings.NewReader(`{"completed":true}`))
		rec := httptest.NewRecorder()
		router(repo).ServeHTTP(rec, req)

		require.Equal(t, http.StatusOK, rec.Code)
		var item model.ActionItem
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &item))
		assert.True(t, item.Completed)
		assert.NotNil(t, item.CompletedAt)
		repo.AssertExpectations(t)
	})

	t.Run("maps errors to status codes", func(t *testing.T) {
		tests := []struct {
			name string
			item *model.ActionItem
			body string
			want int
		}{
			{"missing item", nil, `{"completed":true}`, http.StatusNotFound},
			{"locked item", &model.ActionItem{ID: itemID, IsLocked: true}, `{"completed":true}`, http.StatusConflict},
			{"empty description", &model.ActionItem{ID: itemID}, `{"description":""}`, http.StatusBadRequest},
			{"bad body", &model.ActionItem{ID: itemID}, `{`, http.StatusBadRequest},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				repo := new(mockActionItemRepo)
				if tt.item != nil {
					repo.On("FindByID", mock.Anything, "user-1", itemID).Return(tt.item, nil).Maybe()
				} else {
					repo.On("FindByID", mock.Anything, "user-1", itemID).Return(nil, nil)
				}

				req := httptest.NewRequest(http.MethodPatch, "/v1/action-items/"+itemID, strings.NewReader(tt.body))
				rec := httptest.NewRecorder()
				router(repo).ServeHTTP(rec, req)

				assert.Equal(t, tt.want, rec.Code)
				repo.AssertNotCalled(t, "Update", mock.Anything, mock.Anything)
			})
		}
	})

	t.Run("rejects malformed ids", func(t *testing.T) {
		repo := new(mockActionItemRepo)
		req := httptest.NewRequest(http.MethodPatch, "/v1/action-items/not-a-uuid", strings.NewReader(`{"completed":true}`))
		rec := httptest.NewRecorder()
		router(repo).ServeHTTP(rec, req)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		repo.AssertNotCalled(t, "FindByID", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("lists open items", func(t *testing.T) {
		repo := new(mockActionItemRepo)
		repo.On("FindOpenByUID", mock.Anything, "user-1", 5).Return([]model.ActionItem{{ID: "a"}, {ID: "b"}}, nil)

		req := httptest.NewRequest(http.MethodGet, "/v1/action-items?limit=5", nil)
		rec := httptest.NewRecorder()
		router(repo).ServeHTTP(rec, req)

		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), `"id":"b"`)
	})
}

func TestDebugHandlerPusher(t *testing.T) {
	stats := observability.NewPusherStats()
	stats.Connected(false)
	stats.Chunk("queued")

	rec := httptest.NewRecorder()
	NewDebugHandler(stats).Pusher(rec, httptest.NewRequest(http.MethodGet, "/v1/debug/pusher", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Pusher observability.PusherSnapshot `json:"pusher"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, int64(1), body.Pusher.Connects)
	assert.Equal(t, int64(1), body.Pusher.ChunksQueued)
}

func TestParseLimit(t *testing.T) {
	tests := []struct {
		query string
		want  int
	}{
		{"", DefaultLimit},
		{"limit=5", 5},
		{"limit=0", DefaultLimit},
		{"limit=1000", DefaultLimit},
		{"limit=abc", DefaultLimit},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/?"+tt.query, nil)
			assert.Equal(t, tt.want, ParseLimit(req))
		})
	}
}
