package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"supply-notifier/internal/storage"
)

func newTestTelegram(srv *httptest.Server) *Telegram {
	return NewTelegram(TelegramOptions{
		BotToken:       "123:abc",
		APIBase:        srv.URL,
		RequestTimeout: time.Second,
		PollTimeout:    0,
		ParseMode:      "HTML",
	}, zerolog.Nop())
}

func TestTelegramSendPostsHTMLMessage(t *testing.T) {
	var received map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/bot123:abc/sendMessage", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true, "result": map[string]any{"message_id": 1}})
	}))
	defer srv.Close()

	tg := newTestTelegram(srv)
	assert.Equal(t, storage.ChannelTelegram, tg.Channel())
	require.NoError(t, tg.Send(context.Background(), "-100200", "<code>1</code>"))

	assert.Equal(t, "-100200", received["chat_id"])
	assert.Equal(t, "<code>1</code>", received["text"])
	assert.Equal(t, "HTML", received["parse_mode"])
}

func TestTelegramSendReportsAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"ok":          false,
			"error_code":  403,
			"description": "Forbidden: bot was blocked by the user",
		})
	}))
	defer srv.Close()

	err := newTestTelegram(srv).Send(context.Background(), "1", "hi")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusForbidden, apiErr.StatusCode)
	assert.Equal(t, 403, apiErr.ErrorCode)
	assert.Contains(t, err.Error(), "bot was blocked")
}

func TestTelegramSendOKFalseIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": false})
	}))
	defer srv.Close()

	require.Error(t, newTestTelegram(srv).Send(context.Background(), "1", "hi"))
}

func TestTelegramSendErrorHidesToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	err := newTestTelegram(srv).Send(context.Background(), "1", "hi")
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "123:abc")
}

type updatesServer struct {
	mu      sync.Mutex
	batches [][]map[string]any
	offsets []int64
}

func (s *updatesServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Offset int64 `json:"offset"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)

	s.mu.Lock()
	s.offsets = append(s.offsets, req.Offset)
	var batch []map[string]any
	if len(s.batches) > 0 {
		batch, s.batches = s.batches[0], s.batches[1:]
	}
	s.mu.Unlock()

	if batch == nil {
		batch = []map[string]any{}
	}
	_ = json.NewEncoder(w).Encode(map[string]any{"ok": true, "result": batch})
}

func message(updateID, chatID int64) map[string]any {
	return map[string]any{
		"update_id": updateID,
		"message": map[string]any{
			"message_id": updateID,
			"chat":       map[string]any{"id": chatID, "type": "private"},
			"text":       "/start",
		},
	}
}

func TestTelegramListenHandsChatIDsAndAdvancesOffset(t *testing.T) {
	updates := &updatesServer{batches: [][]map[string]any{
		{message(10, 111), {"update_id": 11}},
		{message(12, -222)},
	}}
	srv := httptest.NewServer(updates)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var got []string
	handler := func(ctx context.Context, address string) error {
		got = append(got, address)
		if len(got) == 2 {
			cancel()
		}
		return nil
	}

	err := newTestTelegram(srv).Listen(ctx, handler)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []string{"111", "-222"}, got)

	updates.mu.Lock()
	defer updates.mu.Unlock()
	require.GreaterOrEqual(t, len(updates.offsets), 2)
	assert.Equal(t, []int64{0, 12}, updates.offsets[:2])
}

func TestTelegramListenStopsOnHandlerError(t *testing.T) {
	srv := httptest.NewServer(&updatesServer{batches: [][]map[string]any{{message(5, 1)}}})
	defer srv.Close()

	boom := errors.New("db down")
	err := newTestTelegram(srv).Listen(context.Background(), func(ctx context.Context, address string) error {
		return boom
	})
	require.ErrorIs(t, err, boom)
}
