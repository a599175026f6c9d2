// Package alerting talks to the Telegram Bot API: it delivers supply notifications and
// long-polls for chats that contact the bot.
package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"supply-notifier/internal/storage"
)

const (
	defaultAPIBase        = "https://api.telegram.org"
	defaultRequestTimeout = 10 * time.Second
	defaultPollTimeout    = 30 * time.Second
)

// TelegramOptions configures a Telegram client.
type TelegramOptions struct {
	BotToken       string
	APIBase        string
	RequestTimeout time.Duration
	PollTimeout    time.Duration
	ParseMode      string
}

// APIError is a response with ok=false or a non-2xx status.
type APIError struct {
	Method      string
	StatusCode  int
	ErrorCode   int
	Description string
}

func (e *APIError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("telegram %s: status %d: %s", e.Method, e.StatusCode, e.Description)
	}
	return fmt.Sprintf("telegram %s: status %d", e.Method, e.StatusCode)
}

// Telegram implements the telegram delivery channel.
type Telegram struct {
	token          string
	baseURL        string
	parseMode      string
	requestTimeout time.Duration
	pollTimeout    time.Duration
	client         *http.Client
	logger         zerolog.Logger
}

// NewTelegram constructs the Telegram transport.
func NewTelegram(opts TelegramOptions, logger zerolog.Logger) *Telegram {
	if opts.APIBase == "" {
		opts.APIBase = defaultAPIBase
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = defaultRequestTimeout
	}
	if opts.PollTimeout < 0 {
		opts.PollTimeout = defaultPollTimeout
	}

	return &Telegram{
		token:          opts.BotToken,
		baseURL:        strings.TrimRight(opts.APIBase, "/"),
		parseMode:      opts.ParseMode,
		requestTimeout: opts.RequestTimeout,
		pollTimeout:    opts.PollTimeout,
		// deadlines come from per-request contexts; getUpdates outlives RequestTimeout
		client: &http.Client{},
		logger: logger.With().Str("component", "telegram").Logger(),
	}
}

// Channel identifies the recipients this transport serves.
func (t *Telegram) Channel() storage.Channel {
	return storage.ChannelTelegram
}

// Send posts message to the chat identified by address.
func (t *Telegram) Send(ctx context.Context, address, message string) error {
	payload := sendMessageRequest{
		ChatID:                address,
		Text:                  message,
		ParseMode:             t.parseMode,
		DisableWebPagePreview: true,
	}

	ctx, cancel := context.WithTimeout(ctx, t.requestTimeout)
	defer cancel()

	if err := t.call(ctx, "sendMessage", payload, nil); err != nil {
		return err
	}
	t.logger.Debug().Str("chat_id", address).Msg("message delivered")
	return nil
}

// Listen long-polls getUpdates and calls handler with the chat id of every incoming
// message. An update is acknowledged only after handler succeeds; a handler error stops
// Listen so the caller can retry the same update later. Listen returns ctx.Err() on
// cancellation.
func (t *Telegram) Listen(ctx context.Context, handler func(ctx context.Context, address string) error) error {
	var offset int64
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		updates, err := t.getUpdates(ctx, offset)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}

		for _, u := range updates {
			if chatID, ok := u.chatID(); ok {
				if err := handler(ctx, strconv.FormatInt(chatID, 10)); err != nil {
					return fmt.Errorf("handle update %d: %w", u.UpdateID, err)
				}
			}
			offset = u.UpdateID + 1
		}
	}
}

func (t *Telegram) getUpdates(ctx context.Context, offset int64) ([]update, error) {
	req := getUpdatesRequest{
		Offset:         offset,
		Timeout:        int(t.pollTimeout / time.Second),
		AllowedUpdates: []string{"message"},
	}

	ctx, cancel := context.WithTimeout(ctx, t.requestTimeout+t.pollTimeout)
	defer cancel()

	var updates []update
	if err := t.call(ctx, "getUpdates", req, &updates); err != nil {
		return nil, err
	}
	return updates, nil
}

func (t *Telegram) call(ctx context.Context, method string, payload any, result any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal telegram %s payload: %w", method, err)
	}

	endpoint := fmt.Sprintf("%s/bot%s/%s", t.baseURL, url.PathEscape(t.token), method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create telegram %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		// the URL carries the bot token; keep it out of logs
		var uerr *url.Error
		if errors.As(err, &uerr) {
			err = uerr.Err
		}
		return fmt.Errorf("telegram %s request: %w", method, err)
	}
	defer resp.Body.Close()

	var envelope apiResponse
	decodeErr := json.NewDecoder(resp.Body).Decode(&envelope)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 || (decodeErr == nil && !envelope.OK) {
		return &APIError{
			Method:      method,
			StatusCode:  resp.StatusCode,
			ErrorCode:   envelope.ErrorCode,
			Description: envelope.Description,
		}
	}
	if decodeErr != nil {
		return fmt.Errorf("decode telegram %s response: %w", method, decodeErr)
	}

	if result != nil && len(envelope.Result) > 0 {
		if err := json.Unmarshal(envelope.Result, result); err != nil {
			return fmt.Errorf("decode telegram %s result: %w", method, err)
		}
	}
	return nil
}

type sendMessageRequest struct {
	ChatID                string `json:"chat_id"`
	Text                  string `json:"text"`
	ParseMode             string `json:"parse_mode,omitempty"`
	DisableWebPagePreview bool   `json:"disable_web_page_preview,omitempty"`
}

type getUpdatesRequest struct {
	Offset         int64    `json:"offset,omitempty"`
	Timeout        int      `json:"timeout"`
	AllowedUpdates []string `json:"allowed_updates,omitempty"`
}

type apiResponse struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result"`
	ErrorCode   int             `json:"error_code"`
	Description string          `json:"description"`
}

type update struct {
	UpdateID int64 `json:"update_id"`
	Message  *struct {
		Chat struct {
			ID int64 `json:"id"`
		} `json:"chat"`
	} `json:"message"`
}

func (u update) chatID() (int64, bool) {
	if u.Message == nil {
		return 0, false
	}
	return u.Message.Chat.ID, true
}
