package notifier

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"supply-notifier/internal/storage"
)

// Registrar records every address that contacts the service.
type Registrar struct {
	store  storage.RecipientStore
	logger zerolog.Logger
}

// NewRegistrar constructs a Registrar.
func NewRegistrar(store storage.RecipientStore, logger zerolog.Logger) *Registrar {
	return &Registrar{
		store:  store,
		logger: logger.With().Str("component", "registrar").Logger(),
	}
}

// OnInboundContact saves (channel, address). Repeated contacts are a no-op.
func (r *Registrar) OnInboundContact(ctx context.Context, channel storage.Channel, address string) error {
	if r.store == nil {
		return storage.ErrNotConfigured
	}
	address = strings.TrimSpace(address)
	if address == "" {
		return fmt.Errorf("empty %s address", channel)
	}

	created, err := r.store.SaveRecipient(ctx, storage.Recipient{Channel: channel, Address: address})
	if err != nil {
		return fmt.Errorf("save recipient %s/%s: %w", channel, address, err)
	}
	if created {
		r.logger.Info().Str("channel", string(channel)).Str("address", address).Msg("recipient registered")
	}
	return nil
}

// Handler binds OnInboundContact to channel for use with a Listener.
func (r *Registrar) Handler(channel storage.Channel) func(ctx context.Context, address string) error {
	return func(ctx context.Context, address string) error {
		return r.OnInboundContact(ctx, channel, address)
	}
}
