package notifier

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"supply-notifier/internal/storage"
)

func TestRegistrarIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	reg := NewRegistrar(store, zerolog.Nop())

	require.NoError(t, reg.OnInboundContact(ctx, storage.ChannelTelegram, "1001"))
	require.NoError(t, reg.OnInboundContact(ctx, storage.ChannelTelegram, " 1001 "))
	require.NoError(t, reg.Handler(storage.ChannelTelegram)(ctx, "1002"))
	require.NoError(t, reg.Handler(storage.ChannelTelegram)(ctx, "1002"))

	recipients, err := store.ListRecipients(ctx, storage.ChannelTelegram)
	require.NoError(t, err)
	assert.ElementsMatch(t, []storage.Recipient{alice, bob}, recipients)
}

func TestRegistrarRejectsEmptyAddress(t *testing.T) {
	reg := NewRegistrar(newStore(t), zerolog.Nop())
	require.Error(t, reg.OnInboundContact(context.Background(), storage.ChannelTelegram, "  "))
}

func TestRegistrarWithoutStore(t *testing.T) {
	err := NewRegistrar(nil, zerolog.Nop()).OnInboundContact(context.Background(), storage.ChannelTelegram, "1")
	require.ErrorIs(t, err, storage.ErrNotConfigured)
}
