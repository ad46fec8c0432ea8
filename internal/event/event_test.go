package event

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rvierich/tsrelay/internal/store"
)

func TestDecodeDispatchesOnWireType(t *testing.T) {
	in := &StreamSwitch{
		Header:   NewHeader(TypeStreamSwitch, "ch1", "worker-1"),
		URL:      "http://example.com/alt.ts",
		StreamID: "01ARZ3NDEKTSV4RRFFQ69G5FAV",
	}

	data, err := Encode(in)
	require.NoError(t, err)

	out, err := Decode(data)
	require.NoError(t, err)

	sw, ok := out.(*StreamSwitch)
	require.True(t, ok)
	assert.Equal(t, "ch1", sw.ChannelID)
	assert.Equal(t, "worker-1", sw.WorkerID)
	assert.Equal(t, in.URL, sw.URL)
	assert.Equal(t, in.StreamID, sw.StreamID)
}

func TestDecodeUnknownType(t *testing.T) {
	_, err := Decode([]byte(`{"event":"mystery","channel_id":"ch1"}`))
	assert.ErrorIs(t, err, ErrUnknownType)
}

func TestDecodeMalformed(t *testing.T) {
	_, err := Decode([]byte(`{`))
	assert.Error(t, err)
}

func TestBusPublishReachesSubscriber(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := store.NewWithClient(client, logger)
	bus := NewBus(s, "worker-1", logger)

	ctx := context.Background()
	sub := s.PSubscribe(ctx, store.EventsPattern)
	t.Cleanup(func() { _ = sub.Close() })
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	require.NoError(t, bus.Publish(ctx, &ChannelStop{
		Header: bus.Header(TypeChannelStop, "ch1"),
	}))

	select {
	case msg := <-sub.Channel():
		assert.Equal(t, store.EventsTopic("ch1"), msg.Channel)
		ev, err := Decode([]byte(msg.Payload))
		require.NoError(t, err)
		assert.Equal(t, TypeChannelStop, ev.Type())
		assert.Equal(t, "worker-1", ev.Head().WorkerID)
	case <-time.After(2 * time.Second):
		t.Fatal("event was not delivered")
	}
}
