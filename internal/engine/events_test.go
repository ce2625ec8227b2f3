package engine

import (
	"bytes"
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RealZimboGuy/daemonflow/pkg/daemonflow/domain"
)

func TestEventBus_UnsubscribedPublishIsQuietAtInfo(t *testing.T) {
	for _, tt := range []struct {
		level  slog.Level
		logged bool
	}{
		{slog.LevelInfo, false},
		{slog.LevelDebug, true},
	} {
		t.Run(tt.level.String(), func(t *testing.T) {
			var buf bytes.Buffer
			bus := newEventBus(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: tt.level})))
			defer bus.Close()

			bus.Publish(context.Background(), TopicActionTransition, Event{InstanceID: 1, Status: domain.StatusRunning, At: t0})
			assert.Equal(t, tt.logged, bytes.Contains(buf.Bytes(), []byte("No subscribers")), buf.String())
		})
	}
}

func TestEventBus_PublishSubscribe(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bus := NewEventBus()
	defer bus.Close()

	events, err := bus.Subscribe(ctx, TopicInstanceFinalized)
	require.NoError(t, err)
	bus.Publish(ctx, TopicInstanceFinalized, Event{InstanceID: 7, Status: domain.StatusSucceeded, At: t0})

	select {
	case ev := <-events:
		assert.Equal(t, int64(7), ev.InstanceID)
		assert.Equal(t, domain.StatusSucceeded, ev.Status)
		assert.True(t, ev.At.Equal(t0))
	case <-time.After(2 * time.Second):
		t.Fatal("no event delivered")
	}
}
