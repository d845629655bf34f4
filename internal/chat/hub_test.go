package chat

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"frutiger-messenger/internal/mocks"
	"frutiger-messenger/internal/storage"
	"frutiger-messenger/internal/storage/storagetest"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/mock/gomock"
	"go.uber.org/zap"
)

type fakeSubscriber struct {
	mu     sync.Mutex
	frames []LiveEvent
	full   bool
	closed bool
}

func (s *fakeSubscriber) Deliver(payload []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.full {
		return false
	}
	var ev LiveEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		panic(err)
	}
	s.frames = append(s.frames, ev)
	return true
}

func (s *fakeSubscriber) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

func (s *fakeSubscriber) received() []LiveEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]LiveEvent(nil), s.frames...)
}

type fakeExporter struct {
	mu       sync.Mutex
	exported []storage.Message
	closed   bool
}

func (e *fakeExporter) Export(_ context.Context, m storage.Message) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.exported = append(e.exported, m)
	return nil
}

func (e *fakeExporter) Close() error {
	e.closed = true
	return nil
}

func bootstrapHub(t *testing.T, store MessageStore, opts ...HubOption) *Hub {
	logger, err := zap.NewDevelopment()
	require.NoError(t, err)
	return NewHub(logger.Sugar(), store, opts...)
}

func TestPublish_RoundTrip(t *testing.T) {
	t.Parallel()

	store := storagetest.NewMemoryStore()
	h := bootstrapHub(t, store)

	a, b := &fakeSubscriber{}, &fakeSubscriber{}
	require.NoError(t, h.Subscribe(a, "1-gen1"))
	require.NoError(t, h.Subscribe(b, "1-gen1"))

	m, err := h.Publish(context.Background(), SendEvent{User: "alice", AvatarColor: "#00C2C7", Text: "hello", ChannelKey: "1-gen1"})
	require.NoError(t, err)
	require.NotZero(t, m.ID)

	for _, sub := range []*fakeSubscriber{a, b} {
		frames := sub.received()
		require.Len(t, frames, 1)
		require.Equal(t, EventChatMessage, frames[0].Type)
		require.Equal(t, m.ID, frames[0].ID)
		require.Equal(t, "hello", frames[0].Text)
		require.Equal(t, "alice", frames[0].User)
		require.Equal(t, "1-gen1", frames[0].ServerChannel)
	}

	history, err := NewHistory(store, 50, 100).Load(context.Background(), "1-gen1", 50)
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.Equal(t, m, history[0])
}

func TestPublish_Isolation(t *testing.T) {
	t.Parallel()

	h := bootstrapHub(t, storagetest.NewMemoryStore())

	general, random := &fakeSubscriber{}, &fakeSubscriber{}
	require.NoError(t, h.Subscribe(general, "1-general"))
	require.NoError(t, h.Subscribe(random, "1-random"))

	_, err := h.Publish(context.Background(), SendEvent{User: "alice", Text: "only general", ChannelKey: "1-general"})
	require.NoError(t, err)

	require.Len(t, general.received(), 1)
	require.Empty(t, random.received())
}

func TestSubscribe_Switch(t *testing.T) {
	t.Parallel()

	h := bootstrapHub(t, storagetest.NewMemoryStore())

	sub := &fakeSubscriber{}
	require.NoError(t, h.Subscribe(sub, "1-general"))
	require.NoError(t, h.Subscribe(sub, "1-random"))

	key, ok := h.Channel(sub)
	require.True(t, ok)
	require.Equal(t, ChannelKey("1-random"), key)
	require.Equal(t, 0, h.Subscribers("1-general"))
	require.Equal(t, 1, h.Subscribers("1-random"))

	_, err := h.Publish(context.Background(), SendEvent{User: "bob", Text: "old room", ChannelKey: "1-general"})
	require.NoError(t, err)
	require.Empty(t, sub.received())

	h.Unsubscribe(sub)
	_, ok = h.Channel(sub)
	require.False(t, ok)
	require.Equal(t, 0, h.Subscribers("1-random"))

	// unknown subscriber
	h.Unsubscribe(&fakeSubscriber{})
}

func TestPublish_StoreFailureNotBroadcast(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	store := mocks.NewMockMessageStore(ctrl)
	exporter := &fakeExporter{}
	metrics := NewMetrics(prometheus.NewRegistry())
	h := bootstrapHub(t, store, WithExporter(exporter), WithMetrics(metrics))

	sub := &fakeSubscriber{}
	require.NoError(t, h.Subscribe(sub, "1-general"))

	boom := errors.New("disk full")
	store.EXPECT().CreateMessage(gomock.Any(), gomock.Any()).Return(storage.Message{}, boom)

	_, err := h.Publish(context.Background(), SendEvent{User: "alice", Text: "lost", ChannelKey: "1-general"})
	require.ErrorIs(t, err, boom)
	require.Empty(t, sub.received())
	require.Empty(t, exporter.exported)
	require.Equal(t, float64(1), testutil.ToFloat64(metrics.failures))
	require.Equal(t, float64(0), testutil.ToFloat64(metrics.published))
}

func TestPublish_Invalid(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	store := mocks.NewMockMessageStore(ctrl)
	h := bootstrapHub(t, store)

	store.EXPECT().CreateMessage(gomock.Any(), gomock.Any()).Times(0)

	tests := []struct {
		name    string
		ev      SendEvent
		message string
	}{
		{"no text", SendEvent{User: "alice", ChannelKey: "1-general"}, `missing field "text"`},
		{"no user", SendEvent{Text: "hi", ChannelKey: "1-general"}, `missing field "user"`},
		{"no channel", SendEvent{User: "alice", Text: "hi"}, `missing field "channelKey"`},
		{"bad color", SendEvent{User: "alice", AvatarColor: "teal", Text: "hi", ChannelKey: "1-general"}, `field "avatarColor" is not a valid hexcolor`},
	}

	for _, tt := range tests {
		_, err := h.Publish(context.Background(), tt.ev)
		require.ErrorIs(t, err, ErrInvalidEvent, tt.name)
		require.Contains(t, err.Error(), tt.message, tt.name)
	}
}

func TestPublish_OrderMatchesStore(t *testing.T) {
	t.Parallel()

	store := storagetest.NewMemoryStore()
	h := bootstrapHub(t, store)

	subs := []*fakeSubscriber{{}, {}, {}}
	for _, sub := range subs {
		require.NoError(t, h.Subscribe(sub, "1-busy"))
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				_, err := h.Publish(context.Background(), SendEvent{User: "load", Text: "ping", ChannelKey: "1-busy"})
				if err != nil {
					panic(err)
				}
			}
		}()
	}
	wg.Wait()

	stored, err := store.MessagesByChannel(context.Background(), "1-busy", 1000)
	require.NoError(t, err)
	require.Len(t, stored, 200)

	for _, sub := range subs {
		frames := sub.received()
		require.Len(t, frames, len(stored))
		for i := range stored {
			require.Equal(t, stored[i].ID, frames[i].ID)
		}
	}
}

func TestPublish_DropsSlowSubscriber(t *testing.T) {
	t.Parallel()

	metrics := NewMetrics(prometheus.NewRegistry())
	h := bootstrapHub(t, storagetest.NewMemoryStore(), WithMetrics(metrics))

	fast, slow := &fakeSubscriber{}, &fakeSubscriber{full: true}
	require.NoError(t, h.Subscribe(fast, "1-general"))
	require.NoError(t, h.Subscribe(slow, "1-general"))
	require.Equal(t, float64(2), testutil.ToFloat64(metrics.subscribers))

	_, err := h.Publish(context.Background(), SendEvent{User: "alice", Text: "hi", ChannelKey: "1-general"})
	require.NoError(t, err)

	require.Len(t, fast.received(), 1)
	require.True(t, slow.closed)
	require.False(t, fast.closed)
	require.Equal(t, 1, h.Subscribers("1-general"))
	require.Equal(t, float64(1), testutil.ToFloat64(metrics.dropped))
	require.Equal(t, float64(1), testutil.ToFloat64(metrics.subscribers))
}

func TestPublish_Exports(t *testing.T) {
	t.Parallel()

	exporter := &fakeExporter{}
	h := bootstrapHub(t, storagetest.NewMemoryStore(), WithExporter(exporter))

	m, err := h.Publish(context.Background(), SendEvent{User: "alice", Text: "to kafka", ChannelKey: "2-news"})
	require.NoError(t, err)
	require.Equal(t, []storage.Message{m}, exporter.exported)

	h.Close()
	require.True(t, exporter.closed)
}

func TestHub_Close(t *testing.T) {
	t.Parallel()

	h := bootstrapHub(t, storagetest.NewMemoryStore())

	a, b := &fakeSubscriber{}, &fakeSubscriber{}
	require.NoError(t, h.Subscribe(a, "1-general"))
	require.NoError(t, h.Subscribe(b, "1-random"))

	h.Close()
	h.Close()

	require.True(t, a.closed)
	require.True(t, b.closed)
	require.Equal(t, 0, h.Subscribers("1-general"))
	require.ErrorIs(t, h.Subscribe(&fakeSubscriber{}, "1-general"), ErrHubClosed)
}

func TestPublish_Spans(t *testing.T) {
	t.Parallel()

	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))

	ctrl := gomock.NewController(t)
	store := mocks.NewMockMessageStore(ctrl)
	h := bootstrapHub(t, store, WithTracerProvider(tp))

	gomock.InOrder(
		store.EXPECT().CreateMessage(gomock.Any(), gomock.Any()).Return(storage.Message{ID: 7, ChannelKey: "1-general", Author: "alice", Text: "hi"}, nil),
		store.EXPECT().CreateMessage(gomock.Any(), gomock.Any()).Return(storage.Message{}, errors.New("disk full")),
	)

	_, err := h.Publish(context.Background(), SendEvent{User: "alice", Text: "hi", ChannelKey: "1-general"})
	require.NoError(t, err)
	_, err = h.Publish(context.Background(), SendEvent{User: "alice", Text: "lost", ChannelKey: "1-general"})
	require.Error(t, err)

	spans := recorder.Ended()
	require.Len(t, spans, 2)

	require.Equal(t, "Hub.Publish", spans[0].Name())
	require.Contains(t, spans[0].Attributes(), attribute.String("chat.channel_key", "1-general"))
	require.Contains(t, spans[0].Attributes(), attribute.Int64("chat.message_id", 7))
	require.Equal(t, codes.Unset, spans[0].Status().Code)

	require.Equal(t, codes.Error, spans[1].Status().Code)
}
