package chat

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"frutiger-messenger/internal/storage"
	"frutiger-messenger/internal/storage/zapadapter"

	"github.com/go-playground/validator/v10"
	"github.com/samber/lo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const tracerName = "frutiger-messenger/internal/chat"

// Subscriber receives encoded events for the single channel it is joined to.
// Deliver must not block; false means the subscriber cannot keep up and is dropped.
type Subscriber interface {
	Deliver(payload []byte) bool
	Close()
}

// Hub keeps channel rooms and broadcasts stored messages to them.
// A subscriber belongs to at most one room at a time.
type Hub struct {
	logger   *zap.SugaredLogger
	store    MessageStore
	exporter Exporter
	metrics  *Metrics
	tracer   trace.Tracer
	validate *validator.Validate

	mu      sync.RWMutex
	rooms   map[ChannelKey]map[Subscriber]struct{}
	members map[Subscriber]ChannelKey
	closed  bool

	// publishes to one channel are serialised so stored order is delivery order
	locksMu sync.Mutex
	locks   map[ChannelKey]*sync.Mutex
}

type HubOption interface {
	apply(*Hub)
}

type hubOptionFunc func(h *Hub)

func (f hubOptionFunc) apply(h *Hub) { f(h) }

func WithExporter(e Exporter) HubOption {
	return hubOptionFunc(func(h *Hub) {
		h.exporter = e
	})
}

func WithMetrics(m *Metrics) HubOption {
	return hubOptionFunc(func(h *Hub) {
		h.metrics = m
	})
}

// WithTracerProvider sets where Publish spans go; the global provider by default
func WithTracerProvider(tp trace.TracerProvider) HubOption {
	return hubOptionFunc(func(h *Hub) {
		h.tracer = tp.Tracer(tracerName)
	})
}

func NewHub(logger *zap.SugaredLogger, store MessageStore, opts ...HubOption) *Hub {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	h := &Hub{
		logger:   logger,
		store:    store,
		exporter: nopExporter{},
		metrics:  NewMetrics(nil),
		tracer:   otel.Tracer(tracerName),
		validate: v,
		rooms:    make(map[ChannelKey]map[Subscriber]struct{}),
		members:  make(map[Subscriber]ChannelKey),
		locks:    make(map[ChannelKey]*sync.Mutex),
	}
	for _, opt := range opts {
		opt.apply(h)
	}
	return h
}

// Subscribe moves sub into the room of key, leaving its previous room
func (h *Hub) Subscribe(sub Subscriber, key ChannelKey) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return ErrHubClosed
	}

	if prev, ok := h.members[sub]; ok {
		if prev == key {
			return nil
		}
		h.leave(sub, prev)
	} else {
		h.metrics.subscribers.Inc()
	}

	room, ok := h.rooms[key]
	if !ok {
		room = make(map[Subscriber]struct{})
		h.rooms[key] = room
	}
	room[sub] = struct{}{}
	h.members[sub] = key

	return nil
}

// Unsubscribe removes sub from its room. Unknown subscribers are ignored.
func (h *Hub) Unsubscribe(sub Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if key, ok := h.members[sub]; ok {
		h.leave(sub, key)
		delete(h.members, sub)
		h.metrics.subscribers.Dec()
	}
}

// leave must be called with h.mu held
func (h *Hub) leave(sub Subscriber, key ChannelKey) {
	room := h.rooms[key]
	delete(room, sub)
	if len(room) == 0 {
		delete(h.rooms, key)
	}
}

// Channel returns the room sub is joined to
func (h *Hub) Channel(sub Subscriber) (ChannelKey, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	key, ok := h.members[sub]
	return key, ok
}

// Subscribers returns the number of subscribers joined to key
func (h *Hub) Subscribers(key ChannelKey) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return len(h.rooms[key])
}

// Publish stores the message and then delivers it to every subscriber of its channel.
// Nothing is delivered when storing fails.
func (h *Hub) Publish(ctx context.Context, ev SendEvent) (storage.Message, error) {
	ctx, span := h.tracer.Start(ctx, "Hub.Publish")
	defer span.End()
	span.SetAttributes(attribute.String("chat.channel_key", string(ev.ChannelKey)))

	if err := h.validate.Struct(ev); err != nil {
		return storage.Message{}, invalidSend(err)
	}

	lock := h.publishLock(ev.ChannelKey)
	lock.Lock()

	m, err := h.store.CreateMessage(ctx, storage.Message{
		ChannelKey:  string(ev.ChannelKey),
		Author:      ev.User,
		AuthorColor: ev.AvatarColor,
		Text:        ev.Text,
	})
	if err != nil {
		lock.Unlock()
		h.metrics.failures.Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "store failure")
		return storage.Message{}, fmt.Errorf("h.store.CreateMessage: %w", err)
	}

	payload, err := EncodeLive(m)
	if err != nil {
		lock.Unlock()
		return storage.Message{}, fmt.Errorf("EncodeLive: %w", err)
	}

	slow := h.fanout(ev.ChannelKey, payload)
	lock.Unlock()
	span.SetAttributes(attribute.Int64("chat.message_id", m.ID))

	h.metrics.published.Inc()
	h.drop(slow)

	if err := h.exporter.Export(ctx, m); err != nil {
		fields := append(zapadapter.FieldsFromContext(ctx), zap.Int64("message_id", m.ID), zap.Error(err))
		h.logger.Desugar().Warn("Exporting message failed", fields...)
	}

	return m, nil
}

func (h *Hub) fanout(key ChannelKey, payload []byte) []Subscriber {
	h.mu.RLock()
	subs := lo.Keys(h.rooms[key])
	h.mu.RUnlock()

	return lo.Filter(subs, func(sub Subscriber, _ int) bool {
		return !sub.Deliver(payload)
	})
}

func (h *Hub) drop(subs []Subscriber) {
	for _, sub := range subs {
		h.Unsubscribe(sub)
		sub.Close()
		h.metrics.dropped.Inc()
	}
	if len(subs) > 0 {
		h.logger.Warnf("Dropped %d slow subscribers", len(subs))
	}
}

func (h *Hub) publishLock(key ChannelKey) *sync.Mutex {
	h.locksMu.Lock()
	defer h.locksMu.Unlock()

	lock, ok := h.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		h.locks[key] = lock
	}
	return lock
}

// Close disconnects every subscriber; later subscriptions fail with ErrHubClosed
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	subs := lo.Keys(h.members)
	h.rooms = make(map[ChannelKey]map[Subscriber]struct{})
	h.members = make(map[Subscriber]ChannelKey)
	h.mu.Unlock()

	h.metrics.subscribers.Sub(float64(len(subs)))
	for _, sub := range subs {
		sub.Close()
	}

	if err := h.exporter.Close(); err != nil {
		h.logger.Warnf("Closing exporter: %v", err)
	}
}

func invalidSend(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}

	fe := verrs[0]
	switch fe.Tag() {
	case "required":
		return fmt.Errorf("%w: missing field %q", ErrInvalidEvent, fe.Field())
	case "max":
		return fmt.Errorf("%w: field %q must have length at most %s", ErrInvalidEvent, fe.Field(), fe.Param())
	default:
		return fmt.Errorf("%w: field %q is not a valid %s", ErrInvalidEvent, fe.Field(), fe.Tag())
	}
}
