package server

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"frutiger-messenger/internal/auth"
	"frutiger-messenger/internal/chat"
	"frutiger-messenger/internal/storage/zapadapter"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxMessageSize = 8 << 10
	sendQueueSize  = 256
)

// conn is one authenticated websocket client. It is a chat.Subscriber:
// the hub pushes encoded frames into send and writePump drains it.
type conn struct {
	id     string
	ws     *websocket.Conn
	claims *auth.Claims
	logger *zap.SugaredLogger
	h      *handler

	mu     sync.Mutex
	send   chan []byte
	closed bool
}

func (c *conn) Deliver(payload []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return true
	}
	select {
	case c.send <- payload:
		return true
	default:
		return false
	}
}

// Close stops writePump after the frames already queued
func (c *conn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// connect handles upgrade requests on "/ws" endpoint
func (h *handler) connect(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "Missing bearer token")
		return
	}

	claims, err := h.auth.Authenticate(r.Context(), token)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrTokenRevoked) {
			writeError(w, http.StatusUnauthorized, "Invalid token")
			return
		}
		h.logger.Errorf("h.auth.Authenticate: %v", err)
		writeError(w, http.StatusInternalServerError, http.StatusText(http.StatusInternalServerError))
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// upgrader has already replied
		h.logger.Debugf("Websocket upgrade from %s failed: %v", r.RemoteAddr, err)
		return
	}

	c := &conn{
		id:     uuid.NewString(),
		ws:     ws,
		claims: claims,
		h:      h,
		send:   make(chan []byte, sendQueueSize),
	}
	c.logger = h.logger.With("conn", c.id, "user", claims.Name)
	c.logger.Infof("Websocket connected from %s", r.RemoteAddr)

	go c.writePump()
	c.readPump()
}

func (c *conn) readPump() {
	ctx, cancel := context.WithCancel(zapadapter.NewContextWithID(context.Background(), c.id))
	defer func() {
		cancel()
		c.h.hub.Unsubscribe(c)
		c.Close()
		c.logger.Info("Websocket disconnected")
	}()

	c.ws.SetReadLimit(maxMessageSize)
	if err := c.ws.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.logger.Warnf("Setting read deadline: %v", err)
	}
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			c.logReadError(err)
			return
		}
		if !c.handleEvent(ctx, raw) {
			return
		}
	}
}

// handleEvent processes one client frame and returns false when the connection must stop
func (c *conn) handleEvent(ctx context.Context, raw []byte) bool {
	parser := c.h.parsers.eventPool.Get()
	ev, err := chat.DecodeClientEvent(parser, raw)
	c.h.parsers.eventPool.Put(parser)
	if err != nil {
		return c.Deliver(chat.EncodeError(err.Error()))
	}

	switch ev.Type {
	case chat.EventJoin:
		if ok, open := c.authorized(ctx); !ok {
			return open
		}
		return c.join(ctx, *ev.Join)

	case chat.EventLeave:
		c.h.hub.Unsubscribe(c)
		return true

	case chat.EventChatMessage:
		if ok, open := c.authorized(ctx); !ok {
			return open
		}
		if ev.Send.User != c.claims.Name {
			return c.Deliver(chat.EncodeError("user does not match session"))
		}
		if _, err := c.h.hub.Publish(ctx, *ev.Send); err != nil {
			if errors.Is(err, chat.ErrInvalidEvent) {
				return c.Deliver(chat.EncodeError(err.Error()))
			}
			c.logger.Errorf("c.h.hub.Publish: %v", err)
			return c.Deliver(chat.EncodeError("server error"))
		}
		return true
	}
	return true
}

// authorized re-checks the session token of the connection. When it has expired or was
// revoked the client gets an error event and the connection is closed.
func (c *conn) authorized(ctx context.Context) (ok, open bool) {
	err := c.h.auth.Check(ctx, c.claims)
	switch {
	case err == nil:
		return true, true
	case errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrTokenRevoked):
		c.logger.Infof("Closing connection: %v", err)
		c.Deliver(chat.EncodeError("session expired or revoked"))
		return false, false
	default:
		c.logger.Errorf("c.h.auth.Check: %v", err)
		return false, c.Deliver(chat.EncodeError("server error"))
	}
}

// join subscribes first and then sends the snapshot, so nothing published in between is missed.
// Messages that land in both are deduplicated by id on the client.
func (c *conn) join(ctx context.Context, key chat.ChannelKey) bool {
	if err := c.h.hub.Subscribe(c, key); err != nil {
		c.logger.Warnf("c.h.hub.Subscribe: %v", err)
		return false
	}

	messages, err := c.h.history.Load(ctx, key, 0)
	if err != nil {
		c.logger.Errorf("c.h.history.Load: %v", err)
		return c.Deliver(chat.EncodeError("server error"))
	}

	payload, err := chat.EncodeHistory(key, messages)
	if err != nil {
		c.logger.Errorf("chat.EncodeHistory: %v", err)
		return c.Deliver(chat.EncodeError("server error"))
	}
	return c.Deliver(payload)
}

func (c *conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		if err := c.ws.Close(); err != nil && !isExpectedCloseError(err) {
			c.logger.Warnf("Closing websocket: %v", err)
		}
	}()

	for {
		select {
		case payload, ok := <-c.send:
			if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, payload); err != nil {
				if !isExpectedCloseError(err) {
					c.logger.Warnf("Writing frame: %v", err)
				}
				return
			}

		case <-ticker.C:
			if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *conn) logReadError(err error) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		c.logger.Warnf("Frame exceeded %d bytes", maxMessageSize)
	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived):
	case isExpectedCloseError(err):
	default:
		c.logger.Warnf("Reading frame: %v", err)
	}
}

func isExpectedCloseError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, websocket.ErrCloseSent) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "use of closed network connection") ||
		strings.Contains(msg, "connection reset by peer") ||
		strings.Contains(msg, "broken pipe")
}

// originPolicy decides which browser origins may open a websocket.
// Requests without Origin come from non-browser clients and are allowed.
type originPolicy struct {
	logger   *zap.SugaredLogger
	allowAll bool
	allowed  map[string]struct{}
}

func newOriginPolicy(logger *zap.SugaredLogger, origins []string) *originPolicy {
	p := &originPolicy{logger: logger, allowed: make(map[string]struct{})}
	for _, origin := range origins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		if trimmed == "*" {
			p.allowAll = true
			continue
		}
		normalized, ok := normalizeOrigin(trimmed)
		if !ok {
			logger.Warnf("Ignoring invalid origin in configuration: %q", origin)
			continue
		}
		p.allowed[normalized] = struct{}{}
	}
	return p
}

func (p *originPolicy) check(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || p.allowAll {
		return true
	}

	normalized, ok := normalizeOrigin(origin)
	if ok {
		if _, exists := p.allowed[normalized]; exists {
			return true
		}
	}

	p.logger.Warnf("Blocked websocket connection from disallowed origin %q", origin)
	return false
}

func normalizeOrigin(origin string) (string, bool) {
	parsed, err := url.Parse(origin)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return "", false
	}
	return strings.ToLower(parsed.Scheme) + "://" + strings.ToLower(parsed.Host), true
}
