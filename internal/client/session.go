package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"frutiger-messenger/internal/chat"

	"github.com/gorilla/websocket"
	"github.com/valyala/fastjson"
	"go.uber.org/zap"
)

var (
	ErrNotLoggedIn  = errors.New("not logged in")
	ErrNotConnected = errors.New("not connected")
	ErrNoChannel    = errors.New("no active channel")
)

// APIError is a non-2xx answer of the REST API
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%d %s: %s", e.StatusCode, http.StatusText(e.StatusCode), e.Message)
}

// ServerError is an error event pushed over the realtime connection
type ServerError struct {
	Message string
}

func (e *ServerError) Error() string {
	return "server: " + e.Message
}

// Profile is the logged in user as returned by the server
type Profile struct {
	Name  string `json:"name"`
	Color string `json:"color"`
	Theme string `json:"theme"`
}

// RegisterRequest is the body of a registration call
type RegisterRequest struct {
	Username    string `json:"username"`
	Password    string `json:"password"`
	AvatarColor string `json:"avatarColor,omitempty"`
	Theme       string `json:"theme,omitempty"`
}

// Session talks to one server on behalf of one user
type Session struct {
	logger   *zap.SugaredLogger
	baseURL  *url.URL
	http     *http.Client
	dialer   *websocket.Dialer
	timeline *Timeline
	onError  func(error)
	onChange func(chat.ChannelKey, []chat.MessagePayload)

	mu      sync.Mutex
	token   string
	profile Profile
	ws      *websocket.Conn
	done    chan struct{}

	writeMu sync.Mutex
}

type Option interface {
	apply(*Session)
}

type optionFunc func(s *Session)

func (f optionFunc) apply(s *Session) { f(s) }

func WithHTTPClient(c *http.Client) Option {
	return optionFunc(func(s *Session) {
		s.http = c
	})
}

func WithDialer(d *websocket.Dialer) Option {
	return optionFunc(func(s *Session) {
		s.dialer = d
	})
}

// OnError registers a hook for server error events and broken connections
func OnError(f func(error)) Option {
	return optionFunc(func(s *Session) {
		s.onError = f
	})
}

// OnChange registers the render hook of the timeline
func OnChange(f func(chat.ChannelKey, []chat.MessagePayload)) Option {
	return optionFunc(func(s *Session) {
		s.onChange = f
	})
}

func NewSession(logger *zap.SugaredLogger, baseURL string, opts ...Option) (*Session, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("url.Parse: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}

	s := &Session{
		logger:  logger,
		baseURL: u,
		http:    &http.Client{Timeout: 10 * time.Second},
		dialer:  websocket.DefaultDialer,
		onError: func(error) {},
	}
	for _, opt := range opts {
		opt.apply(s)
	}
	s.timeline = NewTimeline(s.onChange)

	return s, nil
}

func (s *Session) Timeline() *Timeline {
	return s.timeline
}

func (s *Session) Profile() Profile {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.profile
}

// Register creates an account; it does not log in
func (s *Session) Register(ctx context.Context, req RegisterRequest) error {
	return s.call(ctx, http.MethodPost, "/api/register", req, nil)
}

// Login stores the session token and profile for later calls
func (s *Session) Login(ctx context.Context, username, password string) (Profile, error) {
	var resp struct {
		User      Profile `json:"user"`
		Token     string  `json:"token"`
		ExpiresAt string  `json:"expiresAt"`
	}
	err := s.call(ctx, http.MethodPost, "/api/login", map[string]string{
		"username": username,
		"password": password,
	}, &resp)
	if err != nil {
		return Profile{}, err
	}

	s.mu.Lock()
	s.token = resp.Token
	s.profile = resp.User
	s.mu.Unlock()

	return resp.User, nil
}

// Connect opens the realtime connection and starts reading events
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.token == "" {
		return ErrNotLoggedIn
	}
	if s.ws != nil {
		return nil
	}

	wsURL := *s.baseURL
	wsURL.Scheme = strings.Replace(wsURL.Scheme, "http", "ws", 1)
	wsURL.Path = strings.TrimSuffix(wsURL.Path, "/") + "/ws"

	ws, _, err := s.dialer.DialContext(ctx, wsURL.String(), http.Header{"Authorization": []string{"Bearer " + s.token}})
	if err != nil {
		return fmt.Errorf("s.dialer.DialContext: %w", err)
	}

	s.ws = ws
	s.done = make(chan struct{})
	go s.readLoop(ws, s.done)

	return nil
}

// SwitchChannel clears the view and joins key; the server answers with a history snapshot
func (s *Session) SwitchChannel(key chat.ChannelKey) error {
	s.timeline.Switch(key)
	return s.write(map[string]string{"type": chat.EventJoin, "channelKey": string(key)})
}

// History fetches the channel backlog over REST and merges it into the view
func (s *Session) History(ctx context.Context, limit int) ([]chat.MessagePayload, error) {
	key := s.timeline.Active()
	if key == "" {
		return nil, ErrNoChannel
	}

	path := "/api/messages/" + url.PathEscape(string(key))
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}

	var messages []chat.MessagePayload
	if err := s.call(ctx, http.MethodGet, path, nil, &messages); err != nil {
		return nil, err
	}
	s.timeline.ApplySnapshot(key, messages)

	return messages, nil
}

// Send posts text to the active channel. The message shows up in the view once the server broadcasts it.
func (s *Session) Send(text string) error {
	key := s.timeline.Active()
	if key == "" {
		return ErrNoChannel
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return errors.New("empty message")
	}

	p := s.Profile()
	return s.write(map[string]string{
		"type":        chat.EventChatMessage,
		"user":        p.Name,
		"avatarColor": p.Color,
		"text":        text,
		"channelKey":  string(key),
	})
}

// Logout revokes the token on the server and closes the connection
func (s *Session) Logout(ctx context.Context) error {
	err := s.call(ctx, http.MethodPost, "/api/logout", nil, nil)

	s.mu.Lock()
	s.token = ""
	s.profile = Profile{}
	s.mu.Unlock()

	if cerr := s.Close(); err == nil {
		err = cerr
	}
	return err
}

// Close closes the realtime connection and waits for the reader to stop
func (s *Session) Close() error {
	s.mu.Lock()
	ws, done := s.ws, s.done
	s.ws, s.done = nil, nil
	s.mu.Unlock()

	if ws == nil {
		return nil
	}

	s.writeMu.Lock()
	_ = ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	s.writeMu.Unlock()

	err := ws.Close()
	<-done
	return err
}

func (s *Session) write(v interface{}) error {
	s.mu.Lock()
	ws := s.ws
	s.mu.Unlock()

	if ws == nil {
		return ErrNotConnected
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := ws.SetWriteDeadline(time.Now().Add(10 * time.Second)); err != nil {
		return err
	}
	return ws.WriteJSON(v)
}

func (s *Session) readLoop(ws *websocket.Conn, done chan struct{}) {
	defer close(done)

	var p fastjson.Parser
	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) && !errors.Is(err, net.ErrClosed) {
				s.onError(fmt.Errorf("connection lost: %w", err))
			}
			return
		}
		s.handleEvent(&p, raw)
	}
}

func (s *Session) handleEvent(p *fastjson.Parser, raw []byte) {
	v, err := p.ParseBytes(raw)
	if err != nil {
		s.logger.Warnf("Malformed event from server: %v", err)
		return
	}

	switch string(v.GetStringBytes("type")) {
	case chat.EventHistory:
		var ev chat.HistoryEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			s.logger.Warnf("Decoding history event: %v", err)
			return
		}
		s.timeline.ApplySnapshot(chat.ChannelKey(ev.ChannelKey), ev.Messages)

	case chat.EventChatMessage:
		var ev chat.LiveEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			s.logger.Warnf("Decoding chat message: %v", err)
			return
		}
		s.timeline.AppendLive(ev.MessagePayload)

	case chat.EventError:
		s.onError(&ServerError{Message: string(v.GetStringBytes("error"))})
		if s.timeline.Active() != "" && !s.timeline.Synced() {
			// the join snapshot may have failed; fetch the backlog over REST instead
			go s.recoverSnapshot()
		}

	default:
		s.logger.Debugf("Ignoring event %q", v.GetStringBytes("type"))
	}
}

func (s *Session) recoverSnapshot() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := s.History(ctx, 0); err != nil {
		s.onError(fmt.Errorf("loading history: %w", err))
	}
}

// call performs a JSON request; body and out may be nil
func (s *Session) call(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(b)
	}

	target := strings.TrimSuffix(s.baseURL.String(), "/") + path

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	s.mu.Lock()
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}
	s.mu.Unlock()

	resp, err := s.http.Do(req)
	if err != nil {
		return fmt.Errorf("s.http.Do: %w", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := fastjson.GetString(payload, "error")
		if msg == "" {
			msg = strings.TrimSpace(string(payload))
		}
		return &APIError{StatusCode: resp.StatusCode, Message: msg}
	}

	if out != nil {
		if err := json.Unmarshal(payload, out); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
	}
	return nil
}
