package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"frutiger-messenger/internal/auth"
	"frutiger-messenger/internal/chat"

	"github.com/gorilla/websocket"
	"github.com/valyala/fastjson"
	"go.uber.org/zap"
)

type parsers struct {
	registerPool fastjson.ParserPool
	loginPool    fastjson.ParserPool
	eventPool    fastjson.ParserPool
}

type handler struct {
	logger   *zap.SugaredLogger
	auth     *auth.Service
	history  *chat.History
	hub      *chat.Hub
	upgrader websocket.Upgrader
	parsers  parsers
}

type userPayload struct {
	Name  string `json:"name"`
	Color string `json:"color,omitempty"`
	Theme string `json:"theme,omitempty"`
}

type loginResponse struct {
	Success   bool        `json:"success"`
	User      userPayload `json:"user"`
	Token     string      `json:"token"`
	ExpiresAt string      `json:"expiresAt"`
}

type errorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

var successPayload = []byte(`{"success":true}`)

// register handles HTTP requests on "/api/register" endpoint
func (h *handler) register(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)

	parser := h.parsers.registerPool.Get()
	defer h.parsers.registerPool.Put(parser)
	v, _ := parser.ParseBytes(body)

	if v.Type() != fastjson.TypeObject {
		writeError(w, http.StatusBadRequest, "Body must be a JSON object")
		return
	}

	var req auth.RegisterRequest
	for _, f := range []struct {
		name string
		dst  *string
	}{
		{"username", &req.Username},
		{"password", &req.Password},
		{"avatarColor", &req.AvatarColor},
		{"theme", &req.Theme},
	} {
		s, ok := optionalString(v, f.name)
		if !ok {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("Field %q must be a string", f.name))
			return
		}
		*f.dst = s
	}

	_, err := h.auth.Register(r.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrInvalidInput):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, auth.ErrUsernameTaken):
			writeError(w, http.StatusBadRequest, "User already exists")
		default:
			h.logger.Errorf("h.auth.Register: %v", err)
			writeError(w, http.StatusInternalServerError, http.StatusText(http.StatusInternalServerError))
		}
		return
	}

	h.write(w, http.StatusCreated, successPayload)
}

// login handles HTTP requests on "/api/login" endpoint
func (h *handler) login(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)

	parser := h.parsers.loginPool.Get()
	defer h.parsers.loginPool.Put(parser)
	v, _ := parser.ParseBytes(body)

	if v.Type() != fastjson.TypeObject {
		writeError(w, http.StatusBadRequest, "Body must be a JSON object")
		return
	}

	var creds [2]string
	for i, name := range []string{"username", "password"} {
		if !v.Exists(name) {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("Missing field %q", name))
			return
		}
		s, ok := optionalString(v, name)
		if !ok || s == "" {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("Field %q must be a string and have non-zero length", name))
			return
		}
		creds[i] = s
	}

	sess, err := h.auth.Login(r.Context(), creds[0], creds[1])
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrInvalidInput):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, auth.ErrInvalidCredentials):
			writeError(w, http.StatusUnauthorized, "Invalid username or password")
		default:
			h.logger.Errorf("h.auth.Login: %v", err)
			writeError(w, http.StatusInternalServerError, http.StatusText(http.StatusInternalServerError))
		}
		return
	}

	h.writeJSON(w, http.StatusOK, loginResponse{
		Success: true,
		User: userPayload{
			Name:  sess.Profile.Name,
			Color: sess.Profile.Color,
			Theme: sess.Profile.Theme,
		},
		Token:     sess.Token,
		ExpiresAt: sess.ExpiresAt.UTC().Format(time.RFC3339),
	})
}

// logout handles HTTP requests on "/api/logout" endpoint
func (h *handler) logout(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "Missing bearer token")
		return
	}

	if err := h.auth.Logout(r.Context(), token); err != nil {
		if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrTokenRevoked) {
			writeError(w, http.StatusUnauthorized, "Invalid token")
			return
		}
		h.logger.Errorf("h.auth.Logout: %v", err)
		writeError(w, http.StatusInternalServerError, http.StatusText(http.StatusInternalServerError))
		return
	}

	h.write(w, http.StatusOK, successPayload)
}

// messages handles HTTP requests on "/api/messages/{channelKey}" endpoint
func (h *handler) messages(w http.ResponseWriter, r *http.Request) {
	key, err := chat.ParseChannelKey(r.PathValue("channelKey"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Malformed channel key")
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit < 1 {
			writeError(w, http.StatusBadRequest, "Query parameter \"limit\" must be a positive integer")
			return
		}
	}

	messages, err := h.history.Load(r.Context(), key, limit)
	if err != nil {
		h.logger.Errorf("h.history.Load: %v", err)
		writeError(w, http.StatusInternalServerError, http.StatusText(http.StatusInternalServerError))
		return
	}

	h.writeJSON(w, http.StatusOK, chat.PayloadsOf(messages))
}

// health handles HTTP requests on "/api/health" endpoint
func (h *handler) health(w http.ResponseWriter, _ *http.Request) {
	h.write(w, http.StatusOK, []byte(`{"status":"ok","message":"Frutiger Messenger server is running"}`))
}

func (h *handler) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	payload, err := json.Marshal(v)
	if err != nil {
		h.logger.Errorf("json.Marshal: %v", err)
		writeError(w, http.StatusInternalServerError, http.StatusText(http.StatusInternalServerError))
		return
	}
	h.write(w, status, payload)
}

func (h *handler) write(w http.ResponseWriter, status int, payload []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(payload); err != nil {
		h.logger.Errorf("writing marshaled data to ResponseWriter: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	payload, _ := json.Marshal(errorResponse{Success: false, Error: msg})
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	_, _ = w.Write(payload)
}

// optionalString returns "" for missing or null fields and false for non-string values
func optionalString(v *fastjson.Value, name string) (string, bool) {
	field := v.Get(name)
	if field == nil || field.Type() == fastjson.TypeNull {
		return "", true
	}
	b, err := field.StringBytes()
	if err != nil {
		return "", false
	}
	return string(b), true
}
