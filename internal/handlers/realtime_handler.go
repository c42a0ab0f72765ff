package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"intoview/internal/broadcast"
	"intoview/internal/lifecycle"
	"intoview/internal/repositories"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = pongWait * 9 / 10
	maxFrameSize = 64 << 10
)

type Subscriber interface {
	Subscribe(ctx context.Context, channels ...string) (<-chan broadcast.Message, error)
}

type TerminalControl interface {
	SendInput(ctx context.Context, sessionID, data string) error
	Resize(ctx context.Context, sessionID string, cols, rows int) error
}

// terminalFrame is what the browser terminal sends: keystrokes or a new geometry.
type terminalFrame struct {
	Type string `json:"type"` // "input" | "resize"
	Data string `json:"data,omitempty"`
	Cols int    `json:"cols,omitempty"`
	Rows int    `json:"rows,omitempty"`
}

type RealtimeHandler struct {
	subscriber Subscriber
	sessions   SessionGetter
	terminal   TerminalControl
	upgrader   websocket.Upgrader
	logger     *zap.Logger
}

func NewRealtimeHandler(subscriber Subscriber, sessions SessionGetter, terminal TerminalControl, allowedOrigins []string, logger *zap.Logger) *RealtimeHandler {
	return &RealtimeHandler{
		subscriber: subscriber,
		sessions:   sessions,
		terminal:   terminal,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     checkOrigin(allowedOrigins),
		},
		logger: logger,
	}
}

func checkOrigin(allowed []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || len(allowed) == 0 || slices.Contains(allowed, "*") {
			return true
		}
		return slices.Contains(allowed, origin)
	}
}

// SessionStreamHandler relays every event and insight of a session to a dashboard.
func (h *RealtimeHandler) SessionStreamHandler(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := h.requireSession(w, r)
	if !ok {
		return
	}
	h.stream(w, r, sessionID, nil,
		broadcast.EventsChannel(sessionID),
		broadcast.InsightsChannel(sessionID))
}

// TerminalStreamHandler relays PTY output for a session and forwards the browser's input
// and resize frames to the sandbox terminal.
func (h *RealtimeHandler) TerminalStreamHandler(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := h.requireSession(w, r)
	if !ok {
		return
	}
	h.stream(w, r, sessionID, h.terminalInput(sessionID), broadcast.TerminalChannel(sessionID))
}

func (h *RealtimeHandler) requireSession(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := chi.URLParam(r, "id")
	_, err := h.sessions.Get(r.Context(), id)
	if errors.Is(err, repositories.ErrNotFound) {
		writeError(w, h.logger, lifecycle.ErrSessionNotFound)
		return "", false
	}
	if err != nil {
		writeError(w, h.logger, err, zap.String("session_id", id))
		return "", false
	}
	return id, true
}

// stream subscribes before upgrading so a broker failure is still an HTTP error. The
// connection is written only by this goroutine; onFrame runs on the reader.
func (h *RealtimeHandler) stream(w http.ResponseWriter, r *http.Request, sessionID string, onFrame func(context.Context, terminalFrame), channels ...string) {
	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()

	messages, err := h.subscriber.Subscribe(ctx, channels...)
	if err != nil {
		h.logger.Error("Realtime subscribe failed", zap.String("session_id", sessionID), zap.Error(err))
		writeError(w, h.logger, err)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("Websocket upgrade failed", zap.String("session_id", sessionID), zap.Error(err))
		return
	}
	defer conn.Close()

	logger := h.logger.With(zap.String("session_id", sessionID), zap.Strings("channels", channels))
	logger.Debug("Realtime stream opened")

	go h.readLoop(ctx, cancel, conn, onFrame)

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			h.closeQuietly(conn)
			logger.Debug("Realtime stream closed")
			return
		case msg, ok := <-messages:
			if !ok {
				h.closeQuietly(conn)
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(msg); err != nil {
				logger.Debug("Realtime write failed", zap.Error(err))
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readLoop owns the read side. It keeps the pong deadline fresh and cancels the stream
// when the peer goes away. Frames that are not JSON are dropped.
func (h *RealtimeHandler) readLoop(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, onFrame func(context.Context, terminalFrame)) {
	defer cancel()
	conn.SetReadLimit(maxFrameSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var frame terminalFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			continue
		}
		if onFrame != nil {
			onFrame(ctx, frame)
		}
	}
}

func (h *RealtimeHandler) terminalInput(sessionID string) func(context.Context, terminalFrame) {
	return func(ctx context.Context, frame terminalFrame) {
		var err error
		switch frame.Type {
		case "input":
			if frame.Data == "" {
				return
			}
			err = h.terminal.SendInput(ctx, sessionID, frame.Data)
		case "resize":
			if frame.Cols <= 0 || frame.Rows <= 0 {
				return
			}
			err = h.terminal.Resize(ctx, sessionID, frame.Cols, frame.Rows)
		default:
			return
		}
		if err != nil {
			h.logger.Warn("Terminal frame not delivered",
				zap.String("session_id", sessionID),
				zap.String("type", frame.Type),
				zap.Error(err))
		}
	}
}

func (h *RealtimeHandler) closeQuietly(conn *websocket.Conn) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
}
