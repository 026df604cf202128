package bridge

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	json "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/casefill/api/schemas"
)

// FrameType tags a WebSocket frame.
type FrameType string

const (
	// Server to dashboard.
	FrameReady             FrameType = "ready"
	FrameExtensionResponse FrameType = "extension_response"
	FrameProgress          FrameType = "progress"
	FrameError             FrameType = "error"

	// Dashboard to server.
	FramePing        FrameType = "ping"
	FrameSendPayload FrameType = "send_payload"
)

// Frame is one WebSocket message in either direction.
type Frame struct {
	Type      FrameType       `json:"type"`
	RequestID string          `json:"requestId,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp string          `json:"timestamp"`
}

func newFrame(t FrameType, requestID string, data interface{}) (Frame, error) {
	f := Frame{Type: t, RequestID: requestID, Timestamp: time.Now().UTC().Format(time.RFC3339Nano)}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return Frame{}, err
		}
		f.Data = raw
	}
	return f, nil
}

const (
	pongWait        = 60 * time.Second
	maxMessageSize  = 1 << 20
	sendChannelSize = 64
)

type wsClient struct {
	server *Server
	tab    schemas.TabID
	conn   *websocket.Conn
	logger *zap.Logger

	send      chan Frame
	closeOnce sync.Once
	done      chan struct{}
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	tab := tabOf(r)
	if tab == "" {
		writeJSON(w, http.StatusBadRequest, ExtensionResponse{Error: "dashboard tab id is required", Code: CodeBadRequest})
		return
	}
	if _, err := s.port(tab); err != nil {
		s.writeError(w, err)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		s.logger.Warn("WebSocket upgrade failed.", zap.String("tab", string(tab)), zap.Error(err))
		return
	}

	c := &wsClient{
		server: s,
		tab:    tab,
		conn:   conn,
		logger: s.logger.With(zap.String("tab", string(tab))),
		send:   make(chan Frame, sendChannelSize),
		done:   make(chan struct{}),
	}
	s.register(c)
	defer s.unregister(c)

	if ready, err := newFrame(FrameReady, "", ReadyInfo{Ready: true, Build: s.cfg.Build}); err == nil {
		c.enqueue(ready)
	}

	go c.writePump()
	c.readPump()
}

func (s *Server) register(c *wsClient) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.clients[c.tab]
	if !ok {
		set = make(map[*wsClient]struct{})
		s.clients[c.tab] = set
	}
	set[c] = struct{}{}
	c.logger.Debug("Dashboard connected.")
}

func (s *Server) unregister(c *wsClient) {
	s.mu.Lock()
	if set, ok := s.clients[c.tab]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(s.clients, c.tab)
		}
	}
	s.mu.Unlock()
	c.close()
	c.logger.Debug("Dashboard disconnected.")
}

func (s *Server) closeClients() {
	s.mu.Lock()
	var all []*wsClient
	for _, set := range s.clients {
		for c := range set {
			all = append(all, c)
		}
	}
	s.mu.Unlock()
	for _, c := range all {
		c.close()
	}
}

// enqueue never blocks; a dashboard that stops reading loses frames.
func (c *wsClient) enqueue(f Frame) {
	select {
	case <-c.done:
	case c.send <- f:
	default:
		c.logger.Warn("Dashboard send buffer full, dropping frame.", zap.String("type", string(f.Type)))
	}
}

func (c *wsClient) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

func (c *wsClient) readPump() {
	defer c.close()

	c.conn.SetReadLimit(maxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.logger.Error("Failed to set initial read deadline", zap.Error(err))
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var in Frame
		if err := c.conn.ReadJSON(&in); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("WebSocket closed unexpectedly", zap.Error(err))
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		c.process(in)
	}
}

func (c *wsClient) writePump() {
	interval := c.server.cfg.PingInterval
	if interval <= 0 || interval >= pongWait {
		interval = (pongWait * 9) / 10
	}
	writeWait := c.server.cfg.WriteTimeout
	if writeWait <= 0 {
		writeWait = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case <-c.done:
			_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			return
		case f := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.conn.WriteJSON(f); err != nil {
				c.logger.Warn("Error writing frame to dashboard", zap.Error(err))
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

func (c *wsClient) process(in Frame) {
	switch in.Type {
	case FramePing:
		status, resp := http.StatusOK, ExtensionResponse{}
		if _, err := c.server.port(c.tab); err != nil {
			status, resp = statusFor(err)
		}
		if status != http.StatusOK {
			c.reply(FrameExtensionResponse, in.RequestID, resp)
			return
		}
		c.reply(FrameReady, in.RequestID, ReadyInfo{Ready: true, Build: c.server.cfg.Build})

	case FrameSendPayload:
		var payload schemas.AutofillPayload
		if len(in.Data) == 0 {
			c.reply(FrameExtensionResponse, in.RequestID, ExtensionResponse{Error: "send_payload requires data", Code: CodeBadRequest})
			return
		}
		if err := json.Unmarshal(in.Data, &payload); err != nil {
			c.reply(FrameExtensionResponse, in.RequestID, ExtensionResponse{Error: "invalid payload: " + err.Error(), Code: CodeBadRequest})
			return
		}
		// The handoff can open a tab; the read loop must keep answering pongs meanwhile.
		c.server.handoffs.Add(1)
		go func() {
			defer c.server.handoffs.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
			defer cancel()
			_, resp := c.server.handoff(ctx, c.tab, &payload)
			c.reply(FrameExtensionResponse, in.RequestID, resp)
		}()

	default:
		c.reply(FrameError, in.RequestID, ExtensionResponse{Error: "unknown frame type: " + string(in.Type), Code: CodeBadRequest})
	}
}

func (c *wsClient) reply(t FrameType, requestID string, data interface{}) {
	f, err := newFrame(t, requestID, data)
	if err != nil {
		c.logger.Error("Failed to encode frame", zap.Error(err))
		return
	}
	c.enqueue(f)
}
