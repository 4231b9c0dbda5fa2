package gateway

import (
	"net/http"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"prism/internal/orchestrator"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = maxBodyBytes
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The gateway fronts first-party clients; origin policy lives upstream.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// streamError is pushed to the socket when a frame cannot be served.
type streamError struct {
	Status    string `json:"status"`
	Message   string `json:"message"`
	ErrorCode string `json:"error_code"`
}

// streamConn serializes writes; the ping loop and response writes share the
// underlying connection.
type streamConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *streamConn) writeJSON(body any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(body)
}

func (c *streamConn) ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.PingMessage, nil)
}

// handleChatStream upgrades to a websocket and serves one chat turn per
// inbound frame, writing the full orchestrator response back as one frame.
func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	sc := &streamConn{conn: conn}
	done := make(chan struct{})
	defer close(done)
	go s.pingLoop(sc, done)

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("websocket closed unexpectedly", zap.Error(err))
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))

		var req orchestrator.Request
		if err := json.Unmarshal(payload, &req); err != nil {
			s.writeFrame(sc, streamError{
				Status: "error", Message: "frame is not valid JSON", ErrorCode: "invalid_request",
			})
			continue
		}
		if req.Query == "" || req.UserID == "" {
			s.writeFrame(sc, streamError{
				Status: "error", Message: "message and user_id are required", ErrorCode: "invalid_request",
			})
			continue
		}

		resp := s.orch.Chat(r.Context(), req)
		if !s.writeFrame(sc, resp) {
			return
		}
	}
}

func (s *Server) writeFrame(sc *streamConn, body any) bool {
	if err := sc.writeJSON(body); err != nil {
		s.logger.Debug("websocket write failed", zap.Error(err))
		return false
	}
	return true
}

func (s *Server) pingLoop(sc *streamConn, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := sc.ping(); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}
