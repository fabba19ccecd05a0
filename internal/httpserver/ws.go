package httpserver

import (
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"WebRTCTelemetryCollector/internal/telemetry"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// 遥测来自任意页面源
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsAck 每个批次的确认帧
type wsAck struct {
	Success   bool   `json:"success"`
	SessionID string `json:"session_id,omitempty"`
	Accepted  int    `json:"accepted,omitempty"`
	Code      string `json:"code,omitempty"`
	Message   string `json:"message,omitempty"`
}

// wsLogsHandler WebSocket接收通道：每条文本消息是一个日志批次，
// 语义与POST /api/v1/logs完全一致。批次归属的会话id优先取
// 升级请求的X-Session-Id头，其次逐批按首条日志回退。
func (s *Server) wsLogsHandler(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[ws] 升级失败: %v", err)
		return
	}
	defer conn.Close()

	if s.wsReadLimit > 0 {
		conn.SetReadLimit(s.wsReadLimit)
	}

	headerSessionID := r.Header.Get(SessionIDHeader)

	for {
		msgType, payload, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("[ws] 连接读取结束: %v", err)
			}
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}

		ack := s.handleWSBatch(headerSessionID, payload)

		conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := conn.WriteJSON(ack); err != nil {
			log.Printf("[ws] 确认帧写入失败: %v", err)
			return
		}
	}
}

// handleWSBatch 校验并合入一个WS批次
func (s *Server) handleWSBatch(headerSessionID string, payload []byte) wsAck {
	batch, err := telemetry.ParseBatch(payload)
	if err != nil {
		code := "invalid_request"
		if errors.Is(err, telemetry.ErrInvalidBatch) {
			code = "invalid_batch"
		}
		return wsAck{Success: false, Code: code, Message: err.Error()}
	}

	sessionID := ResolveSessionID(headerSessionID, batch)
	s.collector.IngestBatch(sessionID, batch)

	return wsAck{Success: true, SessionID: sessionID, Accepted: len(batch)}
}
