package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"WebRTCTelemetryCollector/internal/config"
	"WebRTCTelemetryCollector/internal/telemetry"
)

// SessionIDHeader 权威的会话id来源。
// 缺失时回退到首条日志的sessionId字段，再退到unknown-session。
const SessionIDHeader = "X-Session-Id"

const fallbackSessionID = "unknown-session"

// Server 遥测采集HTTP服务器
type Server struct {
	router    *mux.Router
	server    *http.Server
	collector *telemetry.Collector

	wsReadLimit int64

	// 统计信息
	requestCount int64
	errorCount   int64
	responseTime []time.Duration
	startTime    time.Time
	mu           sync.RWMutex
}

// APIResponse API响应结构
type APIResponse struct {
	Success   bool        `json:"success"`
	Data      interface{} `json:"data,omitempty"`
	Message   string      `json:"message,omitempty"`
	Code      string      `json:"code,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

// IngestResult 批次接收结果
type IngestResult struct {
	SessionID string `json:"session_id"`
	Accepted  int    `json:"accepted"`
}

// StatusReport 状态查询响应
type StatusReport struct {
	Timestamp      time.Time                 `json:"timestamp"`
	ActiveSessions int                       `json:"active_sessions"`
	Sessions       []telemetry.SessionStatus `json:"sessions"`
}

// NewServer 创建采集服务器
func NewServer(cfg config.ServerConfig, collector *telemetry.Collector) *Server {
	s := &Server{
		router:      mux.NewRouter(),
		collector:   collector,
		wsReadLimit: cfg.WSReadLimit,
		startTime:   time.Now(),
	}

	s.setupRoutes()

	// 设置CORS：遥测来自浏览器端，必须放开跨域
	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	})

	s.server = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      c.Handler(s.router),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	return s
}

// setupRoutes 设置路由
func (s *Server) setupRoutes() {
	s.router.Use(s.loggingMiddleware)
	s.router.Use(s.metricsMiddleware)

	api := s.router.PathPrefix("/api/v1").Subrouter()

	// 遥测接收
	api.HandleFunc("/logs", s.ingestHandler).Methods("POST")

	// 运维可见性
	api.HandleFunc("/status", s.statusHandler).Methods("GET")
	api.HandleFunc("/health", s.healthHandler).Methods("GET")
	api.HandleFunc("/metrics", s.metricsHandler).Methods("GET")

	// WebSocket接收通道
	s.router.HandleFunc("/ws/logs", s.wsLogsHandler)
}

// Handler 暴露底层Handler，便于测试
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// 中间件
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		duration := time.Since(start)
		log.Printf("%s %s %s %v", r.Method, r.RequestURI, r.RemoteAddr, duration)
	})
}

func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		duration := time.Since(start)

		s.mu.Lock()
		s.requestCount++
		s.responseTime = append(s.responseTime, duration)
		// 保持最近1000个请求的响应时间
		if len(s.responseTime) > 1000 {
			s.responseTime = s.responseTime[1:]
		}
		s.mu.Unlock()
	})
}

// ingestHandler 接收一个日志批次。
// 校验通过立即应答，不等待分析进程；校验失败时不创建不改动任何会话。
func (s *Server) ingestHandler(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, "invalid_request", "Failed to read request body")
		return
	}

	batch, err := telemetry.ParseBatch(payload)
	if err != nil {
		if errors.Is(err, telemetry.ErrInvalidBatch) {
			s.writeErrorResponse(w, http.StatusBadRequest, "invalid_batch", err.Error())
			return
		}
		s.writeErrorResponse(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	sessionID := ResolveSessionID(r.Header.Get(SessionIDHeader), batch)
	s.collector.IngestBatch(sessionID, batch)

	s.writeSuccessResponse(w, IngestResult{
		SessionID: sessionID,
		Accepted:  len(batch),
	})
}

// statusHandler 返回所有未完成分析会话的状态快照
func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	sessions := s.collector.Status()
	s.writeSuccessResponse(w, StatusReport{
		Timestamp:      time.Now(),
		ActiveSessions: len(sessions),
		Sessions:       sessions,
	})
}

// healthHandler 健康检查
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	s.writeSuccessResponse(w, map[string]interface{}{
		"status":    "healthy",
		"uptime":    time.Since(s.startTime).Seconds(),
		"timestamp": time.Now().UnixMilli(),
	})
}

// metricsHandler 返回服务器自身的请求指标
func (s *Server) metricsHandler(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var avgResponseTime float64
	if len(s.responseTime) > 0 {
		var total time.Duration
		for _, rt := range s.responseTime {
			total += rt
		}
		avgResponseTime = float64(total.Nanoseconds()) / float64(len(s.responseTime)) / 1e6 // ms
	}

	s.writeSuccessResponse(w, map[string]interface{}{
		"uptime_seconds":       time.Since(s.startTime).Seconds(),
		"total_requests":       s.requestCount,
		"error_count":          s.errorCount,
		"avg_response_time_ms": avgResponseTime,
		"tracked_sessions":     s.collector.Store().Len(),
	})
}

// ResolveSessionID 确定批次归属的会话id：
// header优先，其次首条日志的sessionId字段，最后unknown-session
func ResolveSessionID(header string, batch []telemetry.Entry) string {
	if header != "" {
		return header
	}
	if len(batch) > 0 && batch[0].SessionID != "" {
		return batch[0].SessionID
	}
	return fallbackSessionID
}

// 辅助方法
func (s *Server) writeSuccessResponse(w http.ResponseWriter, data interface{}) {
	response := APIResponse{
		Success:   true,
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
	}
	s.writeJSONResponse(w, http.StatusOK, response)
}

func (s *Server) writeErrorResponse(w http.ResponseWriter, statusCode int, code, message string) {
	s.mu.Lock()
	s.errorCount++
	s.mu.Unlock()

	response := APIResponse{
		Success:   false,
		Message:   message,
		Code:      code,
		Timestamp: time.Now().UnixMilli(),
	}
	s.writeJSONResponse(w, statusCode, response)
}

func (s *Server) writeJSONResponse(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

// Start 启动服务器
func (s *Server) Start() error {
	log.Printf("Starting telemetry collector on %s", s.server.Addr)
	return s.server.ListenAndServe()
}

// Shutdown 优雅停机
func (s *Server) Shutdown(ctx context.Context) error {
	log.Printf("Stopping telemetry collector")
	return s.server.Shutdown(ctx)
}
