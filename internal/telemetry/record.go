package telemetry

import (
	"sync"
	"time"
)

// SessionRecord 单个会话的聚合状态，由Store独占创建和持有。
// 所有字段变更都在mu保护下进行：
//   - logs 只追加，到达顺序即存储顺序，不重排不裁剪
//   - isClosed/timedOut/analyzed 单调地从false翻转到true
//   - earliestStatsStartTime 首写生效，之后不再覆盖
type SessionRecord struct {
	mu sync.Mutex

	id                     string
	logs                   []Entry
	isClosed               bool
	timedOut               bool
	analyzed               bool
	earliestStatsStartTime string
	lastActivity           time.Time

	// 防抖定时器。timerGen在每次重新布防时递增，
	// 已被取代的回调在锁内发现代数不匹配后直接放弃。
	timer         *time.Timer
	timerGen      uint64
	timerDeadline time.Time
}

// ID 会话标识
func (r *SessionRecord) ID() string {
	return r.id
}

// Snapshot 会话状态的只读切面
type Snapshot struct {
	ID                     string
	LogCount               int
	IsClosed               bool
	TimedOut               bool
	Analyzed               bool
	EarliestStatsStartTime string
	LastActivity           time.Time
	TimerDeadline          time.Time // 零值表示当前没有布防的定时器
}

// Snapshot 在锁内拷贝当前状态
func (r *SessionRecord) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	return Snapshot{
		ID:                     r.id,
		LogCount:               len(r.logs),
		IsClosed:               r.isClosed,
		TimedOut:               r.timedOut,
		Analyzed:               r.analyzed,
		EarliestStatsStartTime: r.earliestStatsStartTime,
		LastActivity:           r.lastActivity,
		TimerDeadline:          r.timerDeadline,
	}
}

// Logs 返回日志序列的拷贝
func (r *SessionRecord) Logs() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]Entry(nil), r.logs...)
}

// copyLogsLocked 调用方必须持有r.mu
func (r *SessionRecord) copyLogsLocked() []Entry {
	return append([]Entry(nil), r.logs...)
}
