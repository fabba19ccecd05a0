package telemetry

import "time"

// SessionStatus 运维可见的单会话状态
type SessionStatus struct {
	SessionID            string  `json:"session_id"`
	LogCount             int     `json:"log_count"`
	SecondsSinceActivity float64 `json:"seconds_since_activity"`
	SecondsUntilTimeout  float64 `json:"seconds_until_timeout"` // -1 表示当前没有布防的定时器
	IsClosed             bool    `json:"is_closed"`
}

// Status 对会话表的只读派生视图：列出所有尚未完成分析的会话。
// 每个会话只做一次快照读，不产生任何状态变更。
func (c *Collector) Status() []SessionStatus {
	now := time.Now()
	statuses := make([]SessionStatus, 0)

	c.store.Range(func(rec *SessionRecord) bool {
		snap := rec.Snapshot()
		if snap.Analyzed {
			return true
		}

		status := SessionStatus{
			SessionID:            snap.ID,
			LogCount:             snap.LogCount,
			SecondsSinceActivity: now.Sub(snap.LastActivity).Seconds(),
			SecondsUntilTimeout:  -1,
			IsClosed:             snap.IsClosed,
		}
		if !snap.TimerDeadline.IsZero() {
			remaining := snap.TimerDeadline.Sub(now).Seconds()
			if remaining < 0 {
				remaining = 0
			}
			status.SecondsUntilTimeout = remaining
		}

		statuses = append(statuses, status)
		return true
	})

	return statuses
}
