package telemetry

import "time"

// Finalize 终结状态机的唯一入口：OPEN → CLOSING → ANALYZED。
// analyzed标志是幂等闸门，只有第一个观察到false的调用方继续，
// 并在做任何后续动作前先置true；其余并发调用方全部空转。
// 进入ANALYZED后：持久化完整日志快照，并以终局模式请求分析，
// 解析结果将写入该会话的最终结果路径。
func (c *Collector) Finalize(rec *SessionRecord) {
	rec.mu.Lock()
	if rec.analyzed {
		rec.mu.Unlock()
		return
	}
	rec.analyzed = true
	rec.isClosed = true

	// 终结之后静默定时器不再有意义
	if rec.timer != nil {
		rec.timer.Stop()
		rec.timer = nil
	}
	rec.timerDeadline = time.Time{}
	rec.timerGen++

	startTimeRaw := rec.earliestStatsStartTime
	entries := rec.copyLogsLocked()
	rec.mu.Unlock()

	c.triggerAnalysis(rec.id, startTimeRaw, entries, true)
}
