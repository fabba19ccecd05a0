package telemetry

import "time"

// armTimerLocked 为会话布防静默定时器，取代之前的任何定时器。
// 防抖语义：只有最近一次布防的回调会生效。调用方必须持有rec.mu。
func (c *Collector) armTimerLocked(rec *SessionRecord) {
	if c.timeout <= 0 {
		return
	}

	if rec.timer != nil {
		rec.timer.Stop()
	}

	rec.timerGen++
	gen := rec.timerGen
	rec.timerDeadline = time.Now().Add(c.timeout)
	rec.timer = time.AfterFunc(c.timeout, func() {
		c.onTimeout(rec, gen)
	})
}

// onTimeout 静默定时器到点：标记timedOut和isClosed后走终结流程。
// Stop与回调存在固有竞争，这里在锁内比对代数，
// 被新批次取代的旧回调在这里直接退出，保证不会双触发。
func (c *Collector) onTimeout(rec *SessionRecord, gen uint64) {
	rec.mu.Lock()
	if gen != rec.timerGen || rec.analyzed {
		rec.mu.Unlock()
		return
	}

	rec.timedOut = true
	rec.isClosed = true
	rec.timer = nil
	rec.timerDeadline = time.Time{}
	rec.mu.Unlock()

	c.Finalize(rec)
}
