package telemetry

import (
	"log"
	"time"
)

// AnalysisRequest 一次外部分析的入参
type AnalysisRequest struct {
	SessionID    string
	SnapshotPath string // 合并日志快照的路径
	Folder       string // 传给分析器的会话目录参数，形如 <sessionID>/<folder>
	Final        bool   // 终局分析：解析结果需要持久化到最终结果路径
}

// Invoker 外部分析进程的触发入口。
// 实现方负责按会话串行化：同一会话同时只允许一个分析进程在跑。
type Invoker interface {
	Trigger(req AnalysisRequest)
}

// SnapshotWriter 合并日志快照的落盘接口。
// startTimeRaw为空或解析失败时，实现方以当前时间推导目录名。
type SnapshotWriter interface {
	WriteSnapshot(sessionID, startTimeRaw string, entries []Entry) (path string, folder string, err error)
}

// Collector 会话聚合与终结引擎。
// 串起Store、防抖定时器、终结状态机和分析触发，
// 是整个服务里唯一有状态、有时序、有失败语义的部分。
type Collector struct {
	store     *Store
	snapshots SnapshotWriter
	invoker   Invoker
	timeout   time.Duration // 会话静默多久后强制终结
}

// NewCollector 创建聚合引擎
func NewCollector(store *Store, snapshots SnapshotWriter, invoker Invoker, timeout time.Duration) *Collector {
	return &Collector{
		store:     store,
		snapshots: snapshots,
		invoker:   invoker,
		timeout:   timeout,
	}
}

// Store 底层会话表
func (c *Collector) Store() *Store {
	return c.store
}

// Ingest 解析并合并一个原始JSON批次，返回接受的条目数。
// 校验失败返回ErrInvalidBatch，此时不创建也不改动任何会话。
func (c *Collector) Ingest(sessionID string, payload []byte) (int, error) {
	batch, err := ParseBatch(payload)
	if err != nil {
		return 0, err
	}
	c.IngestBatch(sessionID, batch)
	return len(batch), nil
}

// IngestBatch 把已校验的批次作为单个原子步骤合入会话：
// 追加日志、提取元数据、刷新活跃时间、重布防抖定时器，
// 然后无条件触发一次非终局分析；若本批次首次满足关闭条件，
// 立即触发终结而不等待定时器。
func (c *Collector) IngestBatch(sessionID string, batch []Entry) {
	rec := c.store.GetOrCreate(sessionID)

	rec.mu.Lock()

	rec.logs = append(rec.logs, batch...)

	closedByBatch := false
	for i := range batch {
		entry := &batch[i]

		if rec.earliestStatsStartTime == "" {
			if st := entry.StatsStartTime(); st != "" {
				rec.earliestStatsStartTime = st
			}
		}

		if entry.IsClosingState() && !rec.isClosed {
			rec.isClosed = true
			closedByBatch = true
		}
	}

	rec.lastActivity = time.Now()
	c.armTimerLocked(rec)

	startTimeRaw := rec.earliestStatsStartTime
	entries := rec.copyLogsLocked()

	rec.mu.Unlock()

	c.triggerAnalysis(rec.id, startTimeRaw, entries, false)

	if closedByBatch {
		c.Finalize(rec)
	}
}

// triggerAnalysis 重写合并快照后请求一次分析。
// 快照写失败只影响本次触发，不污染内存状态。
func (c *Collector) triggerAnalysis(sessionID, startTimeRaw string, entries []Entry, final bool) {
	path, folder, err := c.snapshots.WriteSnapshot(sessionID, startTimeRaw, entries)
	if err != nil {
		log.Printf("[collector] 会话 %s 快照写入失败: %v", sessionID, err)
		return
	}

	c.invoker.Trigger(AnalysisRequest{
		SessionID:    sessionID,
		SnapshotPath: path,
		Folder:       sessionID + "/" + folder,
		Final:        final,
	})
}
