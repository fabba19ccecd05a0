package analyzer

import (
	"bytes"
	"context"
	"encoding/json"
	"log"
	"os/exec"
	"sync"
	"time"

	"WebRTCTelemetryCollector/internal/telemetry"
)

// FinalSink 终局分析结果的持久化出口
type FinalSink interface {
	WriteFinalResult(sessionID string, result []byte) error
}

// Archiver 可选的终局结果归档出口（比如Postgres）
type Archiver interface {
	SaveFinalResult(ctx context.Context, sessionID string, summary []byte) error
}

// Summary 参考分析器stdout输出的已知字段
type Summary struct {
	CSVAppendedRows int    `json:"csv_appended_rows"`
	TotalSamples    int    `json:"total_samples"`
	CSVFile         string `json:"csv_file"`
	SummaryFile     string `json:"summary_file"`
	Error           string `json:"error,omitempty"`
}

// slot 单个会话的分析进程占位。
// 同一会话同时只允许一个分析进程，运行期间到达的新请求
// 只记一次"需要重跑"，等当前进程退出后用最新参数补跑一次。
type slot struct {
	running bool
	rerun   bool
	pending telemetry.AnalysisRequest
}

// Runner 外部分析器的进程级调用方。
// 以独立进程运行分析脚本，stdout与stderr分开捕获，
// 只通过标准流和退出码交互，不共享任何内存。
type Runner struct {
	pythonBin string
	script    string
	sink      FinalSink
	archive   Archiver // 可为nil

	mu    sync.Mutex
	slots map[string]*slot
	wg    sync.WaitGroup
}

// NewRunner 创建分析器调用方
func NewRunner(pythonBin, script string, sink FinalSink, archive Archiver) *Runner {
	return &Runner{
		pythonBin: pythonBin,
		script:    script,
		sink:      sink,
		archive:   archive,
		slots:     make(map[string]*slot),
	}
}

// Trigger 请求一次分析。同会话已有进程在跑时合并为一次补跑，
// 终局标志在合并中保持：只要有一方是终局，补跑就是终局。
func (r *Runner) Trigger(req telemetry.AnalysisRequest) {
	r.mu.Lock()
	s, ok := r.slots[req.SessionID]
	if !ok {
		s = &slot{}
		r.slots[req.SessionID] = s
	}

	if s.running {
		final := req.Final || (s.rerun && s.pending.Final)
		s.pending = req
		s.pending.Final = final
		s.rerun = true
		r.mu.Unlock()
		return
	}

	s.running = true
	r.mu.Unlock()

	r.wg.Add(1)
	go r.runLoop(req)
}

// Wait 等待所有在途分析进程退出，用于优雅停机和测试收尾
func (r *Runner) Wait() {
	r.wg.Wait()
}

// ActiveSlots 当前持有分析占位的会话数
func (r *Runner) ActiveSlots() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.slots)
}

// runLoop 执行一次分析，若期间有合并的补跑请求则继续执行
func (r *Runner) runLoop(req telemetry.AnalysisRequest) {
	defer r.wg.Done()

	for {
		r.runOnce(req)

		r.mu.Lock()
		s := r.slots[req.SessionID]
		if s.rerun {
			req = s.pending
			s.rerun = false
			r.mu.Unlock()
			continue
		}
		// 跑完即释放占位，槽表不随历史会话数增长
		delete(r.slots, req.SessionID)
		r.mu.Unlock()
		return
	}
}

// runOnce 跑一次分析进程并处理输出。
// 所有失败都只记日志：非零退出码不回滚analyzed，不自动重试，
// 下一个批次会自然地对累计日志的超集重新触发分析。
func (r *Runner) runOnce(req telemetry.AnalysisRequest) {
	start := time.Now()

	cmd := exec.Command(r.pythonBin, r.script, req.SnapshotPath, req.Folder)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err != nil {
		log.Printf("[analyzer] 会话 %s 分析进程异常退出: %v, stderr: %s",
			req.SessionID, err, truncate(stderr.String(), 512))
		// 继续尝试解析stdout：脚本出错时也会输出一个错误JSON对象
	}

	obj, ok := ExtractJSONObject(stdout.Bytes())
	if !ok {
		log.Printf("[analyzer] 会话 %s stdout中没有可解析的JSON对象, 原始输出: %s",
			req.SessionID, truncate(stdout.String(), 512))
		return
	}

	var summary Summary
	if uerr := json.Unmarshal(obj, &summary); uerr != nil {
		log.Printf("[analyzer] 会话 %s 分析结果解析失败: %v, 原始输出: %s",
			req.SessionID, uerr, truncate(stdout.String(), 512))
		return
	}

	if summary.Error != "" {
		log.Printf("[analyzer] 会话 %s 分析器报告错误: %s", req.SessionID, summary.Error)
	}

	log.Printf("[analyzer] 会话 %s 分析完成(final=%v): 新增 %d 行, 共 %d 个样本, 耗时 %v",
		req.SessionID, req.Final, summary.CSVAppendedRows, summary.TotalSamples, time.Since(start))

	// 采用的策略：只有终局结果是权威的，非终局跑只作参考
	if !req.Final {
		return
	}

	if werr := r.sink.WriteFinalResult(req.SessionID, obj); werr != nil {
		log.Printf("[analyzer] 会话 %s 最终结果写入失败: %v", req.SessionID, werr)
		return
	}

	if r.archive != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if aerr := r.archive.SaveFinalResult(ctx, req.SessionID, obj); aerr != nil {
			log.Printf("[analyzer] 会话 %s 结果归档失败: %v", req.SessionID, aerr)
		}
	}
}

// ExtractJSONObject 在捕获的stdout里定位唯一的JSON对象：
// 取第一个'{'到最后一个'}'之间的子串，再做一次语法校验。
// 分析器约定stdout恰好输出一个平衡的JSON对象，其余内容忽略。
func ExtractJSONObject(out []byte) ([]byte, bool) {
	first := bytes.IndexByte(out, '{')
	last := bytes.LastIndexByte(out, '}')
	if first < 0 || last < first {
		return nil, false
	}

	obj := out[first : last+1]
	if !json.Valid(obj) {
		return nil, false
	}
	return obj, true
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
