package analyzer_test

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"WebRTCTelemetryCollector/internal/analyzer"
	"WebRTCTelemetryCollector/internal/telemetry"
)

// fakeSink 记录终局结果写入
type fakeSink struct {
	mu      sync.Mutex
	results map[string][]byte
}

func newFakeSink() *fakeSink {
	return &fakeSink{results: make(map[string][]byte)}
}

func (f *fakeSink) WriteFinalResult(sessionID string, result []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results[sessionID] = append([]byte(nil), result...)
	return nil
}

func (f *fakeSink) Result(sessionID string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.results[sessionID]
	return r, ok
}

// writeScript 生成测试用的分析脚本（以sh模拟）
func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake_analyzer.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

// TestExtractJSONObject stdout中JSON对象的定位规则：
// 第一个'{'到最后一个'}'，再做语法校验
func TestExtractJSONObject(t *testing.T) {
	cases := []struct {
		name  string
		input string
		want  string
		ok    bool
	}{
		{"纯对象", `{"a":1}`, `{"a":1}`, true},
		{"前后噪声", "diag line\n{\"a\":1}\ntrailing", `{"a":1}`, true},
		{"嵌套对象", `x {"a":{"b":2}} y`, `{"a":{"b":2}}`, true},
		{"没有大括号", "no json here", "", false},
		{"只有右括号", "}", "", false},
		{"括号区间不是JSON", `diag { not json } end`, "", false},
		{"空输出", "", "", false},
	}

	for _, tc := range cases {
		obj, ok := analyzer.ExtractJSONObject([]byte(tc.input))
		assert.Equal(t, tc.ok, ok, tc.name)
		if tc.ok {
			assert.Equal(t, tc.want, string(obj), tc.name)
		}
	}
}

// TestRunnerPersistsFinalResult 终局跑的解析结果写入最终结果出口
func TestRunnerPersistsFinalResult(t *testing.T) {
	script := writeScript(t,
		`echo "using paths..." 1>&2
echo '{"csv_appended_rows":3,"total_samples":42,"csv_file":"a.csv","summary_file":"b.json"}'`)

	sink := newFakeSink()
	runner := analyzer.NewRunner("/bin/sh", script, sink, nil)

	runner.Trigger(telemetry.AnalysisRequest{
		SessionID:    "final-1",
		SnapshotPath: "/tmp/none.json",
		Folder:       "final-1/2025-03-01_09-30-00",
		Final:        true,
	})
	runner.Wait()

	result, ok := sink.Result("final-1")
	require.True(t, ok, "终局结果应该已持久化")
	assert.JSONEq(t,
		`{"csv_appended_rows":3,"total_samples":42,"csv_file":"a.csv","summary_file":"b.json"}`,
		string(result))
}

// TestRunnerNonFinalNotPersisted 非终局跑只作参考，不写最终结果
func TestRunnerNonFinalNotPersisted(t *testing.T) {
	script := writeScript(t, `echo '{"csv_appended_rows":1,"total_samples":1}'`)

	sink := newFakeSink()
	runner := analyzer.NewRunner("/bin/sh", script, sink, nil)

	runner.Trigger(telemetry.AnalysisRequest{SessionID: "nf-1", SnapshotPath: "x", Folder: "nf-1/f"})
	runner.Wait()

	_, ok := sink.Result("nf-1")
	assert.False(t, ok)
}

// TestRunnerCoalescesConcurrentTriggers 同会话运行期间的触发合并成一次补跑，
// 终局标志在合并中保留
func TestRunnerCoalescesConcurrentTriggers(t *testing.T) {
	counter := filepath.Join(t.TempDir(), "runs")
	script := writeScript(t,
		`echo run >> `+counter+`
sleep 0.3
echo '{"csv_appended_rows":0,"total_samples":0}'`)

	sink := newFakeSink()
	runner := analyzer.NewRunner("/bin/sh", script, sink, nil)

	req := telemetry.AnalysisRequest{SessionID: "co-1", SnapshotPath: "x", Folder: "co-1/f"}
	runner.Trigger(req)

	// 首个进程运行期间连续触发，其中一个是终局
	time.Sleep(50 * time.Millisecond)
	runner.Trigger(req)
	finalReq := req
	finalReq.Final = true
	runner.Trigger(finalReq)
	runner.Trigger(req)

	runner.Wait()

	data, err := os.ReadFile(counter)
	require.NoError(t, err)
	runs := 0
	for _, b := range data {
		if b == '\n' {
			runs++
		}
	}
	assert.Equal(t, 2, runs, "首跑之外只允许一次合并补跑")

	_, ok := sink.Result("co-1")
	assert.True(t, ok, "合并的补跑应保留终局标志")
}

// TestRunnerReleasesSlotsAfterRun 分析跑完后释放会话占位，
// 槽表不随历史会话数增长
func TestRunnerReleasesSlotsAfterRun(t *testing.T) {
	script := writeScript(t, `echo '{"csv_appended_rows":0,"total_samples":0}'`)

	sink := newFakeSink()
	runner := analyzer.NewRunner("/bin/sh", script, sink, nil)

	for i := 0; i < 5; i++ {
		runner.Trigger(telemetry.AnalysisRequest{
			SessionID:    fmt.Sprintf("slot-%d", i),
			SnapshotPath: "x",
			Folder:       fmt.Sprintf("slot-%d/f", i),
		})
	}
	runner.Wait()
	assert.Equal(t, 0, runner.ActiveSlots())

	// 释放后的会话可以再次触发
	runner.Trigger(telemetry.AnalysisRequest{SessionID: "again", SnapshotPath: "x", Folder: "again/f", Final: true})
	runner.Wait()
	assert.Equal(t, 0, runner.ActiveSlots())
	_, ok := sink.Result("again")
	assert.True(t, ok)
}

// failingSink 模拟最终结果写入失败
type failingSink struct {
	mu    sync.Mutex
	calls int
}

func (f *failingSink) WriteFinalResult(sessionID string, result []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return os.ErrPermission
}

func (f *failingSink) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// TestRunnerFinalSinkFailureNonFatal 最终结果写入失败只记日志，
// 进程占位照常释放，后续触发不受影响
func TestRunnerFinalSinkFailureNonFatal(t *testing.T) {
	script := writeScript(t, `echo '{"csv_appended_rows":1,"total_samples":1}'`)

	sink := &failingSink{}
	runner := analyzer.NewRunner("/bin/sh", script, sink, nil)

	req := telemetry.AnalysisRequest{SessionID: "sink-1", SnapshotPath: "x", Folder: "sink-1/f", Final: true}
	runner.Trigger(req)
	runner.Wait()

	assert.Equal(t, 1, sink.Calls())
	assert.Equal(t, 0, runner.ActiveSlots())

	runner.Trigger(req)
	runner.Wait()
	assert.Equal(t, 2, sink.Calls())
}

// TestRunnerNonZeroExitStillParsesStdout 分析器异常退出时也会输出错误JSON，
// 进程失败不致命
func TestRunnerNonZeroExitStillParsesStdout(t *testing.T) {
	script := writeScript(t,
		`echo '{"error":"Could not read JSON file"}'
exit 1`)

	sink := newFakeSink()
	runner := analyzer.NewRunner("/bin/sh", script, sink, nil)

	runner.Trigger(telemetry.AnalysisRequest{SessionID: "err-1", SnapshotPath: "x", Folder: "err-1/f", Final: true})
	runner.Wait()

	result, ok := sink.Result("err-1")
	require.True(t, ok)
	assert.Contains(t, string(result), "Could not read JSON file")
}

// TestRunnerMissingScript 脚本不存在时只记日志，不影响调用方
func TestRunnerMissingScript(t *testing.T) {
	sink := newFakeSink()
	runner := analyzer.NewRunner("/bin/sh", "/nonexistent/analyzer.sh", sink, nil)

	runner.Trigger(telemetry.AnalysisRequest{SessionID: "gone-1", SnapshotPath: "x", Folder: "gone-1/f", Final: true})
	runner.Wait()

	_, ok := sink.Result("gone-1")
	assert.False(t, ok)
}
