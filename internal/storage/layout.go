package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"WebRTCTelemetryCollector/internal/telemetry"
)

const (
	rawDirName      = "logs_raw"
	combinedLogName = "combined_logs.json"
	finalResultName = "final_analysis.json"
	folderLayout    = "2006-01-02_15-04-05"
)

// Layout 遥测日志的磁盘布局。
// 合并快照按 <root>/logs_raw/<session>/<folder>/combined_logs.json 存放，
// 最终分析结果写在会话目录下，与逐次快照分开。
// 分析器自己维护 <root>/logs_analyzed/<session>/ 下的增量产物。
type Layout struct {
	root string
}

// NewLayout 创建布局，root会在首次写入时按需建目录
func NewLayout(root string) *Layout {
	return &Layout{root: root}
}

// Root 日志根目录
func (l *Layout) Root() string {
	return l.root
}

// FolderForStartTime 由统计起始时间推导快照目录名。
// 按RFC3339解析；原始串缺失或解析失败时回退到当前时间，
// 与原始实现对外可见的回退行为一致。
func FolderForStartTime(startTimeRaw string) string {
	if startTimeRaw != "" {
		if ts, err := time.Parse(time.RFC3339Nano, startTimeRaw); err == nil {
			return ts.UTC().Format(folderLayout)
		}
		if ts, err := time.Parse(time.RFC3339, startTimeRaw); err == nil {
			return ts.UTC().Format(folderLayout)
		}
	}
	return time.Now().UTC().Format(folderLayout)
}

// WriteSnapshot 把完整日志序列写成合并快照，每次触发分析前重写。
// 返回快照路径和推导出的目录名。
func (l *Layout) WriteSnapshot(sessionID, startTimeRaw string, entries []telemetry.Entry) (string, string, error) {
	folder := FolderForStartTime(startTimeRaw)
	dir := filepath.Join(l.root, rawDirName, sessionID, folder)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", "", fmt.Errorf("create snapshot dir: %w", err)
	}

	data, err := json.Marshal(entries)
	if err != nil {
		return "", "", fmt.Errorf("marshal combined logs: %w", err)
	}

	// 快照先写临时文件再原子改名，保证在跑的分析进程
	// 读到的combined_logs.json永远是完整的一版
	path := filepath.Join(dir, combinedLogName)
	tmp, err := os.CreateTemp(dir, ".combined_logs-*.tmp")
	if err != nil {
		return "", "", fmt.Errorf("create snapshot temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", "", fmt.Errorf("write combined logs: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", "", fmt.Errorf("close snapshot temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return "", "", fmt.Errorf("swap combined logs: %w", err)
	}

	return path, folder, nil
}

// FinalResultPath 会话最终分析结果的规范路径
func (l *Layout) FinalResultPath(sessionID string) string {
	return filepath.Join(l.root, rawDirName, sessionID, finalResultName)
}

// WriteFinalResult 终结时把分析器的解析结果写到最终结果路径，整个会话只写一次
func (l *Layout) WriteFinalResult(sessionID string, result []byte) error {
	dir := filepath.Join(l.root, rawDirName, sessionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}

	path := l.FinalResultPath(sessionID)
	if err := os.WriteFile(path, result, 0o644); err != nil {
		return fmt.Errorf("write final result: %w", err)
	}
	return nil
}
