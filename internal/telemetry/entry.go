package telemetry

import (
	"encoding/json"
	"errors"
	"fmt"
)

// EntryType 日志条目类型标签
type EntryType string

const (
	EntryStats       EntryType = "stats"        // 周期性统计快照
	EntryStateChange EntryType = "state_change" // ICE连接状态变化
)

// 表示会话终结的ICE连接状态
const (
	ICEStateClosed       = "closed"
	ICEStateFailed       = "failed"
	ICEStateDisconnected = "disconnected"
)

// ErrInvalidBatch 客户端输入错误：批次为空或格式非法
var ErrInvalidBatch = errors.New("invalid log batch")

// Entry 单条遥测日志。按type标签多态，未识别的类型原样透传。
// 原始字节会完整保留，落盘快照时按到达时的内容输出。
type Entry struct {
	Type               EntryType
	SessionID          string
	ICEConnectionState string
	Timestamp          string
	RawStats           map[string]map[string]interface{}

	raw json.RawMessage
}

// entryFields 无原始字节时兜底编码用的已知字段子集
type entryFields struct {
	Type               EntryType                         `json:"type"`
	SessionID          string                            `json:"sessionId,omitempty"`
	ICEConnectionState string                            `json:"iceConnectionState,omitempty"`
	Timestamp          string                            `json:"timestamp,omitempty"`
	RawStats           map[string]map[string]interface{} `json:"rawStats,omitempty"`
}

// UnmarshalJSON 解码已知字段并保留原始字节。
// 已知字段按尽力而为解读：类型对不上只当没有该字段，
// 条目本身不是JSON对象才算批次非法。未识别的内容原样透传。
func (e *Entry) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}

	e.Type = EntryType(stringField(fields, "type"))
	e.SessionID = stringField(fields, "sessionId")
	e.ICEConnectionState = stringField(fields, "iceConnectionState")
	e.Timestamp = stringField(fields, "timestamp")

	e.RawStats = nil
	if raw, ok := fields["rawStats"]; ok {
		var stats map[string]map[string]interface{}
		if json.Unmarshal(raw, &stats) == nil {
			e.RawStats = stats
		}
	}

	e.raw = append(json.RawMessage(nil), data...)
	return nil
}

// stringField 尽力取出一个字符串字段，缺失或非字符串时返回空串
func stringField(fields map[string]json.RawMessage, key string) string {
	raw, ok := fields[key]
	if !ok {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) != nil {
		return ""
	}
	return s
}

// MarshalJSON 输出到达时的原始字节，保证快照与客户端提交内容一致
func (e Entry) MarshalJSON() ([]byte, error) {
	if len(e.raw) > 0 {
		return e.raw, nil
	}
	return json.Marshal(entryFields{
		Type:               e.Type,
		SessionID:          e.SessionID,
		ICEConnectionState: e.ICEConnectionState,
		Timestamp:          e.Timestamp,
		RawStats:           e.RawStats,
	})
}

// IsClosingState 判断state_change条目是否携带终结状态
func (e *Entry) IsClosingState() bool {
	if e.Type != EntryStateChange {
		return false
	}
	switch e.ICEConnectionState {
	case ICEStateClosed, ICEStateFailed, ICEStateDisconnected:
		return true
	}
	return false
}

// StatsStartTime 返回stats条目中第一个携带startTime的统计对象的值。
// 没有则返回空字符串。
func (e *Entry) StatsStartTime() string {
	if e.Type != EntryStats {
		return ""
	}
	for _, stat := range e.RawStats {
		if v, ok := stat["startTime"]; ok {
			switch t := v.(type) {
			case string:
				if t != "" {
					return t
				}
			case float64:
				return fmt.Sprintf("%v", t)
			}
		}
	}
	return ""
}

// ParseBatch 解析并校验一个日志批次。
// 批次必须是非空JSON数组，否则返回ErrInvalidBatch，不会触碰任何会话状态。
func ParseBatch(payload []byte) ([]Entry, error) {
	var batch []Entry
	if err := json.Unmarshal(payload, &batch); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBatch, err)
	}
	if len(batch) == 0 {
		return nil, fmt.Errorf("%w: empty batch", ErrInvalidBatch)
	}
	return batch, nil
}
