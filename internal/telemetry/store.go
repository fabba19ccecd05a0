package telemetry

import (
	"context"
	"log"
	"sync"
	"time"
)

// Store 会话表，会话id到SessionRecord的权威映射。
// SessionRecord只能经由GetOrCreate产生。
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*SessionRecord
}

// NewStore 创建空会话表
func NewStore() *Store {
	return &Store{
		sessions: make(map[string]*SessionRecord),
	}
}

// GetOrCreate 返回已有会话，不存在则创建。
// 新会话所有标志为false，lastActivity为当前时间。
func (s *Store) GetOrCreate(id string) *SessionRecord {
	s.mu.RLock()
	rec, ok := s.sessions[id]
	s.mu.RUnlock()
	if ok {
		return rec
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// 双检：并发的首批次可能已经创建
	if rec, ok := s.sessions[id]; ok {
		return rec
	}

	rec = &SessionRecord{
		id:           id,
		lastActivity: time.Now(),
	}
	s.sessions[id] = rec
	return rec
}

// Get 查找已有会话
func (s *Store) Get(id string) (*SessionRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.sessions[id]
	return rec, ok
}

// Range 遍历所有会话，回调返回false时中止
func (s *Store) Range(fn func(*SessionRecord) bool) {
	s.mu.RLock()
	records := make([]*SessionRecord, 0, len(s.sessions))
	for _, rec := range s.sessions {
		records = append(records, rec)
	}
	s.mu.RUnlock()

	for _, rec := range records {
		if !fn(rec) {
			return
		}
	}
}

// Len 当前会话数
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.sessions)
}

// Reap 移除已完成分析且静默超过grace的会话，返回移除数量。
// 长期运行部署下的资源回收，替代原始实现的永不清理策略。
func (s *Store) Reap(grace time.Duration) int {
	cutoff := time.Now().Add(-grace)

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, rec := range s.sessions {
		snap := rec.Snapshot()
		if snap.Analyzed && snap.LastActivity.Before(cutoff) {
			delete(s.sessions, id)
			removed++
		}
	}
	return removed
}

// StartReaper 启动后台回收循环，ctx取消后退出。
// grace为0时禁用回收。
func (s *Store) StartReaper(ctx context.Context, interval, grace time.Duration) {
	if grace <= 0 || interval <= 0 {
		return
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := s.Reap(grace); n > 0 {
					log.Printf("[store] 回收了 %d 个已分析会话", n)
				}
			}
		}
	}()
}
