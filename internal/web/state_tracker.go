package web

import (
	"sync"
	"time"

	"spectro-station/internal/event"
	"spectro-station/internal/station"
)

// maxRecentStatus 是保留的最近状态消息条数
const maxRecentStatus = 200

// StatusLine 是一条状态消息
type StatusLine struct {
	Time    time.Time `json:"time"`
	Device  string    `json:"device,omitempty"`
	Message string    `json:"message"`
}

// GlobalState 是推送给界面的完整视图
type GlobalState struct {
	Station station.Snapshot `json:"station"`
	Recent  []StatusLine     `json:"recent"`
}

// Message 是 WebSocket 上的消息封装
type Message struct {
	Type string `json:"type"` // state 或 status
	Data any    `json:"data"`
}

// SnapshotSource 提供站点快照
type SnapshotSource interface {
	Snapshot() station.Snapshot
}

// StateTracker 负责保存最近的状态消息，并在状态变化时通知前端
type StateTracker struct {
	mu     sync.RWMutex
	recent []StatusLine
	source SnapshotSource
	hub    *Hub
}

// NewStateTracker 创建一个新的 StateTracker 实例
func NewStateTracker(source SnapshotSource, hub *Hub) *StateTracker {
	return &StateTracker{source: source, hub: hub}
}

// AddStatus 记录一条状态消息并广播
func (st *StateTracker) AddStatus(e event.Event) {
	line := StatusLine{Time: e.At, Device: string(e.Device), Message: e.Message}
	if line.Time.IsZero() {
		line.Time = time.Now()
	}
	st.mu.Lock()
	st.recent = append(st.recent, line)
	if over := len(st.recent) - maxRecentStatus; over > 0 {
		st.recent = append([]StatusLine(nil), st.recent[over:]...)
	}
	st.mu.Unlock()

	if st.hub != nil {
		st.hub.Broadcast(Message{Type: "status", Data: line})
	}
}

// Refresh 向所有客户端广播最新的站点快照
func (st *StateTracker) Refresh() {
	if st.hub != nil {
		st.hub.Broadcast(Message{Type: "state", Data: st.source.Snapshot()})
	}
}

// GetStateSnapshot 返回当前全局状态的一个副本
// 用于新客户端连接时获取一次全量数据
func (st *StateTracker) GetStateSnapshot() GlobalState {
	st.mu.RLock()
	recent := make([]StatusLine, len(st.recent))
	copy(recent, st.recent)
	st.mu.RUnlock()
	return GlobalState{Station: st.source.Snapshot(), Recent: recent}
}
