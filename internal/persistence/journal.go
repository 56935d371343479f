package persistence

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// 日志条目类型
const (
	EntryStatus    = "STATUS"    // 状态消息
	EntryOperation = "OPERATION" // 设备操作结果
	EntryRoutine   = "ROUTINE"   // 例程状态变化
)

// Entry 代表状态日志文件中的一条记录
type Entry struct {
	Time    time.Time `json:"time"`
	Type    string    `json:"type"`
	Device  string    `json:"device,omitempty"`
	OpID    string    `json:"op_id,omitempty"`
	Message string    `json:"message"`
}

// Journal 是一次记录会话的状态日志 (JSON Lines)，每条写入后立即落盘
type Journal struct {
	file *os.File   // 日志文件句柄
	path string     // 日志文件路径
	mu   sync.Mutex // 互斥锁，保证文件写入的原子性
}

// JournalFileName 返回 log_<routine>_<ts>.jsonl
func JournalFileName(routine string, start time.Time) string {
	return fmt.Sprintf("log_%s_%s.jsonl", routine, start.Format("20060102_150405"))
}

// OpenJournal 在 dir 下创建本次会话的日志文件
func OpenJournal(dir, routine string, start time.Time) (*Journal, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	path := filepath.Join(dir, JournalFileName(routine, start))
	// O_APPEND: 追加写入, O_CREATE: 文件不存在则创建
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return &Journal{file: file, path: path}, nil
}

// Path 返回日志文件路径
func (j *Journal) Path() string {
	return j.path
}

// Append 写入一条记录
func (j *Journal) Append(e Entry) error {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return os.ErrClosed
	}
	if _, err := j.file.Write(append(data, '\n')); err != nil {
		return err
	}
	// 确保数据被刷新到磁盘，防止断电丢失
	return j.file.Sync()
}

// Status 是 Append 的便捷形式
func (j *Journal) Status(msg string) error {
	return j.Append(Entry{Type: EntryStatus, Message: msg})
}

// Close 关闭日志文件，可重复调用
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return nil
	}
	err := j.file.Close()
	j.file = nil
	return err
}

// ReadJournal 读取日志文件中的全部记录
// 损坏的行 (例如断电时写了一半) 被忽略
func ReadJournal(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var e Entry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			continue
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}
