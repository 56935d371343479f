package transport

import (
	"errors"
	"sync"
	"time"
)

// Fake 是内存中的 RawPort，用于脚本化设备应答
// 每次 Read 最多返回一个排队的数据块，队列为空时等待 ReadDelay 后返回 (0, nil)，模拟串口读超时
type Fake struct {
	mu        sync.Mutex
	respond   func(written []byte) [][]byte
	pending   [][]byte
	writes    []string
	clears    int
	closed    bool
	writeErr  error
	readErr   error
	ReadDelay time.Duration
}

// NewFake 创建 Fake；respond 根据写入内容返回应答数据块，可以为 nil
func NewFake(respond func(written []byte) [][]byte) *Fake {
	return &Fake{respond: respond, ReadDelay: time.Millisecond}
}

// FakeOpener 返回一个总是打开给定 Fake 的 Opener
func FakeOpener(f *Fake) Opener {
	return func(cfg Config) (*Conn, error) {
		return Wrap(cfg.Name, f, cfg.Timeout), nil
	}
}

// FailWrites 让之后的写入返回 err，nil 表示恢复
func (f *Fake) FailWrites(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writeErr = err
}

// FailReads 让之后的读取返回 err，nil 表示恢复
func (f *Fake) FailReads(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.readErr = err
}

// Push 直接排入数据块，用于模拟连续输出的设备
func (f *Fake) Push(chunks ...[]byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pending = append(f.pending, chunks...)
}

func (f *Fake) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return 0, errors.New("fake port closed")
	}
	if f.writeErr != nil {
		return 0, f.writeErr
	}
	f.writes = append(f.writes, string(p))
	if f.respond != nil {
		f.pending = append(f.pending, f.respond(append([]byte(nil), p...))...)
	}
	return len(p), nil
}

func (f *Fake) Read(p []byte) (int, error) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return 0, errors.New("fake port closed")
	}
	if f.readErr != nil {
		err := f.readErr
		f.mu.Unlock()
		return 0, err
	}
	if len(f.pending) > 0 {
		chunk := f.pending[0]
		n := copy(p, chunk)
		if n < len(chunk) {
			f.pending[0] = chunk[n:]
		} else {
			f.pending = f.pending[1:]
		}
		f.mu.Unlock()
		return n, nil
	}
	delay := f.ReadDelay
	f.mu.Unlock()
	time.Sleep(delay)
	return 0, nil
}

func (f *Fake) ResetInputBuffer() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pending = nil
	f.clears++
	return nil
}

func (f *Fake) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// Writes 返回所有写入内容的拷贝
func (f *Fake) Writes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.writes...)
}

// Clears 返回 ResetInputBuffer 的调用次数
func (f *Fake) Clears() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.clears
}

// IsClosed 报告 Close 是否被调用过
func (f *Fake) IsClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}
