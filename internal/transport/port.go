package transport

import (
	"bytes"
	"fmt"
	"io"
	"sync"
	"time"

	"go.bug.st/serial"

	"spectro-station/internal/types"
)

// pollInterval 是底层串口的单次读超时，ReadUntil 在此基础上循环直到总超时
const pollInterval = 20 * time.Millisecond

// RawPort 是字节流端口的最小接口，go.bug.st/serial 的 Port 满足它
type RawPort interface {
	io.ReadWriteCloser
	ResetInputBuffer() error
}

// Config 串口参数
type Config struct {
	Name    string        `mapstructure:"port"`
	Baud    int           `mapstructure:"baud"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// Opener 打开一个连接，驱动通过它获取端口，测试中可替换为 Fake
type Opener func(cfg Config) (*Conn, error)

// Conn 是一个已打开的设备连接
// 不做任何重试，重试策略属于上层
type Conn struct {
	name     string
	timeout  time.Duration
	mu       sync.Mutex
	raw      RawPort
	closed   bool
	lastUsed time.Time
}

// Open 以 8N1 打开串口
func Open(cfg Config) (*Conn, error) {
	mode := &serial.Mode{
		BaudRate: cfg.Baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	p, err := serial.Open(cfg.Name, mode)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %w", types.ErrConnection, cfg.Name, err)
	}
	if err := p.SetReadTimeout(pollInterval); err != nil {
		p.Close()
		return nil, fmt.Errorf("%w: set read timeout on %s: %w", types.ErrConnection, cfg.Name, err)
	}
	return Wrap(cfg.Name, p, cfg.Timeout), nil
}

// Ports 列出本机可用的串口
func Ports() ([]string, error) {
	return serial.GetPortsList()
}

// Wrap 将已打开的原始端口包装为 Conn
// 原始端口的 Read 在无数据时应在短时间内返回 (0, nil)
func Wrap(name string, raw RawPort, timeout time.Duration) *Conn {
	if timeout <= 0 {
		timeout = time.Second
	}
	return &Conn{name: name, raw: raw, timeout: timeout, lastUsed: time.Now()}
}

// Name 返回端口名
func (c *Conn) Name() string { return c.name }

// Timeout 返回默认读超时
func (c *Conn) Timeout() time.Duration { return c.timeout }

// LastActivity 返回最后一次成功读写的时间
func (c *Conn) LastActivity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastUsed
}

// Write 写入全部字节
func (c *Conn) Write(p []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("%w: write %s: port closed", types.ErrIO, c.name)
	}
	for len(p) > 0 {
		n, err := c.raw.Write(p)
		if err != nil {
			return fmt.Errorf("%w: write %s: %w", types.ErrIO, c.name, err)
		}
		p = p[n:]
	}
	c.lastUsed = time.Now()
	return nil
}

// ReadUntil 累积读取直到遇到终止符或超时
// 超时返回已读到的字节 (可能为空) 且不返回错误，由调用方判断是否算作超时
// timeout <= 0 时使用连接的默认超时
func (c *Conn) ReadUntil(term byte, timeout time.Duration) ([]byte, error) {
	if timeout <= 0 {
		timeout = c.timeout
	}
	deadline := time.Now().Add(timeout)
	var acc []byte
	buf := make([]byte, 256)
	for time.Now().Before(deadline) {
		n, err := c.read(buf)
		if err != nil {
			return acc, err
		}
		if n == 0 {
			continue
		}
		acc = append(acc, buf[:n]...)
		if i := bytes.IndexByte(acc, term); i >= 0 {
			return acc[:i+1], nil
		}
	}
	return acc, nil
}

// ReadN 读取恰好 n 个字节，超时返回已读部分
func (c *Conn) ReadN(n int, timeout time.Duration) ([]byte, error) {
	if timeout <= 0 {
		timeout = c.timeout
	}
	deadline := time.Now().Add(timeout)
	acc := make([]byte, 0, n)
	buf := make([]byte, n)
	for len(acc) < n && time.Now().Before(deadline) {
		m, err := c.read(buf[:n-len(acc)])
		if err != nil {
			return acc, err
		}
		acc = append(acc, buf[:m]...)
	}
	return acc, nil
}

// ReadChunk 读取一次底层端口当前可用的数据，可能为空
func (c *Conn) ReadChunk() ([]byte, error) {
	buf := make([]byte, 512)
	n, err := c.read(buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

func (c *Conn) read(buf []byte) (int, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return 0, fmt.Errorf("%w: read %s: port closed", types.ErrIO, c.name)
	}
	raw := c.raw
	c.mu.Unlock()

	n, err := raw.Read(buf)
	if err != nil {
		return n, fmt.Errorf("%w: read %s: %w", types.ErrIO, c.name, err)
	}
	if n > 0 {
		c.mu.Lock()
		c.lastUsed = time.Now()
		c.mu.Unlock()
	}
	return n, nil
}

// ClearInput 丢弃输入缓冲区中尚未读取的数据
func (c *Conn) ClearInput() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("%w: clear %s: port closed", types.ErrIO, c.name)
	}
	if err := c.raw.ResetInputBuffer(); err != nil {
		return fmt.Errorf("%w: clear %s: %w", types.ErrIO, c.name, err)
	}
	return nil
}

// Close 关闭端口，可重复调用
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.raw.Close()
}

// Closed 报告端口是否已关闭
func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
