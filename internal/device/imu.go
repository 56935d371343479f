package device

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"spectro-station/internal/metrics"
	"spectro-station/internal/transport"
	"spectro-station/internal/types"
)

// imuFields 每行输出的字段数: roll,pitch,yaw,lat,lon,temp,pressure
const imuFields = 7

// ParseIMULine 解析一行 IMU 输出
func ParseIMULine(line string) (types.IMUReading, error) {
	parts := strings.Split(strings.TrimSpace(line), ",")
	if len(parts) != imuFields {
		return types.IMUReading{}, fmt.Errorf("%w: imu line has %d fields, want %d", types.ErrProtocol, len(parts), imuFields)
	}
	var v [imuFields]float64
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return types.IMUReading{}, fmt.Errorf("%w: imu field %d: %w", types.ErrProtocol, i, err)
		}
		v[i] = f
	}
	return types.IMUReading{
		Roll: v[0], Pitch: v[1], Yaw: v[2],
		Latitude: v[3], Longitude: v[4],
		Temperature: v[5], Pressure: v[6],
	}, nil
}

// IMU 惯导驱动
// 后台读取协程以设备自身的输出速率整体替换最新读数，消费者按自己的节奏读取快照
type IMU struct {
	*link
	cfg     IMUConfig
	latest  atomic.Pointer[types.IMUReading]
	onFault func(types.Result)

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewIMU 创建惯导驱动
func NewIMU(cfg IMUConfig, open transport.Opener, logger *slog.Logger) *IMU {
	cfg.withDefaults()
	m := &IMU{
		link: newLink(types.DeviceIMU, cfg.Serial, open, logger),
		cfg:  cfg,
	}
	m.latest.Store(&types.IMUReading{})
	return m
}

// OnFault 注册读取协程因 IO 错误退出时的通知
func (m *IMU) OnFault(fn func(types.Result)) {
	m.onFault = fn
}

// Connect 打开端口并启动读取协程
func (m *IMU) Connect(ctx context.Context) types.Result {
	if m.Connected() {
		return types.Succeeded(m.id, "connect", nil, "Already connected")
	}
	m.stopReader()
	conn, err := m.dial()
	if err != nil {
		return types.Failed(m.id, "connect", err, fmt.Sprintf("IMU connection failed: %v", err))
	}
	m.ready()

	readCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	m.runMu.Lock()
	m.cancel, m.done = cancel, done
	m.runMu.Unlock()
	go m.readLoop(readCtx, conn, done)

	return types.Succeeded(m.id, "connect", nil, fmt.Sprintf("IMU connected on %s", m.cfg.Serial.Name))
}

func (m *IMU) readLoop(ctx context.Context, conn *transport.Conn, done chan struct{}) {
	defer close(done)
	var buf []byte
	for {
		chunk, err := conn.ReadChunk()
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			m.fault(err)
			if m.onFault != nil {
				m.onFault(types.Failed(m.id, "stream", err, fmt.Sprintf("IMU read error: %v", err)))
			}
			return
		}
		buf = append(buf, chunk...)
		for {
			i := bytes.IndexByte(buf, '\n')
			if i < 0 {
				break
			}
			m.handleLine(string(buf[:i]))
			buf = buf[i+1:]
		}
		if len(buf) > imuMaxLine {
			metrics.IMUFramesDropped.Inc()
			buf = buf[:0]
		}
	}
}

// imuMaxLine 超过此长度仍未见换行的缓冲区视为垃圾数据
const imuMaxLine = 4096

func (m *IMU) handleLine(line string) {
	if strings.TrimSpace(line) == "" {
		return
	}
	reading, err := ParseIMULine(line)
	if err != nil {
		metrics.IMUFramesDropped.Inc()
		m.logger.Debug("丢弃无法解析的 IMU 数据行", "line", strings.TrimSpace(line), "error", err)
		return
	}
	reading.UpdatedAt = time.Now()
	m.latest.Store(&reading)
}

func (m *IMU) stopReader() {
	m.runMu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.runMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	// 关闭端口让阻塞中的读取尽快返回
	_ = m.link.Close()
	<-done
}

// Close 停止读取协程并关闭端口
func (m *IMU) Close() error {
	m.stopReader()
	return m.link.Close()
}

// State 返回最新读数快照
func (m *IMU) State() types.IMUReading {
	s := *m.latest.Load()
	s.Link = m.Link()
	s.Connected = m.Connected()
	return s
}
