package device

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"
)

// MeasureParams 测量参数
type MeasureParams struct {
	IntegrationMs float64
	Averages      int
	Cycles        int
	Repetitions   int
}

// Handle 是 SDK 打开设备后返回的句柄和标定信息
type Handle struct {
	ID          int
	Serial      string
	Pixels      int
	Wavelengths []float64
}

// ScanCallback 每完成一次扫描由 SDK 调用，status 为 0 表示有新数据
// 回调可能在 SDK 自己的线程上执行
type ScanCallback func(status int)

// SDK 是光谱仪厂商库的句柄式接口
type SDK interface {
	Open() (Handle, error)
	// Prepare 返回 0 表示成功
	Prepare(h int, p MeasureParams) int
	// Measure 注册扫描回调并开始测量，count < 0 表示连续测量；返回 0 表示成功
	Measure(h int, cb ScanCallback, count int) int
	GetScopeData(h int) ([]float64, error)
	// StopMeasure 阻塞直到设备确认停止
	StopMeasure(h int) int
	Close(h int) error
}

// SimulatedSDK 是无硬件时使用的光谱仪模拟器
// 以积分时间为周期产生一个带噪声的高斯峰
type SimulatedSDK struct {
	Pixels int
	Serial string

	mu      sync.Mutex
	open    bool
	params  MeasureParams
	stop    chan struct{}
	stopped chan struct{}
	rng     *rand.Rand
}

// NewSimulatedSDK 创建模拟器
func NewSimulatedSDK(pixels int) *SimulatedSDK {
	return &SimulatedSDK{
		Pixels: pixels,
		Serial: "SIM0001",
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (s *SimulatedSDK) Open() (Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Pixels <= 0 {
		return Handle{}, errors.New("simulated spectrometer: no pixels")
	}
	s.open = true
	wl := make([]float64, s.Pixels)
	for i := range wl {
		wl[i] = 200 + 900*float64(i)/float64(s.Pixels)
	}
	return Handle{ID: 1, Serial: s.Serial, Pixels: s.Pixels, Wavelengths: wl}, nil
}

func (s *SimulatedSDK) Prepare(h int, p MeasureParams) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open || p.IntegrationMs <= 0 {
		return -1
	}
	s.params = p
	return 0
}

func (s *SimulatedSDK) Measure(h int, cb ScanCallback, count int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open || s.stop != nil {
		return -1
	}
	period := time.Duration(s.params.IntegrationMs * float64(time.Millisecond))
	if period < 5*time.Millisecond {
		period = 5 * time.Millisecond
	}
	stop, stopped := make(chan struct{}), make(chan struct{})
	s.stop, s.stopped = stop, stopped
	go func() {
		defer close(stopped)
		t := time.NewTicker(period)
		defer t.Stop()
		for n := 0; count < 0 || n < count; n++ {
			select {
			case <-stop:
				return
			case <-t.C:
				cb(0)
			}
		}
	}()
	return 0
}

func (s *SimulatedSDK) GetScopeData(h int) ([]float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		return nil, fmt.Errorf("simulated spectrometer: handle %d closed", h)
	}
	out := make([]float64, s.Pixels)
	center := float64(s.Pixels) / 2
	width := float64(s.Pixels) / 10
	scale := math.Min(s.params.IntegrationMs, 1000) * 50
	for i := range out {
		d := (float64(i) - center) / width
		out[i] = scale*math.Exp(-d*d/2) + s.rng.Float64()*10
	}
	return out, nil
}

func (s *SimulatedSDK) StopMeasure(h int) int {
	s.mu.Lock()
	stop, stopped := s.stop, s.stopped
	s.stop, s.stopped = nil, nil
	s.mu.Unlock()
	if stop == nil {
		return 0
	}
	close(stop)
	<-stopped
	return 0
}

func (s *SimulatedSDK) Close(h int) error {
	s.StopMeasure(h)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.open = false
	return nil
}
