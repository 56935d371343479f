package device

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"spectro-station/internal/fsm"
	"spectro-station/internal/metrics"
	"spectro-station/internal/types"
)

// scanQueueSize 扫描事件通道容量，消费者跟不上时丢弃新事件
const scanQueueSize = 16

// AveragesFor 根据积分时间推导平均次数
// 曝光越短噪声越大需要更多平均；区间下界属于较长的一档 (10ms ⇒ 5)
func AveragesFor(integrationMs float64) int {
	switch {
	case integrationMs < 10:
		return 10
	case integrationMs < 100:
		return 5
	case integrationMs < 1000:
		return 2
	default:
		return 1
	}
}

// NormalizeScan 截断或补零到固定的 MaxPixels 长度
func NormalizeScan(data []float64) []float64 {
	out := make([]float64, types.MaxPixels)
	copy(out, data)
	return out
}

// measureView 是在事件循环中发布的测量状态
type measureView struct {
	handle Handle
	params MeasureParams
	active bool
}

type scanData struct {
	intensities []float64
	count       int64
	at          time.Time
}

// Spectrometer 光谱仪驱动
// SDK 回调只向有界通道投递状态码，由单个消费协程取数并发布快照
type Spectrometer struct {
	id     types.DeviceID
	sdk    SDK
	link   *fsm.FSM
	logger *slog.Logger

	mu       sync.Mutex
	handle   Handle
	params   MeasureParams
	active   bool
	stopping bool

	view    atomic.Pointer[measureView]
	scans   chan int
	scan    atomic.Pointer[scanData]
	onError func(types.Result)

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewSpectrometer 创建光谱仪驱动；sdk 为 nil 时使用模拟器
func NewSpectrometer(cfg SpectrometerConfig, sdk SDK, logger *slog.Logger) *Spectrometer {
	cfg.withDefaults()
	if sdk == nil {
		sdk = NewSimulatedSDK(cfg.Pixels)
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("device", string(types.DeviceSpectrometer))
	s := &Spectrometer{
		id:     types.DeviceSpectrometer,
		sdk:    sdk,
		link:   fsm.New(string(types.DeviceSpectrometer), fsm.StateDisconnected, fsm.LinkTable, logger),
		logger: logger,
		params: MeasureParams{
			IntegrationMs: cfg.IntegrationMs,
			Averages:      AveragesFor(cfg.IntegrationMs),
			Cycles:        cfg.Cycles,
			Repetitions:   cfg.Repetitions,
		},
		scans: make(chan int, scanQueueSize),
	}
	s.view.Store(&measureView{params: s.params})
	s.scan.Store(&scanData{intensities: make([]float64, types.MaxPixels)})
	return s
}

// OnError 注册扫描错误码的通知
func (s *Spectrometer) OnError(fn func(types.Result)) {
	s.onError = fn
}

// ID 返回设备 ID
func (s *Spectrometer) ID() types.DeviceID { return s.id }

// Connected 报告是否就绪
func (s *Spectrometer) Connected() bool {
	return s.link.Current() == fsm.StateReady
}

// Connect 打开设备，取得波长标定和像素数
func (s *Spectrometer) Connect(ctx context.Context) types.Result {
	if err := s.link.Fire(fsm.EventConnect); err != nil {
		err = fmt.Errorf("%w: %w", types.ErrConnection, err)
		return types.Failed(s.id, "connect", err, fmt.Sprintf("Connection failed: %v", err))
	}
	h, err := s.sdk.Open()
	if err != nil {
		_ = s.link.Fire(fsm.EventLinkFault)
		err = fmt.Errorf("%w: %w", types.ErrConnection, err)
		return types.Failed(s.id, "connect", err, fmt.Sprintf("Connection failed: %v", err))
	}
	s.mu.Lock()
	s.handle = h
	s.mu.Unlock()
	_ = s.link.Fire(fsm.EventConnected)

	s.runMu.Lock()
	if s.cancel == nil {
		cctx, cancel := context.WithCancel(context.Background())
		s.cancel = cancel
		s.done = make(chan struct{})
		go s.consume(cctx, s.done)
	}
	s.runMu.Unlock()
	return types.Succeeded(s.id, "connect", nil, fmt.Sprintf("Spectrometer ready (SN=%s)", h.Serial))
}

// callback 在 SDK 线程上执行，只做非阻塞投递
func (s *Spectrometer) callback(status int) {
	select {
	case s.scans <- status:
	default:
		metrics.SpectrometerScansTotal.WithLabelValues("dropped").Inc()
	}
}

func (s *Spectrometer) consume(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case status := <-s.scans:
			s.handleScan(status)
		}
	}
}

func (s *Spectrometer) handleScan(status int) {
	if status != 0 {
		metrics.SpectrometerScansTotal.WithLabelValues("error").Inc()
		if s.onError != nil {
			err := fmt.Errorf("%w: scan status %d", types.ErrProtocol, status)
			s.onError(types.Failed(s.id, "scan", err, fmt.Sprintf("Spectrometer error code %d", status)))
		}
		return
	}
	s.mu.Lock()
	h := s.handle.ID
	s.mu.Unlock()
	data, err := s.sdk.GetScopeData(h)
	if err != nil {
		metrics.SpectrometerScansTotal.WithLabelValues("error").Inc()
		s.logger.Error("读取光谱数据失败", "error", err)
		return
	}
	prev := s.scan.Load()
	s.scan.Store(&scanData{intensities: NormalizeScan(data), count: prev.count + 1, at: time.Now()})
	metrics.SpectrometerScansTotal.WithLabelValues("ok").Inc()
}

// Start 按当前参数准备并开始连续测量
// 停止尚未被设备确认时拒绝启动
func (s *Spectrometer) Start(ctx context.Context) types.Result {
	if !s.Connected() {
		err := fmt.Errorf("%w: spectrometer not ready", types.ErrConnection)
		return types.Failed(s.id, "start", err, "Spectrometer not ready")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopping {
		err := fmt.Errorf("%w: stop not yet acknowledged", types.ErrValue)
		return types.Failed(s.id, "start", err, "Spectrometer is still stopping")
	}
	if s.active {
		return types.Succeeded(s.id, "start", s.params, "Measurement already running")
	}
	p := s.params
	p.Averages = AveragesFor(p.IntegrationMs)
	s.params = p
	s.logger.Info("开始测量", "integration_ms", p.IntegrationMs, "averages", p.Averages, "cycles", p.Cycles, "repetitions", p.Repetitions)

	if code := s.sdk.Prepare(s.handle.ID, p); code != 0 {
		err := fmt.Errorf("%w: prepare returned %d", types.ErrProtocol, code)
		return types.Failed(s.id, "start", err, fmt.Sprintf("Prepare error: %d", code))
	}
	if code := s.sdk.Measure(s.handle.ID, s.callback, -1); code != 0 {
		err := fmt.Errorf("%w: measure returned %d", types.ErrProtocol, code)
		return types.Failed(s.id, "start", err, fmt.Sprintf("Callback error: %d", code))
	}
	s.active = true
	return types.Succeeded(s.id, "start", p, "Measurement started")
}

// Stop 停止测量并等待设备确认
func (s *Spectrometer) Stop(ctx context.Context) types.Result {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return types.Succeeded(s.id, "stop", nil, "Measurement not running")
	}
	s.active = false
	s.stopping = true
	h := s.handle.ID
	s.mu.Unlock()

	code := s.sdk.StopMeasure(h)

	s.mu.Lock()
	s.stopping = false
	s.mu.Unlock()
	if code != 0 {
		err := fmt.Errorf("%w: stop returned %d", types.ErrProtocol, code)
		return types.Failed(s.id, "stop", err, fmt.Sprintf("Stop error: %d", code))
	}
	return types.Succeeded(s.id, "stop", nil, "Measurement stopped")
}

// ApplySettings 更新测量参数
// 平均次数始终由积分时间推导，requestedAverages 与之不符时只记录日志
// 测量进行中时先停止，再重新准备并注册回调；设备不支持热更新
func (s *Spectrometer) ApplySettings(ctx context.Context, integrationMs float64, requestedAverages, cycles, repetitions int) types.Result {
	if integrationMs <= 0 || cycles <= 0 || repetitions <= 0 {
		err := fmt.Errorf("%w: integration %.3fms cycles %d repetitions %d", types.ErrValue, integrationMs, cycles, repetitions)
		return types.Failed(s.id, "settings", err, fmt.Sprintf("Invalid settings: %v", err))
	}
	if !s.Connected() {
		err := fmt.Errorf("%w: spectrometer not ready", types.ErrConnection)
		return types.Failed(s.id, "settings", err, "Spectrometer not ready")
	}
	p := MeasureParams{
		IntegrationMs: integrationMs,
		Averages:      AveragesFor(integrationMs),
		Cycles:        cycles,
		Repetitions:   repetitions,
	}
	if requestedAverages > 0 && requestedAverages != p.Averages {
		s.logger.Info("平均次数由积分时间决定，忽略请求值", "requested", requestedAverages, "applied", p.Averages)
	}
	summary := fmt.Sprintf("Settings updated (Int: %gms, Avg: %d, Cycles: %d, Rep: %d)", p.IntegrationMs, p.Averages, p.Cycles, p.Repetitions)

	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		err := fmt.Errorf("%w: stop not yet acknowledged", types.ErrValue)
		return types.Failed(s.id, "settings", err, "Spectrometer is still stopping")
	}
	wasActive := s.active
	h := s.handle.ID
	s.params = p
	if wasActive {
		s.active = false
		s.stopping = true
	}
	s.mu.Unlock()

	if wasActive {
		s.logger.Info("停止测量以更新参数")
		code := s.sdk.StopMeasure(h)
		s.mu.Lock()
		s.stopping = false
		s.mu.Unlock()
		if code != 0 {
			err := fmt.Errorf("%w: stop returned %d", types.ErrProtocol, code)
			return types.Failed(s.id, "settings", err, fmt.Sprintf("Settings update error: %d", code))
		}
	}

	if code := s.sdk.Prepare(h, p); code != 0 {
		err := fmt.Errorf("%w: prepare returned %d", types.ErrProtocol, code)
		return types.Failed(s.id, "settings", err, fmt.Sprintf("Settings update error: %d", code))
	}
	if wasActive {
		if code := s.sdk.Measure(h, s.callback, -1); code != 0 {
			err := fmt.Errorf("%w: measure returned %d", types.ErrProtocol, code)
			return types.Failed(s.id, "settings", err, fmt.Sprintf("Callback error on restart: %d", code))
		}
		s.mu.Lock()
		s.active = true
		s.mu.Unlock()
	}
	return types.Succeeded(s.id, "settings", p, summary)
}

// Params 返回当前测量参数
func (s *Spectrometer) Params() MeasureParams {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.params
}

// Apply 在事件循环中发布连接、启停和参数变化后的测量状态
func (s *Spectrometer) Apply(r *types.Result) {
	s.mu.Lock()
	v := &measureView{handle: s.handle, params: s.params, active: s.active}
	s.mu.Unlock()
	s.view.Store(v)
}

// State 返回状态快照；Intensities 长度恒为 MaxPixels
// 测量参数和启停状态取自最近一次 Apply，Stopping 反映进行中的停止确认
func (s *Spectrometer) State() types.SpectrometerState {
	v := s.view.Load()
	st := types.SpectrometerState{
		Serial:        v.handle.Serial,
		NativePixels:  v.handle.Pixels,
		Active:        v.active,
		IntegrationMs: v.params.IntegrationMs,
		Averages:      v.params.Averages,
		Cycles:        v.params.Cycles,
		Repetitions:   v.params.Repetitions,
		Wavelengths:   v.handle.Wavelengths,
	}
	s.mu.Lock()
	st.Stopping = s.stopping
	s.mu.Unlock()
	scan := s.scan.Load()
	st.Link = types.LinkState(s.link.Current())
	st.Connected = st.Link == types.LinkReady
	st.Intensities = scan.intensities
	st.ScanCount = scan.count
	st.UpdatedAt = scan.at
	return st
}

// Close 停止测量和消费协程并释放句柄
func (s *Spectrometer) Close() error {
	s.Stop(context.Background())
	s.runMu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.runMu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
	if !s.Connected() {
		return nil
	}
	s.mu.Lock()
	h := s.handle.ID
	s.mu.Unlock()
	_ = s.link.Fire(fsm.EventDisconnect)
	return s.sdk.Close(h)
}
