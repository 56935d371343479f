package station

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.uber.org/multierr"

	"spectro-station/internal/device"
	"spectro-station/internal/engine"
	"spectro-station/internal/event"
	"spectro-station/internal/transport"
	"spectro-station/internal/types"
)

var (
	// ErrBusy 设备上一个操作还没有结束
	ErrBusy = errors.New("device busy")
	// ErrUnknownDevice 设备 ID 不存在
	ErrUnknownDevice = errors.New("unknown device")
)

// Device 定义所有设备驱动共有的接口
type Device interface {
	ID() types.DeviceID
	Connect(ctx context.Context) types.Result
	Connected() bool
	Close() error
}

// applier 由需要在事件循环中写回状态的驱动实现
type applier interface {
	Apply(*types.Result)
}

// Config 站点配置
type Config struct {
	Rotator      device.RotatorConfig      `mapstructure:"rotator"`
	FilterWheel  device.FilterWheelConfig  `mapstructure:"filter_wheel"`
	Temp         device.TempConfig         `mapstructure:"temp_controller"`
	Env          device.EnvConfig          `mapstructure:"env_sensor"`
	IMU          device.IMUConfig          `mapstructure:"imu"`
	Spectrometer device.SpectrometerConfig `mapstructure:"spectrometer"`

	TempPoll      time.Duration `mapstructure:"temp_poll"`
	EnvPoll       time.Duration `mapstructure:"env_poll"`
	HomeOnConnect bool          `mapstructure:"home_on_connect"`

	DataDir  string `mapstructure:"-"`
	ImageDir string `mapstructure:"-"`
}

// Options 注入外部依赖，测试中用来替换串口和 SDK
type Options struct {
	Openers map[types.DeviceID]transport.Opener
	SDK     device.SDK
	Camera  Camera
}

// RoutineSource 提供当前例程信息
type RoutineSource interface {
	Info() types.RoutineInfo
}

// Recorder 是站点使用的记录器能力
type Recorder interface {
	Start() error
	Stop() error
	Active() bool
	Path() string
	Snapshot() (string, error)
}

// Station 拥有所有设备驱动，是例程命令和外部请求的唯一入口
// 设备操作通过 Dispatcher 在后台执行，结果在事件循环里写回驱动状态
type Station struct {
	cfg    Config
	bus    *event.Bus
	disp   *engine.Dispatcher
	logger *slog.Logger

	Rotator      *device.Rotator
	FilterWheel  *device.FilterWheel
	Temp         *device.TempController
	Env          *device.EnvSensor
	IMU          *device.IMU
	Spectrometer *device.Spectrometer
	devices      map[types.DeviceID]Device

	camera   Camera
	routine  RoutineSource
	recorder Recorder

	busyMu  sync.Mutex
	busy    map[types.DeviceID]bool // 用户命令 (例程、外部接口) 未完成
	polling map[types.DeviceID]bool // 轮询未完成，不阻挡用户命令
}

// New 创建站点并订阅操作完成事件
func New(cfg Config, bus *event.Bus, disp *engine.Dispatcher, opts Options, logger *slog.Logger) *Station {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.TempPoll <= 0 {
		cfg.TempPoll = time.Second
	}
	if cfg.EnvPoll <= 0 {
		cfg.EnvPoll = 2 * time.Second
	}
	if cfg.DataDir == "" {
		cfg.DataDir = "data"
	}
	if cfg.ImageDir == "" {
		cfg.ImageDir = "images"
	}
	open := func(id types.DeviceID) transport.Opener { return opts.Openers[id] }

	s := &Station{
		cfg:          cfg,
		bus:          bus,
		disp:         disp,
		logger:       logger.With("component", "station"),
		Rotator:      device.NewRotator(cfg.Rotator, open(types.DeviceRotator), logger),
		FilterWheel:  device.NewFilterWheel(cfg.FilterWheel, open(types.DeviceFilterWheel), logger),
		Temp:         device.NewTempController(cfg.Temp, open(types.DeviceTempController), logger),
		Env:          device.NewEnvSensor(cfg.Env, open(types.DeviceEnvSensor), logger),
		IMU:          device.NewIMU(cfg.IMU, open(types.DeviceIMU), logger),
		Spectrometer: device.NewSpectrometer(cfg.Spectrometer, opts.SDK, logger),
		camera:       opts.Camera,
		busy:         make(map[types.DeviceID]bool),
		polling:      make(map[types.DeviceID]bool),
	}
	s.devices = map[types.DeviceID]Device{
		types.DeviceRotator:        s.Rotator,
		types.DeviceFilterWheel:    s.FilterWheel,
		types.DeviceTempController: s.Temp,
		types.DeviceEnvSensor:      s.Env,
		types.DeviceIMU:            s.IMU,
		types.DeviceSpectrometer:   s.Spectrometer,
	}

	// 后台协程上报的故障直接转为状态消息
	s.IMU.OnFault(s.report)
	s.Spectrometer.OnError(s.report)

	bus.Subscribe(event.OperationCompleted, s.onCompleted)
	return s
}

// SetRoutine 设置例程信息来源
func (s *Station) SetRoutine(r RoutineSource) { s.routine = r }

// SetRecorder 设置数据记录器
func (s *Station) SetRecorder(r Recorder) { s.recorder = r }

// Device 按 ID 返回设备
func (s *Station) Device(id types.DeviceID) (Device, error) {
	d, ok := s.devices[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDevice, id)
	}
	return d, nil
}

// onCompleted 在事件循环中执行：写回状态 (同时释放忙标志)，上报状态文本
func (s *Station) onCompleted(e event.Event) {
	if e.Result == nil {
		return
	}
	if e.Apply != nil {
		e.Apply(e.Result)
	}
	if e.Result.Status != "" {
		s.bus.Publish(event.Event{Type: event.StatusMessage, Device: e.Device, OpID: e.OpID, Message: e.Result.Status})
	}
}

// report 把后台协程产生的结果作为状态消息发布
func (s *Station) report(r types.Result) {
	if r.Status == "" {
		return
	}
	s.bus.Publish(event.Event{Type: event.StatusMessage, Device: r.Device, Message: r.Status})
}

func (s *Station) status(msg string) {
	s.bus.Publish(event.Event{Type: event.StatusMessage, Message: msg})
}

func (s *Station) acquire(id types.DeviceID) bool {
	s.busyMu.Lock()
	defer s.busyMu.Unlock()
	if s.busy[id] {
		return false
	}
	s.busy[id] = true
	return true
}

func (s *Station) release(id types.DeviceID) {
	s.busyMu.Lock()
	delete(s.busy, id)
	s.busyMu.Unlock()
}

// Busy 报告设备是否有未完成的操作
func (s *Station) Busy(id types.DeviceID) bool {
	s.busyMu.Lock()
	defer s.busyMu.Unlock()
	return s.busy[id]
}

// submit 在设备空闲时提交操作
func (s *Station) submit(id types.DeviceID, name string, run func(ctx context.Context) types.Result, apply func(*types.Result)) error {
	if !s.acquire(id) {
		s.logger.Warn("设备忙，拒绝操作", "device", id, "op", name)
		s.bus.Publish(event.Event{Type: event.StatusMessage, Device: id, Message: fmt.Sprintf("%s is busy", DisplayName(id))})
		return fmt.Errorf("%w: %s", ErrBusy, id)
	}
	s.disp.Submit(engine.Operation{Device: id, Name: name, Run: run, Apply: func(r *types.Result) {
		s.release(id)
		if apply != nil {
			apply(r)
		}
	}})
	return nil
}

// poll 提交一次后台轮询
// 轮询不占用忙标志，与用户命令在驱动的连接锁上排队；同一设备的轮询不重叠
func (s *Station) poll(id types.DeviceID, name string, run func(ctx context.Context) types.Result, apply func(*types.Result)) {
	s.busyMu.Lock()
	if s.busy[id] || s.polling[id] {
		s.busyMu.Unlock()
		return
	}
	s.polling[id] = true
	s.busyMu.Unlock()

	s.disp.Submit(engine.Operation{Device: id, Name: name, Run: run, Apply: func(r *types.Result) {
		s.busyMu.Lock()
		delete(s.polling, id)
		s.busyMu.Unlock()
		apply(r)
	}})
}

// Connect 在后台打开设备
// 旋转台和滤光轮连接成功后按配置回零
func (s *Station) Connect(id types.DeviceID) error {
	d, err := s.Device(id)
	if err != nil {
		return err
	}
	apply := func(r *types.Result) {
		if a, ok := d.(applier); ok {
			a.Apply(r)
		}
		if r.Success && s.cfg.HomeOnConnect {
			s.homeAfterConnect(id)
		}
	}
	return s.submit(id, "connect", d.Connect, apply)
}

func (s *Station) homeAfterConnect(id types.DeviceID) {
	switch id {
	case types.DeviceRotator:
		_ = s.HomeRotator()
	case types.DeviceFilterWheel:
		_ = s.HomeFilter()
	}
}

// ConnectAll 依次提交所有设备的连接操作
func (s *Station) ConnectAll() error {
	var err error
	for _, id := range types.AllDevices {
		multierr.AppendInto(&err, s.Connect(id))
	}
	return err
}

// Disconnect 在后台关闭设备
func (s *Station) Disconnect(id types.DeviceID) error {
	d, err := s.Device(id)
	if err != nil {
		return err
	}
	var apply func(*types.Result)
	if a, ok := d.(applier); ok && id == types.DeviceSpectrometer {
		apply = a.Apply
	}
	return s.submit(id, "disconnect", func(ctx context.Context) types.Result {
		if err := d.Close(); err != nil {
			return types.Failed(id, "disconnect", fmt.Errorf("%w: %w", types.ErrIO, err), fmt.Sprintf("%s disconnect error: %v", DisplayName(id), err))
		}
		return types.Succeeded(id, "disconnect", nil, fmt.Sprintf("%s disconnected", DisplayName(id)))
	}, apply)
}

// MoveRotator 转到指定角度
func (s *Station) MoveRotator(angle int) error {
	return s.submit(types.DeviceRotator, "move", func(ctx context.Context) types.Result {
		return s.Rotator.MoveTo(ctx, angle)
	}, s.Rotator.Apply)
}

// HomeRotator 旋转台回零
func (s *Station) HomeRotator() error {
	return s.submit(types.DeviceRotator, "home", s.Rotator.Home, s.Rotator.Apply)
}

// MoveFilter 滤光轮移动到 1..6
func (s *Station) MoveFilter(pos int) error {
	return s.submit(types.DeviceFilterWheel, "move", func(ctx context.Context) types.Result {
		return s.FilterWheel.MoveTo(ctx, pos)
	}, s.FilterWheel.Apply)
}

// HomeFilter 滤光轮复位
func (s *Station) HomeFilter() error {
	return s.submit(types.DeviceFilterWheel, "home", s.FilterWheel.Home, s.FilterWheel.Apply)
}

// FilterPreset 滤光轮移动到命名预设位置
func (s *Station) FilterPreset(name string) error {
	return s.submit(types.DeviceFilterWheel, "preset", func(ctx context.Context) types.Result {
		return s.FilterWheel.Preset(ctx, name)
	}, s.FilterWheel.Apply)
}

// SendFilter 发送原始滤光轮指令
func (s *Station) SendFilter(cmd string) error {
	return s.submit(types.DeviceFilterWheel, "send", func(ctx context.Context) types.Result {
		return s.FilterWheel.Send(ctx, cmd)
	}, s.FilterWheel.Apply)
}

// SetTemperature 写入温控设定值
func (s *Station) SetTemperature(c float64) error {
	return s.submit(types.DeviceTempController, "setpoint", func(ctx context.Context) types.Result {
		return s.Temp.SetSetpoint(ctx, c)
	}, s.Temp.Apply)
}

// TemperatureOff 关闭温控输出
func (s *Station) TemperatureOff() error {
	return s.submit(types.DeviceTempController, "power", s.Temp.Off, s.Temp.Apply)
}

// StartSpectrometer 开始连续测量
func (s *Station) StartSpectrometer() error {
	return s.submit(types.DeviceSpectrometer, "start", s.Spectrometer.Start, s.Spectrometer.Apply)
}

// StopSpectrometer 停止测量，直到设备确认停止前不接受新的启动
func (s *Station) StopSpectrometer() error {
	return s.submit(types.DeviceSpectrometer, "stop", s.Spectrometer.Stop, s.Spectrometer.Apply)
}

// ConfigureSpectrometer 更新测量参数
func (s *Station) ConfigureSpectrometer(p engine.SpectrometerSettings) error {
	return s.submit(types.DeviceSpectrometer, "settings", func(ctx context.Context) types.Result {
		return s.Spectrometer.ApplySettings(ctx, p.IntegrationMs, p.Averages, p.Cycles, p.Repetitions)
	}, s.Spectrometer.Apply)
}

// PollTemperature 读取一次温度，未连接、用户命令未完成或上一次轮询未结束时跳过
func (s *Station) PollTemperature() {
	if !s.Temp.Connected() {
		return
	}
	s.poll(types.DeviceTempController, "poll", s.Temp.Poll, s.Temp.Apply)
}

// PollEnvironment 读取一次温湿压，跳过条件同 PollTemperature
func (s *Station) PollEnvironment() {
	if !s.Env.Connected() {
		return
	}
	s.poll(types.DeviceEnvSensor, "read", s.Env.Read, s.Env.Apply)
}

// Run 运行轮询定时器，直到 ctx 取消
func (s *Station) Run(ctx context.Context) {
	tempTicker := time.NewTicker(s.cfg.TempPoll)
	defer tempTicker.Stop()
	envTicker := time.NewTicker(s.cfg.EnvPoll)
	defer envTicker.Stop()

	s.logger.Info("开始轮询设备", "temp_poll", s.cfg.TempPoll, "env_poll", s.cfg.EnvPoll)
	for {
		select {
		case <-ctx.Done():
			return
		case <-tempTicker.C:
			s.PollTemperature()
		case <-envTicker.C:
			s.PollEnvironment()
		}
	}
}

// Sample 组合所有设备的最新快照，供记录器使用
func (s *Station) Sample() types.DataRow {
	row := types.DataRow{
		Timestamp:    time.Now(),
		Rotator:      s.Rotator.State(),
		Filter:       s.FilterWheel.State(),
		Temp:         s.Temp.State(),
		Env:          s.Env.State(),
		IMU:          s.IMU.State(),
		Spectrometer: s.Spectrometer.State(),
	}
	if s.routine != nil {
		row.Routine = s.routine.Info()
	}
	return row
}

// Snapshot 是站点的整体视图，供外部界面拉取
type Snapshot struct {
	Rotator      types.RotatorState      `json:"rotator"`
	FilterWheel  types.FilterState       `json:"filter_wheel"`
	Temp         types.TempState         `json:"temp_controller"`
	Env          types.EnvState          `json:"env_sensor"`
	IMU          types.IMUReading        `json:"imu"`
	Spectrometer types.SpectrometerState `json:"spectrometer"`
	Routine      types.RoutineInfo       `json:"routine"`
	Recording    bool                    `json:"recording"`
	RecordPath   string                  `json:"record_path,omitempty"`
	Busy         []types.DeviceID        `json:"busy"`
}

// Snapshot 返回站点快照
func (s *Station) Snapshot() Snapshot {
	row := s.Sample()
	snap := Snapshot{
		Rotator:      row.Rotator,
		FilterWheel:  row.Filter,
		Temp:         row.Temp,
		Env:          row.Env,
		IMU:          row.IMU,
		Spectrometer: row.Spectrometer,
		Routine:      row.Routine,
		Busy:         []types.DeviceID{},
	}
	if s.recorder != nil {
		snap.Recording = s.recorder.Active()
		snap.RecordPath = s.recorder.Path()
	}
	s.busyMu.Lock()
	for id := range s.busy {
		snap.Busy = append(snap.Busy, id)
	}
	s.busyMu.Unlock()
	sort.Slice(snap.Busy, func(i, j int) bool { return snap.Busy[i] < snap.Busy[j] })
	return snap
}

// Close 等待进行中的操作后关闭所有设备
func (s *Station) Close() error {
	s.disp.WaitForCompletion()
	var err error
	for _, id := range types.AllDevices {
		if cerr := s.devices[id].Close(); cerr != nil {
			multierr.AppendInto(&err, fmt.Errorf("close %s: %w", id, cerr))
		}
	}
	return err
}

// DisplayName 返回设备在状态消息里的名称
func DisplayName(id types.DeviceID) string {
	switch id {
	case types.DeviceRotator:
		return "Motor"
	case types.DeviceFilterWheel:
		return "Filter wheel"
	case types.DeviceSpectrometer:
		return "Spectrometer"
	case types.DeviceTempController:
		return "Temperature controller"
	case types.DeviceEnvSensor:
		return "THP sensor"
	case types.DeviceIMU:
		return "IMU"
	}
	return string(id)
}
