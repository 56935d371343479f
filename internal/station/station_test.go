package station

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"spectro-station/internal/device"
	"spectro-station/internal/engine"
	"spectro-station/internal/event"
	"spectro-station/internal/transport"
	"spectro-station/internal/types"
)

// filterFake 对 ? 查询应答当前位置
func filterFake(pos *int, mu *sync.Mutex) *transport.Fake {
	return transport.NewFake(func(w []byte) [][]byte {
		mu.Lock()
		defer mu.Unlock()
		cmd := strings.TrimSpace(string(w))
		switch {
		case cmd == "F1r":
			*pos = 1
		case strings.HasPrefix(cmd, "F1") && len(cmd) == 3:
			*pos = int(cmd[2] - '0')
		case cmd == "?":
			return [][]byte{[]byte(string(rune('0'+*pos)) + "\r\n")}
		}
		return nil
	})
}

type statusLog struct {
	mu   sync.Mutex
	msgs []string
}

func (l *statusLog) add(e event.Event) {
	l.mu.Lock()
	l.msgs = append(l.msgs, e.Message)
	l.mu.Unlock()
}

func (l *statusLog) has(msg string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, m := range l.msgs {
		if strings.Contains(m, msg) {
			return true
		}
	}
	return false
}

func newTestStation(t *testing.T, cfg Config, opts Options) (*Station, *statusLog) {
	t.Helper()
	bus := event.NewBus(nil)
	log := &statusLog{}
	bus.Subscribe(event.StatusMessage, log.add)
	ctx, cancel := context.WithCancel(context.Background())
	go bus.Run(ctx)

	dir := t.TempDir()
	cfg.DataDir = filepath.Join(dir, "data")
	cfg.ImageDir = filepath.Join(dir, "images")
	if cfg.FilterWheel.Serial.Name == "" {
		cfg.FilterWheel = filterConfig(time.Millisecond)
	}
	disp := engine.NewDispatcher(ctx, bus, nil)
	s := New(cfg, bus, disp, opts, nil)
	t.Cleanup(func() {
		s.Close()
		cancel()
	})
	return s, log
}

func filterConfig(settle time.Duration) (c device.FilterWheelConfig) {
	c.Serial = transport.Config{Name: "fw0", Timeout: 100 * time.Millisecond}
	c.SettleDelay = settle
	c.QueryDelay = time.Millisecond
	return c
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("等待条件超时")
}

func TestStation_ConnectHomesFilterWheel(t *testing.T) {
	var mu sync.Mutex
	pos := 4
	f := filterFake(&pos, &mu)
	s, log := newTestStation(t, Config{HomeOnConnect: true}, Options{
		Openers: map[types.DeviceID]transport.Opener{types.DeviceFilterWheel: transport.FakeOpener(f)},
	})

	if err := s.Connect(types.DeviceFilterWheel); err != nil {
		t.Fatal(err)
	}
	waitFor(t, 2*time.Second, func() bool { return s.FilterWheel.State().Position == 1 })
	waitFor(t, time.Second, func() bool { return log.has("Filter wheel reset to position 1.") })
	if !log.has("Filter wheel connected on fw0") {
		t.Error("缺少连接状态消息")
	}
	if !s.FilterWheel.State().Connected {
		t.Error("连接后应为已连接")
	}
}

func TestStation_BusyDeviceRejectsSecondCommand(t *testing.T) {
	var mu sync.Mutex
	pos := 1
	f := filterFake(&pos, &mu)
	cfg := Config{FilterWheel: filterConfig(150 * time.Millisecond)}
	s, log := newTestStation(t, cfg, Options{
		Openers: map[types.DeviceID]transport.Opener{types.DeviceFilterWheel: transport.FakeOpener(f)},
	})
	s.Connect(types.DeviceFilterWheel)
	waitFor(t, time.Second, func() bool { return s.FilterWheel.Connected() && !s.Busy(types.DeviceFilterWheel) })

	if err := s.MoveFilter(3); err != nil {
		t.Fatal(err)
	}
	if err := s.MoveFilter(5); !errors.Is(err, ErrBusy) {
		t.Fatalf("预期 ErrBusy, 得到 %v", err)
	}
	waitFor(t, time.Second, func() bool { return log.has("Filter wheel is busy") })
	if snap := s.Snapshot(); len(snap.Busy) != 1 || snap.Busy[0] != types.DeviceFilterWheel {
		t.Errorf("快照忙设备 %v", snap.Busy)
	}

	waitFor(t, 2*time.Second, func() bool { return !s.Busy(types.DeviceFilterWheel) })
	if got := s.FilterWheel.State().Position; got != 3 {
		t.Errorf("位置 %d, 预期 3", got)
	}
	if err := s.MoveFilter(5); err != nil {
		t.Errorf("完成后应允许新命令: %v", err)
	}
}

func TestStation_OperationOnDisconnectedDeviceReportsStatus(t *testing.T) {
	s, log := newTestStation(t, Config{}, Options{})
	if err := s.MoveRotator(90); err != nil {
		t.Fatal(err)
	}
	waitFor(t, time.Second, func() bool { return log.has("Motor not connected") })
	waitFor(t, time.Second, func() bool { return !s.Busy(types.DeviceRotator) })
	if s.Rotator.State().AngleDeg != 0 {
		t.Error("失败的操作不应修改状态")
	}
}

func TestStation_PollSkippedWhenDisconnected(t *testing.T) {
	s, _ := newTestStation(t, Config{}, Options{})
	s.PollTemperature()
	s.PollEnvironment()
	s.busyMu.Lock()
	defer s.busyMu.Unlock()
	if len(s.polling) != 0 {
		t.Error("未连接设备不应被轮询")
	}
}

// slowTC36 模拟温控器，读主温度时延迟应答
func slowTC36(delay time.Duration, reads *atomic.Int32) *transport.Fake {
	reply := func(v uint32) []byte {
		data := fmt.Sprintf("%08x", v)
		var sum byte
		for i := 0; i < len(data); i++ {
			sum += data[i]
		}
		return []byte(fmt.Sprintf("*%s%02x^", data, sum))
	}
	return transport.NewFake(func(w []byte) [][]byte {
		if len(w) < 14 {
			return nil
		}
		cmd, _ := strconv.ParseUint(string(w[3:5]), 16, 8)
		val, _ := strconv.ParseUint(string(w[5:13]), 16, 32)
		if cmd == 0x01 {
			reads.Add(1)
			time.Sleep(delay)
			return [][]byte{reply(2150)}
		}
		return [][]byte{reply(uint32(val))}
	})
}

func TestStation_SetpointNotRejectedDuringPoll(t *testing.T) {
	cfg := Config{Temp: device.TempConfig{
		Serial:      transport.Config{Name: "tc0", Timeout: 300 * time.Millisecond},
		ReadTimeout: 300 * time.Millisecond,
	}}
	var reads atomic.Int32
	s, log := newTestStation(t, cfg, Options{Openers: map[types.DeviceID]transport.Opener{
		types.DeviceTempController: transport.FakeOpener(slowTC36(150*time.Millisecond, &reads)),
	}})
	s.Connect(types.DeviceTempController)
	waitFor(t, time.Second, func() bool { return s.Temp.Connected() && !s.Busy(types.DeviceTempController) })

	s.PollTemperature()
	if s.Busy(types.DeviceTempController) {
		t.Error("轮询不应占用忙标志")
	}
	if err := s.Perform(context.Background(), engine.Instruction{Op: engine.OpTempSetpoint, Float: 20}); err != nil {
		t.Fatalf("轮询期间设定温度被拒绝: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return s.Temp.State().Setpoint == 20 })
	waitFor(t, time.Second, func() bool { return s.Temp.State().Primary == 21.5 })
	if log.has("busy") {
		t.Error("不应上报设备忙")
	}

	// 上一次轮询未结束时不重复提交
	idle := func() bool {
		s.busyMu.Lock()
		defer s.busyMu.Unlock()
		return len(s.polling) == 0
	}
	waitFor(t, time.Second, idle)
	before := reads.Load()
	s.PollTemperature()
	s.PollTemperature()
	s.PollTemperature()
	waitFor(t, 2*time.Second, idle)
	if got := reads.Load() - before; got != 1 {
		t.Errorf("读取 %d 次, 预期 1", got)
	}
}

func TestStation_UnknownDevice(t *testing.T) {
	s, _ := newTestStation(t, Config{}, Options{})
	if err := s.Connect("laser"); !errors.Is(err, ErrUnknownDevice) {
		t.Fatalf("预期 ErrUnknownDevice, 得到 %v", err)
	}
}

func TestStation_SpectrometerSaveWritesSnapshot(t *testing.T) {
	s, log := newTestStation(t, Config{}, Options{})
	s.Connect(types.DeviceSpectrometer)
	waitFor(t, time.Second, func() bool { return s.Spectrometer.Connected() && !s.Busy(types.DeviceSpectrometer) })

	if err := s.StartSpectrometer(); err != nil {
		t.Fatal(err)
	}
	waitFor(t, 3*time.Second, func() bool { return s.Spectrometer.State().ScanCount > 0 })
	waitFor(t, time.Second, func() bool { return log.has("Measurement started") })
	waitFor(t, time.Second, func() bool { return s.Spectrometer.State().Active })

	path, err := s.SaveSpectrum()
	if err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if lines[0] != "Wavelength (nm),Intensity" || len(lines) < 2 {
		t.Errorf("快照内容错误: %d 行, 首行 %q", len(lines), lines[0])
	}

	waitFor(t, time.Second, func() bool { return !s.Busy(types.DeviceSpectrometer) })
	s.StopSpectrometer()
	waitFor(t, 2*time.Second, func() bool { return log.has("Measurement stopped") })
	waitFor(t, time.Second, func() bool { return !s.Spectrometer.State().Active })
}

type fakeCamera struct{ paths []string }

func (c *fakeCamera) Capture(path string) error {
	c.paths = append(c.paths, path)
	return os.WriteFile(path, []byte("jpeg"), 0o644)
}

func TestStation_CameraCapture(t *testing.T) {
	s, log := newTestStation(t, Config{}, Options{})
	if _, err := s.Capture(""); !errors.Is(err, ErrNoCamera) {
		t.Fatalf("预期 ErrNoCamera, 得到 %v", err)
	}
	waitFor(t, time.Second, func() bool { return log.has("Camera not available") })

	cam := &fakeCamera{}
	s2, _ := newTestStation(t, Config{}, Options{Camera: cam})
	path, err := s2.Capture("")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(filepath.Base(path), "capture_") || !strings.HasSuffix(path, ".jpg") {
		t.Errorf("默认文件名 %s", path)
	}
	if path, _ := s2.Capture("../sky.jpg"); filepath.Dir(path) != s2.cfg.ImageDir {
		t.Errorf("文件应保存在图片目录内: %s", path)
	}
}

type fakeRecorder struct {
	mu      sync.Mutex
	active  bool
	starts  int
	stops   int
	singles int
}

func (r *fakeRecorder) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active = true
	r.starts++
	return nil
}

func (r *fakeRecorder) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active = false
	r.stops++
	return nil
}

func (r *fakeRecorder) Active() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

func (r *fakeRecorder) Path() string { return "" }

func (r *fakeRecorder) Snapshot() (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.singles++
	return "single.csv", nil
}

func TestStation_PerformDataCommandsAreIdempotent(t *testing.T) {
	s, _ := newTestStation(t, Config{}, Options{})
	ctx := context.Background()
	if err := s.Execute(ctx, "data start"); !errors.Is(err, ErrNoRecorder) {
		t.Fatalf("预期 ErrNoRecorder, 得到 %v", err)
	}

	rec := &fakeRecorder{}
	s.SetRecorder(rec)
	for _, line := range []string{"data start", "data start", "data snapshot", "data stop", "data stop"} {
		if err := s.Execute(ctx, line); err != nil {
			t.Fatalf("%s: %v", line, err)
		}
	}
	if rec.starts != 1 || rec.stops != 1 || rec.singles != 1 {
		t.Errorf("start=%d stop=%d single=%d", rec.starts, rec.stops, rec.singles)
	}
	if err := s.Execute(ctx, "wait 10"); !errors.Is(err, engine.ErrUnknownCommand) {
		t.Errorf("wait 只能在例程中使用, 得到 %v", err)
	}
}

type fixedRoutine struct{ info types.RoutineInfo }

func (f fixedRoutine) Info() types.RoutineInfo { return f.info }

func TestStation_SampleCarriesRoutine(t *testing.T) {
	s, _ := newTestStation(t, Config{}, Options{})
	s.SetRoutine(fixedRoutine{types.RoutineInfo{Name: "Dark", Index: 2, Total: 7}})
	row := s.Sample()
	if row.Routine.Name != "Dark" || row.Routine.Index != 2 {
		t.Errorf("例程信息 %+v", row.Routine)
	}
	if len(row.Spectrometer.Intensities) != types.MaxPixels {
		t.Errorf("光谱长度 %d", len(row.Spectrometer.Intensities))
	}
}

func TestStation_RoutineDrivesDevices(t *testing.T) {
	var mu sync.Mutex
	pos := 1
	f := filterFake(&pos, &mu)
	s, log := newTestStation(t, Config{}, Options{
		Openers: map[types.DeviceID]transport.Opener{types.DeviceFilterWheel: transport.FakeOpener(f)},
	})
	s.Connect(types.DeviceFilterWheel)
	waitFor(t, time.Second, func() bool { return s.FilterWheel.Connected() && !s.Busy(types.DeviceFilterWheel) })

	routine := engine.NewEngine(context.Background(), s, s.bus, 0, nil)
	s.SetRoutine(routine)
	routine.Use(&engine.Script{Name: "demo", Commands: []string{"log begin", "filter position 6", "wait 100", "log end"}})
	if err := routine.Start(); err != nil {
		t.Fatal(err)
	}
	routine.Wait()

	waitFor(t, 2*time.Second, func() bool { return s.FilterWheel.State().Position == 6 })
	waitFor(t, time.Second, func() bool { return log.has("Routine 'demo' completed") })
	if !log.has("begin") || !log.has("end") {
		t.Error("log 命令没有产生状态消息")
	}
	if got := s.Sample().Routine.Name; got != "demo" {
		t.Errorf("采样中的例程名 %q", got)
	}
}
