package device

import (
	"context"
	"sync"
	"testing"
	"time"

	"spectro-station/internal/types"
)

// stubSDK 记录调用顺序，回调和停止确认由测试手动驱动
type stubSDK struct {
	mu       sync.Mutex
	pixels   int
	calls    []string
	cb       ScanCallback
	prepared MeasureParams
	release  chan struct{} // 非 nil 时 StopMeasure 阻塞直到关闭
}

func (s *stubSDK) record(c string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, c)
}

func (s *stubSDK) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

func (s *stubSDK) Open() (Handle, error) {
	s.record("open")
	return Handle{ID: 7, Serial: "STUB", Pixels: s.pixels, Wavelengths: make([]float64, s.pixels)}, nil
}

func (s *stubSDK) Prepare(h int, p MeasureParams) int {
	s.record("prepare")
	s.mu.Lock()
	s.prepared = p
	s.mu.Unlock()
	return 0
}

func (s *stubSDK) Measure(h int, cb ScanCallback, count int) int {
	s.record("measure")
	s.mu.Lock()
	s.cb = cb
	s.mu.Unlock()
	return 0
}

func (s *stubSDK) GetScopeData(h int) ([]float64, error) {
	out := make([]float64, s.pixels)
	for i := range out {
		out[i] = float64(i + 1)
	}
	return out, nil
}

func (s *stubSDK) StopMeasure(h int) int {
	s.record("stop")
	s.mu.Lock()
	release := s.release
	s.mu.Unlock()
	if release != nil {
		<-release
	}
	return 0
}

func (s *stubSDK) Close(h int) error { return nil }

func (s *stubSDK) fire(status int) {
	s.mu.Lock()
	cb := s.cb
	s.mu.Unlock()
	cb(status)
}

func testSpectrometer(t *testing.T, sdk SDK) *Spectrometer {
	t.Helper()
	s := NewSpectrometer(SpectrometerConfig{IntegrationMs: 50}, sdk, nil)
	r := s.Connect(context.Background())
	if !r.Success {
		t.Fatalf("连接失败: %s", r.Status)
	}
	s.Apply(&r)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAveragesFor(t *testing.T) {
	cases := []struct {
		ms   float64
		want int
	}{
		{0, 10}, {1, 10}, {9.99, 10},
		{10, 5}, {50, 5}, {99.9, 5},
		{100, 2}, {500, 2}, {999, 2},
		{1000, 1}, {5000, 1},
	}
	for _, c := range cases {
		if got := AveragesFor(c.ms); got != c.want {
			t.Errorf("AveragesFor(%v) = %d, 预期 %d", c.ms, got, c.want)
		}
	}
}

func TestNormalizeScan(t *testing.T) {
	long := make([]float64, 3000)
	for i := range long {
		long[i] = float64(i)
	}
	out := NormalizeScan(long)
	if len(out) != types.MaxPixels || out[types.MaxPixels-1] != float64(types.MaxPixels-1) {
		t.Errorf("长数据应截断为前 %d 个样本", types.MaxPixels)
	}

	short := make([]float64, 100)
	for i := range short {
		short[i] = 1
	}
	out = NormalizeScan(short)
	if len(out) != types.MaxPixels {
		t.Fatalf("长度 %d, 预期 %d", len(out), types.MaxPixels)
	}
	if out[99] != 1 || out[100] != 0 || out[types.MaxPixels-1] != 0 {
		t.Error("短数据应在末尾补零")
	}
}

func TestSpectrometer_ScanCallbackUpdatesState(t *testing.T) {
	sdk := &stubSDK{pixels: 3648}
	s := testSpectrometer(t, sdk)
	if r := s.Start(context.Background()); !r.Success {
		t.Fatalf("启动失败: %s", r.Status)
	}

	sdk.fire(0)
	waitFor(t, time.Second, func() bool { return s.State().ScanCount == 1 })
	st := s.State()
	if len(st.Intensities) != types.MaxPixels {
		t.Fatalf("强度数组长度 %d, 预期 %d", len(st.Intensities), types.MaxPixels)
	}
	if st.Intensities[types.MaxPixels-1] != float64(types.MaxPixels) {
		t.Errorf("应保留前 %d 个原生样本", types.MaxPixels)
	}
}

func TestSpectrometer_ErrorCodeIsReported(t *testing.T) {
	sdk := &stubSDK{pixels: 1024}
	s := testSpectrometer(t, sdk)
	errs := make(chan types.Result, 1)
	s.OnError(func(r types.Result) { errs <- r })
	s.Start(context.Background())

	sdk.fire(-5)
	select {
	case r := <-errs:
		if r.Status != "Spectrometer error code -5" {
			t.Errorf("状态文本错误: %q", r.Status)
		}
	case <-time.After(time.Second):
		t.Fatal("未收到错误通知")
	}
}

func TestSpectrometer_StartRefusedWhileStopping(t *testing.T) {
	sdk := &stubSDK{pixels: 2048, release: make(chan struct{})}
	s := testSpectrometer(t, sdk)
	s.Start(context.Background())

	stopped := make(chan types.Result, 1)
	go func() { stopped <- s.Stop(context.Background()) }()
	waitFor(t, time.Second, func() bool { return s.State().Stopping })

	if r := s.Start(context.Background()); r.Success || r.Status != "Spectrometer is still stopping" {
		t.Fatalf("停止确认前应拒绝启动, 得到 %+v", r)
	}

	sdk.mu.Lock()
	close(sdk.release)
	sdk.release = nil
	sdk.mu.Unlock()
	if r := <-stopped; r.Status != "Measurement stopped" {
		t.Errorf("停止状态错误: %q", r.Status)
	}
	if r := s.Start(context.Background()); !r.Success {
		t.Errorf("确认停止后应能启动: %s", r.Status)
	}
}

func TestSpectrometer_SettingsWhileActiveRestarts(t *testing.T) {
	sdk := &stubSDK{pixels: 2048}
	s := testSpectrometer(t, sdk)
	s.Start(context.Background())

	r := s.ApplySettings(context.Background(), 50, 7, 3, 2)
	if !r.Success {
		t.Fatalf("更新参数失败: %s", r.Status)
	}
	want := []string{"open", "prepare", "measure", "stop", "prepare", "measure"}
	got := sdk.Calls()
	if len(got) != len(want) {
		t.Fatalf("调用顺序 %v, 预期 %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("调用顺序 %v, 预期 %v", got, want)
		}
	}
	if sdk.prepared.Averages != 5 || sdk.prepared.Cycles != 3 || sdk.prepared.Repetitions != 2 {
		t.Errorf("平均次数应由积分时间推导: %+v", sdk.prepared)
	}
	s.Apply(&r)
	if st := s.State(); !st.Active || st.IntegrationMs != 50 || st.Averages != 5 || st.Cycles != 3 {
		t.Error("更新参数后测量应恢复")
	}
}

func TestSpectrometer_SimulatedBackend(t *testing.T) {
	s := NewSpectrometer(SpectrometerConfig{Pixels: 1024, IntegrationMs: 5}, nil, nil)
	defer s.Close()
	r := s.Connect(context.Background())
	if !r.Success {
		t.Fatal(r.Status)
	}
	s.Apply(&r)
	if r := s.Start(context.Background()); !r.Success {
		t.Fatal(r.Status)
	}
	waitFor(t, 2*time.Second, func() bool { return s.State().ScanCount > 0 })
	st := s.State()
	if st.NativePixels != 1024 || len(st.Intensities) != types.MaxPixels || st.Intensities[1500] != 0 {
		t.Errorf("模拟器快照错误: native=%d len=%d", st.NativePixels, len(st.Intensities))
	}
}

func TestSpectrometer_StatePublishedOnApply(t *testing.T) {
	sdk := &stubSDK{pixels: 2048}
	s := testSpectrometer(t, sdk)

	r := s.Start(context.Background())
	if !r.Success {
		t.Fatalf("启动失败: %s", r.Status)
	}
	if s.State().Active {
		t.Fatal("Apply 之前不应发布启动状态")
	}
	s.Apply(&r)
	if !s.State().Active {
		t.Fatal("Apply 之后应为测量中")
	}

	r = s.Stop(context.Background())
	if !s.State().Active {
		t.Fatal("Apply 之前不应发布停止状态")
	}
	s.Apply(&r)
	if s.State().Active {
		t.Error("Apply 之后应已停止")
	}
}
