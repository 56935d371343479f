package web_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"spectro-station/internal/engine"
	"spectro-station/internal/event"
	"spectro-station/internal/handlers"
	"spectro-station/internal/recorder"
	"spectro-station/internal/station"
	"spectro-station/internal/transport"
	"spectro-station/internal/types"
	"spectro-station/internal/web"
)

type testApp struct {
	station *station.Station
	routine *engine.Engine
	rec     *recorder.Recorder
	tracker *web.StateTracker
	hub     *web.Hub
	server  *httptest.Server
	dir     string
}

// setupTestApp 启动一个完整的应用实例以进行测试
func setupTestApp(t *testing.T) *testApp {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	dir := t.TempDir()

	ctx, cancel := context.WithCancel(context.Background())
	bus := event.NewBus(logger)
	go bus.Run(ctx)
	hub := web.NewHub(logger)
	go hub.Run()

	var pos atomic.Int32
	pos.Store(1)
	fw := transport.NewFake(func(w []byte) [][]byte {
		cmd := strings.TrimSpace(string(w))
		switch {
		case cmd == "?":
			return [][]byte{[]byte(strconv.Itoa(int(pos.Load())) + "\r\n")}
		case cmd == "F1r":
			pos.Store(1)
		case strings.HasPrefix(cmd, "F1") && len(cmd) == 3:
			pos.Store(int32(cmd[2] - '0'))
		}
		return nil
	})
	cfg := station.Config{DataDir: filepath.Join(dir, "data"), ImageDir: filepath.Join(dir, "images")}
	cfg.FilterWheel.Serial = transport.Config{Name: "fw0", Timeout: 100 * time.Millisecond}
	cfg.FilterWheel.SettleDelay = time.Millisecond
	cfg.FilterWheel.QueryDelay = time.Millisecond

	disp := engine.NewDispatcher(ctx, bus, logger)
	st := station.New(cfg, bus, disp, station.Options{
		Openers: map[types.DeviceID]transport.Opener{types.DeviceFilterWheel: transport.FakeOpener(fw)},
	}, logger)
	routine := engine.NewEngine(ctx, st, bus, 0, logger)
	st.SetRoutine(routine)
	rec, err := recorder.New(recorder.Config{
		DataDir:  filepath.Join(dir, "data"),
		LogDir:   filepath.Join(dir, "logs"),
		Interval: 20 * time.Millisecond,
	}, st, bus, logger)
	if err != nil {
		t.Fatalf("初始化记录器失败: %v", err)
	}
	st.SetRecorder(rec)

	tracker := web.NewStateTracker(st, hub)
	handlers.RegisterEventHandlers(bus, tracker, rec, logger)

	mux := http.NewServeMux()
	web.NewAPI(st, routine, rec, tracker, hub, filepath.Join(dir, "schedules"), logger).Routes(mux)
	server := httptest.NewServer(mux)

	t.Cleanup(func() {
		server.Close()
		routine.Close()
		if rec.Active() {
			rec.Stop()
		}
		st.Close()
		cancel()
	})
	return &testApp{station: st, routine: routine, rec: rec, tracker: tracker, hub: hub, server: server, dir: dir}
}

func (a *testApp) post(t *testing.T, path string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	resp, err := http.Post(a.server.URL+path, "application/json", &buf)
	if err != nil {
		t.Fatalf("请求 %s 失败: %v", path, err)
	}
	defer resp.Body.Close()
	out := map[string]any{}
	json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("等待条件超时")
}

func TestAPI_State(t *testing.T) {
	app := setupTestApp(t)
	resp, err := http.Get(app.server.URL + "/api/state")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("预期状态码 200, 得到 %d", resp.StatusCode)
	}
	var state web.GlobalState
	if err := json.NewDecoder(resp.Body).Decode(&state); err != nil {
		t.Fatalf("解析状态失败: %v", err)
	}
	if state.Station.Routine.Name != "Unknown" || state.Station.Recording {
		t.Errorf("初始状态错误: %+v", state.Station)
	}
}

func TestAPI_ConnectAndCommand(t *testing.T) {
	app := setupTestApp(t)

	resp, _ := app.post(t, "/api/devices/filter_wheel/connect", nil)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("预期状态码 202, 得到 %d", resp.StatusCode)
	}
	waitFor(t, func() bool { return app.station.FilterWheel.Connected() && !app.station.Busy(types.DeviceFilterWheel) })

	resp, _ = app.post(t, "/api/command", map[string]string{"command": "filter position 4"})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("预期状态码 202, 得到 %d", resp.StatusCode)
	}
	waitFor(t, func() bool { return app.station.FilterWheel.State().Position == 4 })

	waitFor(t, func() bool {
		for _, l := range app.tracker.GetStateSnapshot().Recent {
			if strings.Contains(l.Message, "Filter wheel connected") {
				return true
			}
		}
		return false
	})
}

func TestAPI_ErrorMapping(t *testing.T) {
	app := setupTestApp(t)

	cases := []struct {
		path string
		body any
		want int
	}{
		{"/api/devices/laser/connect", nil, http.StatusNotFound},
		{"/api/command", map[string]string{"command": "bogus cmd"}, http.StatusBadRequest},
		{"/api/command", map[string]string{"command": "wait 100"}, http.StatusBadRequest},
		{"/api/command", map[string]string{"command": "temp setpoint hot"}, http.StatusBadRequest},
		{"/api/routine/toggle", nil, http.StatusConflict},
		{"/api/routine/preset", map[string]string{"name": "Moon Dance"}, http.StatusNotFound},
		{"/api/routine/load", map[string]string{"path": "/nonexistent/schedule.txt"}, http.StatusNotFound},
		{"/api/command", map[string]string{"command": "camera capture"}, http.StatusConflict},
	}
	for _, c := range cases {
		resp, body := app.post(t, c.path, c.body)
		if resp.StatusCode != c.want {
			t.Errorf("%s %v: 预期 %d, 得到 %d (%v)", c.path, c.body, c.want, resp.StatusCode, body)
		}
	}

	resp, err := http.Post(app.server.URL+"/api/command", "application/json", strings.NewReader("{"))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("非法 JSON: 预期 400, 得到 %d", resp.StatusCode)
	}
}

func TestAPI_RoutinePresetLoadsWithoutStarting(t *testing.T) {
	app := setupTestApp(t)

	resp, body := app.post(t, "/api/routine/preset", map[string]string{"name": "Dark Current"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("预期状态码 200, 得到 %d (%v)", resp.StatusCode, body)
	}
	if body["name"] != "schedule_dark_current" {
		t.Errorf("例程名 %v", body["name"])
	}
	if _, err := os.Stat(filepath.Join(app.dir, "schedules", "schedule_dark_current.txt")); err != nil {
		t.Errorf("模板文件未写入: %v", err)
	}
	if info := app.routine.Info(); info.Running || info.Total == 0 {
		t.Errorf("加载后不应运行: %+v", info)
	}

	resp, body = app.post(t, "/api/routine/toggle", nil)
	if resp.StatusCode != http.StatusOK || body["running"] != true {
		t.Fatalf("启动例程: %d %v", resp.StatusCode, body)
	}
	resp, _ = app.post(t, "/api/routine/toggle", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("停止例程: %d", resp.StatusCode)
	}
	app.routine.Wait()
	if app.routine.Info().Running {
		t.Error("停止后例程仍在运行")
	}
}

func TestAPI_RecorderToggle(t *testing.T) {
	app := setupTestApp(t)

	resp, body := app.post(t, "/api/recorder/toggle", nil)
	if resp.StatusCode != http.StatusOK || body["active"] != true {
		t.Fatalf("开始记录: %d %v", resp.StatusCode, body)
	}
	path, _ := body["path"].(string)
	if !strings.HasPrefix(filepath.Base(path), "Scans_") {
		t.Errorf("记录文件 %q", path)
	}

	resp, body = app.post(t, "/api/recorder/toggle", nil)
	if resp.StatusCode != http.StatusOK || body["active"] != false {
		t.Fatalf("停止记录: %d %v", resp.StatusCode, body)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("记录文件不存在: %v", err)
	}
}

func TestAPI_SpectrometerSave(t *testing.T) {
	app := setupTestApp(t)

	resp, body := app.post(t, "/api/spectrometer/save", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("预期状态码 200, 得到 %d", resp.StatusCode)
	}
	path, _ := body["path"].(string)
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("快照文件: %v", err)
	}
	if !strings.HasPrefix(string(data), "Wavelength (nm),Intensity") {
		t.Errorf("快照表头错误: %q", data)
	}
}

func TestAPI_WebSocketReceivesStateThenStatus(t *testing.T) {
	app := setupTestApp(t)

	url := "ws" + strings.TrimPrefix(app.server.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("连接 WebSocket 失败: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var first web.Message
	if err := conn.ReadJSON(&first); err != nil {
		t.Fatalf("读取首条消息失败: %v", err)
	}
	if first.Type != "state" {
		t.Fatalf("首条消息应为 state, 得到 %s", first.Type)
	}

	// 注册完成后再触发状态消息
	waitFor(t, func() bool { return app.hub.Clients() == 1 })
	app.tracker.AddStatus(event.Event{Message: "hello from test"})
	for {
		var msg struct {
			Type string         `json:"type"`
			Data web.StatusLine `json:"data"`
		}
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("没有收到状态消息: %v", err)
		}
		if msg.Type == "status" && msg.Data.Message == "hello from test" {
			return
		}
	}
}
