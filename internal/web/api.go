package web

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"spectro-station/internal/engine"
	"spectro-station/internal/recorder"
	"spectro-station/internal/station"
	"spectro-station/internal/transport"
	"spectro-station/internal/types"
)

// API 是外部界面使用的 HTTP 控制接口
// 设备操作异步执行，接口返回 202，结果通过状态消息和 /ws 推送
type API struct {
	station     *station.Station
	routine     *engine.Engine
	recorder    *recorder.Recorder
	tracker     *StateTracker
	hub         *Hub
	scheduleDir string
	logger      *slog.Logger
}

// NewAPI 创建 API
func NewAPI(st *station.Station, routine *engine.Engine, rec *recorder.Recorder, tracker *StateTracker, hub *Hub, scheduleDir string, logger *slog.Logger) *API {
	if logger == nil {
		logger = slog.Default()
	}
	return &API{
		station:     st,
		routine:     routine,
		recorder:    rec,
		tracker:     tracker,
		hub:         hub,
		scheduleDir: scheduleDir,
		logger:      logger.With("component", "api"),
	}
}

// Routes 注册所有路由
func (a *API) Routes(mux *http.ServeMux) {
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /ws", func(w http.ResponseWriter, r *http.Request) {
		a.hub.ServeWs(w, r, Message{Type: "state", Data: a.tracker.GetStateSnapshot()})
	})
	mux.HandleFunc("GET /api/state", a.handleState)
	mux.HandleFunc("GET /api/spectrum", a.handleSpectrum)
	mux.HandleFunc("GET /api/ports", a.handlePorts)
	mux.HandleFunc("POST /api/devices/{device}/connect", a.handleConnect)
	mux.HandleFunc("POST /api/devices/{device}/disconnect", a.handleDisconnect)
	mux.HandleFunc("POST /api/command", a.handleCommand)
	mux.HandleFunc("POST /api/filter/preset", a.handleFilterPreset)
	mux.HandleFunc("POST /api/spectrometer/save", a.handleSave)
	mux.HandleFunc("POST /api/routine/load", a.handleRoutineLoad)
	mux.HandleFunc("POST /api/routine/preset", a.handleRoutinePreset)
	mux.HandleFunc("POST /api/routine/toggle", a.handleRoutineToggle)
	mux.HandleFunc("POST /api/recorder/toggle", a.handleRecorderToggle)
}

func (a *API) handleState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.tracker.GetStateSnapshot())
}

func (a *API) handleSpectrum(w http.ResponseWriter, r *http.Request) {
	st := a.station.Spectrometer.State()
	writeJSON(w, http.StatusOK, map[string]any{
		"wavelengths": st.Wavelengths,
		"intensities": st.Intensities,
		"scan_count":  st.ScanCount,
		"updated_at":  st.UpdatedAt,
	})
}

func (a *API) handlePorts(w http.ResponseWriter, r *http.Request) {
	ports, err := transport.Ports()
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ports": ports})
}

func (a *API) handleConnect(w http.ResponseWriter, r *http.Request) {
	if err := a.station.Connect(types.DeviceID(r.PathValue("device"))); err != nil {
		a.fail(w, err)
		return
	}
	accepted(w)
}

func (a *API) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	if err := a.station.Disconnect(types.DeviceID(r.PathValue("device"))); err != nil {
		a.fail(w, err)
		return
	}
	accepted(w)
}

type commandRequest struct {
	Command string `json:"command"`
}

func (a *API) handleCommand(w http.ResponseWriter, r *http.Request) {
	var req commandRequest
	if !a.decode(w, r, &req) {
		return
	}
	if err := a.station.Execute(r.Context(), req.Command); err != nil {
		a.fail(w, err)
		return
	}
	accepted(w)
}

type nameRequest struct {
	Name string `json:"name"`
	Path string `json:"path"`
}

func (a *API) handleFilterPreset(w http.ResponseWriter, r *http.Request) {
	var req nameRequest
	if !a.decode(w, r, &req) {
		return
	}
	if err := a.station.FilterPreset(req.Name); err != nil {
		a.fail(w, err)
		return
	}
	accepted(w)
}

func (a *API) handleSave(w http.ResponseWriter, r *http.Request) {
	path, err := a.station.SaveSpectrum()
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"path": path})
}

func (a *API) handleRoutineLoad(w http.ResponseWriter, r *http.Request) {
	var req nameRequest
	if !a.decode(w, r, &req) {
		return
	}
	s, err := a.routine.Load(req.Path)
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"name": s.Name, "commands": len(s.Commands)})
}

func (a *API) handleRoutinePreset(w http.ResponseWriter, r *http.Request) {
	var req nameRequest
	if !a.decode(w, r, &req) {
		return
	}
	path, err := engine.WritePreset(a.scheduleDir, req.Name)
	if err != nil {
		a.fail(w, err)
		return
	}
	s, err := a.routine.Load(path)
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"name": s.Name, "path": filepath.ToSlash(path), "commands": len(s.Commands)})
}

func (a *API) handleRoutineToggle(w http.ResponseWriter, r *http.Request) {
	if err := a.routine.Toggle(); err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a.routine.Info())
}

func (a *API) handleRecorderToggle(w http.ResponseWriter, r *http.Request) {
	active, err := a.recorder.Toggle()
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"active": active, "path": a.recorder.Path()})
}

func (a *API) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		a.logger.Warn("解析请求失败", "path", r.URL.Path, "error", err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

// fail 按错误类别选择 HTTP 状态码
func (a *API) fail(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, station.ErrUnknownDevice), errors.Is(err, engine.ErrUnknownPreset),
		errors.Is(err, os.ErrNotExist):
		code = http.StatusNotFound
	case errors.Is(err, station.ErrBusy), errors.Is(err, engine.ErrRoutineBusy),
		errors.Is(err, engine.ErrNoScript), errors.Is(err, station.ErrNoCamera),
		errors.Is(err, station.ErrNoRecorder):
		code = http.StatusConflict
	case errors.Is(err, engine.ErrUnknownCommand), errors.Is(err, engine.ErrEmptyScript),
		errors.Is(err, types.ErrValue):
		code = http.StatusBadRequest
	}
	if code == http.StatusInternalServerError {
		a.logger.Error("请求处理失败", "error", err)
	}
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func accepted(w http.ResponseWriter) {
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
