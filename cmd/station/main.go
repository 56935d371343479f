package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"spectro-station/internal/config"
	"spectro-station/internal/engine"
	"spectro-station/internal/event"
	"spectro-station/internal/handlers"
	"spectro-station/internal/recorder"
	"spectro-station/internal/station"
	"spectro-station/internal/web"
)

// main 是应用程序的主入口
func main() {
	configPath := flag.String("config", "", "配置文件路径 (默认在当前目录查找 config.yaml)")
	flag.Parse()

	// 1. 初始化核心组件
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		logger.Error("加载配置失败", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	eventBus := event.NewBus(logger)
	busDone := make(chan struct{})
	go func() {
		eventBus.Run(ctx)
		close(busDone)
	}()

	hub := web.NewHub(logger)
	go hub.Run()

	// 2. 设备、例程和记录器
	disp := engine.NewDispatcher(ctx, eventBus, logger)
	st := station.New(cfg.StationSettings(), eventBus, disp, station.Options{}, logger)

	routine := engine.NewEngine(ctx, st, eventBus, cfg.CommandDelay(), logger)
	st.SetRoutine(routine)

	rec, err := recorder.New(cfg.RecorderSettings(), st, eventBus, logger)
	if err != nil {
		logger.Error("初始化数据记录器失败", "error", err)
		os.Exit(1)
	}
	st.SetRecorder(rec)
	if cfg.Recorder.Redis.Addr != "" {
		pub, err := recorder.NewRedisPublisher(ctx, cfg.Recorder.Redis, logger)
		if err != nil {
			logger.Warn("Redis 不可用，数据行不转发", "addr", cfg.Recorder.Redis.Addr, "error", err)
		} else {
			rec.SetPublisher(pub)
			defer pub.Close()
		}
	}

	// 3. 注册事件处理器 (在 station.New 之后，保证结果先写回设备状态)
	stateTracker := web.NewStateTracker(st, hub)
	handlers.RegisterEventHandlers(eventBus, stateTracker, rec, logger)

	logger.Info("=== 光谱观测站启动 ===", "http_addr", cfg.HTTPAddr)

	go st.Run(ctx)
	if cfg.AutoConnect {
		if err := st.ConnectAll(); err != nil {
			logger.Warn("部分设备连接请求被拒绝", "error", err)
		}
	}

	api := web.NewAPI(st, routine, rec, stateTracker, hub, cfg.ScheduleDir, logger)
	server := startAPIServer(cfg, api, logger)

	// 4. 优雅停机
	waitForShutdown(logger)

	shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP 服务器关闭失败", "error", err)
	}
	routine.Close()
	if rec.Active() {
		if err := rec.Stop(); err != nil {
			logger.Warn("停止数据记录失败", "error", err)
		}
	}
	if err := st.Close(); err != nil {
		logger.Warn("关闭设备时出错", "error", err)
	}
	cancel()
	<-busDone
	logger.Info("光谱观测站已安全退出")
}

// startAPIServer 启动 API 和 Web 服务器
func startAPIServer(cfg *config.Config, api *web.API, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	api.Routes(mux)
	if cfg.StaticDir != "" {
		mux.Handle("/", http.FileServer(http.Dir(cfg.StaticDir)))
	}

	server := &http.Server{Addr: cfg.HTTPAddr, Handler: mux}
	go func() {
		logger.Info("API 和前端服务器启动", "addr", cfg.HTTPAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("API 服务器启动失败", "error", err)
			os.Exit(1)
		}
	}()
	return server
}

// waitForShutdown 等待系统信号以实现优雅停机
func waitForShutdown(logger *slog.Logger) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	logger.Info("接收到停机信号，正在优雅关闭...")
}
