package handlers

import (
	"log/slog"

	"spectro-station/internal/event"
	"spectro-station/internal/metrics"
	"spectro-station/internal/persistence"
	"spectro-station/internal/web"
)

// Journaler 在记录会话期间保存状态日志
type Journaler interface {
	Journal(e persistence.Entry)
}

// RegisterEventHandlers 将所有事件处理器注册到事件总线
// 必须在 station.New 之后调用，保证操作结果先写回设备状态再刷新界面
func RegisterEventHandlers(bus *event.Bus, st *web.StateTracker, journal Journaler, logger *slog.Logger) {
	// --- 指标处理器 (Metrics Handler) ---
	bus.Subscribe(event.OperationCompleted, func(e event.Event) {
		if e.Result == nil {
			return
		}
		status := "success"
		if !e.Result.Success {
			status = "failed"
		}
		metrics.OperationsTotal.WithLabelValues(string(e.Device), e.Result.Op, status).Inc()
		metrics.OperationDuration.WithLabelValues(string(e.Device)).Observe(e.Duration.Seconds())
	})

	// --- Web UI 处理器 (Web UI Handler) ---
	bus.Subscribe(event.OperationCompleted, func(e event.Event) {
		st.Refresh()
	})
	bus.Subscribe(event.StatusMessage, func(e event.Event) {
		st.AddStatus(e)
	})
	bus.Subscribe(event.RoutineChanged, func(e event.Event) {
		st.Refresh()
	})
	bus.Subscribe(event.RecorderChanged, func(e event.Event) {
		st.Refresh()
	})

	// --- 状态日志处理器 (Journal Handler) ---
	if journal != nil {
		bus.Subscribe(event.StatusMessage, func(e event.Event) {
			journal.Journal(persistence.Entry{Time: e.At, Type: persistence.EntryStatus, Device: string(e.Device), Message: e.Message})
		})
		bus.Subscribe(event.OperationCompleted, func(e event.Event) {
			if e.Result == nil || e.Result.Success {
				return
			}
			journal.Journal(persistence.Entry{Time: e.At, Type: persistence.EntryOperation, Device: string(e.Device), OpID: e.OpID, Message: errorText(e)})
		})
		bus.Subscribe(event.RoutineChanged, func(e event.Event) {
			if e.Routine == nil || e.Routine.Running {
				return
			}
			journal.Journal(persistence.Entry{Time: e.At, Type: persistence.EntryRoutine, Message: e.Routine.Name + " " + e.Routine.State})
		})
	}

	// --- 日志处理器 (Logging Handler) ---
	bus.Subscribe(event.StatusMessage, func(e event.Event) {
		logger.Info("状态", "device", e.Device, "message", e.Message)
	})
	bus.Subscribe(event.OperationCompleted, func(e event.Event) {
		if e.Result != nil && !e.Result.Success {
			logger.Warn("设备操作失败", "device", e.Device, "op", e.Result.Op, "op_id", e.OpID, "kind", e.Result.Kind, "error", e.Result.Err)
		}
	})
	bus.Subscribe(event.RecorderChanged, func(e event.Event) {
		if e.Active {
			logger.Info("数据记录开始", "path", e.Path)
		} else {
			logger.Info("数据记录结束", "path", e.Path)
		}
	})
}

func errorText(e event.Event) string {
	msg := e.Result.Op + " failed"
	if e.Result.Err != nil {
		msg += ": " + e.Result.Err.Error()
	}
	return msg
}
