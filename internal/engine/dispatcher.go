package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"spectro-station/internal/event"
	"spectro-station/internal/metrics"
	"spectro-station/internal/types"
	"spectro-station/internal/util"
)

// Operation 是一次提交给后台执行的设备操作
type Operation struct {
	Device types.DeviceID
	Name   string
	// Run 在后台 worker 上执行，可以阻塞在串口 IO 上
	Run func(ctx context.Context) types.Result
	// Apply 在事件循环里把结果写回设备状态，可以为 nil
	Apply func(*types.Result)
}

// Dispatcher 负责把设备操作放到独立的 worker 上执行
// 每个提交的操作恰好投递一次 OperationCompleted 事件；不做重试，也不对同一设备排队
type Dispatcher struct {
	ctx    context.Context
	bus    *event.Bus
	wg     sync.WaitGroup // 等待组，用于优雅停机
	logger *slog.Logger
}

// NewDispatcher 创建一个新的 Dispatcher 实例
// ctx 取消后 worker 里的可中断等待 (如稳定延时) 会提前结束
func NewDispatcher(ctx context.Context, bus *event.Bus, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		ctx:    ctx,
		bus:    bus,
		logger: logger.With("component", "dispatcher"),
	}
}

// Submit 启动一个 worker 执行操作并立即返回操作 ID
func (d *Dispatcher) Submit(op Operation) string {
	opID := util.NewOpID()
	d.wg.Add(1)
	metrics.OperationsInFlight.Inc()

	go func() {
		defer d.wg.Done()
		defer metrics.OperationsInFlight.Dec()

		opCtx := util.ContextWithOpID(d.ctx, opID)
		logger := util.Logger(opCtx, d.logger).With("device", string(op.Device), "op", op.Name)
		logger.Debug("开始执行设备操作")

		start := time.Now()
		res := d.run(opCtx, op, logger)
		elapsed := time.Since(start)

		if res.Device == "" {
			res.Device = op.Device
		}
		if res.Op == "" {
			res.Op = op.Name
		}
		if res.At.IsZero() {
			res.At = time.Now()
		}
		if res.Success {
			logger.Debug("设备操作完成", "duration", elapsed)
		} else {
			logger.Warn("设备操作失败", "duration", elapsed, "kind", res.Kind, "error", res.Err)
		}

		d.bus.Publish(event.Event{
			Type:     event.OperationCompleted,
			Device:   op.Device,
			OpID:     opID,
			Result:   &res,
			Apply:    op.Apply,
			Duration: elapsed,
		})
	}()
	return opID
}

// run 执行操作；panic 被转换为 Internal 类结果，不会传播到事件循环
func (d *Dispatcher) run(ctx context.Context, op Operation, logger *slog.Logger) (res types.Result) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("设备操作崩溃", "panic", r)
			err := fmt.Errorf("operation %s panicked: %v", op.Name, r)
			res = types.Failed(op.Device, op.Name, err, fmt.Sprintf("Internal error in %s: %v", op.Name, r))
		}
	}()
	return op.Run(ctx)
}

// WaitForCompletion 等待所有正在执行的操作完成
// 用于优雅停机
func (d *Dispatcher) WaitForCompletion() {
	d.wg.Wait()
}
