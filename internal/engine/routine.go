package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"spectro-station/internal/event"
	"spectro-station/internal/fsm"
	"spectro-station/internal/metrics"
	"spectro-station/internal/types"
)

var (
	// ErrNoScript 没有加载例程就请求启动
	ErrNoScript = errors.New("no routine commands loaded")
	// ErrRoutineBusy 例程运行或停止过程中不允许的操作
	ErrRoutineBusy = errors.New("routine is busy")
	// ErrNotRunning 例程没有在运行
	ErrNotRunning = errors.New("routine is not running")
)

// Actions 由站点实现，负责把一条例程命令变成设备操作
// Perform 返回即视为命令已派发；设备操作本身在后台完成，例程不等待结果
type Actions interface {
	Perform(ctx context.Context, in Instruction) error
}

// Engine 顺序执行例程脚本，同一时间最多一个运行实例
type Engine struct {
	ctx          context.Context
	actions      Actions
	bus          *event.Bus
	logger       *slog.Logger
	commandDelay time.Duration

	mu        sync.Mutex
	state     *fsm.FSM
	script    *Script
	index     int
	startedAt time.Time
	stop      chan struct{}
	done      chan struct{}
}

// NewEngine 创建例程引擎
// commandDelay 是每条非 wait 命令之后的固定间隔
func NewEngine(ctx context.Context, actions Actions, bus *event.Bus, commandDelay time.Duration, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "routine")
	return &Engine{
		ctx:          ctx,
		actions:      actions,
		bus:          bus,
		logger:       logger,
		commandDelay: commandDelay,
		state:        fsm.New("routine", fsm.StateIdle, fsm.RoutineTable, logger),
	}
}

// Load 从文件加载例程；加载不会启动例程
func (e *Engine) Load(path string) (*Script, error) {
	s, err := LoadScript(path)
	if err != nil {
		e.status(fmt.Sprintf("Error loading routine: %v", err))
		return nil, err
	}
	if err := e.Use(s); err != nil {
		return nil, err
	}
	return s, nil
}

// Use 装入一个已解析的例程，运行中拒绝替换
func (e *Engine) Use(s *Script) error {
	e.mu.Lock()
	switch e.state.Current() {
	case fsm.StateRunning, fsm.StateStopping:
		e.mu.Unlock()
		return fmt.Errorf("%w: cannot load %s while running", ErrRoutineBusy, s.Name)
	case fsm.StateCompleted, fsm.StateFailed:
		_ = e.state.Fire(fsm.EventReset)
	}
	e.script = s
	e.index = 0
	e.startedAt = time.Time{}
	info := e.infoLocked()
	e.mu.Unlock()

	e.logger.Info("例程已加载", "name", s.Name, "commands", len(s.Commands), "source", s.Source)
	e.publish(info)
	return nil
}

// Toggle 未运行时启动例程，运行中则请求停止
func (e *Engine) Toggle() error {
	if e.State() == fsm.StateRunning {
		if err := e.Stop(); !errors.Is(err, ErrNotRunning) {
			return err
		}
	}
	return e.Start()
}

// Start 在新的协程里执行当前例程
func (e *Engine) Start() error {
	e.mu.Lock()
	if e.script == nil {
		e.mu.Unlock()
		e.status("No routine commands loaded")
		return ErrNoScript
	}
	if err := e.state.Fire(fsm.EventStart); err != nil {
		e.mu.Unlock()
		return fmt.Errorf("%w: %v", ErrRoutineBusy, err)
	}
	script := e.script
	e.index = 0
	e.startedAt = time.Now()
	e.stop = make(chan struct{})
	e.done = make(chan struct{})
	stop, done := e.stop, e.done
	info := e.infoLocked()
	e.mu.Unlock()

	e.logger.Info("例程开始执行", "name", script.Name, "commands", len(script.Commands))
	e.status(fmt.Sprintf("Running routine: %s", script.Name))
	e.publish(info)

	go e.run(script, stop, done)
	return nil
}

// Stop 请求停止；当前命令执行完后生效
func (e *Engine) Stop() error {
	e.mu.Lock()
	if err := e.state.Fire(fsm.EventStop); err != nil {
		e.mu.Unlock()
		return ErrNotRunning
	}
	close(e.stop)
	info := e.infoLocked()
	e.mu.Unlock()

	e.logger.Info("请求停止例程", "name", info.Name, "index", info.Index)
	e.status("Stopping routine...")
	e.publish(info)
	return nil
}

// Wait 阻塞直到当前运行结束 (没有运行时立即返回)
func (e *Engine) Wait() {
	e.mu.Lock()
	done := e.done
	e.mu.Unlock()
	if done != nil {
		<-done
	}
}

// Close 停止运行中的例程并等待其结束
func (e *Engine) Close() {
	_ = e.Stop()
	e.Wait()
}

// State 返回例程状态
func (e *Engine) State() fsm.State {
	return e.state.Current()
}

// Info 返回例程快照
func (e *Engine) Info() types.RoutineInfo {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.infoLocked()
}

func (e *Engine) infoLocked() types.RoutineInfo {
	info := types.RoutineInfo{
		Name:      "Unknown",
		State:     string(e.state.Current()),
		Index:     e.index,
		StartedAt: e.startedAt,
	}
	if e.script != nil {
		info.Name = e.script.Name
		info.Source = e.script.Source
		info.Total = len(e.script.Commands)
	}
	info.Running = info.State == string(fsm.StateRunning) || info.State == string(fsm.StateStopping)
	return info
}

// run 是例程工作协程
func (e *Engine) run(script *Script, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("例程执行崩溃", "name", script.Name, "panic", r)
			e.finish(script, fmt.Errorf("panic: %v", r))
		}
	}()

	for i, line := range script.Commands {
		if stopped(stop) || e.ctx.Err() != nil {
			break
		}
		e.advance(i)
		e.execute(line, stop)
	}
	e.finish(script, nil)
}

// execute 执行一条命令；单条命令的错误只记录，不终止例程
func (e *Engine) execute(line string, stop <-chan struct{}) {
	e.status(fmt.Sprintf("Executing: %s", line))
	in, err := Parse(line)
	switch {
	case errors.Is(err, ErrUnknownCommand):
		e.logger.Warn("Unknown command", "command", line)
		e.status(fmt.Sprintf("Unknown command: %s", line))
		metrics.RoutineCommandsTotal.WithLabelValues("unknown", "skipped").Inc()
		e.pause(e.commandDelay, stop)
		return
	case err != nil:
		e.logger.Warn("例程命令参数无效", "command", line, "error", err)
		e.status(fmt.Sprintf("Invalid %s command: %s", in.Op, line))
		metrics.RoutineCommandsTotal.WithLabelValues(string(in.Op), "invalid").Inc()
		if in.Op != OpWait {
			e.pause(e.commandDelay, stop)
		}
		return
	}

	if in.Op == OpWait {
		metrics.RoutineCommandsTotal.WithLabelValues(string(in.Op), "ok").Inc()
		e.pause(time.Duration(in.Int)*time.Millisecond, stop)
		return
	}

	if err := e.actions.Perform(e.ctx, in); err != nil {
		e.logger.Warn("例程命令执行失败", "command", line, "error", err)
		metrics.RoutineCommandsTotal.WithLabelValues(string(in.Op), "error").Inc()
	} else {
		metrics.RoutineCommandsTotal.WithLabelValues(string(in.Op), "ok").Inc()
	}
	e.pause(e.commandDelay, stop)
}

// advance 推进进度，索引只增不减
func (e *Engine) advance(i int) {
	e.mu.Lock()
	if i > e.index {
		e.index = i
	}
	info := e.infoLocked()
	e.mu.Unlock()
	e.publish(info)
}

// finish 根据停止请求和错误选择终止事件
func (e *Engine) finish(script *Script, cause error) {
	e.mu.Lock()
	var msg string
	switch {
	case cause != nil:
		_ = e.state.Fire(fsm.EventFail)
		msg = fmt.Sprintf("Routine '%s' failed: %v", script.Name, cause)
	case e.state.Current() == fsm.StateStopping || e.ctx.Err() != nil:
		if e.state.Current() == fsm.StateRunning {
			_ = e.state.Fire(fsm.EventStop)
		}
		_ = e.state.Fire(fsm.EventHalted)
		msg = fmt.Sprintf("Routine '%s' stopped", script.Name)
	default:
		e.index = len(script.Commands)
		_ = e.state.Fire(fsm.EventFinish)
		msg = fmt.Sprintf("Routine '%s' completed", script.Name)
	}
	info := e.infoLocked()
	e.mu.Unlock()

	e.logger.Info("例程结束", "name", script.Name, "state", info.State, "index", info.Index)
	e.status(msg)
	e.publish(info)
}

// pause 等待 d，收到停止请求或 ctx 取消时提前返回
func (e *Engine) pause(d time.Duration, stop <-chan struct{}) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-stop:
	case <-e.ctx.Done():
	}
}

func (e *Engine) status(msg string) {
	e.bus.Publish(event.Event{Type: event.StatusMessage, Message: msg})
}

func (e *Engine) publish(info types.RoutineInfo) {
	e.bus.Publish(event.Event{Type: event.RoutineChanged, Routine: &info})
}

func stopped(stop <-chan struct{}) bool {
	select {
	case <-stop:
		return true
	default:
		return false
	}
}
