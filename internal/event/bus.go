package event

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"spectro-station/internal/types"
)

// EventType 定义事件的类型
type EventType string

// 定义所有事件类型
const (
	OperationCompleted EventType = "OperationCompleted" // 后台设备操作结束，每个操作恰好一次
	StatusMessage      EventType = "StatusMessage"      // 面向用户的状态文本
	RoutineChanged     EventType = "RoutineChanged"     // 例程加载、状态迁移或进度推进
	RecorderChanged    EventType = "RecorderChanged"    // 记录器开始或结束一个会话
)

// Event 结构体定义了事件的数据负载
type Event struct {
	Type     EventType
	Device   types.DeviceID      // 关联的设备 (设备相关事件)
	OpID     string              // 操作 ID (OperationCompleted)
	Result   *types.Result       // 操作结果 (OperationCompleted)
	Apply    func(*types.Result) // 在事件循环中把结果应用到设备状态 (OperationCompleted)
	Duration time.Duration       // 操作耗时 (OperationCompleted)
	Message  string              // 状态文本 (StatusMessage)
	Routine  *types.RoutineInfo  // 例程快照 (RoutineChanged)
	Path     string              // 输出文件 (RecorderChanged)
	Active   bool                // 记录器是否在记录 (RecorderChanged)
	At       time.Time
}

// Handler 是事件处理函数的签名
type Handler func(e Event)

// Bus 是单消费者的内存事件总线
// Publish 可以从任意协程调用且从不阻塞；所有处理器都在 Run 所在的协程里按发布顺序依次执行，
// 这个协程就是唯一允许修改共享状态的事件上下文
type Bus struct {
	mu       sync.Mutex
	handlers map[EventType][]Handler
	queue    []Event
	notify   chan struct{}
	logger   *slog.Logger
}

// NewBus 创建一个新的事件总线实例
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		handlers: make(map[EventType][]Handler),
		notify:   make(chan struct{}, 1),
		logger:   logger.With("component", "event-bus"),
	}
}

// Subscribe 订阅一个特定类型的事件
func (b *Bus) Subscribe(eventType EventType, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[eventType] = append(b.handlers[eventType], handler)
}

// Publish 发布一个事件
func (b *Bus) Publish(e Event) {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	b.mu.Lock()
	b.queue = append(b.queue, e)
	b.mu.Unlock()
	select {
	case b.notify <- struct{}{}:
	default:
	}
}

// Run 启动事件循环，直到 ctx 取消；退出前处理完已入队的事件
func (b *Bus) Run(ctx context.Context) {
	for {
		b.drain()
		select {
		case <-ctx.Done():
			b.drain()
			return
		case <-b.notify:
		}
	}
}

func (b *Bus) drain() {
	for {
		b.mu.Lock()
		if len(b.queue) == 0 {
			b.mu.Unlock()
			return
		}
		e := b.queue[0]
		b.queue[0] = Event{}
		b.queue = b.queue[1:]
		handlers := b.handlers[e.Type]
		b.mu.Unlock()

		for _, h := range handlers {
			b.dispatch(h, e)
		}
	}
}

// dispatch 执行单个处理器，处理器 panic 不会终止事件循环
func (b *Bus) dispatch(h Handler, e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("事件处理器崩溃", "event", e.Type, "panic", r)
		}
	}()
	h(e)
}
