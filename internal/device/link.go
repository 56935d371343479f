package device

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"spectro-station/internal/fsm"
	"spectro-station/internal/transport"
	"spectro-station/internal/types"
)

// link 管理单个设备连接的生命周期，被各驱动嵌入
// 连接由驱动独占；opMu 保证同一连接上同一时刻只有一次请求/应答交换
type link struct {
	id     types.DeviceID
	serial transport.Config
	open   transport.Opener
	state  *fsm.FSM
	logger *slog.Logger

	opMu sync.Mutex
	mu   sync.Mutex
	conn *transport.Conn
}

func newLink(id types.DeviceID, serial transport.Config, open transport.Opener, logger *slog.Logger) *link {
	if open == nil {
		open = transport.Open
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("device", string(id))
	return &link{
		id:     id,
		serial: serial,
		open:   open,
		state:  fsm.New(string(id), fsm.StateDisconnected, fsm.LinkTable, logger),
		logger: logger,
	}
}

// dial 打开端口并进入 CONNECTING；握手成功后由驱动调用 ready
// 旧连接 (如果有) 会先被关闭
func (l *link) dial() (*transport.Conn, error) {
	l.opMu.Lock()
	defer l.opMu.Unlock()

	if err := l.state.Fire(fsm.EventConnect); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", types.ErrConnection, l.id, err)
	}
	l.mu.Lock()
	old := l.conn
	l.conn = nil
	l.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}

	if l.serial.Name == "" {
		_ = l.state.Fire(fsm.EventLinkFault)
		return nil, fmt.Errorf("%w: no port configured for %s", types.ErrConnection, l.id)
	}
	conn, err := l.open(l.serial)
	if err != nil {
		_ = l.state.Fire(fsm.EventLinkFault)
		return nil, err
	}
	l.mu.Lock()
	l.conn = conn
	l.mu.Unlock()
	return conn, nil
}

// ready 标记握手完成
func (l *link) ready() {
	if err := l.state.Fire(fsm.EventConnected); err != nil {
		l.logger.Warn("连接状态迁移失败", "error", err)
	}
}

// exchange 在独占连接上执行一次交换
// 连接级错误 (Connection/IO) 会关闭端口并把状态置为 ERROR
func (l *link) exchange(fn func(c *transport.Conn) error) error {
	l.opMu.Lock()
	defer l.opMu.Unlock()

	l.mu.Lock()
	conn := l.conn
	l.mu.Unlock()
	if conn == nil || l.state.Current() != fsm.StateReady {
		return fmt.Errorf("%w: %s not connected", types.ErrConnection, l.id)
	}
	err := fn(conn)
	if err != nil && types.KindOf(err).IsLinkFatal() {
		l.fault(err)
	}
	return err
}

// handshake 与 exchange 相同，但允许在 CONNECTING 状态下使用连接
func (l *link) handshake(fn func(c *transport.Conn) error) error {
	l.opMu.Lock()
	defer l.opMu.Unlock()

	l.mu.Lock()
	conn := l.conn
	l.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("%w: %s not connected", types.ErrConnection, l.id)
	}
	err := fn(conn)
	if err != nil {
		l.fault(err)
	}
	return err
}

// fault 关闭连接并迁移到 ERROR
func (l *link) fault(cause error) {
	l.mu.Lock()
	conn := l.conn
	l.conn = nil
	l.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
	if l.state.Can(fsm.EventLinkFault) {
		_ = l.state.Fire(fsm.EventLinkFault)
	}
	l.logger.Error("设备连接故障，端口已关闭", "error", cause)
}

// Close 断开连接
func (l *link) Close() error {
	l.opMu.Lock()
	defer l.opMu.Unlock()

	l.mu.Lock()
	conn := l.conn
	l.conn = nil
	l.mu.Unlock()
	if l.state.Can(fsm.EventDisconnect) {
		_ = l.state.Fire(fsm.EventDisconnect)
	}
	if conn == nil {
		return nil
	}
	return conn.Close()
}

// Link 返回当前连接状态
func (l *link) Link() types.LinkState {
	return types.LinkState(l.state.Current())
}

// Connected 当且仅当端口打开且最后一次操作没有发生连接级错误
func (l *link) Connected() bool {
	return l.state.Current() == fsm.StateReady
}

// ID 返回设备 ID
func (l *link) ID() types.DeviceID { return l.id }

// sleepCtx 等待 d，ctx 取消时提前返回错误
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
