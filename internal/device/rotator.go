package device

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/goburrow/modbus"

	"spectro-station/internal/transport"
	"spectro-station/internal/types"
)

// StepsPerDegree 旋转台固定比例：每度 100 个设备步
const StepsPerDegree = 100

// DegreesToUnits 将角度换算为设备步数
func DegreesToUnits(angle int) int32 {
	return int32(angle) * StepsPerDegree
}

// Rotator 旋转台驱动
// 目标位置以 Modbus RTU 功能码 16 写入两个保持寄存器，设备回显即为 ACK
type Rotator struct {
	*link
	cfg      RotatorConfig
	packager modbus.Packager
	state    atomic.Pointer[types.RotatorState]
}

// NewRotator 创建旋转台驱动
func NewRotator(cfg RotatorConfig, open transport.Opener, logger *slog.Logger) *Rotator {
	cfg.withDefaults()
	// RTUClientHandler 只用作帧编解码，收发走我们自己的 transport.Conn
	handler := modbus.NewRTUClientHandler(cfg.Serial.Name)
	handler.SlaveId = cfg.SlaveID
	r := &Rotator{
		link:     newLink(types.DeviceRotator, cfg.Serial, open, logger),
		cfg:      cfg,
		packager: handler,
	}
	r.state.Store(&types.RotatorState{})
	return r
}

// Connect 打开端口
func (r *Rotator) Connect(ctx context.Context) types.Result {
	if _, err := r.dial(); err != nil {
		return types.Failed(r.id, "connect", err, fmt.Sprintf("Motor connection failed: %v", err))
	}
	r.ready()
	return types.Succeeded(r.id, "connect", nil, fmt.Sprintf("Motor connected on %s", r.cfg.Serial.Name))
}

// MoveTo 移动到目标角度 (度)，不做 360 回绕
// 无 ACK 不是致命错误，状态为 "No ACK"，调用方可以重试
func (r *Rotator) MoveTo(ctx context.Context, angle int) types.Result {
	value := make([]byte, 4)
	binary.BigEndian.PutUint32(value, uint32(DegreesToUnits(angle)))

	err := r.exchange(func(c *transport.Conn) error {
		client := modbus.NewClient2(r.packager, &rtuTransporter{conn: c, timeout: r.cfg.Serial.Timeout})
		_, err := client.WriteMultipleRegisters(r.cfg.Register, 2, value)
		return classifyModbus(err)
	})
	if err != nil {
		switch types.KindOf(err) {
		case types.KindTimeout, types.KindProtocol:
			return types.Failed(r.id, "move", err, "No ACK")
		case types.KindConnection:
			return types.Failed(r.id, "move", err, "Motor not connected")
		default:
			return types.Failed(r.id, "move", err, fmt.Sprintf("Serial error: %v", err))
		}
	}
	return types.Succeeded(r.id, "move", angle, fmt.Sprintf("Moved to %d°", angle))
}

// Home 回到 0°
func (r *Rotator) Home(ctx context.Context) types.Result {
	return r.MoveTo(ctx, 0)
}

// Apply 在事件循环中应用结果
func (r *Rotator) Apply(res *types.Result) {
	if !res.Success {
		return
	}
	angle, ok := res.Value.(int)
	if !ok {
		return
	}
	next := *r.state.Load()
	next.AngleDeg = angle
	next.UpdatedAt = res.At
	r.state.Store(&next)
}

// State 返回状态快照
func (r *Rotator) State() types.RotatorState {
	s := *r.state.Load()
	s.Link = r.Link()
	s.Connected = r.Connected()
	return s
}

// classifyModbus 将编解码层错误 (CRC、回显不符、异常码) 归为协议错误
func classifyModbus(err error) error {
	if err == nil {
		return nil
	}
	if types.KindOf(err) != types.KindInternal {
		return err
	}
	var mbErr *modbus.ModbusError
	if errors.As(err, &mbErr) {
		return fmt.Errorf("%w: rotator NACK: %w", types.ErrProtocol, err)
	}
	return fmt.Errorf("%w: %w", types.ErrProtocol, err)
}

// rtuTransporter 实现 modbus.Transporter
// 先读 5 字节判断是否为异常应答，正常的功能码 16 应答共 8 字节
type rtuTransporter struct {
	conn    *transport.Conn
	timeout time.Duration
}

const (
	rtuExceptionSize = 5
	rtuWriteAckSize  = 8
)

func (t *rtuTransporter) Send(aduRequest []byte) ([]byte, error) {
	if err := t.conn.ClearInput(); err != nil {
		return nil, err
	}
	if err := t.conn.Write(aduRequest); err != nil {
		return nil, err
	}
	head, err := t.conn.ReadN(rtuExceptionSize, t.timeout)
	if err != nil {
		return nil, err
	}
	if len(head) == 0 {
		return nil, fmt.Errorf("%w: rotator did not acknowledge", types.ErrTimeout)
	}
	if len(head) < rtuExceptionSize {
		return nil, fmt.Errorf("%w: short rotator response % x", types.ErrProtocol, head)
	}
	if head[1]&0x80 != 0 {
		return head, nil
	}
	rest, err := t.conn.ReadN(rtuWriteAckSize-rtuExceptionSize, t.timeout)
	if err != nil {
		return nil, err
	}
	resp := append(head, rest...)
	if len(resp) < rtuWriteAckSize {
		return nil, fmt.Errorf("%w: short rotator response % x", types.ErrProtocol, resp)
	}
	return resp, nil
}
