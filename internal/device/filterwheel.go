package device

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync/atomic"

	"spectro-station/internal/transport"
	"spectro-station/internal/types"
)

// 滤光轮指令
const (
	FilterQuery = "?"
	FilterReset = "F1r"
)

// FilterPresets 命名滤光片位置
var FilterPresets = map[string]int{
	"open":     2,
	"opaque":   1,
	"diffuser": 5,
}

const filterNoResponse = "No response from filter wheel (timeout). Check connections and try again."

// FilterWheel 滤光轮驱动 (4800 baud, CR 结尾的 ASCII 指令)
type FilterWheel struct {
	*link
	cfg   FilterWheelConfig
	state atomic.Pointer[types.FilterState]
}

// NewFilterWheel 创建滤光轮驱动
func NewFilterWheel(cfg FilterWheelConfig, open transport.Opener, logger *slog.Logger) *FilterWheel {
	cfg.withDefaults()
	w := &FilterWheel{
		link: newLink(types.DeviceFilterWheel, cfg.Serial, open, logger),
		cfg:  cfg,
	}
	w.state.Store(&types.FilterState{})
	return w
}

// Connect 打开端口
func (w *FilterWheel) Connect(ctx context.Context) types.Result {
	if _, err := w.dial(); err != nil {
		return types.Failed(w.id, "connect", err, fmt.Sprintf("Failed to open %s: %v", w.cfg.Serial.Name, err))
	}
	w.ready()
	return types.Succeeded(w.id, "connect", nil, fmt.Sprintf("Filter wheel connected on %s", w.cfg.Serial.Name))
}

// MoveTo 移动到位置 1..6
func (w *FilterWheel) MoveTo(ctx context.Context, pos int) types.Result {
	if pos < 1 || pos > 6 {
		err := fmt.Errorf("%w: filter position %d out of range 1..6", types.ErrValue, pos)
		return types.Failed(w.id, "send", err, fmt.Sprintf("Invalid position: %d", pos))
	}
	return w.Send(ctx, fmt.Sprintf("F1%d", pos))
}

// Home 复位到位置 1
func (w *FilterWheel) Home(ctx context.Context) types.Result {
	return w.Send(ctx, FilterReset)
}

// Preset 按名称移动到预设位置
func (w *FilterWheel) Preset(ctx context.Context, name string) types.Result {
	pos, ok := FilterPresets[strings.ToLower(name)]
	if !ok {
		err := fmt.Errorf("%w: unknown filter preset %q", types.ErrValue, name)
		return types.Failed(w.id, "send", err, fmt.Sprintf("Unknown filter preset: %s", name))
	}
	if pos == 1 {
		return w.Home(ctx)
	}
	return w.MoveTo(ctx, pos)
}

// Send 发送一条原始指令
// 非查询指令发送后等待稳定，清空输入，再发 ? 查询，等待后读取一行应答
// 运动/复位指令的位置由指令本身推导，查询指令的位置取自应答
func (w *FilterWheel) Send(ctx context.Context, cmd string) types.Result {
	cmd = strings.TrimSpace(cmd)
	var line []byte
	err := w.exchange(func(c *transport.Conn) error {
		if err := c.ClearInput(); err != nil {
			return err
		}
		if err := c.Write([]byte(cmd + "\r")); err != nil {
			return err
		}
		if cmd != FilterQuery {
			if err := sleepCtx(ctx, w.cfg.SettleDelay); err != nil {
				return err
			}
			if err := c.ClearInput(); err != nil {
				return err
			}
			if err := c.Write([]byte(FilterQuery + "\r")); err != nil {
				return err
			}
			if err := sleepCtx(ctx, w.cfg.QueryDelay); err != nil {
				return err
			}
		}
		var err error
		line, err = c.ReadUntil('\n', 0)
		return err
	})
	if err != nil {
		return types.Failed(w.id, "send", err, fmt.Sprintf("Serial error: %v", err))
	}

	data := strings.TrimSpace(string(line))
	if len(line) == 0 {
		err := fmt.Errorf("%w: filter wheel did not answer %q", types.ErrTimeout, cmd)
		return types.Failed(w.id, "send", err, filterNoResponse)
	}

	pos, ok := filterPosition(cmd, data)
	if !ok {
		return types.Succeeded(w.id, "send", nil, fmt.Sprintf("Received: %s", data))
	}
	var msg string
	switch {
	case strings.HasSuffix(cmd, "r"):
		msg = fmt.Sprintf("Filter wheel reset to position %d.", pos)
	case cmd == FilterQuery:
		msg = fmt.Sprintf("Filter wheel is at position %d.", pos)
	default:
		msg = fmt.Sprintf("Filter wheel moved to position %d.", pos)
	}
	return types.Succeeded(w.id, "send", pos, msg)
}

// filterPosition 推导位置：查询取应答数字，复位为 1，F1<d> 取 d
func filterPosition(cmd, data string) (int, bool) {
	if cmd == FilterQuery {
		if data == "" || strings.TrimLeft(data, "0123456789") != "" {
			return 0, false
		}
		n, err := strconv.Atoi(data)
		return n, err == nil
	}
	if !strings.HasPrefix(cmd, "F") || len(cmd) < 2 {
		return 0, false
	}
	if strings.HasSuffix(cmd, "r") {
		return 1, true
	}
	if len(cmd) < 3 {
		return 0, false
	}
	n, err := strconv.Atoi(cmd[2:3])
	return n, err == nil
}

// Apply 在事件循环中应用结果，仅成功且带位置时更新状态
func (w *FilterWheel) Apply(r *types.Result) {
	if !r.Success {
		return
	}
	pos, ok := r.Value.(int)
	if !ok {
		return
	}
	next := *w.state.Load()
	next.Position = pos
	next.UpdatedAt = r.At
	w.state.Store(&next)
}

// State 返回状态快照
func (w *FilterWheel) State() types.FilterState {
	s := *w.state.Load()
	s.Link = w.Link()
	s.Connected = w.Connected()
	return s
}
