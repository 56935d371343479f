package device

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"sync/atomic"

	"spectro-station/internal/transport"
	"spectro-station/internal/types"
)

// TC-36-25 指令码
const (
	tcReadPrimary      byte = 0x01
	tcReadAux          byte = 0x06
	tcSetSetpoint      byte = 0x1c
	tcSetPower         byte = 0x2d
	tcComputerSetpoint byte = 0x29
)

const tcAddress = "00"

// TempReading 一次轮询得到的温度
type TempReading struct {
	Primary  float64
	Aux      float64
	AuxValid bool
	AuxErr   error
}

// TempSetpoint 设定值写入成功后的值 (已限幅)
type TempSetpoint float64

// TempPower 电源开关写入成功后的值
type TempPower bool

// EncodeTC36 构造请求帧: *, 地址, 指令, 8 位十六进制数据, 2 位校验, CR
// 校验为地址、指令和数据字符的 ASCII 之和取低 8 位，小写十六进制
func EncodeTC36(cmd byte, value int32) []byte {
	body := fmt.Sprintf("%s%02x%08x", tcAddress, cmd, uint32(value))
	return []byte(fmt.Sprintf("*%s%02x\r", body, tcChecksum(body)))
}

// DecodeTC36 解析应答帧: *, 8 位十六进制数据, 2 位校验, ^
func DecodeTC36(resp []byte) (int32, error) {
	start := bytes.IndexByte(resp, '*')
	if start < 0 || len(resp)-start < 12 || resp[start+11] != '^' {
		return 0, fmt.Errorf("%w: malformed controller response %q", types.ErrProtocol, resp)
	}
	data := string(resp[start+1 : start+9])
	if data == "XXXXXXXX" {
		return 0, fmt.Errorf("%w: controller rejected checksum", types.ErrProtocol)
	}
	sum := string(resp[start+9 : start+11])
	want, err := strconv.ParseUint(sum, 16, 8)
	if err != nil || byte(want) != tcChecksum(data) {
		return 0, fmt.Errorf("%w: controller checksum mismatch in %q", types.ErrProtocol, resp)
	}
	v, err := strconv.ParseUint(data, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("%w: controller data %q: %w", types.ErrProtocol, data, err)
	}
	return int32(uint32(v)), nil
}

func tcChecksum(s string) byte {
	var sum byte
	for i := 0; i < len(s); i++ {
		sum += s[i]
	}
	return sum
}

// TempController TC-36-25 温控器驱动
type TempController struct {
	*link
	cfg   TempConfig
	state atomic.Pointer[types.TempState]
	// timedOut 只在事件循环 (Apply) 中读写，用于超时状态的边沿触发
	timedOut bool
}

// NewTempController 创建温控器驱动
func NewTempController(cfg TempConfig, open transport.Opener, logger *slog.Logger) *TempController {
	cfg.withDefaults()
	t := &TempController{
		link: newLink(types.DeviceTempController, cfg.Serial, open, logger),
		cfg:  cfg,
	}
	t.state.Store(&types.TempState{})
	return t
}

func (t *TempController) transact(c *transport.Conn, cmd byte, value int32) (int32, error) {
	if err := c.ClearInput(); err != nil {
		return 0, err
	}
	if err := c.Write(EncodeTC36(cmd, value)); err != nil {
		return 0, err
	}
	resp, err := c.ReadUntil('^', t.cfg.ReadTimeout)
	if err != nil {
		return 0, err
	}
	if len(resp) == 0 {
		return 0, fmt.Errorf("%w: no answer to command %02x within %s", types.ErrTimeout, cmd, t.cfg.ReadTimeout)
	}
	return DecodeTC36(resp)
}

// Connect 打开端口，使能计算机设定值并打开电源
// 两条指令都是幂等的，每次连接各发一次
func (t *TempController) Connect(ctx context.Context) types.Result {
	if _, err := t.dial(); err != nil {
		return types.Failed(t.id, "connect", err, fmt.Sprintf("Temperature controller connection failed: %v", err))
	}
	err := t.handshake(func(c *transport.Conn) error {
		if _, err := t.transact(c, tcComputerSetpoint, 0); err != nil {
			return fmt.Errorf("enable computer setpoint: %w", err)
		}
		if _, err := t.transact(c, tcSetPower, 1); err != nil {
			return fmt.Errorf("power on: %w", err)
		}
		return nil
	})
	if err != nil {
		return types.Failed(t.id, "connect", err, fmt.Sprintf("Temperature controller connection failed: %v", err))
	}
	t.ready()
	return types.Succeeded(t.id, "connect", TempPower(true), fmt.Sprintf("Temperature controller connected on %s", t.cfg.Serial.Name))
}

// Poll 读取主温度和辅助温度
// 辅助温度失败不影响主温度结果
func (t *TempController) Poll(ctx context.Context) types.Result {
	var reading TempReading
	err := t.exchange(func(c *transport.Conn) error {
		v, err := t.transact(c, tcReadPrimary, 0)
		if err != nil {
			return err
		}
		reading.Primary = float64(v) / 100
		aux, err := t.transact(c, tcReadAux, 0)
		if err != nil {
			if types.KindOf(err).IsLinkFatal() {
				return err
			}
			reading.AuxErr = err
			return nil
		}
		reading.Aux = float64(aux) / 100
		reading.AuxValid = true
		return nil
	})
	if err != nil {
		return types.Failed(t.id, "poll", err, "")
	}
	return types.Succeeded(t.id, "poll", reading, "")
}

// SetSetpoint 写入设定值，超出安全范围时限幅
func (t *TempController) SetSetpoint(ctx context.Context, celsius float64) types.Result {
	if math.IsNaN(celsius) || math.IsInf(celsius, 0) {
		err := fmt.Errorf("%w: setpoint %v", types.ErrValue, celsius)
		return types.Failed(t.id, "setpoint", err, fmt.Sprintf("Failed to set temperature: %v", err))
	}
	clamped := ClampSetpoint(celsius, t.cfg.MinSetpoint, t.cfg.MaxSetpoint)
	if clamped != celsius {
		t.logger.Warn("设定值超出安全范围，已限幅", "requested", celsius, "applied", clamped)
	}
	err := t.exchange(func(c *transport.Conn) error {
		_, err := t.transact(c, tcSetSetpoint, int32(math.Round(clamped*100)))
		return err
	})
	if err != nil {
		return types.Failed(t.id, "setpoint", err, fmt.Sprintf("Failed to set temperature: %v", err))
	}
	return types.Succeeded(t.id, "setpoint", TempSetpoint(clamped), fmt.Sprintf("Temperature setpoint set to %.1f°C", clamped))
}

// Off 关闭输出电源
func (t *TempController) Off(ctx context.Context) types.Result {
	err := t.exchange(func(c *transport.Conn) error {
		_, err := t.transact(c, tcSetPower, 0)
		return err
	})
	if err != nil {
		return types.Failed(t.id, "power", err, fmt.Sprintf("Failed to turn off temperature controller: %v", err))
	}
	return types.Succeeded(t.id, "power", TempPower(false), "Temperature controller turned off")
}

// ClampSetpoint 将设定值限制在 [lo, hi]
func ClampSetpoint(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

// Apply 在事件循环中应用结果
// 超时状态边沿触发：进入超时时上报一次，持续超时期间不再上报，成功读数后复位
func (t *TempController) Apply(r *types.Result) {
	next := *t.state.Load()
	if !r.Success {
		if r.Op != "poll" {
			return
		}
		next.PrimaryValid = false
		next.AuxValid = false
		if r.Kind == types.KindTimeout {
			if t.timedOut {
				r.Status = ""
			} else {
				r.Status = "Temperature read timed out"
			}
			t.timedOut = true
		} else if !t.timedOut {
			r.Status = fmt.Sprintf("Temperature read error: %v", r.Err)
		}
		next.TimedOut = t.timedOut
		t.state.Store(&next)
		return
	}

	switch v := r.Value.(type) {
	case TempReading:
		t.timedOut = false
		next.TimedOut = false
		next.Primary = v.Primary
		next.PrimaryValid = true
		next.Aux = v.Aux
		next.AuxValid = v.AuxValid
		if v.AuxErr != nil && types.KindOf(v.AuxErr) != types.KindTimeout {
			r.Status = fmt.Sprintf("Auxiliary temperature read error: %v", v.AuxErr)
		}
	case TempSetpoint:
		next.Setpoint = float64(v)
	case TempPower:
		next.Powered = bool(v)
	default:
		return
	}
	next.UpdatedAt = r.At
	t.state.Store(&next)
}

// State 返回状态快照
func (t *TempController) State() types.TempState {
	s := *t.state.Load()
	s.Link = t.Link()
	s.Connected = t.Connected()
	return s
}
