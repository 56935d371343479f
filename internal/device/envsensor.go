package device

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"spectro-station/internal/transport"
	"spectro-station/internal/types"
)

// envRequest 是温湿压传感器的数据请求
var envRequest = []byte("p\r\n")

// EnvReading 第一个传感器的读数
type EnvReading struct {
	SensorID    string
	Temperature float64
	Humidity    float64
	Pressure    float64
}

type envPayload struct {
	Sensors []struct {
		ID          json.RawMessage `json:"ID"`
		Temperature float64         `json:"Temperature"`
		Humidity    float64         `json:"Humidity"`
		Pressure    float64         `json:"Pressure"`
	} `json:"Sensors"`
}

// ParseEnvPayload 解析完整的 JSON 文档，只取第一个传感器
func ParseEnvPayload(doc []byte) (EnvReading, error) {
	var p envPayload
	if err := json.Unmarshal(doc, &p); err != nil {
		return EnvReading{}, fmt.Errorf("%w: sensor json: %w", types.ErrProtocol, err)
	}
	if len(p.Sensors) == 0 {
		return EnvReading{}, fmt.Errorf("%w: no sensor data in response", types.ErrProtocol)
	}
	s := p.Sensors[0]
	id := strings.TrimSpace(string(s.ID))
	var str string
	if err := json.Unmarshal(s.ID, &str); err == nil {
		id = str
	}
	return EnvReading{SensorID: id, Temperature: s.Temperature, Humidity: s.Humidity, Pressure: s.Pressure}, nil
}

// completeJSON 判断累积缓冲区里是否已有一个完整的 JSON 文档
// 不完整的缓冲区不是错误，只需继续读取
func completeJSON(acc []byte) ([]byte, bool) {
	start := bytes.IndexByte(acc, '{')
	if start < 0 {
		return nil, false
	}
	doc := bytes.TrimSpace(acc[start:])
	if !json.Valid(doc) {
		return nil, false
	}
	return doc, true
}

// EnvSensor 温湿压传感器驱动 (9600 baud, JSON 应答)
type EnvSensor struct {
	*link
	cfg   EnvConfig
	state atomic.Pointer[types.EnvState]
}

// NewEnvSensor 创建温湿压传感器驱动
func NewEnvSensor(cfg EnvConfig, open transport.Opener, logger *slog.Logger) *EnvSensor {
	cfg.withDefaults()
	e := &EnvSensor{
		link: newLink(types.DeviceEnvSensor, cfg.Serial, open, logger),
		cfg:  cfg,
	}
	e.state.Store(&types.EnvState{})
	return e
}

// Connect 打开端口
func (e *EnvSensor) Connect(ctx context.Context) types.Result {
	if _, err := e.dial(); err != nil {
		return types.Failed(e.id, "connect", err, fmt.Sprintf("THP sensor connection failed: %v", err))
	}
	e.ready()
	return types.Succeeded(e.id, "connect", nil, fmt.Sprintf("THP sensor connected on %s", e.cfg.Serial.Name))
}

// Read 请求一次读数
// 跨多次读取累积字节直到得到完整 JSON 或超时；超时没有有效 JSON 时结果为 "no data"
func (e *EnvSensor) Read(ctx context.Context) types.Result {
	var doc []byte
	err := e.exchange(func(c *transport.Conn) error {
		if err := c.ClearInput(); err != nil {
			return err
		}
		if err := c.Write(envRequest); err != nil {
			return err
		}
		deadline := time.Now().Add(e.cfg.ReadTimeout)
		var acc []byte
		for time.Now().Before(deadline) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			chunk, err := c.ReadChunk()
			if err != nil {
				return err
			}
			if len(chunk) == 0 {
				continue
			}
			acc = append(acc, chunk...)
			if d, ok := completeJSON(acc); ok {
				doc = d
				return nil
			}
		}
		return fmt.Errorf("%w: no valid json from sensor after %s (%d bytes)", types.ErrTimeout, e.cfg.ReadTimeout, len(acc))
	})
	if err != nil {
		if types.KindOf(err) == types.KindTimeout {
			return types.Failed(e.id, "poll", err, "no data")
		}
		return types.Failed(e.id, "poll", err, fmt.Sprintf("THP sensor error: %v", err))
	}
	reading, err := ParseEnvPayload(doc)
	if err != nil {
		return types.Failed(e.id, "poll", err, fmt.Sprintf("THP sensor error: %v", err))
	}
	return types.Succeeded(e.id, "poll", reading, "")
}

// Apply 在事件循环中应用结果
func (e *EnvSensor) Apply(r *types.Result) {
	reading, ok := r.Value.(EnvReading)
	if !r.Success || !ok {
		return
	}
	e.state.Store(&types.EnvState{
		SensorID:    reading.SensorID,
		Temperature: reading.Temperature,
		Humidity:    reading.Humidity,
		Pressure:    reading.Pressure,
		UpdatedAt:   r.At,
	})
}

// State 返回状态快照
func (e *EnvSensor) State() types.EnvState {
	s := *e.state.Load()
	s.Link = e.Link()
	s.Connected = e.Connected()
	return s
}
