package device

import (
	"time"

	"spectro-station/internal/transport"
)

// FilterWheelConfig 滤光轮配置
type FilterWheelConfig struct {
	Serial      transport.Config `mapstructure:",squash"`
	SettleDelay time.Duration    `mapstructure:"settle_delay"` // 运动指令后等待到位的时间
	QueryDelay  time.Duration    `mapstructure:"query_delay"`  // 发出 ? 查询后等待应答的时间
}

// RotatorConfig 旋转台配置
type RotatorConfig struct {
	Serial   transport.Config `mapstructure:",squash"`
	SlaveID  byte             `mapstructure:"slave_id"`
	Register uint16           `mapstructure:"register"` // 目标位置寄存器 (两个保持寄存器, 高字在前)
}

// TempConfig 温控器配置
type TempConfig struct {
	Serial      transport.Config `mapstructure:",squash"`
	ReadTimeout time.Duration    `mapstructure:"read_timeout"`
	MinSetpoint float64          `mapstructure:"min_setpoint"`
	MaxSetpoint float64          `mapstructure:"max_setpoint"`
}

// EnvConfig 温湿压传感器配置
type EnvConfig struct {
	Serial      transport.Config `mapstructure:",squash"`
	ReadTimeout time.Duration    `mapstructure:"read_timeout"`
}

// IMUConfig 惯导配置
type IMUConfig struct {
	Serial transport.Config `mapstructure:",squash"`
}

// SpectrometerConfig 光谱仪配置
type SpectrometerConfig struct {
	Pixels        int     `mapstructure:"pixels"` // 模拟器的原生像素数
	IntegrationMs float64 `mapstructure:"integration_ms"`
	Cycles        int     `mapstructure:"cycles"`
	Repetitions   int     `mapstructure:"repetitions"`
}

// 滤光轮固定 4800 波特，配置中的值被忽略
func (c *FilterWheelConfig) withDefaults() {
	c.Serial.Baud = 4800
	if c.Serial.Timeout == 0 {
		c.Serial.Timeout = time.Second
	}
	if c.SettleDelay == 0 {
		c.SettleDelay = time.Second
	}
	if c.QueryDelay == 0 {
		c.QueryDelay = 500 * time.Millisecond
	}
}

func (c *RotatorConfig) withDefaults() {
	if c.Serial.Baud == 0 {
		c.Serial.Baud = 9600
	}
	if c.Serial.Timeout == 0 {
		c.Serial.Timeout = time.Second
	}
	if c.SlaveID == 0 {
		c.SlaveID = 1
	}
}

func (c *TempConfig) withDefaults() {
	if c.Serial.Baud == 0 {
		c.Serial.Baud = 9600
	}
	if c.Serial.Timeout == 0 {
		c.Serial.Timeout = time.Second
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = 500 * time.Millisecond
	}
	if c.MinSetpoint == 0 && c.MaxSetpoint == 0 {
		c.MinSetpoint, c.MaxSetpoint = 15, 40
	}
}

func (c *EnvConfig) withDefaults() {
	if c.Serial.Baud == 0 {
		c.Serial.Baud = 9600
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = time.Second
	}
	if c.Serial.Timeout == 0 {
		c.Serial.Timeout = c.ReadTimeout
	}
}

func (c *IMUConfig) withDefaults() {
	if c.Serial.Baud == 0 {
		c.Serial.Baud = 115200
	}
	if c.Serial.Timeout == 0 {
		c.Serial.Timeout = time.Second
	}
}

func (c *SpectrometerConfig) withDefaults() {
	if c.Pixels == 0 {
		c.Pixels = 2048
	}
	if c.IntegrationMs == 0 {
		c.IntegrationMs = 100
	}
	if c.Cycles == 0 {
		c.Cycles = 1
	}
	if c.Repetitions == 0 {
		c.Repetitions = 1
	}
}
