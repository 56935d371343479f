package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"spectro-station/internal/recorder"
	"spectro-station/internal/station"
)

// Config 定义应用程序的配置结构
// 使用 mapstructure 标签来映射配置文件中的字段
type Config struct {
	HTTPAddr    string `mapstructure:"http_addr"`    // HTTP 监听地址
	DataDir     string `mapstructure:"data_dir"`     // CSV 和光谱快照目录
	LogDir      string `mapstructure:"log_dir"`      // 状态日志目录
	ImageDir    string `mapstructure:"image_dir"`    // 相机图片目录
	ScheduleDir string `mapstructure:"schedule_dir"` // 例程脚本目录
	StaticDir   string `mapstructure:"static_dir"`   // 前端静态文件目录，为空则不提供
	AutoConnect bool   `mapstructure:"auto_connect"` // 启动时连接所有设备

	Devices  station.Config `mapstructure:"devices"`
	Routine  RoutineConfig  `mapstructure:"routine"`
	Recorder RecorderConfig `mapstructure:"recorder"`
}

// RoutineConfig 例程引擎配置
type RoutineConfig struct {
	CommandDelayMs int `mapstructure:"command_delay_ms"` // 每条命令之后的固定间隔
}

// RecorderConfig 数据记录配置
type RecorderConfig struct {
	IntervalMs int                  `mapstructure:"interval_ms"`
	Rule       string               `mapstructure:"rule"` // expr 过滤表达式，为空则记录所有行
	Redis      recorder.RedisConfig `mapstructure:"redis"`
}

// RecorderSettings 组合出记录器使用的配置
func (c *Config) RecorderSettings() recorder.Config {
	return recorder.Config{
		DataDir:  c.DataDir,
		LogDir:   c.LogDir,
		Interval: msDuration(c.Recorder.IntervalMs),
		Rule:     c.Recorder.Rule,
	}
}

// StationSettings 返回带输出目录的站点配置
func (c *Config) StationSettings() station.Config {
	s := c.Devices
	s.DataDir = c.DataDir
	s.ImageDir = c.ImageDir
	return s
}

// CommandDelay 返回例程命令间隔
func (c *Config) CommandDelay() time.Duration {
	return msDuration(c.Routine.CommandDelayMs)
}

func msDuration(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

// defaults 列出所有键的默认值，环境变量覆盖只对已知的键生效
var defaults = map[string]any{
	"http_addr":    ":8080",
	"data_dir":     "data",
	"log_dir":      "logs",
	"image_dir":    "images",
	"schedule_dir": "schedules",
	"static_dir":   "",
	"auto_connect": false,

	"devices.rotator.port":     "/dev/ttyUSB0",
	"devices.rotator.baud":     9600,
	"devices.rotator.timeout":  "1s",
	"devices.rotator.slave_id": 1,
	"devices.rotator.register": 0,

	"devices.filter_wheel.port":         "/dev/ttyUSB1",
	"devices.filter_wheel.timeout":      "1s",
	"devices.filter_wheel.settle_delay": "1s",
	"devices.filter_wheel.query_delay":  "500ms",

	"devices.temp_controller.port":         "/dev/ttyUSB2",
	"devices.temp_controller.baud":         9600,
	"devices.temp_controller.timeout":      "1s",
	"devices.temp_controller.read_timeout": "500ms",
	"devices.temp_controller.min_setpoint": 15.0,
	"devices.temp_controller.max_setpoint": 40.0,

	"devices.env_sensor.port":         "/dev/ttyUSB3",
	"devices.env_sensor.baud":         9600,
	"devices.env_sensor.timeout":      "1s",
	"devices.env_sensor.read_timeout": "1s",

	"devices.imu.port":    "/dev/ttyUSB4",
	"devices.imu.baud":    115200,
	"devices.imu.timeout": "1s",

	"devices.spectrometer.pixels":         2048,
	"devices.spectrometer.integration_ms": 100.0,
	"devices.spectrometer.cycles":         1,
	"devices.spectrometer.repetitions":    1,

	"devices.temp_poll":       "1s",
	"devices.env_poll":        "2s",
	"devices.home_on_connect": true,

	"routine.command_delay_ms": 500,

	"recorder.interval_ms":    1000,
	"recorder.rule":           "",
	"recorder.redis.addr":     "",
	"recorder.redis.password": "",
	"recorder.redis.db":       0,
	"recorder.redis.channel":  "spectro:rows",
	"recorder.redis.list_len": 100,
}

// LoadConfig 从配置文件加载配置
// path 为空时在当前目录查找 config.yaml，找不到文件则使用默认值；
// 所有键都可以用 STATION_ 前缀的环境变量覆盖，例如 STATION_DEVICES_ROTATOR_PORT
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config") // 配置文件名称 (不带扩展名)
		v.SetConfigType("yaml")   // 配置文件类型
		v.AddConfigPath(".")      // 查找配置文件的路径 (当前目录)
	}

	// 设置默认值
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.SetEnvPrefix("STATION")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// 读取配置文件
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
	}

	// 将配置解析到结构体中
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}
	if cfg.Recorder.IntervalMs <= 0 {
		return nil, fmt.Errorf("recorder.interval_ms 必须为正数: %d", cfg.Recorder.IntervalMs)
	}
	if cfg.Routine.CommandDelayMs < 0 {
		return nil, fmt.Errorf("routine.command_delay_ms 不能为负数: %d", cfg.Routine.CommandDelayMs)
	}
	return &cfg, nil
}
