package recorder

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"spectro-station/internal/types"
)

// Publisher 把写出的数据行转发给外部订阅者
type Publisher interface {
	Publish(ctx context.Context, row types.DataRow) error
	Close() error
}

// RedisConfig Redis 转发配置；Addr 为空表示不启用
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Channel  string `mapstructure:"channel"`
	// ListLen 是最近数据行列表的保留长度
	ListLen int64 `mapstructure:"list_len"`
}

// RedisPublisher 通过 Pub/Sub 发布数据行，同时保留最近的若干行
type RedisPublisher struct {
	client  *redis.Client
	channel string
	listLen int64
	logger  *slog.Logger
}

// NewRedisPublisher 连接 Redis 并验证连通性
func NewRedisPublisher(ctx context.Context, cfg RedisConfig, logger *slog.Logger) (*RedisPublisher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect redis %s: %w", cfg.Addr, err)
	}
	channel := cfg.Channel
	if channel == "" {
		channel = "spectro:rows"
	}
	listLen := cfg.ListLen
	if listLen <= 0 {
		listLen = 1000
	}
	logger = logger.With("component", "redis-publisher")
	logger.Info("Redis 连接成功", "addr", cfg.Addr, "channel", channel)
	return &RedisPublisher{client: client, channel: channel, listLen: listLen, logger: logger}, nil
}

// rowMessage 是发布到 Redis 的数据行，像素数据不随行发布
type rowMessage struct {
	Timestamp string                  `json:"timestamp"`
	Routine   types.RoutineInfo       `json:"routine"`
	Rotator   types.RotatorState      `json:"rotator"`
	Filter    types.FilterState       `json:"filter"`
	Temp      types.TempState         `json:"temp"`
	Env       types.EnvState          `json:"env"`
	IMU       types.IMUReading        `json:"imu"`
	Spectrum  types.SpectrometerState `json:"spectrometer"`
}

// Publish 发布一行数据
func (p *RedisPublisher) Publish(ctx context.Context, row types.DataRow) error {
	data, err := json.Marshal(rowMessage{
		Timestamp: row.Timestamp.Format(RowTimeLayout),
		Routine:   row.Routine,
		Rotator:   row.Rotator,
		Filter:    row.Filter,
		Temp:      row.Temp,
		Env:       row.Env,
		IMU:       row.IMU,
		Spectrum:  row.Spectrometer,
	})
	if err != nil {
		return fmt.Errorf("marshal row: %w", err)
	}
	if err := p.client.Publish(ctx, p.channel, data).Err(); err != nil {
		return fmt.Errorf("publish row: %w", err)
	}

	listKey := p.channel + ":recent"
	pipe := p.client.Pipeline()
	pipe.LPush(ctx, listKey, data)
	pipe.LTrim(ctx, listKey, 0, p.listLen-1)
	if _, err := pipe.Exec(ctx); err != nil {
		p.logger.Warn("保存最近数据行失败", "error", err)
	}
	return nil
}

// Close 关闭连接
func (p *RedisPublisher) Close() error {
	return p.client.Close()
}
