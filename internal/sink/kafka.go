package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"connectorhub/internal/pkg"
	"github.com/mitchellh/mapstructure"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

func init() {
	Register("kafka", NewKafkaSink)
}

// KafkaSinkConfig Kafka 输出的专属配置
type KafkaSinkConfig struct {
	Brokers         []string `mapstructure:"brokers"`
	Topic           string   `mapstructure:"topic"`
	Async           bool     `mapstructure:"async"`
	WriteTimeoutSec int      `mapstructure:"writeTimeoutSec"`
	RequiredAcks    int      `mapstructure:"requiredAcks"` // -1 全部 ISR, 0 不确认, 其他为 leader 确认
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink 以设备键为消息键，输出设备事件流
type KafkaSink struct {
	writer messageWriter
	config KafkaSinkConfig
	ctx    context.Context
	logger *zap.Logger
}

// NewKafkaSink Step.0 构造函数
func NewKafkaSink(ctx context.Context, para map[string]interface{}) (Template, error) {
	var cfg KafkaSinkConfig
	if err := mapstructure.Decode(para, &cfg); err != nil {
		return nil, fmt.Errorf("解析 Kafka 配置失败: %w", err)
	}
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka 配置校验失败: 缺少 'brokers'")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("kafka 配置校验失败: 缺少 'topic'")
	}
	if cfg.WriteTimeoutSec == 0 {
		cfg.WriteTimeoutSec = 10
	}
	acks := kafka.RequireOne
	switch cfg.RequiredAcks {
	case -1:
		acks = kafka.RequireAll
	case 0:
		acks = kafka.RequireNone
	}
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{}, // 同一设备的事件落在同一分区
		WriteTimeout: time.Duration(cfg.WriteTimeoutSec) * time.Second,
		RequiredAcks: acks,
		Async:        cfg.Async,
	}
	ks := newKafkaSinkWithWriter(ctx, writer, cfg)
	ks.logger.Info("Kafka 输出已初始化",
		zap.Strings("brokers", cfg.Brokers),
		zap.Bool("async", cfg.Async),
		zap.Int("acks", int(acks)))
	return ks, nil
}

func newKafkaSinkWithWriter(ctx context.Context, w messageWriter, cfg KafkaSinkConfig) *KafkaSink {
	return &KafkaSink{
		writer: w,
		config: cfg,
		ctx:    ctx,
		logger: pkg.LoggerFromContext(ctx).With(zap.String("sink_type", "kafka"), zap.String("topic", cfg.Topic)),
	}
}

// GetType Step.1
func (ks *KafkaSink) GetType() string {
	return "kafka"
}

// Publish Step.2
func (ks *KafkaSink) Publish(e Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("序列化事件失败: %w", err)
	}
	ts := e.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	msg := kafka.Message{
		Key:   []byte(e.Key),
		Value: data,
		Time:  ts,
		Headers: []kafka.Header{
			{Key: "type", Value: []byte(e.Type)},
		},
	}
	if err := ks.writer.WriteMessages(ks.ctx, msg); err != nil {
		if ks.ctx.Err() != nil {
			ks.logger.Warn("Kafka 写入被取消，可能正在退出", zap.Error(ks.ctx.Err()))
			return nil
		}
		return fmt.Errorf("写入 Kafka 失败: %w", err)
	}
	ks.logger.Debug("Kafka 已写入", zap.String("device", e.Key), zap.String("type", string(e.Type)))
	return nil
}

// Close Step.3
func (ks *KafkaSink) Close() error {
	if err := ks.writer.Close(); err != nil {
		return fmt.Errorf("关闭 Kafka writer 失败: %w", err)
	}
	return nil
}
