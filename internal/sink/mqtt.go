package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"connectorhub/internal/pkg"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/mitchellh/mapstructure"
	"go.uber.org/zap"
)

func init() {
	Register("mqtt", NewMqttSink)
}

// MQTTClientInterface 定义了我们需要的 MQTT 客户端方法
type MQTTClientInterface interface {
	Connect() mqtt.Token
	Disconnect(quiesce uint)
	IsConnected() bool
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token
}

// MqttInfo MQTT 输出的专属配置
type MqttInfo struct {
	Broker         string        `mapstructure:"broker"`
	Port           int           `mapstructure:"port"`
	Username       string        `mapstructure:"username"`
	Password       string        `mapstructure:"password"`
	ClientID       string        `mapstructure:"clientID"`
	Topic          string        `mapstructure:"topic"` // 基础主题
	QoS            byte          `mapstructure:"qos"`
	KeepAliveSec   uint          `mapstructure:"keepAliveSec"`
	PingTimeoutSec uint          `mapstructure:"pingTimeoutSec"`
	PublishTimeout time.Duration `mapstructure:"publishTimeout"`
}

// MqttSink 以保留消息发布每个设备的最新状态，并订阅 <topic>/+/set 接收命令
type MqttSink struct {
	client MQTTClientInterface
	info   MqttInfo
	ctx    context.Context
	logger *zap.Logger

	mu      sync.RWMutex
	handler CommandHandler
}

func decodeMqttInfo(para map[string]interface{}) (MqttInfo, error) {
	var info MqttInfo
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:     &info,
		TagName:    "mapstructure",
		DecodeHook: mapstructure.StringToTimeDurationHookFunc(),
	})
	if err != nil {
		return info, err
	}
	if err := decoder.Decode(para); err != nil {
		return info, fmt.Errorf("解析 MQTT 配置失败: %w", err)
	}
	if info.Broker == "" {
		return info, fmt.Errorf("MQTT 配置校验失败: 缺少 'broker'")
	}
	if info.Topic == "" {
		return info, fmt.Errorf("MQTT 配置校验失败: 缺少 'topic'")
	}
	info.Topic = strings.TrimSuffix(info.Topic, "/")
	if info.Port == 0 {
		info.Port = 1883
	}
	if info.ClientID == "" {
		info.ClientID = "connectorhub-" + uuid.NewString()[:8]
	}
	if info.KeepAliveSec == 0 {
		info.KeepAliveSec = 60
	}
	if info.PingTimeoutSec == 0 {
		info.PingTimeoutSec = 2
	}
	if info.PublishTimeout <= 0 {
		info.PublishTimeout = 2 * time.Second
	}
	return info, nil
}

// NewMqttSink Step.0 构造函数
func NewMqttSink(ctx context.Context, para map[string]interface{}) (Template, error) {
	info, err := decodeMqttInfo(para)
	if err != nil {
		return nil, err
	}
	log := pkg.LoggerFromContext(ctx)

	s := &MqttSink{
		info:   info,
		ctx:    ctx,
		logger: log.With(zap.String("sink_type", "mqtt"), zap.String("broker", info.Broker), zap.String("base_topic", info.Topic)),
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s:%d", info.Broker, info.Port))
	opts.SetClientID(info.ClientID)
	opts.SetUsername(info.Username)
	opts.SetPassword(info.Password)
	opts.SetKeepAlive(time.Duration(info.KeepAliveSec) * time.Second)
	opts.SetPingTimeout(time.Duration(info.PingTimeoutSec) * time.Second)
	opts.SetAutoReconnect(true)
	opts.SetCleanSession(true)
	opts.SetOnConnectHandler(func(mqtt.Client) {
		s.logger.Info("MQTT 已连接")
		// 重连后需要重新订阅
		s.subscribe()
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		s.logger.Warn("MQTT 连接断开", zap.Error(err))
	})

	s.client = mqtt.NewClient(opts)
	token := s.client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("连接 MQTT broker 超时")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("连接 MQTT broker 失败: %w", err)
	}
	return s, nil
}

func newMqttSinkWithClient(ctx context.Context, client MQTTClientInterface, info MqttInfo) *MqttSink {
	return &MqttSink{
		client: client,
		info:   info,
		ctx:    ctx,
		logger: pkg.LoggerFromContext(ctx).With(zap.String("sink_type", "mqtt")),
	}
}

// GetType Step.1
func (s *MqttSink) GetType() string {
	return "mqtt"
}

// StateTopic 设备状态主题
func (s *MqttSink) StateTopic(key string) string {
	return s.info.Topic + "/" + key + "/state"
}

// CommandTopic 命令订阅主题
func (s *MqttSink) CommandTopic() string {
	return s.info.Topic + "/+/set"
}

// Publish Step.2 发布设备事件；removed 事件清除保留消息
func (s *MqttSink) Publish(e Event) error {
	topic := s.StateTopic(e.Key)
	var payload []byte
	if e.Type != EventRemoved {
		data, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("序列化事件失败: %w", err)
		}
		payload = data
	}
	token := s.client.Publish(topic, s.info.QoS, true, payload)
	if !token.WaitTimeout(s.info.PublishTimeout) {
		return fmt.Errorf("发布到 %s 超时", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("发布到 %s 失败: %w", topic, err)
	}
	s.logger.Debug("MQTT 已发布", zap.String("topic", topic), zap.Int("payload_size", len(payload)))
	return nil
}

// SetCommandHandler 设置命令处理器
func (s *MqttSink) SetCommandHandler(h CommandHandler) {
	s.mu.Lock()
	s.handler = h
	s.mu.Unlock()
	if s.client.IsConnected() {
		s.subscribe()
	}
}

func (s *MqttSink) subscribe() {
	s.mu.RLock()
	h := s.handler
	s.mu.RUnlock()
	if h == nil {
		return
	}
	token := s.client.Subscribe(s.CommandTopic(), s.info.QoS, s.onMessage)
	if token.WaitTimeout(s.info.PublishTimeout) && token.Error() != nil {
		s.logger.Error("订阅命令主题失败", zap.String("topic", s.CommandTopic()), zap.Error(token.Error()))
	}
}

func (s *MqttSink) onMessage(_ mqtt.Client, msg mqtt.Message) {
	key, ok := s.commandKey(msg.Topic())
	if !ok {
		s.logger.Debug("忽略无法识别的命令主题", zap.String("topic", msg.Topic()))
		return
	}
	s.mu.RLock()
	h := s.handler
	s.mu.RUnlock()
	if h == nil {
		return
	}
	payload := strings.TrimSpace(string(msg.Payload()))
	if err := h(s.ctx, key, payload); err != nil {
		s.logger.Warn("执行 MQTT 命令失败", zap.String("device", key), zap.String("payload", payload), zap.Error(err))
	}
}

// commandKey 从 <topic>/<key>/set 中取出设备键
func (s *MqttSink) commandKey(topic string) (string, bool) {
	rest, ok := strings.CutPrefix(topic, s.info.Topic+"/")
	if !ok {
		return "", false
	}
	key, ok := strings.CutSuffix(rest, "/set")
	if !ok || key == "" || strings.Contains(key, "/") {
		return "", false
	}
	return key, true
}

// Close Step.3
func (s *MqttSink) Close() error {
	if s.client.IsConnected() {
		s.client.Disconnect(250)
	}
	return nil
}
