package sink

import (
	"context"
	"fmt"
	"time"

	"connectorhub/internal/pkg"
	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/mitchellh/mapstructure"
	"go.uber.org/zap"
)

func init() {
	Register("influxdb", NewInfluxDbSink)
}

// InfluxDbInfo InfluxDB 的专属配置
type InfluxDbInfo struct {
	URL         string `mapstructure:"url"`
	Org         string `mapstructure:"org"`
	Token       string `mapstructure:"token"`
	Bucket      string `mapstructure:"bucket"`
	Measurement string `mapstructure:"measurement"`
}

// InfluxDbSink 将设备位置与电量写为时序数据
type InfluxDbSink struct {
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
	info     InfluxDbInfo
	ctx      context.Context
	logger   *zap.Logger
}

// NewInfluxDbSink Step.0 构造函数
func NewInfluxDbSink(ctx context.Context, para map[string]interface{}) (Template, error) {
	var info InfluxDbInfo
	if err := mapstructure.Decode(para, &info); err != nil {
		return nil, fmt.Errorf("[NewInfluxDbSink] 解析配置失败: %w", err)
	}
	if info.URL == "" || info.Bucket == "" {
		return nil, fmt.Errorf("InfluxDB 配置校验失败: 'url' 与 'bucket' 为必填")
	}
	if info.Measurement == "" {
		info.Measurement = "window_covering"
	}
	log := pkg.LoggerFromContext(ctx)
	log.Debug("InfluxDB配置", zap.String("url", info.URL), zap.String("org", info.Org), zap.String("bucket", info.Bucket))
	client := influxdb2.NewClient(info.URL, info.Token)
	return &InfluxDbSink{
		client:   client,
		writeAPI: client.WriteAPIBlocking(info.Org, info.Bucket),
		info:     info,
		ctx:      ctx,
		logger:   log.With(zap.String("sink_type", "influxdb")),
	}, nil
}

// GetType Step.1
func (b *InfluxDbSink) GetType() string {
	return "influxdb"
}

// Publish Step.2 只写入带状态的事件
func (b *InfluxDbSink) Publish(e Event) error {
	if e.State == nil {
		return nil
	}
	st := e.State
	tags := map[string]string{
		"device": e.Key,
		"name":   e.Name,
		"hub":    e.HubIP,
	}
	fields := map[string]interface{}{
		"position":  st.Position,
		"target":    st.Target,
		"direction": st.Direction.String(),
		"source":    string(st.Source),
	}
	if st.HasBattery {
		fields["battery"] = st.BatteryPercent
		fields["low_battery"] = st.LowBattery
	}
	ts := e.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	p := influxdb2.NewPoint(b.info.Measurement, tags, fields, ts)
	if err := b.writeAPI.WritePoint(b.ctx, p); err != nil {
		return fmt.Errorf("写入 InfluxDB 失败: %w", err)
	}
	b.logger.Debug("InfluxDB 已写入", zap.String("device", e.Key))
	return nil
}

// Close Step.3
func (b *InfluxDbSink) Close() error {
	b.client.Close()
	return nil
}
