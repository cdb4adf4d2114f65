package sink

import (
	"context"
	"fmt"

	"connectorhub/internal/device"
	"connectorhub/internal/pkg"
	"github.com/mitchellh/mapstructure"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

func init() {
	Register("prometheus", NewPrometheusSink)
}

// PrometheusInfo Prometheus 输出的专属配置
type PrometheusInfo struct {
	Namespace string `mapstructure:"namespace"`
}

// PrometheusSink 以 gauge 暴露每个设备的最新状态，由 admin 的 /metrics 统一输出
type PrometheusSink struct {
	info     PrometheusInfo
	logger   *zap.Logger
	registry prometheus.Registerer

	position *prometheus.GaugeVec
	target   *prometheus.GaugeVec
	moving   *prometheus.GaugeVec
	battery  *prometheus.GaugeVec
	low      *prometheus.GaugeVec
}

// NewPrometheusSink Step.0 构造函数，注册到进程级的指标表
func NewPrometheusSink(ctx context.Context, para map[string]interface{}) (Template, error) {
	var info PrometheusInfo
	if err := mapstructure.Decode(para, &info); err != nil {
		return nil, fmt.Errorf("[NewPrometheusSink] 解析配置失败: %w", err)
	}
	return newPrometheusSink(ctx, pkg.GetHubMetrics().Registry, info)
}

func newPrometheusSink(ctx context.Context, reg prometheus.Registerer, info PrometheusInfo) (*PrometheusSink, error) {
	if info.Namespace == "" {
		info.Namespace = "connectorhub"
	}
	labels := []string{"device", "name"}
	gauge := func(name, help string) *prometheus.GaugeVec {
		return prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: info.Namespace, Subsystem: "device", Name: name, Help: help,
		}, labels)
	}
	p := &PrometheusSink{
		info:     info,
		logger:   pkg.LoggerFromContext(ctx).With(zap.String("sink_type", "prometheus")),
		registry: reg,
		position: gauge("position", "Canonical position, 0 closed and 100 open."),
		target:   gauge("target", "Canonical target position."),
		moving:   gauge("moving", "Movement direction: 1 opening, -1 closing, 0 stopped."),
		battery:  gauge("battery_percent", "Battery level in percent."),
		low:      gauge("low_battery", "1 when the battery is at or below the low threshold."),
	}
	for i, g := range p.gauges() {
		if err := reg.Register(g); err != nil {
			// 只回滚本次注册成功的部分，同名的已有指标不受影响
			for _, done := range p.gauges()[:i] {
				reg.Unregister(done)
			}
			return nil, fmt.Errorf("注册 Prometheus 指标失败: %w", err)
		}
	}
	return p, nil
}

// GetType Step.1
func (p *PrometheusSink) GetType() string {
	return "prometheus"
}

// Publish Step.2
func (p *PrometheusSink) Publish(e Event) error {
	if e.Type == EventRemoved {
		for _, g := range p.gauges() {
			g.DeletePartialMatch(prometheus.Labels{"device": e.Key})
		}
		return nil
	}
	st := e.State
	if st == nil {
		return nil
	}
	p.position.WithLabelValues(e.Key, e.Name).Set(float64(st.Position))
	p.target.WithLabelValues(e.Key, e.Name).Set(float64(st.Target))
	p.moving.WithLabelValues(e.Key, e.Name).Set(float64(directionValue(st.Direction)))
	if st.HasBattery {
		p.battery.WithLabelValues(e.Key, e.Name).Set(float64(st.BatteryPercent))
		low := 0.0
		if st.LowBattery {
			low = 1
		}
		p.low.WithLabelValues(e.Key, e.Name).Set(low)
	}
	p.logger.Debug("已更新设备指标", zap.String("device", e.Key))
	return nil
}

func directionValue(dir device.Direction) int {
	switch dir {
	case device.Opening:
		return 1
	case device.Closing:
		return -1
	}
	return 0
}

func (p *PrometheusSink) gauges() []*prometheus.GaugeVec {
	return []*prometheus.GaugeVec{p.position, p.target, p.moving, p.battery, p.low}
}

func (p *PrometheusSink) unregister() {
	for _, g := range p.gauges() {
		p.registry.Unregister(g)
	}
}

// Close Step.3 注销指标
func (p *PrometheusSink) Close() error {
	p.unregister()
	return nil
}
