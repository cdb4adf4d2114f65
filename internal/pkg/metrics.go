package pkg

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// HubMetrics 集线器通信过程中的指标
type HubMetrics struct {
	Registry *prometheus.Registry

	Requests   *prometheus.CounterVec // 逻辑请求数，按 msgType
	Attempts   *prometheus.CounterVec // 实际发送次数（含重试）
	NoResponse *prometheus.CounterVec // 重试耗尽仍无回复
	Malformed  prometheus.Counter     // 无法解析的数据报
	Mismatched prometheus.Counter     // 与请求不匹配而被丢弃的回复
	Rejected   *prometheus.CounterVec // 带 actionResult 的回复
	Sockets    prometheus.Gauge       // 当前打开的套接字数

	DiscoveryRounds  *prometheus.CounterVec // 完成的发现轮次，按地址
	RegisteredDevice prometheus.Gauge
}

var (
	hubMetrics  *HubMetrics
	metricsOnce sync.Once
)

// NewHubMetrics 创建一组独立注册的指标，测试中可避免重复注册
func NewHubMetrics() *HubMetrics {
	m := &HubMetrics{
		Registry: prometheus.NewRegistry(),
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "connectorhub", Name: "requests_total",
			Help: "Logical requests sent to hubs.",
		}, []string{"msg_type"}),
		Attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "connectorhub", Name: "attempts_total",
			Help: "Datagrams sent to hubs, including retries.",
		}, []string{"msg_type"}),
		NoResponse: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "connectorhub", Name: "no_response_total",
			Help: "Requests that exhausted all retries without a valid reply.",
		}, []string{"msg_type"}),
		Malformed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "connectorhub", Name: "malformed_replies_total",
			Help: "Datagrams discarded because they were not valid JSON.",
		}),
		Mismatched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "connectorhub", Name: "mismatched_replies_total",
			Help: "Replies discarded because they did not match the outstanding request.",
		}),
		Rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "connectorhub", Name: "rejected_total",
			Help: "Replies carrying a non-empty actionResult.",
		}, []string{"msg_type"}),
		Sockets: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "connectorhub", Name: "open_sockets",
			Help: "UDP sockets currently open.",
		}),
		DiscoveryRounds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "connectorhub", Name: "discovery_rounds_total",
			Help: "Completed discovery rounds.",
		}, []string{"address"}),
		RegisteredDevice: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "connectorhub", Name: "registered_devices",
			Help: "Devices currently registered with the consumer.",
		}),
	}
	m.Registry.MustRegister(
		m.Requests, m.Attempts, m.NoResponse, m.Malformed, m.Mismatched,
		m.Rejected, m.Sockets, m.DiscoveryRounds, m.RegisteredDevice,
	)
	return m
}

// GetHubMetrics 返回进程级的指标实例，附带 go 运行时指标
func GetHubMetrics() *HubMetrics {
	metricsOnce.Do(func() {
		hubMetrics = NewHubMetrics()
		hubMetrics.Registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	})
	return hubMetrics
}
