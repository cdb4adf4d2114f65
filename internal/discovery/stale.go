package discovery

import (
	"context"
	"errors"
	"strings"

	"connectorhub/internal/connector"
	"connectorhub/internal/device"
	"connectorhub/internal/hubapi"
	"connectorhub/internal/pkg"
	"go.uber.org/zap"
)

// StaleDetector 确认未在本轮发现中出现的设备是否仍然存在
type StaleDetector struct {
	transport Transport
	registry  *Registry
	consumer  Consumer
	multicast bool
	log       *zap.Logger
}

// NewStaleDetector 创建失效检测器
func NewStaleDetector(ctx context.Context, transport Transport, registry *Registry, consumer Consumer, multicast bool) *StaleDetector {
	return &StaleDetector{
		transport: transport,
		registry:  registry,
		consumer:  consumer,
		multicast: multicast,
		log:       pkg.LoggerFromContext(ctx),
	}
}

// Check 对每个候选设备直接读取一次：集线器明确拒绝或重试后仍无响应则注销该设备。
// 组播模式下集线器地址未知的设备不做处理。返回被注销的设备。
func (d *StaleDetector) Check(ctx context.Context, candidates []KnownDevice) []device.Identity {
	// 同一 mac 的 TDBU 两半只读一次
	groups := make(map[string][]KnownDevice)
	var order []string
	for _, kd := range candidates {
		mac := strings.ToLower(kd.Identity.Mac)
		if _, ok := groups[mac]; !ok {
			order = append(order, mac)
		}
		groups[mac] = append(groups[mac], kd)
	}

	var removed []device.Identity
	for _, mac := range order {
		group := groups[mac]
		id := group[0].Identity
		hubIP, known := d.registry.HubIP(id.HubMac())
		if !known {
			if d.multicast {
				d.log.Debug("集线器地址未知，跳过失效检测", zap.String("device", id.Key()))
				continue
			}
			hubIP = group[0].HubIP
		}
		if hubIP == "" {
			continue
		}
		if !d.gone(ctx, id, hubIP) {
			continue
		}
		for _, kd := range group {
			d.log.Info("设备已失效，注销", zap.String("device", kd.Identity.Key()), zap.String("hub", hubIP))
			d.consumer.UnregisterDevice(kd.Identity)
			removed = append(removed, kd.Identity)
		}
	}
	return removed
}

// gone 明确拒绝或无响应时返回 true
func (d *StaleDetector) gone(ctx context.Context, id device.Identity, hubIP string) bool {
	ack, err := d.transport.Send(ctx, hubapi.NewReadDeviceRequest(id.Info()), hubIP)
	switch {
	case err == nil:
		return ack.Rejected()
	case hubapi.IsRejected(err), errors.Is(err, connector.ErrNoResponse):
		return true
	}
	d.log.Warn("失效检测失败", zap.String("device", id.Key()), zap.Error(err))
	return false
}
