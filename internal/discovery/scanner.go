package discovery

import (
	"context"
	"errors"
	"sync"
	"time"

	"connectorhub/internal/connector"
	"connectorhub/internal/device"
	"connectorhub/internal/hubapi"
	"connectorhub/internal/pkg"
	"go.uber.org/zap"
)

// Transport 发现流程使用的请求接口，由 connector.Client 实现
type Transport interface {
	Send(ctx context.Context, req *hubapi.Request, hubIP string) (*hubapi.Ack, error)
	SendMulticast(ctx context.Context, req *hubapi.Request, targetIP string, window time.Duration) ([]connector.Reply, error)
}

// Consumer 接收发现结果的一方
type Consumer interface {
	// RegisterDevice 每个 Identity 调用一次，TDBU 设备会调用两次
	RegisterDevice(hubIP string, id device.Identity, ack *hubapi.Ack, hubToken string)
	UnregisterDevice(id device.Identity)
	OnDiscoveryRoundComplete(hubIP string)
}

// KnownDevice 消费方已知的设备及其最近的集线器地址
type KnownDevice struct {
	Identity device.Identity
	HubIP    string
}

// DeviceLister 提供已知设备列表，用于失效检测
type DeviceLister interface {
	KnownDevices() []KnownDevice
}

// Config 发现流程的节奏
type Config struct {
	Interval  time.Duration
	Frequency time.Duration
	Duration  time.Duration
	Multicast bool // 未配置集线器地址，探测目标是组播地址
}

// ConfigFrom 由全局配置生成
func ConfigFrom(c *pkg.Config) Config {
	return Config{
		Interval:  c.Discovery.Interval,
		Frequency: c.Discovery.Frequency,
		Duration:  c.Discovery.Duration,
		Multicast: c.MulticastMode(),
	}
}

// Scanner 周期性地探测集线器并把设备推送给 Consumer
type Scanner struct {
	transport Transport
	registry  *Registry
	consumer  Consumer
	lister    DeviceLister
	stale     *StaleDetector
	config    Config
	metrics   *pkg.HubMetrics
	log       *zap.Logger
}

// NewScanner 创建 Scanner；lister 不为 nil 时每轮结束后做失效检测
func NewScanner(ctx context.Context, transport Transport, registry *Registry, consumer Consumer, lister DeviceLister, config Config) *Scanner {
	if config.Interval <= 0 {
		config.Interval = pkg.DefaultDiscoveryInterval
	}
	if config.Frequency <= 0 {
		config.Frequency = pkg.DefaultDiscoveryFreq
	}
	if config.Duration <= 0 {
		config.Duration = pkg.DefaultDiscoveryDuration
	}
	s := &Scanner{
		transport: transport,
		registry:  registry,
		consumer:  consumer,
		lister:    lister,
		config:    config,
		metrics:   pkg.GetHubMetrics(),
		log:       pkg.LoggerFromContext(ctx),
	}
	if lister != nil {
		s.stale = NewStaleDetector(ctx, transport, registry, consumer, config.Multicast)
	}
	return s
}

// WithMetrics 替换指标实例
func (s *Scanner) WithMetrics(m *pkg.HubMetrics) *Scanner {
	s.metrics = m
	return s
}

// Registry 会话表
func (s *Scanner) Registry() *Registry {
	return s.registry
}

// Run 对每个地址并发执行发现，直到 context 结束
func (s *Scanner) Run(ctx context.Context, addrs []string) {
	var wg sync.WaitGroup
	for _, addr := range addrs {
		wg.Add(1)
		go func(addr string) {
			defer wg.Done()
			s.loop(ctx, addr)
		}(addr)
	}
	wg.Wait()
}

func (s *Scanner) loop(ctx context.Context, addr string) {
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			if _, err := s.RunRound(ctx, addr); err != nil {
				return
			}
			timer.Reset(s.config.Interval)
		}
	}
}

// RunRound 执行一轮发现并阻塞到本轮结束。只有 context 结束时返回错误。
func (s *Scanner) RunRound(ctx context.Context, addr string) (*Round, error) {
	round := NewRound(addr)
	log := s.log.With(zap.String("round", round.ID), zap.String("address", addr))
	log.Debug("开始发现")
	round.Begin(time.Now())

	var reads sync.WaitGroup
	for {
		started := time.Now()
		replies, err := s.transport.SendMulticast(ctx, hubapi.NewGetDeviceListRequest(), addr, s.config.Frequency)
		if ctxErr := ctx.Err(); ctxErr != nil {
			reads.Wait()
			return round, ctxErr
		}
		if err != nil && !errors.Is(err, connector.ErrNoResponse) {
			log.Warn("发送设备列表请求失败", zap.Error(err))
		}
		for _, reply := range replies {
			s.onDeviceList(ctx, log, round, addr, reply, &reads)
		}
		if round.Expire(time.Now(), s.config.Duration) {
			break
		}
		// 保证两次探测之间至少间隔 Frequency
		if wait := s.config.Frequency - time.Since(started); wait > 0 {
			select {
			case <-ctx.Done():
			case <-time.After(wait):
			}
		}
	}
	reads.Wait()

	hubs := round.Hubs()
	for _, ip := range hubs {
		s.consumer.OnDiscoveryRoundComplete(ip)
	}
	s.metrics.DiscoveryRounds.WithLabelValues(addr).Inc()
	log.Info("本轮发现结束", zap.Int("hubs", len(hubs)), zap.Int("devices", len(round.Registered())))

	if s.stale != nil {
		s.stale.Check(ctx, s.candidates(round, addr))
	}
	return round, nil
}

func (s *Scanner) onDeviceList(ctx context.Context, log *zap.Logger, round *Round, addr string, reply connector.Reply, reads *sync.WaitGroup) {
	list, err := reply.DeviceList()
	if err != nil {
		log.Warn("设备列表无法解析", zap.Error(err))
		return
	}
	hubIP := addr
	if s.config.Multicast && reply.From != "" {
		hubIP = reply.From
	}
	if _, err := s.registry.Update(reply.Mac, hubIP, reply.Token); err != nil {
		log.Warn("更新集线器会话失败", zap.String("hub", reply.Mac), zap.Error(err))
	}
	for _, info := range round.OnDeviceList(reply.Mac, hubIP, list) {
		reads.Add(1)
		go func(info hubapi.DeviceInfo) {
			defer reads.Done()
			s.readDevice(ctx, log, round, hubIP, info, reply.Token)
		}(info)
	}
}

func (s *Scanner) readDevice(ctx context.Context, log *zap.Logger, round *Round, hubIP string, info hubapi.DeviceInfo, token string) {
	ok := false
	defer func() { round.ReadFinished(info.Mac, ok) }()

	ack, err := s.transport.Send(ctx, hubapi.NewReadDeviceRequest(info), hubIP)
	if err == nil {
		err = ack.Check()
	}
	if err != nil {
		log.Warn("读取设备失败", zap.String("mac", info.Mac), zap.Error(err))
		return
	}
	ids, err := device.IdentifySplit(ack)
	if err != nil {
		log.Warn("设备状态无法解析", zap.String("mac", info.Mac), zap.Error(err))
		return
	}
	ok = true
	if len(ids) == 0 {
		log.Warn("TDBU 设备没有上报任何一半的状态，跳过", zap.String("mac", info.Mac))
	}
	for _, id := range ids {
		if !round.MarkRegistered(id.Key()) {
			continue
		}
		log.Debug("发现设备", zap.String("device", id.Key()), zap.String("type", id.DeviceType.String()))
		s.consumer.RegisterDevice(hubIP, id, ack, token)
	}
}

// candidates 本轮应覆盖但未被确认的已知设备
func (s *Scanner) candidates(round *Round, addr string) []KnownDevice {
	var out []KnownDevice
	for _, kd := range s.lister.KnownDevices() {
		if round.Confirmed(kd.Identity.Key()) {
			continue
		}
		if !s.config.Multicast && kd.HubIP != addr {
			continue
		}
		out = append(out, kd)
	}
	return out
}
