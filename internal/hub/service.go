package hub

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"connectorhub/internal/connector"
	"connectorhub/internal/device"
	"connectorhub/internal/discovery"
	"connectorhub/internal/hubapi"
	"connectorhub/internal/pkg"
	"go.uber.org/zap"
)

// ErrUnknownDevice 设备尚未被发现或已被注销
var ErrUnknownDevice = errors.New("未知设备")

// Listener 接收设备生命周期事件，由 bridge 实现
type Listener interface {
	DeviceRegistered(h *device.Handler)
	DeviceRemoved(id device.Identity)
	RoundComplete(hubIP string)
}

// Service 对外的统一入口：发现、读取状态、发送命令与坐标换算
type Service struct {
	config   *pkg.Config
	client   *connector.Client
	registry *discovery.Registry
	scanner  *discovery.Scanner
	metrics  *pkg.HubMetrics
	log      *zap.Logger

	mu       sync.RWMutex
	handlers map[string]*device.Handler
	listener Listener
}

// Option Service 可选项
type Option func(*Service)

// WithClient 使用指定的客户端
func WithClient(c *connector.Client) Option {
	return func(s *Service) { s.client = c }
}

// WithMetrics 使用指定的指标实例
func WithMetrics(m *pkg.HubMetrics) Option {
	return func(s *Service) { s.metrics = m }
}

// NewService 由 context 中的配置创建 Service
func NewService(ctx context.Context, opts ...Option) *Service {
	s := &Service{
		config:   pkg.ConfigFromContext(ctx),
		metrics:  pkg.GetHubMetrics(),
		log:      pkg.LoggerFromContext(ctx),
		handlers: make(map[string]*device.Handler),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.client == nil {
		s.client = connector.NewClient(ctx, connector.WithMetrics(s.metrics))
	}
	s.registry = discovery.NewRegistry(s.config.Hub.ConnectorKey)
	s.scanner = discovery.NewScanner(ctx, s.client, s.registry, s, s, discovery.ConfigFrom(s.config)).WithMetrics(s.metrics)
	return s
}

// SetListener 设置生命周期事件的接收方
func (s *Service) SetListener(l Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listener = l
}

func (s *Service) currentListener() Listener {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listener
}

// Discover 周期性发现，阻塞直到 context 结束。addrs 为空时使用配置中的目标。
func (s *Service) Discover(ctx context.Context, addrs []string) {
	if len(addrs) == 0 {
		addrs = s.config.DiscoveryTargets()
	}
	s.scanner.Run(ctx, addrs)
}

// DiscoverOnce 对每个地址并发执行一轮发现
func (s *Service) DiscoverOnce(ctx context.Context, addrs []string) error {
	if len(addrs) == 0 {
		addrs = s.config.DiscoveryTargets()
	}
	errs := make([]error, len(addrs))
	var wg sync.WaitGroup
	for i, addr := range addrs {
		wg.Add(1)
		go func(i int, addr string) {
			defer wg.Done()
			_, errs[i] = s.scanner.RunRound(ctx, addr)
		}(i, addr)
	}
	wg.Wait()
	return errors.Join(errs...)
}

// RegisterDevice 发现回调：首次出现时创建 Handler 并通知 Listener
func (s *Service) RegisterDevice(hubIP string, id device.Identity, ack *hubapi.Ack, hubToken string) {
	key := id.Key()
	s.mu.Lock()
	h, exists := s.handlers[key]
	if !exists {
		mapper := device.NewMapper(id, device.IsReversed(id, s.config.Hub.ReverseDirection))
		h = device.NewHandler(id, hubIP, mapper, s.client, s.registry, s.log)
		s.handlers[key] = h
		s.metrics.RegisteredDevice.Set(float64(len(s.handlers)))
	}
	listener := s.listener
	s.mu.Unlock()

	h.SetHubIP(hubIP)
	if _, err := h.Update(ack); err != nil {
		s.log.Warn("发现时的设备状态无效", zap.String("device", key), zap.Error(err))
	}
	if exists {
		return
	}
	s.log.Info("注册设备",
		zap.String("device", key),
		zap.String("name", id.DisplayName()),
		zap.String("hub", hubIP))
	if listener != nil {
		listener.DeviceRegistered(h)
	}
}

// UnregisterDevice 发现回调：设备失效
func (s *Service) UnregisterDevice(id device.Identity) {
	key := id.Key()
	s.mu.Lock()
	_, exists := s.handlers[key]
	delete(s.handlers, key)
	s.metrics.RegisteredDevice.Set(float64(len(s.handlers)))
	listener := s.listener
	s.mu.Unlock()
	if !exists {
		return
	}
	s.log.Info("注销设备", zap.String("device", key))
	if listener != nil {
		listener.DeviceRemoved(id)
	}
}

// OnDiscoveryRoundComplete 发现回调：某个集线器的一轮发现结束
func (s *Service) OnDiscoveryRoundComplete(hubIP string) {
	s.log.Debug("集线器发现完成", zap.String("hub", hubIP))
	if l := s.currentListener(); l != nil {
		l.RoundComplete(hubIP)
	}
}

// KnownDevices 供失效检测使用
func (s *Service) KnownDevices() []discovery.KnownDevice {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]discovery.KnownDevice, 0, len(s.handlers))
	for _, h := range s.handlers {
		out = append(out, discovery.KnownDevice{Identity: h.Identity(), HubIP: h.HubIP()})
	}
	return out
}

// Handler 按键查找设备
func (s *Service) Handler(key string) (*device.Handler, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.handlers[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDevice, key)
	}
	return h, nil
}

func (s *Service) handler(id device.Identity) (*device.Handler, error) {
	return s.Handler(id.Key())
}

// ReadState 读取设备最新状态；无响应时返回 connector.ErrNoResponse
func (s *Service) ReadState(ctx context.Context, id device.Identity) (*device.State, error) {
	h, err := s.handler(id)
	if err != nil {
		return nil, err
	}
	return h.Refresh(ctx)
}

// SendCommand 向设备发送写命令
func (s *Service) SendCommand(ctx context.Context, id device.Identity, cmd device.Command) (*hubapi.Ack, error) {
	h, err := s.handler(id)
	if err != nil {
		return nil, err
	}
	return h.SendCommand(ctx, cmd)
}

// SetTarget 以对外坐标设置目标位置
func (s *Service) SetTarget(ctx context.Context, id device.Identity, position int) error {
	h, err := s.handler(id)
	if err != nil {
		return err
	}
	return h.SetTarget(ctx, position)
}

// SetTargetAngle 设置百叶角度
func (s *Service) SetTargetAngle(ctx context.Context, id device.Identity, angle int) error {
	h, err := s.handler(id)
	if err != nil {
		return err
	}
	return h.SetTargetAngle(ctx, angle)
}

// ToCanonical 集线器坐标转换为对外坐标
func (s *Service) ToCanonical(id device.Identity, hubPos int) (int, error) {
	h, err := s.handler(id)
	if err != nil {
		return 0, err
	}
	return h.Mapper().ToCanonical(hubPos), nil
}

// FromCanonical 对外坐标转换为集线器坐标
func (s *Service) FromCanonical(id device.Identity, pos int) (int, error) {
	h, err := s.handler(id)
	if err != nil {
		return 0, err
	}
	return h.Mapper().FromCanonical(pos), nil
}

// Direction 以集线器坐标计算运动方向
func (s *Service) Direction(id device.Identity, hubPos, hubTarget int) (device.Direction, error) {
	h, err := s.handler(id)
	if err != nil {
		return device.Stopped, err
	}
	return h.Mapper().Direction(hubPos, hubTarget), nil
}

// Devices 全部设备的对外状态，按键排序；尚无状态的设备被跳过
func (s *Service) Devices() []device.PositionState {
	s.mu.RLock()
	handlers := make([]*device.Handler, 0, len(s.handlers))
	for _, h := range s.handlers {
		handlers = append(handlers, h)
	}
	s.mu.RUnlock()

	out := make([]device.PositionState, 0, len(handlers))
	for _, h := range handlers {
		if ps, err := h.PositionState(); err == nil {
			out = append(out, ps)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Hubs 已发现的集线器
func (s *Service) Hubs() []discovery.HubSession {
	return s.registry.Sessions()
}

// Registry 集线器会话表
func (s *Service) Registry() *discovery.Registry {
	return s.registry
}
