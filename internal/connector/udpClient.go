package connector

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"connectorhub/internal/hubapi"
	"connectorhub/internal/pkg"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ErrNoResponse 重试耗尽仍未收到有效回复。
// 协议无法区分设备离线与丢包，调用方应将其视为状态未知。
var ErrNoResponse = errors.New("集线器无响应")

// ClientConfig 包含 UDP 客户端的配置信息
type ClientConfig struct {
	Port          int           `mapstructure:"port"`          // 集线器端口
	MaxRetries    int           `mapstructure:"maxRetries"`    // 单次逻辑请求的最大尝试次数
	SocketTimeout time.Duration `mapstructure:"socketTimeout"` // 每次尝试等待回复的时间
	BufferSize    int           `mapstructure:"bufferSize"`    // 接收缓冲区大小
	WriteRate     float64       `mapstructure:"writeRate"`     // 每个集线器每秒的写命令数
	WriteBurst    int           `mapstructure:"writeBurst"`
}

// ClientConfigFromHub 由全局集线器配置生成客户端配置
func ClientConfigFromHub(h pkg.HubConfig) ClientConfig {
	return ClientConfig{
		Port:          h.Port,
		MaxRetries:    h.MaxRetries,
		SocketTimeout: h.SocketTimeout,
		BufferSize:    h.BufferSize,
		WriteRate:     h.WriteRate,
		WriteBurst:    h.WriteBurst,
	}
}

// ListenFunc 为每次尝试创建一个独立的套接字
type ListenFunc func() (net.PacketConn, error)

// ListenUDP4 默认的套接字工厂：系统分配端口，不绑定远端地址
func ListenUDP4() (net.PacketConn, error) {
	return net.ListenUDP("udp4", nil)
}

// Reply 一条有效回复及其来源 IP
type Reply struct {
	*hubapi.Ack
	From string
}

// Client 集线器的请求/回复客户端。
// 每次尝试使用私有套接字，完成或超时后立即关闭，并发请求之间不会串包。
type Client struct {
	config  ClientConfig
	listen  ListenFunc
	metrics *pkg.HubMetrics
	log     *zap.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// Option 客户端可选项
type Option func(*Client)

// WithListenFunc 替换套接字工厂
func WithListenFunc(f ListenFunc) Option {
	return func(c *Client) { c.listen = f }
}

// WithMetrics 使用指定的指标实例
func WithMetrics(m *pkg.HubMetrics) Option {
	return func(c *Client) { c.metrics = m }
}

// WithClientConfig 覆盖从 context 中读取的配置
func WithClientConfig(cfg ClientConfig) Option {
	return func(c *Client) { c.config = cfg }
}

// NewClient 创建客户端，配置与 logger 取自 context
func NewClient(ctx context.Context, opts ...Option) *Client {
	c := &Client{
		config:   ClientConfigFromHub(pkg.ConfigFromContext(ctx).Hub),
		listen:   ListenUDP4,
		metrics:  pkg.GetHubMetrics(),
		log:      pkg.LoggerFromContext(ctx),
		limiters: make(map[string]*rate.Limiter),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.normalize()
	return c
}

func (c *Client) normalize() {
	if c.config.Port == 0 {
		c.config.Port = pkg.DefaultPort
	}
	if c.config.MaxRetries <= 0 {
		c.config.MaxRetries = pkg.DefaultMaxRetries
	}
	if c.config.SocketTimeout <= 0 {
		c.config.SocketTimeout = pkg.DefaultSocketTimeout
	}
	if c.config.BufferSize <= 0 {
		c.config.BufferSize = pkg.DefaultBufferSize
	}
	if c.config.WriteRate <= 0 {
		c.config.WriteRate = pkg.DefaultWriteRate
	}
	if c.config.WriteBurst <= 0 {
		c.config.WriteBurst = pkg.DefaultWriteBurst
	}
}

// Config 返回生效的配置
func (c *Client) Config() ClientConfig {
	return c.config
}

// Send 发送请求并等待一条匹配的回复，最多尝试 MaxRetries 次。
//
// 返回值有三种：有效回复；ErrNoResponse；回复携带 actionResult 时
// 同时返回该回复和 *hubapi.RejectedError。
func (c *Client) Send(ctx context.Context, req *hubapi.Request, hubIP string) (*hubapi.Ack, error) {
	addr, err := c.resolve(hubIP)
	if err != nil {
		return nil, err
	}
	if req.MsgType == hubapi.MsgWriteDevice {
		if err := c.limiter(hubIP).Wait(ctx); err != nil {
			return nil, fmt.Errorf("等待写命令配额失败: %w", err)
		}
	}
	payload, err := req.Encode()
	if err != nil {
		return nil, err
	}
	c.metrics.Requests.WithLabelValues(req.MsgType).Inc()

	log := c.log.With(zap.String("msgType", req.MsgType), zap.String("hub", hubIP), zap.String("mac", req.Mac))
	for attempt := 1; attempt <= c.config.MaxRetries; attempt++ {
		replies, err := c.exchange(ctx, req, payload, addr, c.config.SocketTimeout, true)
		if err != nil {
			return nil, err
		}
		if len(replies) > 0 {
			ack := replies[0].Ack
			if ack.Rejected() {
				c.metrics.Rejected.WithLabelValues(req.MsgType).Inc()
				log.Warn("集线器拒绝请求", zap.String("actionResult", ack.ActionResult))
				return ack, &hubapi.RejectedError{MsgType: ack.MsgType, Mac: ack.Mac, ActionResult: ack.ActionResult}
			}
			return ack, nil
		}
		log.Debug("等待回复超时", zap.Int("attempt", attempt))
	}
	c.metrics.NoResponse.WithLabelValues(req.MsgType).Inc()
	log.Warn("重试耗尽，集线器无响应", zap.Int("retries", c.config.MaxRetries))
	return nil, ErrNoResponse
}

// SendMulticast 发送一次请求，并在 window 时间内收集所有匹配的回复。
// 一条回复都没有时返回 ErrNoResponse。
func (c *Client) SendMulticast(ctx context.Context, req *hubapi.Request, targetIP string, window time.Duration) ([]Reply, error) {
	addr, err := c.resolve(targetIP)
	if err != nil {
		return nil, err
	}
	payload, err := req.Encode()
	if err != nil {
		return nil, err
	}
	c.metrics.Requests.WithLabelValues(req.MsgType).Inc()
	replies, err := c.exchange(ctx, req, payload, addr, window, false)
	if err != nil {
		return nil, err
	}
	if len(replies) == 0 {
		c.metrics.NoResponse.WithLabelValues(req.MsgType).Inc()
		return nil, ErrNoResponse
	}
	return replies, nil
}

// exchange 完成一次尝试：打开套接字、发送、在 window 内读取回复、关闭套接字。
// first 为 true 时收到第一条有效回复即返回。
func (c *Client) exchange(ctx context.Context, req *hubapi.Request, payload []byte, addr *net.UDPAddr, window time.Duration, first bool) ([]Reply, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	conn, err := c.listen()
	if err != nil {
		return nil, fmt.Errorf("创建 UDP 套接字失败: %w", err)
	}
	c.metrics.Sockets.Inc()
	defer func() {
		_ = conn.Close()
		c.metrics.Sockets.Dec()
	}()

	c.metrics.Attempts.WithLabelValues(req.MsgType).Inc()
	if _, err := conn.WriteTo(payload, addr); err != nil {
		c.log.Warn("发送数据报失败", zap.String("addr", addr.String()), zap.Error(err))
		return nil, nil
	}
	if err := conn.SetReadDeadline(time.Now().Add(window)); err != nil {
		return nil, fmt.Errorf("设置读取超时失败: %w", err)
	}
	// context 取消时立即唤醒阻塞的读取
	stop := context.AfterFunc(ctx, func() { _ = conn.SetReadDeadline(time.Now()) })
	defer stop()

	buffer := make([]byte, c.config.BufferSize)
	var replies []Reply
	for {
		n, from, err := conn.ReadFrom(buffer)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				return replies, nil
			}
			c.log.Warn("接收数据报失败", zap.Error(err))
			return replies, nil
		}
		ack, err := hubapi.ParseAck(buffer[:n])
		if err != nil {
			c.metrics.Malformed.Inc()
			c.log.Debug("丢弃无法解析的数据报", zap.String("from", from.String()), zap.Error(err))
			continue
		}
		if !req.Matches(ack) {
			c.metrics.Mismatched.Inc()
			c.log.Debug("丢弃不匹配的回复",
				zap.String("from", from.String()),
				zap.String("msgType", ack.MsgType),
				zap.String("mac", ack.Mac))
			continue
		}
		replies = append(replies, Reply{Ack: ack, From: hostOf(from)})
		if first {
			return replies, nil
		}
	}
}

func (c *Client) resolve(ip string) (*net.UDPAddr, error) {
	parsed := net.ParseIP(ip)
	if parsed == nil || parsed.To4() == nil {
		return nil, fmt.Errorf("非法的集线器地址: %q", ip)
	}
	return &net.UDPAddr{IP: parsed.To4(), Port: c.config.Port}, nil
}

// limiter 每个集线器一个写命令限速器
func (c *Client) limiter(hubIP string) *rate.Limiter {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.limiters[hubIP]
	if !ok {
		l = rate.NewLimiter(rate.Limit(c.config.WriteRate), c.config.WriteBurst)
		c.limiters[hubIP] = l
	}
	return l
}

func hostOf(addr net.Addr) string {
	if udp, ok := addr.(*net.UDPAddr); ok {
		return udp.IP.String()
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}

