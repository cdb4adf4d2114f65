package connector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"net"
	"strings"
	"sync"
	"time"

	"connectorhub/internal/hubapi"
	"connectorhub/internal/pkg"
	"go.uber.org/zap"
)

// SimulatorConfig 模拟集线器的配置信息
type SimulatorConfig struct {
	Addr         string        `mapstructure:"addr"`         // 监听地址，例如 "127.0.0.1:32100"
	Mac          string        `mapstructure:"mac"`          // 集线器 MAC (12 位十六进制)
	Token        string        `mapstructure:"token"`        // 会话 token，16 字节
	ConnectorKey string        `mapstructure:"connectorKey"` // 用于校验写请求的 accessToken，为空时不校验
	BufferSize   int           `mapstructure:"bufferSize"`
	Timeout      time.Duration `mapstructure:"timeout"` // 读取超时，用于周期性检查退出
}

// Interceptor 在模拟器处理请求之前调用；返回非 nil 时直接把这些数据报作为回复
type Interceptor func(req *hubapi.Request) [][]byte

// Simulator 一个内存中的集线器，按协议回复 GetDeviceList/ReadDevice/WriteDevice。
// 用于本地联调和测试。
type Simulator struct {
	ctx    context.Context
	config SimulatorConfig
	conn   *net.UDPConn

	mu        sync.Mutex
	devices   map[string]*simDevice
	order     []string
	requests  map[string]int
	intercept Interceptor
}

type simDevice struct {
	deviceType hubapi.DeviceType
	data       map[string]any
}

// NewSimulator 创建模拟集线器并立即绑定端口
func NewSimulator(ctx context.Context, config SimulatorConfig) (*Simulator, error) {
	if config.Addr == "" {
		config.Addr = fmt.Sprintf("0.0.0.0:%d", hubapi.SendPort)
	}
	if config.Mac == "" {
		config.Mac = "a1b2c3d4e5f6"
	}
	if config.Token == "" {
		config.Token = "0000000000000000"
	}
	if config.BufferSize <= 0 {
		config.BufferSize = pkg.DefaultBufferSize
	}
	if config.Timeout <= 0 {
		config.Timeout = time.Second
	}
	addr, err := net.ResolveUDPAddr("udp4", config.Addr)
	if err != nil {
		return nil, fmt.Errorf("解析监听地址失败: %w", err)
	}
	conn, err := net.ListenUDP("udp4", addr)
	if err != nil {
		return nil, fmt.Errorf("监听 UDP 失败: %w", err)
	}
	return &Simulator{
		ctx:      ctx,
		config:   config,
		conn:     conn,
		devices:  make(map[string]*simDevice),
		requests: make(map[string]int),
	}, nil
}

// Port 实际监听的端口
func (s *Simulator) Port() int {
	return s.conn.LocalAddr().(*net.UDPAddr).Port
}

// Mac 集线器 MAC
func (s *Simulator) Mac() string {
	return s.config.Mac
}

// AddDevice 添加或替换一个设备，mac 为空时按顺序生成 <hubMac>0001 形式的地址
func (s *Simulator) AddDevice(mac string, deviceType hubapi.DeviceType, data map[string]any) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if mac == "" {
		mac = fmt.Sprintf("%s%04d", s.config.Mac, len(s.order)+1)
	}
	if _, ok := s.devices[mac]; !ok {
		s.order = append(s.order, mac)
	}
	cloned := maps.Clone(data)
	if cloned == nil {
		cloned = map[string]any{}
	}
	s.devices[mac] = &simDevice{deviceType: deviceType, data: cloned}
	return mac
}

// RemoveDevice 删除设备，之后对它的读取会返回 actionResult
func (s *Simulator) RemoveDevice(mac string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.devices, mac)
	for i, m := range s.order {
		if m == mac {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

// Device 返回设备当前数据的拷贝
func (s *Simulator) Device(mac string) (map[string]any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.devices[mac]
	if !ok {
		return nil, false
	}
	return maps.Clone(d.data), true
}

// SetToken 模拟集线器轮换会话 token
func (s *Simulator) SetToken(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.config.Token = token
}

// SetInterceptor 设置请求拦截器，传 nil 取消
func (s *Simulator) SetInterceptor(f Interceptor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.intercept = f
}

// Requests 某类请求收到的次数
func (s *Simulator) Requests(msgType string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[msgType]
}

// Start 循环接收请求直到 context 结束
func (s *Simulator) Start() {
	log := pkg.LoggerFromContext(s.ctx)
	log.Info("模拟集线器已启动", zap.String("addr", s.conn.LocalAddr().String()), zap.String("mac", s.config.Mac))
	buffer := make([]byte, s.config.BufferSize)
	for {
		select {
		case <-s.ctx.Done():
			log.Info("模拟集线器停止中...")
			if err := s.Close(); err != nil {
				log.Error("模拟集线器关闭失败", zap.Error(err))
			}
			return
		default:
			if err := s.conn.SetReadDeadline(time.Now().Add(s.config.Timeout)); err != nil {
				log.Error("设置读取超时失败", zap.Error(err))
				return
			}
			n, addr, err := s.conn.ReadFromUDP(buffer)
			if err != nil {
				var netErr net.Error
				if errors.As(err, &netErr) && netErr.Timeout() {
					continue
				}
				if errors.Is(err, net.ErrClosed) {
					return
				}
				log.Error("接收数据失败", zap.Error(err))
				return
			}
			for _, reply := range s.handle(buffer[:n]) {
				if _, err := s.conn.WriteToUDP(reply, addr); err != nil {
					log.Warn("发送回复失败", zap.String("to", addr.String()), zap.Error(err))
				}
			}
		}
	}
}

// Close 关闭监听套接字
func (s *Simulator) Close() error {
	if err := s.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("关闭模拟集线器失败: %w", err)
	}
	return nil
}

func (s *Simulator) handle(raw []byte) [][]byte {
	var req hubapi.Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil
	}
	s.mu.Lock()
	s.requests[req.MsgType]++
	intercept := s.intercept
	s.mu.Unlock()
	if intercept != nil {
		if replies := intercept(&req); replies != nil {
			return replies
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	var ack map[string]any
	switch req.MsgType {
	case hubapi.MsgGetDeviceList:
		list := []hubapi.DeviceInfo{{Mac: s.config.Mac, DeviceType: hubapi.WiFiBridge}}
		for _, mac := range s.order {
			list = append(list, hubapi.DeviceInfo{Mac: mac, DeviceType: s.devices[mac].deviceType})
		}
		ack = map[string]any{
			"msgType":         hubapi.MsgGetDeviceListAck,
			"mac":             s.config.Mac,
			"deviceType":      hubapi.WiFiBridge,
			"fwVersion":       "A1.0.0_B0.1.0",
			"ProtocolVersion": "0.9",
			"token":           s.config.Token,
			"data":            list,
		}
	case hubapi.MsgReadDevice:
		ack = s.deviceAck(hubapi.MsgReadDeviceAck, &req)
	case hubapi.MsgWriteDevice:
		ack = s.write(&req)
	default:
		return nil
	}
	b, err := json.Marshal(ack)
	if err != nil {
		return nil
	}
	return [][]byte{b}
}

func (s *Simulator) deviceAck(msgType string, req *hubapi.Request) map[string]any {
	ack := map[string]any{"msgType": msgType, "mac": req.Mac, "deviceType": req.DeviceType}
	d, ok := s.devices[req.Mac]
	if !ok || d.deviceType != req.DeviceType {
		ack["actionResult"] = "device not exist"
		return ack
	}
	ack["data"] = maps.Clone(d.data)
	return ack
}

func (s *Simulator) write(req *hubapi.Request) map[string]any {
	if s.config.ConnectorKey != "" {
		want, err := hubapi.ComputeAccessToken(s.config.ConnectorKey, s.config.Token)
		if err != nil || !strings.EqualFold(want, req.AccessToken) {
			return map[string]any{
				"msgType":      hubapi.MsgWriteDeviceAck,
				"mac":          req.Mac,
				"deviceType":   req.DeviceType,
				"actionResult": "AccessToken error",
			}
		}
	}
	if d, ok := s.devices[req.Mac]; ok && d.deviceType == req.DeviceType {
		for k, v := range req.Data {
			d.data[k] = v
			// 模拟器中的电机瞬间到位
			if suffix, found := strings.CutPrefix(k, "targetPosition"); found {
				d.data["currentPosition"+suffix] = v
				d.data["operation"+suffix] = float64(hubapi.OpStop)
			}
			if suffix, found := strings.CutPrefix(k, "targetAngle"); found {
				d.data["currentAngle"+suffix] = v
			}
		}
	}
	return s.deviceAck(hubapi.MsgWriteDeviceAck, req)
}
