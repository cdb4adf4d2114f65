package pkg

import (
	"context"
	"fmt"
	"io/fs"
	"net"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// 协议与发现流程的默认值
const (
	DefaultPort              = 32100
	DefaultMulticastIP       = "238.0.0.18"
	DefaultMaxRetries        = 3
	DefaultSocketTimeout     = 250 * time.Millisecond
	DefaultRefreshInterval   = 5 * time.Second
	DefaultBufferSize        = 4096
	DefaultWriteRate         = 4.0
	DefaultWriteBurst        = 2
	DefaultDiscoveryInterval = 5 * time.Minute
	DefaultDiscoveryFreq     = 1 * time.Second
	DefaultDiscoveryDuration = 15 * time.Second
)

type LogConfig struct {
	LogPath    string `mapstructure:"log_path" yaml:"log_path"`
	MaxSize    int    `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge     int    `mapstructure:"max_age" yaml:"max_age"`
	Compress   bool   `mapstructure:"compress" yaml:"compress"`
	Level      string `mapstructure:"level" yaml:"level"`
}

// HubConfig 集线器通信相关配置
type HubConfig struct {
	ConnectorKey     string        `mapstructure:"connectorKey" yaml:"connectorKey"`         // 共享密钥，用于计算 accessToken
	Addresses        []string      `mapstructure:"addresses" yaml:"addresses"`               // 集线器 IPv4 地址，为空时使用组播发现
	MulticastIP      string        `mapstructure:"multicastIP" yaml:"multicastIP"`           // 组播地址
	Port             int           `mapstructure:"port" yaml:"port"`                         // 集线器 UDP 端口
	ReverseDirection []string      `mapstructure:"reverseDirection" yaml:"reverseDirection"` // 需要反转方向的设备 (mac 或 mac_T / mac_B)
	MaxRetries       int           `mapstructure:"maxRetries" yaml:"maxRetries"`             // 单次请求的最大尝试次数
	SocketTimeout    time.Duration `mapstructure:"socketTimeout" yaml:"socketTimeout"`       // 每次尝试等待回复的超时
	RefreshInterval  time.Duration `mapstructure:"refreshInterval" yaml:"refreshInterval"`   // 设备状态轮询间隔
	BufferSize       int           `mapstructure:"bufferSize" yaml:"bufferSize"`             // 接收缓冲区大小
	WriteRate        float64       `mapstructure:"writeRate" yaml:"writeRate"`               // 每个集线器每秒允许的写命令数
	WriteBurst       int           `mapstructure:"writeBurst" yaml:"writeBurst"`
}

// DiscoveryConfig 设备发现的节奏
type DiscoveryConfig struct {
	Interval  time.Duration `mapstructure:"interval" yaml:"interval"`   // 两轮发现之间的间隔
	Frequency time.Duration `mapstructure:"frequency" yaml:"frequency"` // 一轮中发送 GetDeviceList 的频率
	Duration  time.Duration `mapstructure:"duration" yaml:"duration"`   // 一轮发现持续的时间
}

type SinkConfig struct {
	Type   string                 `mapstructure:"type" yaml:"type"`     // 输出类型
	Enable bool                   `mapstructure:"enable" yaml:"enable"` // 是否启用
	When   string                 `mapstructure:"when" yaml:"when"`     // expr 过滤表达式，为空时全部输出
	Para   map[string]interface{} `mapstructure:"config" yaml:"config"` // 自定义配置项
}

type AdminConfig struct {
	Enable   bool          `mapstructure:"enable" yaml:"enable"`
	Addr     string        `mapstructure:"addr" yaml:"addr"`
	CacheTTL time.Duration `mapstructure:"cacheTTL" yaml:"cacheTTL"`
}

type Config struct {
	Version   string          `mapstructure:"version" yaml:"version"`
	Log       LogConfig       `mapstructure:"log" yaml:"log"`
	Hub       HubConfig       `mapstructure:"hub" yaml:"hub"`
	Discovery DiscoveryConfig `mapstructure:"discovery" yaml:"discovery"`
	Sink      []SinkConfig    `mapstructure:"sink" yaml:"sink"`
	Admin     AdminConfig     `mapstructure:"admin" yaml:"admin"`
}

// ApplyDefaults 为缺省的配置项填充默认值
func (c *Config) ApplyDefaults() {
	h := &c.Hub
	if h.MulticastIP == "" {
		h.MulticastIP = DefaultMulticastIP
	}
	if h.Port == 0 {
		h.Port = DefaultPort
	}
	if h.MaxRetries <= 0 {
		h.MaxRetries = DefaultMaxRetries
	}
	if h.SocketTimeout <= 0 {
		h.SocketTimeout = DefaultSocketTimeout
	}
	if h.RefreshInterval <= 0 {
		h.RefreshInterval = DefaultRefreshInterval
	}
	if h.BufferSize <= 0 {
		h.BufferSize = DefaultBufferSize
	}
	if h.WriteRate <= 0 {
		h.WriteRate = DefaultWriteRate
	}
	if h.WriteBurst <= 0 {
		h.WriteBurst = DefaultWriteBurst
	}
	d := &c.Discovery
	if d.Interval <= 0 {
		d.Interval = DefaultDiscoveryInterval
	}
	if d.Frequency <= 0 {
		d.Frequency = DefaultDiscoveryFreq
	}
	if d.Duration <= 0 {
		d.Duration = DefaultDiscoveryDuration
	}
	if c.Admin.Addr == "" {
		c.Admin.Addr = ":8080"
	}
	if c.Admin.CacheTTL <= 0 {
		c.Admin.CacheTTL = time.Second
	}
}

// Validate 检查启动所必需的配置，任何错误都应阻止程序启动
func (c *Config) Validate() error {
	switch len(c.Hub.ConnectorKey) {
	case 0:
		return fmt.Errorf("配置校验失败: 缺少 hub::connectorKey")
	case 16, 24, 32:
	default:
		return fmt.Errorf("配置校验失败: connectorKey 长度必须为 16/24/32 字节，当前为 %d", len(c.Hub.ConnectorKey))
	}
	for _, addr := range c.Hub.Addresses {
		ip := net.ParseIP(strings.TrimSpace(addr))
		if ip == nil || ip.To4() == nil {
			return fmt.Errorf("配置校验失败: 非法的集线器地址 %q", addr)
		}
	}
	if ip := net.ParseIP(c.Hub.MulticastIP); ip == nil || !ip.IsMulticast() {
		return fmt.Errorf("配置校验失败: 非法的组播地址 %q", c.Hub.MulticastIP)
	}
	return nil
}

// DiscoveryTargets 返回需要探测的地址，未配置集线器时退回组播
func (c *Config) DiscoveryTargets() []string {
	if len(c.Hub.Addresses) == 0 {
		return []string{c.Hub.MulticastIP}
	}
	out := make([]string, 0, len(c.Hub.Addresses))
	for _, addr := range c.Hub.Addresses {
		out = append(out, strings.TrimSpace(addr))
	}
	return out
}

// MulticastMode 未配置任何集线器地址时为 true
func (c *Config) MulticastMode() bool {
	return len(c.Hub.Addresses) == 0
}

// InitCommon 用于初始化全局配置
func InitCommon(configDir string) (*Config, error) {
	v := viper.NewWithOptions(viper.KeyDelimiter("::")) // 设置 key 分隔符为 ::，因为默认的 . 会和 IP 地址冲突
	v.AddConfigPath(configDir)
	v.AutomaticEnv() // 读取环境变量
	// 遍历配置目录及其子目录中的所有文件
	err := filepath.WalkDir(configDir, func(filePath string, d fs.DirEntry, err error) error {
		if err != nil {
			return fmt.Errorf("访问路径 %s 失败: %w", filePath, err)
		}
		if d.IsDir() {
			return nil
		}
		// 只处理 .yaml 或 .yml 文件
		ext := filepath.Ext(filePath)
		if ext == ".yaml" || ext == ".yml" {
			v.SetConfigFile(filePath)
			// 读取并合并配置文件 (会覆盖之前的配置)
			if err := v.MergeInConfig(); err != nil {
				return fmt.Errorf("读取配置文件失败 %s: %w", filePath, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	var common Config
	if err := v.Unmarshal(&common); err != nil {
		return nil, fmt.Errorf("反序列化配置失败: %w", err)
	}
	common.ApplyDefaults()
	return &common, nil
}

// 定义一个不导出的 key 类型，避免 context key 冲突
type configKey struct{}

// WithConfig 将配置指针存入 context 中
func WithConfig(ctx context.Context, config *Config) context.Context {
	return context.WithValue(ctx, configKey{}, config)
}

// ConfigFromContext 从 context 中提取配置指针，不存在时返回带默认值的空配置
func ConfigFromContext(ctx context.Context) *Config {
	if config, ok := ctx.Value(configKey{}).(*Config); ok && config != nil {
		return config
	}
	c := &Config{}
	c.ApplyDefaults()
	return c
}
