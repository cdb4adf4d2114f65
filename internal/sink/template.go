package sink

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"connectorhub/internal/device"
	"connectorhub/internal/pkg"
	"go.uber.org/zap"
)

// EventType 设备事件类型
type EventType string

const (
	EventRegistered EventType = "registered"
	EventState      EventType = "state"
	EventRemoved    EventType = "removed"
)

// Event 发往下游的设备事件，State 在 removed 事件中为空
type Event struct {
	Type  EventType             `json:"type"`
	Key   string                `json:"key"`
	Name  string                `json:"name"`
	HubIP string                `json:"hub"`
	State *device.PositionState `json:"state,omitempty"`
	Time  time.Time             `json:"ts"`
}

// CommandHandler 处理下游发来的控制命令，payload 为整数位置、angle:<n> 或 open/close/stop
type CommandHandler func(ctx context.Context, key string, payload string) error

// Commander 能接收下游命令的输出
type Commander interface {
	SetCommandHandler(CommandHandler)
}

// Template 定义了所有输出的通用接口
type Template interface {
	GetType() string       // Step:1 输出类型
	Publish(e Event) error // Step:2 发送一个事件
	Close() error          // Step:3 释放连接
}

// FactoryFunc 输出的工厂函数，para 为该输出的自定义配置
type FactoryFunc func(ctx context.Context, para map[string]interface{}) (Template, error)

// Factories 全局工厂映射，这里面可能包含了没有启用的输出
var Factories = make(map[string]FactoryFunc)

// Register 注册一个输出
func Register(sinkType string, factory FactoryFunc) {
	Factories[sinkType] = factory
}

type entry struct {
	sink   Template
	filter *Filter
}

// Collection 已启用的输出集合
type Collection struct {
	entries []entry
	log     *zap.Logger
}

// NewCollection 创建一个空的输出集合
func NewCollection(ctx context.Context) *Collection {
	return &Collection{log: pkg.LoggerFromContext(ctx)}
}

// New 按配置初始化所有启用的输出
var New = func(ctx context.Context) (*Collection, error) {
	c := NewCollection(ctx)
	factoryTypes := make([]string, 0, len(Factories))
	for key := range Factories {
		factoryTypes = append(factoryTypes, key)
	}
	sort.Strings(factoryTypes)
	c.log.Debug("Sink Factory:", zap.Strings("Factories", factoryTypes))
	for _, sinkConfig := range pkg.ConfigFromContext(ctx).Sink {
		if !sinkConfig.Enable {
			continue
		}
		c.log.Info(fmt.Sprintf("===正在启动Sink: %s===", sinkConfig.Type))
		factory, exists := Factories[sinkConfig.Type]
		if !exists {
			c.Close()
			return nil, fmt.Errorf("未知的输出类型: %s", sinkConfig.Type)
		}
		s, err := factory(ctx, sinkConfig.Para)
		if err != nil {
			c.Close()
			return nil, fmt.Errorf("初始化输出 %s 失败: %w", sinkConfig.Type, err)
		}
		if err := c.Add(s, sinkConfig.When); err != nil {
			s.Close()
			c.Close()
			return nil, err
		}
	}
	return c, nil
}

// Add 加入一个输出，when 为空时不过滤
func (c *Collection) Add(s Template, when string) error {
	filter, err := CompileFilter(when)
	if err != nil {
		return fmt.Errorf("输出 %s 的过滤表达式无效: %w", s.GetType(), err)
	}
	c.entries = append(c.entries, entry{sink: s, filter: filter})
	return nil
}

// Types 已启用的输出类型
func (c *Collection) Types() []string {
	out := make([]string, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, e.sink.GetType())
	}
	return out
}

// SetCommandHandler 将命令处理器交给所有能接收命令的输出
func (c *Collection) SetCommandHandler(h CommandHandler) {
	for _, e := range c.entries {
		if cmd, ok := e.sink.(Commander); ok {
			cmd.SetCommandHandler(h)
		}
	}
}

// Publish 将事件发往所有匹配的输出，单个输出失败不影响其他输出
func (c *Collection) Publish(e Event) error {
	var errs []error
	for _, en := range c.entries {
		ok, err := en.filter.Match(e)
		if err != nil {
			c.log.Warn("过滤表达式执行失败", zap.String("sink", en.sink.GetType()), zap.Error(err))
			continue
		}
		if !ok {
			continue
		}
		if err := en.sink.Publish(e); err != nil {
			c.log.Error("输出事件失败",
				zap.String("sink", en.sink.GetType()),
				zap.String("device", e.Key),
				zap.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", en.sink.GetType(), err))
		}
	}
	return errors.Join(errs...)
}

// Close 关闭所有输出
func (c *Collection) Close() error {
	var errs []error
	for _, en := range c.entries {
		if err := en.sink.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", en.sink.GetType(), err))
		}
	}
	c.entries = nil
	return errors.Join(errs...)
}
