package bridge

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"connectorhub/internal/connector"
	"connectorhub/internal/device"
	"connectorhub/internal/hubapi"
	"connectorhub/internal/pkg"
	"connectorhub/internal/sink"
	"go.uber.org/zap"
)

// Publisher 事件输出
type Publisher interface {
	Publish(e sink.Event) error
}

// Devices 按键查找设备处理器
type Devices interface {
	Handler(key string) (*device.Handler, error)
}

type loop struct {
	handler *device.Handler
	cancel  context.CancelFunc
	last    *device.PositionState // 最近一次输出的状态
}

// Bridge 设备生命周期事件的参考消费方：为每个设备定时刷新状态，
// 在状态变化时输出事件，并把下游命令转给设备
type Bridge struct {
	ctx      context.Context
	devices  Devices
	out      Publisher
	interval time.Duration
	log      *zap.Logger

	mu    sync.Mutex
	loops map[string]*loop
	wg    sync.WaitGroup
}

// New 创建 Bridge，刷新间隔取自配置 hub::refreshInterval
func New(ctx context.Context, devices Devices, out Publisher) *Bridge {
	interval := pkg.ConfigFromContext(ctx).Hub.RefreshInterval
	if interval <= 0 {
		interval = pkg.DefaultRefreshInterval
	}
	return &Bridge{
		ctx:      ctx,
		devices:  devices,
		out:      out,
		interval: interval,
		log:      pkg.LoggerFromContext(ctx),
		loops:    make(map[string]*loop),
	}
}

// DeviceRegistered 输出 registered 事件并启动刷新循环
func (b *Bridge) DeviceRegistered(h *device.Handler) {
	key := h.Identity().Key()
	ctx, cancel := context.WithCancel(b.ctx)
	l := &loop{handler: h, cancel: cancel}

	b.mu.Lock()
	if old, ok := b.loops[key]; ok {
		old.cancel()
	}
	b.loops[key] = l
	b.mu.Unlock()

	b.publish(l, sink.EventRegistered, true)
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.refreshLoop(ctx, l)
	}()
}

// DeviceRemoved 停止刷新循环并输出 removed 事件
func (b *Bridge) DeviceRemoved(id device.Identity) {
	key := id.Key()
	b.mu.Lock()
	l, ok := b.loops[key]
	delete(b.loops, key)
	b.mu.Unlock()
	if !ok {
		return
	}
	l.cancel()
	b.emit(sink.Event{
		Type:  sink.EventRemoved,
		Key:   key,
		Name:  id.DisplayName(),
		HubIP: l.handler.HubIP(),
		Time:  time.Now(),
	})
}

// RoundComplete 一轮发现结束
func (b *Bridge) RoundComplete(hubIP string) {
	b.log.Debug("发现轮次结束", zap.String("hub", hubIP), zap.Int("devices", b.Len()))
}

// Len 正在刷新的设备数
func (b *Bridge) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.loops)
}

func (b *Bridge) refreshLoop(ctx context.Context, l *loop) {
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()
	log := b.log.With(zap.String("device", l.handler.Identity().Key()))
	for {
		select {
		case <-ctx.Done():
			log.Debug("刷新循环退出")
			return
		case <-ticker.C:
			if _, err := l.handler.Refresh(ctx); err != nil {
				switch {
				case ctx.Err() != nil:
					return
				case errors.Is(err, connector.ErrNoResponse):
					// 状态未知，保留上一次的状态
					log.Debug("刷新无响应", zap.Error(err))
				default:
					log.Warn("刷新失败", zap.Error(err))
				}
				continue
			}
			b.publish(l, sink.EventState, false)
		}
	}
}

// publish 输出当前状态；force 为 false 时只在状态变化后输出
func (b *Bridge) publish(l *loop, typ sink.EventType, force bool) {
	ps, err := l.handler.PositionState()
	if err != nil {
		if force {
			id := l.handler.Identity()
			b.emit(sink.Event{Type: typ, Key: id.Key(), Name: id.DisplayName(), HubIP: l.handler.HubIP(), Time: time.Now()})
		}
		return
	}
	b.mu.Lock()
	changed := l.last == nil || !sameState(*l.last, ps)
	if changed || force {
		l.last = &ps
	}
	b.mu.Unlock()
	if !changed && !force {
		return
	}
	b.emit(sink.Event{
		Type:  typ,
		Key:   ps.Key,
		Name:  ps.Name,
		HubIP: l.handler.HubIP(),
		State: &ps,
		Time:  time.Now(),
	})
}

func (b *Bridge) emit(e sink.Event) {
	if b.out == nil {
		return
	}
	if err := b.out.Publish(e); err != nil {
		b.log.Warn("输出事件失败", zap.String("device", e.Key), zap.String("type", string(e.Type)), zap.Error(err))
	}
}

func sameState(a, b device.PositionState) bool {
	return a.Position == b.Position &&
		a.Target == b.Target &&
		a.Direction == b.Direction &&
		a.HasBattery == b.HasBattery &&
		a.BatteryPercent == b.BatteryPercent &&
		a.LowBattery == b.LowBattery
}

// HandleCommand 执行下游命令：整数为对外坐标中的目标位置，angle:<n> 为百叶角度，
// 或 open/close/stop/status
func (b *Bridge) HandleCommand(ctx context.Context, key string, payload string) error {
	h, err := b.devices.Handler(key)
	if err != nil {
		return err
	}
	payload = strings.ToLower(strings.TrimSpace(payload))
	if angle, found := strings.CutPrefix(payload, "angle:"); found {
		n, convErr := strconv.Atoi(strings.TrimSpace(angle))
		if convErr != nil {
			return fmt.Errorf("无法解析角度 %q: %w", angle, convErr)
		}
		err = h.SetTargetAngle(ctx, n)
	} else if pos, convErr := strconv.Atoi(payload); convErr == nil {
		if pos < 0 || pos > 100 {
			return fmt.Errorf("目标位置超出范围 [0,100]: %d", pos)
		}
		err = h.SetTarget(ctx, pos)
	} else {
		op, parseErr := hubapi.ParseOpCode(payload)
		if parseErr != nil {
			return parseErr
		}
		if op == hubapi.OpStatusQuery {
			_, err = h.Refresh(ctx)
		} else {
			_, err = h.SendCommand(ctx, device.OpCommand(op))
		}
	}
	if err != nil {
		return err
	}
	b.mu.Lock()
	l, ok := b.loops[key]
	b.mu.Unlock()
	if ok {
		b.publish(l, sink.EventState, false)
	}
	return nil
}

// Close 停止所有刷新循环并等待退出
func (b *Bridge) Close() {
	b.mu.Lock()
	for key, l := range b.loops {
		l.cancel()
		delete(b.loops, key)
	}
	b.mu.Unlock()
	b.wg.Wait()
}
