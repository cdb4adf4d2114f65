package device

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"connectorhub/internal/hubapi"
	"go.uber.org/zap"
)

var (
	// ErrNoState 设备还没有读取到任何状态
	ErrNoState = errors.New("设备状态未知")
	// ErrUnsupported 设备不支持该命令
	ErrUnsupported = errors.New("设备不支持该命令")
)

// Sender 发送请求并等待回复，由 connector.Client 实现
type Sender interface {
	Send(ctx context.Context, req *hubapi.Request, hubIP string) (*hubapi.Ack, error)
}

// TokenSource 提供集线器的 accessToken，由 discovery.Registry 实现
type TokenSource interface {
	AccessToken(hubMac string) (string, error)
}

// Command 写入设备的字段，键为不带后缀的规范名称
type Command map[string]any

// OpCommand 开/关/停命令
func OpCommand(op hubapi.OpCode) Command {
	return Command{FieldOperation: op}
}

// PositionCommand 以集线器坐标表示的目标位置命令
func PositionCommand(hubTarget int) Command {
	return Command{FieldTargetPosition: hubTarget}
}

// MaxAngle 百叶角度上限
const MaxAngle = 180

// AngleCommand 百叶角度命令，角度限制在 [0,MaxAngle]
func AngleCommand(angle int) Command {
	return Command{FieldTargetAngle: min(max(angle, 0), MaxAngle)}
}

// PositionState 对外坐标下的位置状态
type PositionState struct {
	Key            string         `json:"key"`
	Name           string         `json:"name"`
	Position       int            `json:"position"`
	Target         int            `json:"target"`
	Direction      Direction      `json:"direction"`
	Source         PositionSource `json:"source"`
	Binary         bool           `json:"binary"`
	BatteryPercent int            `json:"batteryPercent"`
	LowBattery     bool           `json:"lowBattery"`
	HasBattery     bool           `json:"hasBattery"`
	Angle          *int           `json:"angle,omitempty"`
	UpdatedAt      time.Time      `json:"updatedAt"`
}

// Handler 单个设备的刷新与命令循环，独占该设备的 State 与目标位置
type Handler struct {
	id     Identity
	mapper Mapper
	sender Sender
	tokens TokenSource
	log    *zap.Logger

	mu     sync.Mutex
	hubIP  string
	state  *State
	target *int // 集线器坐标
}

// NewHandler 创建设备处理器
func NewHandler(id Identity, hubIP string, mapper Mapper, sender Sender, tokens TokenSource, log *zap.Logger) *Handler {
	return &Handler{
		id:     id,
		mapper: mapper,
		sender: sender,
		tokens: tokens,
		log:    log.With(zap.String("device", id.Key())),
		hubIP:  hubIP,
	}
}

// Identity 设备标识
func (h *Handler) Identity() Identity {
	return h.id
}

// Mapper 坐标换算
func (h *Handler) Mapper() Mapper {
	return h.mapper
}

// HubIP 设备所属集线器的最新地址
func (h *Handler) HubIP() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.hubIP
}

// SetHubIP 集线器地址变化时更新
func (h *Handler) SetHubIP(ip string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.hubIP = ip
}

// State 最近一次的状态快照，没有时返回 nil
func (h *Handler) State() *State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Update 用一条 ReadDeviceAck 更新缓存。
// 位置发生变化或尚无目标时，目标同步为当前位置。
func (h *Handler) Update(ack *hubapi.Ack) (*State, error) {
	if err := ack.Check(); err != nil {
		return nil, err
	}
	payload, err := ack.Payload()
	if err != nil {
		return nil, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	last := h.state
	next := Normalize(h.id, payload, last, h.mapper, h.log)
	h.state = next
	if h.target == nil || last == nil || last.Position != next.Position {
		pos := next.Position
		h.target = &pos
	}
	return next, nil
}

// Refresh 读取设备最新状态。失败时缓存保持不变。
func (h *Handler) Refresh(ctx context.Context) (*State, error) {
	ack, err := h.sender.Send(ctx, hubapi.NewReadDeviceRequest(h.id.Info()), h.HubIP())
	if err != nil {
		return nil, fmt.Errorf("读取设备 %s 失败: %w", h.id.Key(), err)
	}
	return h.Update(ack)
}

// SendCommand 发送写命令。集线器拒绝或无响应时缓存保持不变；
// 成功时用回复中的状态更新缓存并记录目标位置。
func (h *Handler) SendCommand(ctx context.Context, cmd Command) (*hubapi.Ack, error) {
	token, err := h.tokens.AccessToken(h.id.HubMac())
	if err != nil {
		return nil, fmt.Errorf("获取 accessToken 失败: %w", err)
	}
	data := make(map[string]any, len(cmd))
	for k, v := range cmd {
		data[h.id.Field(k)] = v
	}
	ack, err := h.sender.Send(ctx, hubapi.NewWriteDeviceRequest(h.id.Info(), token, data), h.HubIP())
	if err != nil {
		return ack, fmt.Errorf("写入设备 %s 失败: %w", h.id.Key(), err)
	}
	if err := ack.Check(); err != nil {
		return ack, fmt.Errorf("写入设备 %s 失败: %w", h.id.Key(), err)
	}
	payload, err := ack.Payload()
	if err != nil {
		return ack, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	// 会上报位置的设备，回复中也必须带有当前位置
	if _, hasPos := payload.Int(h.id.Field(FieldCurrentPosition)); !hasPos && h.state != nil && h.state.Source == SourceReported {
		return ack, fmt.Errorf("写入设备 %s 失败: %w", h.id.Key(),
			&hubapi.RejectedError{MsgType: ack.MsgType, Mac: ack.Mac, ActionResult: "missing currentPosition"})
	}
	h.state = Normalize(h.id, payload, h.state, h.mapper, h.log)
	if target, ok := h.commandTarget(cmd); ok {
		h.target = &target
	}
	return ack, nil
}

// commandTarget 命令对应的集线器坐标目标
func (h *Handler) commandTarget(cmd Command) (int, bool) {
	if v, ok := hubapi.Payload(cmd).Int(FieldTargetPosition); ok {
		return Clamp(v), true
	}
	if v, ok := cmd[FieldOperation]; ok {
		op, ok := v.(hubapi.OpCode)
		if !ok {
			n, valid := hubapi.Payload(cmd).Int(FieldOperation)
			if !valid {
				return 0, false
			}
			op = hubapi.OpCode(n)
		}
		switch op {
		case hubapi.OpOpen, hubapi.OpClose:
			return h.mapper.OpCodeToPosition(op), true
		case hubapi.OpStop:
			if h.state != nil {
				return h.state.Position, true
			}
		}
	}
	return 0, false
}

// SetTarget 以对外坐标设置目标位置；只支持开/关的设备会发送开/关命令
func (h *Handler) SetTarget(ctx context.Context, canonical int) error {
	hubTarget := h.mapper.FromCanonical(Clamp(canonical))
	h.mu.Lock()
	binary := h.state.BinaryOnly()
	h.mu.Unlock()

	cmd := PositionCommand(hubTarget)
	if binary {
		cmd = OpCommand(h.mapper.PositionToOpCode(BinarizeTarget(hubTarget)))
	}
	if _, err := h.SendCommand(ctx, cmd); err != nil {
		h.log.Error("设置目标位置失败", zap.Int("target", canonical), zap.Error(err))
		return err
	}
	h.log.Info("已设置目标位置", zap.Int("target", canonical))
	return nil
}

// SetTargetAngle 设置百叶角度，只支持开/关的设备不接受角度命令
func (h *Handler) SetTargetAngle(ctx context.Context, angle int) error {
	if angle < 0 || angle > MaxAngle {
		return fmt.Errorf("角度超出范围 [0,%d]: %d", MaxAngle, angle)
	}
	h.mu.Lock()
	binary := h.state.BinaryOnly()
	h.mu.Unlock()
	if binary {
		return fmt.Errorf("设备 %s 只支持开/关: %w", h.id.Key(), ErrUnsupported)
	}
	if _, err := h.SendCommand(ctx, AngleCommand(angle)); err != nil {
		h.log.Error("设置角度失败", zap.Int("angle", angle), zap.Error(err))
		return err
	}
	h.log.Info("已设置角度", zap.Int("angle", angle))
	return nil
}

// PositionState 当前的对外位置状态
func (h *Handler) PositionState() (PositionState, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state == nil {
		return PositionState{}, ErrNoState
	}
	target := h.state.Position
	if h.target != nil {
		target = *h.target
	}
	ps := PositionState{
		Key:       h.id.Key(),
		Name:      h.id.DisplayName(),
		Position:  h.mapper.ToCanonical(h.state.Position),
		Target:    h.mapper.ToCanonical(target),
		Direction: h.mapper.Direction(h.state.Position, target),
		Source:    h.state.Source,
		Binary:    h.state.BinaryOnly(),
		UpdatedAt: h.state.UpdatedAt,
	}
	if angle, ok := h.state.Get(FieldCurrentAngle); ok {
		ps.Angle = &angle
	}
	if level, ok := h.state.BatteryLevel(); ok {
		ps.HasBattery = true
		ps.BatteryPercent = hubapi.BatteryPercent(level)
		ps.LowBattery = hubapi.IsLowBattery(level)
	}
	return ps, nil
}
