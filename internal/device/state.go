package device

import (
	"maps"
	"time"

	"connectorhub/internal/hubapi"
	"go.uber.org/zap"
)

// 设备状态字段的规范名称，TDBU 设备在报文中会带 _T / _B 后缀
const (
	FieldType            = "type"
	FieldOperation       = "operation"
	FieldCurrentPosition = "currentPosition"
	FieldTargetPosition  = "targetPosition"
	FieldCurrentAngle    = "currentAngle"
	FieldTargetAngle     = "targetAngle"
	FieldCurrentState    = "currentState"
	FieldBatteryLevel    = "batteryLevel"
	FieldWirelessMode    = "wirelessMode"
	FieldVoltageMode     = "voltageMode"
	FieldChargingState   = "chargingState"
	FieldRSSI            = "RSSI"
)

var stateFields = []string{
	FieldType, FieldOperation, FieldCurrentPosition, FieldTargetPosition,
	FieldCurrentAngle, FieldTargetAngle, FieldCurrentState, FieldBatteryLevel,
	FieldWirelessMode, FieldVoltageMode, FieldChargingState, FieldRSSI,
}

// FallbackPosition 既没有位置也无法推断时使用的"半开"值
const FallbackPosition = 50

// PositionSource 当前位置的来源
type PositionSource string

const (
	SourceReported  PositionSource = "reported"
	SourceOperation PositionSource = "operation"
	SourceTarget    PositionSource = "target"
	SourceFallback  PositionSource = "fallback"
)

// State 单个设备的状态快照，生成后不再修改
type State struct {
	// Reported 集线器上报并合并后的字段，键为不带后缀的规范名称
	Reported map[string]int `json:"reported"`
	// Position 集线器坐标中的当前位置，总在 [0,100]
	Position  int            `json:"position"`
	Source    PositionSource `json:"source"`
	UpdatedAt time.Time      `json:"updatedAt"`
}

// Get 读取一个上报字段
func (s *State) Get(name string) (int, bool) {
	if s == nil {
		return 0, false
	}
	v, ok := s.Reported[name]
	return v, ok
}

// Operation 最近一次上报的操作码
func (s *State) Operation() (hubapi.OpCode, bool) {
	v, ok := s.Get(FieldOperation)
	return hubapi.OpCode(v), ok
}

// Model 设备型号
func (s *State) Model() hubapi.DeviceModel {
	v, _ := s.Get(FieldType)
	return hubapi.DeviceModel(v)
}

// BinaryOnly 单向无线设备只能接受开/关命令
func (s *State) BinaryOnly() bool {
	v, ok := s.Get(FieldWirelessMode)
	return ok && hubapi.WirelessMode(v) == hubapi.UniDirectional
}

// BatteryLevel 原始电量值
func (s *State) BatteryLevel() (int, bool) {
	return s.Get(FieldBatteryLevel)
}

// Describe 上报的枚举字段转为可读文本，未上报的字段不出现
func (s *State) Describe() map[string]string {
	out := map[string]string{}
	if v, ok := s.Get(FieldWirelessMode); ok {
		out[FieldWirelessMode] = hubapi.WirelessMode(v).String()
	}
	if v, ok := s.Get(FieldVoltageMode); ok {
		out[FieldVoltageMode] = hubapi.VoltageMode(v).String()
	}
	if v, ok := s.Get(FieldCurrentState); ok {
		out[FieldCurrentState] = hubapi.LimitState(v).String()
	}
	if v, ok := s.Get(FieldType); ok {
		out[FieldType] = hubapi.DeviceModel(v).String()
	}
	return out
}

// Normalize 将原始状态转换为 State，保证 Position 总有值。
//
// 带后缀的字段优先于同名的无后缀字段；本次未上报的字段沿用 last 中的值。
// 位置的确定顺序：上报的 currentPosition；open/close 操作码对应的端点；
// 已停止且有目标位置时取目标位置；否则记录警告并取 FallbackPosition。
func Normalize(id Identity, payload hubapi.Payload, last *State, mapper Mapper, log *zap.Logger) *State {
	reported := map[string]int{}
	if last != nil {
		reported = maps.Clone(last.Reported)
	}
	for _, name := range stateFields {
		v, ok := payload.Int(id.Field(name))
		if !ok && id.Split != SplitNone {
			v, ok = payload.Int(name)
		}
		if ok {
			reported[name] = v
		}
	}

	state := &State{Reported: reported, UpdatedAt: time.Now()}
	op, hasOp := state.Operation()
	target, hasTarget := state.Get(FieldTargetPosition)
	if pos, ok := state.Get(FieldCurrentPosition); ok {
		state.Position, state.Source = Clamp(pos), SourceReported
	} else if hasOp && (op == hubapi.OpClose || op == hubapi.OpOpen) {
		state.Position, state.Source = mapper.OpCodeToPosition(op), SourceOperation
	} else if hasOp && op == hubapi.OpStop && hasTarget && target >= 0 {
		state.Position, state.Source = Clamp(target), SourceTarget
	} else {
		log.Warn("无法确定设备位置，使用默认值",
			zap.String("device", id.Key()),
			zap.Any("payload", payload),
			zap.Int("fallback", FallbackPosition))
		state.Position, state.Source = FallbackPosition, SourceFallback
		return state
	}
	if state.BinaryOnly() {
		state.Position = BinarizeTarget(state.Position)
	}
	return state
}
