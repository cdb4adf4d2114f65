package device

import (
	"strings"

	"connectorhub/internal/hubapi"
)

// Direction 设备当前的运动方向
type Direction int

const (
	Stopped Direction = iota
	Opening
	Closing
)

func (d Direction) String() string {
	switch d {
	case Opening:
		return "opening"
	case Closing:
		return "closing"
	}
	return "stopped"
}

// MarshalText 以名称序列化
func (d Direction) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText 解析名称，未知名称视为 stopped
func (d *Direction) UnmarshalText(b []byte) error {
	switch strings.ToLower(string(b)) {
	case "opening":
		*d = Opening
	case "closing":
		*d = Closing
	default:
		*d = Stopped
	}
	return nil
}

// Mapper 在集线器坐标与对外坐标之间换算。
// 对外坐标中 0 为全关、100 为全开；集线器坐标的"全关"端点取决于设备类型。
type Mapper struct {
	closed int
}

// NewMapper Wi-Fi 窗帘以及 TDBU 的上半部分全关为 0，其余为 100；reversed 时取反
func NewMapper(id Identity, reversed bool) Mapper {
	closed := 100
	if id.DeviceType == hubapi.WiFiCurtain || id.Split == SplitTopDown {
		closed = 0
	}
	if reversed {
		closed = 100 - closed
	}
	return Mapper{closed: closed}
}

// IsReversed 判断设备是否在反转列表中，列表项可以是 mac 或 mac_T / mac_B
func IsReversed(id Identity, list []string) bool {
	for _, item := range list {
		item = strings.ToLower(strings.TrimSpace(item))
		if item == id.Key() || item == strings.ToLower(id.Mac) {
			return true
		}
	}
	return false
}

// ClosedValue 集线器坐标中的全关值
func (m Mapper) ClosedValue() int {
	return m.closed
}

// ToCanonical 集线器坐标转换为对外坐标，该函数是自身的逆
func (m Mapper) ToCanonical(hubPos int) int {
	if m.closed == 100 {
		return 100 - hubPos
	}
	return hubPos
}

// FromCanonical 对外坐标转换为集线器坐标
func (m Mapper) FromCanonical(pos int) int {
	return m.ToCanonical(pos)
}

// PositionToOpCode 将集线器坐标映射为开/关命令
func (m Mapper) PositionToOpCode(hubPos int) hubapi.OpCode {
	if abs(m.closed-hubPos) < 50 {
		return hubapi.OpClose
	}
	return hubapi.OpOpen
}

// OpCodeToPosition 关命令对应全关值，其它对应全开值
func (m Mapper) OpCodeToPosition(op hubapi.OpCode) int {
	if op == hubapi.OpClose {
		return m.closed
	}
	return 100 - m.closed
}

// Direction 比较目标与当前位置各自离全关端点的距离，与哪一端是全关无关
func (m Mapper) Direction(hubPos, hubTarget int) Direction {
	targetOffset := abs(m.closed - hubTarget)
	posOffset := abs(m.closed - hubPos)
	switch {
	case posOffset < targetOffset:
		return Opening
	case posOffset > targetOffset:
		return Closing
	}
	return Stopped
}

// BinarizeTarget 只支持开/关的设备，目标取离它更近的端点
func BinarizeTarget(hubTarget int) int {
	if hubTarget >= 50 {
		return 100
	}
	return 0
}

// Clamp 限制在 [0,100]
func Clamp(pos int) int {
	if pos < 0 {
		return 0
	}
	if pos > 100 {
		return 100
	}
	return pos
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
