package device

import (
	"fmt"
	"strconv"
	"strings"

	"connectorhub/internal/hubapi"
)

// SplitComponent 双电机（TDBU）设备中的哪一半
type SplitComponent int

const (
	SplitNone SplitComponent = iota
	SplitTopDown
	SplitBottomUp
)

// Suffix 该半部分在报文字段名上的后缀
func (s SplitComponent) Suffix() string {
	switch s {
	case SplitTopDown:
		return "_T"
	case SplitBottomUp:
		return "_B"
	}
	return ""
}

func (s SplitComponent) String() string {
	switch s {
	case SplitTopDown:
		return "top-down"
	case SplitBottomUp:
		return "bottom-up"
	}
	return "none"
}

// Identity 设备标识，所有缓存都以它为主键。
// mac 相同但 Split 不同的两个 Identity 是两台独立的设备。
type Identity struct {
	Mac        string             `json:"mac"`
	DeviceType hubapi.DeviceType  `json:"deviceType"`
	SubType    hubapi.DeviceModel `json:"subType,omitempty"`
	Split      SplitComponent     `json:"split"`
}

// Key 唯一键，形如 mac 或 mac_T / mac_B
func (id Identity) Key() string {
	return strings.ToLower(id.Mac) + id.Split.Suffix()
}

// Info 构造读写请求所需的设备信息
func (id Identity) Info() hubapi.DeviceInfo {
	return hubapi.DeviceInfo{Mac: id.Mac, DeviceType: id.DeviceType}
}

// HubMac 设备 MAC 的前 12 位是所属集线器的 MAC
func (id Identity) HubMac() string {
	if len(id.Mac) < 12 {
		return strings.ToLower(id.Mac)
	}
	return strings.ToLower(id.Mac[:12])
}

// Field 返回该设备在报文中使用的字段名
func (id Identity) Field(name string) string {
	return name + id.Split.Suffix()
}

// DisplayName 形如 "Roller Blinds 3"，编号取 MAC 末尾的设备序号
func (id Identity) DisplayName() string {
	name := id.SubType.String()
	if idx := id.index(); idx != "" {
		name = fmt.Sprintf("%s %s", name, idx)
	}
	switch id.Split {
	case SplitTopDown:
		name += " Top"
	case SplitBottomUp:
		name += " Bottom"
	}
	return name
}

func (id Identity) index() string {
	if len(id.Mac) <= 12 {
		return ""
	}
	suffix := id.Mac[12:]
	if n, err := strconv.ParseInt(suffix, 16, 64); err == nil {
		return strconv.FormatInt(n, 10)
	}
	return suffix
}

// splitFields 出现任一字段即认为该半部分存在
var splitFields = []string{FieldOperation, FieldCurrentPosition}

// IdentifySplit 根据 ReadDeviceAck 返回该设备对应的 Identity，TDBU 设备最多两个。
// TDBU 设备按 _T / _B 字段拆分；找不到任何带后缀字段时返回空。
func IdentifySplit(ack *hubapi.Ack) ([]Identity, error) {
	payload, err := ack.Payload()
	if err != nil {
		return nil, err
	}
	base := Identity{Mac: ack.Mac, DeviceType: ack.DeviceType}
	if model, ok := payload.Int(FieldType); ok {
		base.SubType = hubapi.DeviceModel(model)
	}
	if base.SubType != hubapi.ModelTDBU {
		return []Identity{base}, nil
	}
	var out []Identity
	for _, split := range []SplitComponent{SplitTopDown, SplitBottomUp} {
		id := base
		id.Split = split
		for _, f := range splitFields {
			if payload.Has(id.Field(f)) {
				out = append(out, id)
				break
			}
		}
	}
	return out, nil
}
