package hubapi

import "fmt"

// 协议常量
const (
	MulticastIP = "238.0.0.18"
	SendPort    = 32100

	// 电量原始值的满格值以及低电量阈值（百分比）
	MaxBatteryLevel   = 1500
	LowBatteryPercent = 15
)

// 消息类型
const (
	MsgGetDeviceList    = "GetDeviceList"
	MsgGetDeviceListAck = "GetDeviceListAck"
	MsgReadDevice       = "ReadDevice"
	MsgReadDeviceAck    = "ReadDeviceAck"
	MsgWriteDevice      = "WriteDevice"
	MsgWriteDeviceAck   = "WriteDeviceAck"
	MsgHeartbeat        = "Heartbeat"
)

// DeviceType 集线器或设备的类型编码
type DeviceType string

const (
	WiFiBridge       DeviceType = "02000001"
	RadioMotor433    DeviceType = "10000000"
	WiFiCurtain      DeviceType = "22000000"
	WiFiTubularMotor DeviceType = "22000002"
	WiFiReceiver     DeviceType = "22000005"
)

var deviceTypeNames = map[DeviceType]string{
	WiFiBridge:       "Wi-Fi Bridge",
	RadioMotor433:    "433Mhz Radio Motor",
	WiFiCurtain:      "Wi-Fi Curtain",
	WiFiTubularMotor: "Wi-Fi Tubular Motor",
	WiFiReceiver:     "Wi-Fi Receiver",
}

func (t DeviceType) String() string {
	if name, ok := deviceTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("Unknown(%s)", string(t))
}

// Known 是否为已知的设备类型
func (t DeviceType) Known() bool {
	_, ok := deviceTypeNames[t]
	return ok
}

// OpCode 设备的离散操作码
type OpCode int

const (
	OpClose       OpCode = 0
	OpOpen        OpCode = 1
	OpStop        OpCode = 2
	OpStatusQuery OpCode = 5
)

var opCodeNames = map[OpCode]string{
	OpClose:       "close",
	OpOpen:        "open",
	OpStop:        "stop",
	OpStatusQuery: "status",
}

func (o OpCode) String() string {
	if name, ok := opCodeNames[o]; ok {
		return name
	}
	return fmt.Sprintf("op(%d)", int(o))
}

// ParseOpCode 将 "open"/"close"/"stop"/"status" 转换为操作码
func ParseOpCode(s string) (OpCode, error) {
	for op, name := range opCodeNames {
		if name == s {
			return op, nil
		}
	}
	return 0, fmt.Errorf("未知的操作: %q", s)
}

// DeviceModel 设备型号，对应 ReadDeviceAck 中的 data.type
type DeviceModel int

const (
	ModelRollerBlinds      DeviceModel = 1
	ModelVenetianBlinds    DeviceModel = 2
	ModelRomanBlinds       DeviceModel = 3
	ModelHoneycombBlinds   DeviceModel = 4
	ModelShangriLaBlinds   DeviceModel = 5
	ModelRollerShutter     DeviceModel = 6
	ModelRollerGate        DeviceModel = 7
	ModelAwning            DeviceModel = 8
	ModelTDBU              DeviceModel = 9
	ModelDayAndNightBlinds DeviceModel = 10
	ModelDimmingBlinds     DeviceModel = 11
	ModelCurtain           DeviceModel = 12
	ModelCurtainLeft       DeviceModel = 13
	ModelCurtainRight      DeviceModel = 14
)

var deviceModelNames = []string{
	"",
	"Roller Blinds",
	"Venetian Blinds",
	"Roman Blinds",
	"Honeycomb Blinds",
	"Shangri-La Blinds",
	"Roller Shutter",
	"Roller Gate",
	"Awning",
	"TDBU",
	"Day & Night Blinds",
	"Dimming Blinds",
	"Curtain",
	"Curtain Left",
	"Curtain Right",
}

func (m DeviceModel) String() string {
	if m > 0 && int(m) < len(deviceModelNames) {
		return deviceModelNames[m]
	}
	return "Generic Blind"
}

// WirelessMode 设备的无线通信模式
type WirelessMode int

const (
	UniDirectional          WirelessMode = 0
	BiDirectional           WirelessMode = 1
	BiDirectionalMechLimits WirelessMode = 2
	OtherWirelessMode       WirelessMode = 3
)

var wirelessModeNames = []string{
	"Uni-Directional",
	"Bi-Directional",
	"Bi-Directional, Mechanical Limits",
	"Other",
}

func (w WirelessMode) String() string {
	if w >= 0 && int(w) < len(wirelessModeNames) {
		return wirelessModeNames[w]
	}
	return fmt.Sprintf("mode(%d)", int(w))
}

// VoltageMode 电机类型
type VoltageMode int

const (
	ACMotor VoltageMode = 0
	DCMotor VoltageMode = 1
)

func (v VoltageMode) String() string {
	switch v {
	case ACMotor:
		return "AC Motor"
	case DCMotor:
		return "DC Motor"
	}
	return fmt.Sprintf("voltage(%d)", int(v))
}

// LimitState 设备的限位状态
type LimitState int

var limitStateNames = []string{
	"Not at any limit",
	"Top Limit",
	"Bottom Limit",
	"Limits Detected",
	"3rd Limit Detected",
}

func (s LimitState) String() string {
	if s >= 0 && int(s) < len(limitStateNames) {
		return limitStateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}
