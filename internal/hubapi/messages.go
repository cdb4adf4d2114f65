package hubapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

// DeviceInfo GetDeviceListAck 中的设备条目，也用于构造读写请求
type DeviceInfo struct {
	Mac        string     `json:"mac"`
	DeviceType DeviceType `json:"deviceType"`
}

// Request 发送给集线器的请求报文
type Request struct {
	MsgType     string         `json:"msgType"`
	Mac         string         `json:"mac,omitempty"`
	DeviceType  DeviceType     `json:"deviceType,omitempty"`
	AccessToken string         `json:"accessToken,omitempty"`
	MsgID       string         `json:"msgID"`
	Data        map[string]any `json:"data,omitempty"`
}

// NewGetDeviceListRequest 构造 GetDeviceList 请求
func NewGetDeviceListRequest() *Request {
	return &Request{MsgType: MsgGetDeviceList, MsgID: MakeMsgID()}
}

// NewReadDeviceRequest 构造 ReadDevice 请求，不需要 accessToken
//
// ReadDevice 读取的是集线器缓存的状态，只在每次运动结束后更新，
// 但不会像 status 写请求那样拖慢集线器。
func NewReadDeviceRequest(info DeviceInfo) *Request {
	return &Request{
		MsgType:    MsgReadDevice,
		Mac:        info.Mac,
		DeviceType: info.DeviceType,
		MsgID:      MakeMsgID(),
	}
}

// NewWriteDeviceRequest 构造 WriteDevice 请求
func NewWriteDeviceRequest(info DeviceInfo, accessToken string, data map[string]any) *Request {
	return &Request{
		MsgType:     MsgWriteDevice,
		Mac:         info.Mac,
		DeviceType:  info.DeviceType,
		AccessToken: accessToken,
		MsgID:       MakeMsgID(),
		Data:        data,
	}
}

// AckType 该请求期望的回复类型
func (r *Request) AckType() string {
	return r.MsgType + "Ack"
}

// Encode 序列化为 JSON 数据报
func (r *Request) Encode() ([]byte, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("序列化请求失败: %w", err)
	}
	return b, nil
}

// Matches 判断回复是否对应该请求。
// 协议没有关联 ID，只能依靠消息类型以及 mac/deviceType 做校验。
func (r *Request) Matches(ack *Ack) bool {
	if ack == nil || ack.MsgType != r.AckType() {
		return false
	}
	if r.Mac == "" {
		return true
	}
	return strings.EqualFold(ack.Mac, r.Mac) && ack.DeviceType == r.DeviceType
}

// Ack 集线器的回复报文
type Ack struct {
	MsgType         string          `json:"msgType"`
	Mac             string          `json:"mac"`
	DeviceType      DeviceType      `json:"deviceType"`
	FwVersion       string          `json:"fwVersion,omitempty"`
	ProtocolVersion string          `json:"ProtocolVersion,omitempty"`
	Token           string          `json:"token,omitempty"`
	ActionResult    string          `json:"actionResult,omitempty"`
	Data            json.RawMessage `json:"data,omitempty"`
}

// ParseAck 解析一个回复数据报，非法 JSON 或缺少 msgType 时返回错误
func ParseAck(b []byte) (*Ack, error) {
	var ack Ack
	if err := json.Unmarshal(b, &ack); err != nil {
		return nil, fmt.Errorf("解析回复失败: %w", err)
	}
	if ack.MsgType == "" {
		return nil, errors.New("解析回复失败: 缺少 msgType")
	}
	return &ack, nil
}

// Rejected actionResult 非空表示集线器拒绝或执行失败
func (a *Ack) Rejected() bool {
	return strings.TrimSpace(a.ActionResult) != ""
}

// HasData data 字段是否存在
func (a *Ack) HasData() bool {
	d := bytes.TrimSpace(a.Data)
	return len(d) > 0 && !bytes.Equal(d, []byte("null"))
}

// Check 将集线器的否定回复转换为 *RejectedError
func (a *Ack) Check() error {
	if a.Rejected() {
		return &RejectedError{MsgType: a.MsgType, Mac: a.Mac, ActionResult: a.ActionResult}
	}
	if !a.HasData() {
		return &RejectedError{MsgType: a.MsgType, Mac: a.Mac, ActionResult: "missing data"}
	}
	return nil
}

// DeviceList 解析 GetDeviceListAck 的设备列表
func (a *Ack) DeviceList() ([]DeviceInfo, error) {
	if a.MsgType != MsgGetDeviceListAck {
		return nil, fmt.Errorf("不是设备列表回复: %s", a.MsgType)
	}
	var list []DeviceInfo
	if !a.HasData() {
		return list, nil
	}
	if err := json.Unmarshal(a.Data, &list); err != nil {
		return nil, fmt.Errorf("解析设备列表失败: %w", err)
	}
	return list, nil
}

// Payload 解析设备状态 data 字段
func (a *Ack) Payload() (Payload, error) {
	p := Payload{}
	if !a.HasData() {
		return p, nil
	}
	dec := json.NewDecoder(bytes.NewReader(a.Data))
	dec.UseNumber()
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("解析设备状态失败: %w", err)
	}
	return p, nil
}

// Info 回复所描述的设备
func (a *Ack) Info() DeviceInfo {
	return DeviceInfo{Mac: a.Mac, DeviceType: a.DeviceType}
}

// RejectedError 集线器明确给出的失败回复，例如设备不存在或 token 错误
type RejectedError struct {
	MsgType      string
	Mac          string
	ActionResult string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("集线器拒绝 %s (mac=%s): %s", e.MsgType, e.Mac, e.ActionResult)
}

// IsRejected 判断错误链中是否包含 *RejectedError
func IsRejected(err error) bool {
	var rejected *RejectedError
	return errors.As(err, &rejected)
}

// Payload 设备状态的原始字段，TDBU 设备的字段带有 _T / _B 后缀
type Payload map[string]any

// Int 读取整数字段，兼容 json.Number、float64 与数字字符串
func (p Payload) Int(key string) (int, bool) {
	v, ok := p[key]
	if !ok || v == nil {
		return 0, false
	}
	switch n := v.(type) {
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return int(i), true
		}
		if f, err := n.Float64(); err == nil {
			return int(math.Round(f)), true
		}
	case float64:
		return int(math.Round(n)), true
	case int:
		return n, true
	case int64:
		return int(n), true
	case string:
		if i, err := strconv.Atoi(n); err == nil {
			return i, true
		}
	}
	return 0, false
}

// Has 字段是否存在且非 null
func (p Payload) Has(key string) bool {
	v, ok := p[key]
	return ok && v != nil
}

var lastMsgID atomic.Int64

// MakeMsgID 以当前时间戳生成只含数字的消息 ID，同一毫秒内单调递增
func MakeMsgID() string {
	for {
		stamp := strings.Replace(time.Now().UTC().Format("20060102150405.000"), ".", "", 1)
		now, _ := strconv.ParseInt(stamp, 10, 64)
		last := lastMsgID.Load()
		if now <= last {
			now = last + 1
		}
		if lastMsgID.CompareAndSwap(last, now) {
			return strconv.FormatInt(now, 10)
		}
	}
}

// BatteryPercent 将原始电量值换算为百分比
func BatteryPercent(level int) int {
	pc := int(math.Round(100 * float64(level) / MaxBatteryLevel))
	if pc < 0 {
		return 0
	}
	if pc > 100 {
		return 100
	}
	return pc
}

// IsLowBattery 电量是否低于阈值
func IsLowBattery(level int) bool {
	return BatteryPercent(level) <= LowBatteryPercent
}
