package hubapi

import (
	"encoding/json"
	"fmt"
	"testing"

	. "github.com/smartystreets/goconvey/convey"
	"github.com/stretchr/testify/assert"
)

func TestRequestEncode(t *testing.T) {
	req := NewWriteDeviceRequest(DeviceInfo{Mac: "aabbccddeeff0001", DeviceType: RadioMotor433}, "TOKEN", map[string]any{"operation": OpOpen})
	b, err := req.Encode()
	assert.NoError(t, err)

	var m map[string]any
	assert.NoError(t, json.Unmarshal(b, &m))
	assert.Equal(t, "WriteDevice", m["msgType"])
	assert.Equal(t, "10000000", m["deviceType"])
	assert.Equal(t, "TOKEN", m["accessToken"])
	assert.Equal(t, map[string]any{"operation": 1.0}, m["data"])

	// GetDeviceList 不携带设备字段
	b, err = NewGetDeviceListRequest().Encode()
	assert.NoError(t, err)
	m = nil
	assert.NoError(t, json.Unmarshal(b, &m))
	assert.NotContains(t, m, "mac")
	assert.NotContains(t, m, "accessToken")
	assert.NotContains(t, m, "data")
}

func TestRequestMatches(t *testing.T) {
	Convey("回复校验", t, func() {
		req := NewReadDeviceRequest(DeviceInfo{Mac: "aabbccddeeff0001", DeviceType: RadioMotor433})

		Convey("类型与设备一致", func() {
			So(req.Matches(&Ack{MsgType: MsgReadDeviceAck, Mac: "AABBCCDDEEFF0001", DeviceType: RadioMotor433}), ShouldBeTrue)
		})
		Convey("类型不一致", func() {
			So(req.Matches(&Ack{MsgType: MsgWriteDeviceAck, Mac: "aabbccddeeff0001", DeviceType: RadioMotor433}), ShouldBeFalse)
			So(req.Matches(&Ack{MsgType: MsgHeartbeat}), ShouldBeFalse)
		})
		Convey("其它设备的回复", func() {
			So(req.Matches(&Ack{MsgType: MsgReadDeviceAck, Mac: "aabbccddeeff0002", DeviceType: RadioMotor433}), ShouldBeFalse)
			So(req.Matches(&Ack{MsgType: MsgReadDeviceAck, Mac: "aabbccddeeff0001", DeviceType: WiFiCurtain}), ShouldBeFalse)
		})
		Convey("设备列表请求只校验类型", func() {
			list := NewGetDeviceListRequest()
			So(list.Matches(&Ack{MsgType: MsgGetDeviceListAck, Mac: "aabbccddeeff"}), ShouldBeTrue)
			So(list.Matches(nil), ShouldBeFalse)
		})
	})
}

func TestParseAck(t *testing.T) {
	Convey("解析回复", t, func() {
		Convey("设备列表", func() {
			ack, err := ParseAck([]byte(`{"msgType":"GetDeviceListAck","mac":"aabbccddeeff","deviceType":"02000001","ProtocolVersion":"0.9","token":"fedcba9876543210","data":[{"mac":"aabbccddeeff","deviceType":"02000001"},{"mac":"aabbccddeeff0001","deviceType":"10000000"}]}`))
			So(err, ShouldBeNil)
			So(ack.Token, ShouldEqual, "fedcba9876543210")
			list, err := ack.DeviceList()
			So(err, ShouldBeNil)
			So(list, ShouldResemble, []DeviceInfo{
				{Mac: "aabbccddeeff", DeviceType: WiFiBridge},
				{Mac: "aabbccddeeff0001", DeviceType: RadioMotor433},
			})
		})

		Convey("设备状态", func() {
			ack, err := ParseAck([]byte(`{"msgType":"ReadDeviceAck","mac":"aabbccddeeff0001","deviceType":"10000000","data":{"type":1,"operation":2,"currentPosition":40,"batteryLevel":1350,"RSSI":-70}}`))
			So(err, ShouldBeNil)
			So(ack.Check(), ShouldBeNil)
			p, err := ack.Payload()
			So(err, ShouldBeNil)
			pos, ok := p.Int("currentPosition")
			So(ok, ShouldBeTrue)
			So(pos, ShouldEqual, 40)
			rssi, _ := p.Int("RSSI")
			So(rssi, ShouldEqual, -70)
			_, ok = p.Int("targetPosition")
			So(ok, ShouldBeFalse)
			_, err = ack.DeviceList()
			So(err, ShouldNotBeNil)
		})

		Convey("非法数据", func() {
			_, err := ParseAck([]byte(`not json`))
			So(err, ShouldNotBeNil)
			_, err = ParseAck([]byte(`{"mac":"aabbccddeeff"}`))
			So(err, ShouldNotBeNil)
		})

		Convey("actionResult 表示拒绝", func() {
			ack, err := ParseAck([]byte(`{"msgType":"WriteDeviceAck","mac":"aabbccddeeff0001","deviceType":"10000000","actionResult":"AccessToken error"}`))
			So(err, ShouldBeNil)
			So(ack.Rejected(), ShouldBeTrue)
			err = ack.Check()
			So(IsRejected(err), ShouldBeTrue)
			So(IsRejected(fmt.Errorf("wrap: %w", err)), ShouldBeTrue)
			So(err.Error(), ShouldContainSubstring, "AccessToken error")
		})

		Convey("缺少 data 视为拒绝", func() {
			ack, err := ParseAck([]byte(`{"msgType":"ReadDeviceAck","mac":"aabbccddeeff0001","deviceType":"10000000","data":null}`))
			So(err, ShouldBeNil)
			So(ack.HasData(), ShouldBeFalse)
			So(IsRejected(ack.Check()), ShouldBeTrue)
		})
	})
}

func TestPayloadInt(t *testing.T) {
	p := Payload{"a": json.Number("12"), "b": 3.6, "c": "7", "d": nil, "e": "x", "f": json.Number("4.5")}
	v, ok := p.Int("a")
	assert.True(t, ok)
	assert.Equal(t, 12, v)
	v, _ = p.Int("b")
	assert.Equal(t, 4, v)
	v, _ = p.Int("c")
	assert.Equal(t, 7, v)
	v, _ = p.Int("f")
	assert.Equal(t, 5, v)
	_, ok = p.Int("d")
	assert.False(t, ok)
	_, ok = p.Int("e")
	assert.False(t, ok)
	assert.False(t, p.Has("d"))
	assert.True(t, p.Has("a"))
}

func TestMakeMsgID(t *testing.T) {
	seen := map[string]bool{}
	prev := ""
	for i := 0; i < 1000; i++ {
		id := MakeMsgID()
		assert.Len(t, id, 17)
		assert.False(t, seen[id], "重复的 msgID %s", id)
		if prev != "" {
			assert.Greater(t, id, prev)
		}
		seen[id] = true
		prev = id
	}
}

func TestBattery(t *testing.T) {
	assert.Equal(t, 100, BatteryPercent(1500))
	assert.Equal(t, 90, BatteryPercent(1350))
	assert.Equal(t, 0, BatteryPercent(-3))
	assert.Equal(t, 100, BatteryPercent(1800))
	assert.True(t, IsLowBattery(225))
	assert.False(t, IsLowBattery(240))
}

func TestEnums(t *testing.T) {
	assert.Equal(t, "Wi-Fi Curtain", WiFiCurtain.String())
	assert.False(t, DeviceType("99999999").Known())
	assert.Equal(t, "TDBU", ModelTDBU.String())
	assert.Equal(t, "Generic Blind", DeviceModel(42).String())
	op, err := ParseOpCode("stop")
	assert.NoError(t, err)
	assert.Equal(t, OpStop, op)
	_, err = ParseOpCode("jump")
	assert.Error(t, err)
	assert.Equal(t, "Uni-Directional", UniDirectional.String())
}
