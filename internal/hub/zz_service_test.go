package hub

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"connectorhub/internal/connector"
	"connectorhub/internal/device"
	"connectorhub/internal/hubapi"
	"connectorhub/internal/pkg"
	. "github.com/smartystreets/goconvey/convey"
)

type listener struct {
	mu         sync.Mutex
	registered []string
	removed    []string
	rounds     int
}

func (l *listener) DeviceRegistered(h *device.Handler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.registered = append(l.registered, h.Identity().Key())
}

func (l *listener) DeviceRemoved(id device.Identity) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.removed = append(l.removed, id.Key())
}

func (l *listener) RoundComplete(string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rounds++
}

func TestService(t *testing.T) {
	Convey("Service", t, func() {
		ctx, cancel := context.WithCancel(context.Background())
		Reset(cancel)

		sim, err := connector.NewSimulator(ctx, connector.SimulatorConfig{
			Addr: "127.0.0.1:0", Mac: "aabbccddeeff", Token: "fedcba9876543210",
			ConnectorKey: "0123456789abcdef", Timeout: 20 * time.Millisecond,
		})
		So(err, ShouldBeNil)
		go sim.Start()

		roller := sim.AddDevice("", hubapi.RadioMotor433, map[string]any{"type": 1, "currentPosition": 100, "operation": 2, "batteryLevel": 1500, "wirelessMode": 1})
		curtain := sim.AddDevice("", hubapi.WiFiCurtain, map[string]any{"type": 12, "currentPosition": 0, "operation": 2, "wirelessMode": 1})

		config := &pkg.Config{
			Hub: pkg.HubConfig{
				ConnectorKey:     "0123456789abcdef",
				Addresses:        []string{"127.0.0.1"},
				Port:             sim.Port(),
				SocketTimeout:    100 * time.Millisecond,
				ReverseDirection: []string{curtain},
			},
			Discovery: pkg.DiscoveryConfig{Frequency: 40 * time.Millisecond, Duration: 200 * time.Millisecond},
		}
		config.ApplyDefaults()
		ctx = pkg.WithConfig(ctx, config)

		svc := NewService(ctx, WithMetrics(pkg.NewHubMetrics()))
		l := &listener{}
		svc.SetListener(l)
		So(svc.DiscoverOnce(ctx, nil), ShouldBeNil)

		rollerID := device.Identity{Mac: roller, DeviceType: hubapi.RadioMotor433}
		curtainID := device.Identity{Mac: curtain, DeviceType: hubapi.WiFiCurtain}

		Convey("发现后可以查询设备", func() {
			So(l.registered, ShouldHaveLength, 2)
			So(l.rounds, ShouldEqual, 1)
			devices := svc.Devices()
			So(devices, ShouldHaveLength, 2)
			So(devices[0].Key, ShouldEqual, roller)
			So(devices[0].Position, ShouldEqual, 0)
			So(devices[0].BatteryPercent, ShouldEqual, 100)
			So(devices[0].Name, ShouldEqual, "Roller Blinds 1")
			// 窗帘被配置为反转，全关值变为 100
			So(devices[1].Position, ShouldEqual, 100)

			hubs := svc.Hubs()
			So(hubs, ShouldHaveLength, 1)
			So(hubs[0].HubIP, ShouldEqual, "127.0.0.1")
		})

		Convey("坐标换算", func() {
			pos, err := svc.ToCanonical(rollerID, 30)
			So(err, ShouldBeNil)
			So(pos, ShouldEqual, 70)
			pos, _ = svc.FromCanonical(curtainID, 30)
			So(pos, ShouldEqual, 70)
			dir, _ := svc.Direction(rollerID, 100, 0)
			So(dir, ShouldEqual, device.Opening)
			_, err = svc.ToCanonical(device.Identity{Mac: "000000000000"}, 1)
			So(errors.Is(err, ErrUnknownDevice), ShouldBeTrue)
		})

		Convey("设置目标并读取", func() {
			So(svc.SetTarget(ctx, rollerID, 60), ShouldBeNil)
			data, _ := sim.Device(roller)
			So(data["targetPosition"], ShouldEqual, 40.0)

			state, err := svc.ReadState(ctx, rollerID)
			So(err, ShouldBeNil)
			So(state.Position, ShouldEqual, 40)
			ps, _ := svc.Handler(roller)
			view, _ := ps.PositionState()
			So(view.Position, ShouldEqual, 60)
			So(view.Direction, ShouldEqual, device.Stopped)
		})

		Convey("发送开关命令", func() {
			ack, err := svc.SendCommand(ctx, rollerID, device.PositionCommand(0))
			So(err, ShouldBeNil)
			So(ack.MsgType, ShouldEqual, hubapi.MsgWriteDeviceAck)
		})

		Convey("设备被移除后在下一轮注销", func() {
			sim.RemoveDevice(curtain)
			So(svc.DiscoverOnce(ctx, nil), ShouldBeNil)
			So(l.removed, ShouldResemble, []string{curtain})
			_, err := svc.ReadState(ctx, curtainID)
			So(errors.Is(err, ErrUnknownDevice), ShouldBeTrue)
			So(svc.Devices(), ShouldHaveLength, 1)
		})
	})
}
