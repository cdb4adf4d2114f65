package discovery

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"connectorhub/internal/connector"
	"connectorhub/internal/device"
	"connectorhub/internal/hubapi"
	"connectorhub/internal/pkg"
	. "github.com/smartystreets/goconvey/convey"
)

// recorder 记录 Consumer 收到的回调
type recorder struct {
	mu           sync.Mutex
	registered   []string
	tokens       []string
	unregistered []string
	completed    []string
	known        []KnownDevice
}

func (r *recorder) RegisterDevice(hubIP string, id device.Identity, ack *hubapi.Ack, hubToken string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.registered = append(r.registered, id.Key())
	r.tokens = append(r.tokens, hubToken)
}

func (r *recorder) UnregisterDevice(id device.Identity) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unregistered = append(r.unregistered, id.Key())
}

func (r *recorder) OnDiscoveryRoundComplete(hubIP string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.completed = append(r.completed, hubIP)
}

func (r *recorder) KnownDevices() []KnownDevice {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.known
}

func (r *recorder) sortedRegistered() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := append([]string(nil), r.registered...)
	sort.Strings(out)
	return out
}

func listAck(hub string, macs ...string) []byte {
	list := []hubapi.DeviceInfo{{Mac: hub, DeviceType: hubapi.WiFiBridge}}
	for _, mac := range macs {
		list = append(list, hubapi.DeviceInfo{Mac: mac, DeviceType: hubapi.RadioMotor433})
	}
	b, _ := json.Marshal(map[string]any{
		"msgType": hubapi.MsgGetDeviceListAck, "mac": hub, "deviceType": hubapi.WiFiBridge,
		"token": "fedcba9876543210", "data": list,
	})
	return b
}

func newTestScanner(ctx context.Context, sim *connector.Simulator, consumer *recorder, lister DeviceLister) *Scanner {
	return newTestScannerFor(ctx, sim, consumer, lister, 250*time.Millisecond)
}

func newTestScannerFor(ctx context.Context, sim *connector.Simulator, consumer *recorder, lister DeviceLister, duration time.Duration) *Scanner {
	metrics := pkg.NewHubMetrics()
	client := connector.NewClient(ctx,
		connector.WithMetrics(metrics),
		connector.WithClientConfig(connector.ClientConfig{Port: sim.Port(), MaxRetries: 2, SocketTimeout: 100 * time.Millisecond}),
	)
	s := NewScanner(ctx, client, NewRegistry(testKey), consumer, lister, Config{
		Interval:  time.Hour,
		Frequency: 40 * time.Millisecond,
		Duration:  duration,
	})
	return s.WithMetrics(metrics)
}

func TestScanner(t *testing.T) {
	Convey("发现流程", t, func() {
		ctx, cancel := context.WithCancel(context.Background())
		Reset(cancel)

		sim, err := connector.NewSimulator(ctx, connector.SimulatorConfig{
			Addr: "127.0.0.1:0", Mac: "aabbccddeeff", Token: "fedcba9876543210", Timeout: 20 * time.Millisecond,
		})
		So(err, ShouldBeNil)
		go sim.Start()

		hub := sim.Mac()
		d1 := sim.AddDevice("", hubapi.RadioMotor433, map[string]any{"type": 1, "currentPosition": 0})
		d2 := sim.AddDevice("", hubapi.RadioMotor433, map[string]any{"type": 1, "currentPosition": 50})
		d3 := sim.AddDevice("", hubapi.RadioMotor433, map[string]any{"type": 1, "currentPosition": 100})
		consumer := &recorder{}

		Convey("三条部分重叠的设备列表只注册并集中的每个设备一次", func() {
			sim.SetInterceptor(func(req *hubapi.Request) [][]byte {
				if req.MsgType != hubapi.MsgGetDeviceList {
					return nil
				}
				return [][]byte{listAck(hub, d1, d2), listAck(hub, d2, d3), listAck(hub, d1, d3)}
			})
			s := newTestScanner(ctx, sim, consumer, nil)
			round, err := s.RunRound(ctx, "127.0.0.1")
			So(err, ShouldBeNil)
			So(round.State(), ShouldEqual, Complete)
			So(consumer.sortedRegistered(), ShouldResemble, []string{d1, d2, d3})
			So(consumer.tokens[0], ShouldEqual, "fedcba9876543210")
			So(consumer.completed, ShouldResemble, []string{"127.0.0.1"})
			So(sim.Requests(hubapi.MsgReadDevice), ShouldEqual, 3)

			token, err := s.Registry().AccessToken(hub)
			So(err, ShouldBeNil)
			So(token, ShouldEqual, "0B4BD671F6707F09B838C3D6CA1C6A3D")
		})

		Convey("读取失败的设备在后续设备列表回复中被再次读取", func() {
			var dropped atomic.Int32
			sim.SetInterceptor(func(req *hubapi.Request) [][]byte {
				// 丢弃 d1 的前两次读取，用尽客户端的重试次数
				if req.MsgType == hubapi.MsgReadDevice && req.Mac == d1 && dropped.Add(1) <= 2 {
					return [][]byte{}
				}
				return nil
			})
			s := newTestScannerFor(ctx, sim, consumer, nil, 800*time.Millisecond)
			round, err := s.RunRound(ctx, "127.0.0.1")
			So(err, ShouldBeNil)
			So(round.Confirmed(d1), ShouldBeTrue)
			So(consumer.sortedRegistered(), ShouldResemble, []string{d1, d2, d3})
			So(sim.Requests(hubapi.MsgReadDevice), ShouldEqual, 5)
		})

		Convey("TDBU 设备注册两次", func() {
			tdbu := sim.AddDevice("", hubapi.WiFiReceiver, map[string]any{"type": 9, "operation_T": 2, "operation_B": 2})
			s := newTestScanner(ctx, sim, consumer, nil)
			_, err := s.RunRound(ctx, "127.0.0.1")
			So(err, ShouldBeNil)
			So(consumer.sortedRegistered(), ShouldResemble, []string{d1, d2, d3, tdbu + "_B", tdbu + "_T"})
		})

		Convey("没有回复时持续探测", func() {
			sim.SetInterceptor(func(req *hubapi.Request) [][]byte { return [][]byte{} })
			s := newTestScanner(ctx, sim, consumer, nil)
			roundCtx, roundCancel := context.WithTimeout(ctx, 700*time.Millisecond)
			defer roundCancel()
			round, err := s.RunRound(roundCtx, "127.0.0.1")
			So(err, ShouldEqual, context.DeadlineExceeded)
			So(round.State(), ShouldEqual, Probing)
			So(round.Restarts(), ShouldBeGreaterThanOrEqualTo, 1)
			So(consumer.completed, ShouldBeEmpty)
			So(sim.Requests(hubapi.MsgGetDeviceList), ShouldBeGreaterThan, 5)
		})

		Convey("本轮未出现的设备被失效检测注销", func() {
			ghost := device.Identity{Mac: hub + "0009", DeviceType: hubapi.RadioMotor433}
			consumer.known = []KnownDevice{
				{Identity: device.Identity{Mac: d1, DeviceType: hubapi.RadioMotor433, SubType: hubapi.ModelRollerBlinds}, HubIP: "127.0.0.1"},
				{Identity: ghost, HubIP: "127.0.0.1"},
			}
			s := newTestScanner(ctx, sim, consumer, consumer)
			_, err := s.RunRound(ctx, "127.0.0.1")
			So(err, ShouldBeNil)
			So(consumer.unregistered, ShouldResemble, []string{ghost.Key()})
		})

		Convey("Run 在 context 结束时返回", func() {
			s := newTestScanner(ctx, sim, consumer, nil)
			runCtx, runCancel := context.WithCancel(ctx)
			done := make(chan struct{})
			go func() {
				s.Run(runCtx, []string{"127.0.0.1"})
				close(done)
			}()
			time.Sleep(400 * time.Millisecond)
			runCancel()
			select {
			case <-done:
			case <-time.After(2 * time.Second):
				t.Fatal("Run 没有退出")
			}
			So(consumer.sortedRegistered(), ShouldResemble, []string{d1, d2, d3})
		})
	})
}
