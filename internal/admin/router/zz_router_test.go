package router

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"connectorhub/internal/bridge"
	"connectorhub/internal/connector"
	"connectorhub/internal/device"
	"connectorhub/internal/hub"
	"connectorhub/internal/hubapi"
	"connectorhub/internal/pkg"
	"github.com/gin-gonic/gin"
	. "github.com/smartystreets/goconvey/convey"
)

func perform(r http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestRouter(t *testing.T) {
	gin.SetMode(gin.TestMode)

	Convey("管理接口", t, func() {
		ctx, cancel := context.WithCancel(context.Background())
		Reset(cancel)

		sim, err := connector.NewSimulator(ctx, connector.SimulatorConfig{
			Addr: "127.0.0.1:0", Mac: "aabbccddeeff", Token: "fedcba9876543210",
			ConnectorKey: "0123456789abcdef", Timeout: 20 * time.Millisecond,
		})
		So(err, ShouldBeNil)
		go sim.Start()
		Reset(func() { _ = sim.Close() })
		roller := sim.AddDevice("", hubapi.RadioMotor433, map[string]any{
			"type": 1, "currentPosition": 100, "operation": 2, "wirelessMode": 1,
		})

		config := &pkg.Config{
			Hub: pkg.HubConfig{
				ConnectorKey:  "0123456789abcdef",
				Addresses:     []string{"127.0.0.1"},
				Port:          sim.Port(),
				SocketTimeout: 100 * time.Millisecond,
			},
			Discovery: pkg.DiscoveryConfig{Frequency: 40 * time.Millisecond, Duration: 200 * time.Millisecond},
		}
		config.ApplyDefaults()
		ctx = pkg.WithConfig(ctx, config)

		metrics := pkg.NewHubMetrics()
		svc := hub.NewService(ctx, hub.WithMetrics(metrics))
		b := bridge.New(ctx, svc, nil)
		Reset(b.Close)
		svc.SetListener(b)
		So(svc.DiscoverOnce(ctx, nil), ShouldBeNil)

		r := SetupRouter(Deps{Service: svc, Command: b.HandleCommand, Gatherer: metrics.Registry, CacheTTL: time.Minute})

		Convey("健康检查与指标", func() {
			So(perform(r, http.MethodGet, "/health", nil).Body.String(), ShouldEqual, "OK")
			w := perform(r, http.MethodGet, "/metrics", nil)
			So(w.Code, ShouldEqual, http.StatusOK)
			So(w.Body.String(), ShouldContainSubstring, "connectorhub_requests_total")
		})

		Convey("设备列表与单个设备", func() {
			w := perform(r, http.MethodGet, "/api/v1/devices", nil)
			So(w.Code, ShouldEqual, http.StatusOK)
			var list []device.PositionState
			So(json.Unmarshal(w.Body.Bytes(), &list), ShouldBeNil)
			So(list, ShouldHaveLength, 1)
			So(list[0].Key, ShouldEqual, roller)

			w = perform(r, http.MethodGet, "/api/v1/devices/"+roller, nil)
			So(w.Code, ShouldEqual, http.StatusOK)
			So(perform(r, http.MethodGet, "/api/v1/devices/000000000000", nil).Code, ShouldEqual, http.StatusNotFound)
		})

		Convey("设置目标位置", func() {
			w := perform(r, http.MethodPost, "/api/v1/devices/"+roller+"/target", map[string]any{"position": 30})
			So(w.Code, ShouldEqual, http.StatusOK)
			var ps device.PositionState
			So(json.Unmarshal(w.Body.Bytes(), &ps), ShouldBeNil)
			So(ps.Position, ShouldEqual, 30)
			data, _ := sim.Device(roller)
			So(data["targetPosition"], ShouldEqual, 70.0)

			So(perform(r, http.MethodPost, "/api/v1/devices/"+roller+"/target", map[string]any{"position": 130}).Code, ShouldEqual, http.StatusBadRequest)
			So(perform(r, http.MethodPost, "/api/v1/devices/"+roller+"/target", map[string]any{}).Code, ShouldEqual, http.StatusBadRequest)
			So(perform(r, http.MethodPost, "/api/v1/devices/000000000000/target", map[string]any{"position": 1}).Code, ShouldEqual, http.StatusNotFound)
		})

		Convey("设置百叶角度", func() {
			w := perform(r, http.MethodPost, "/api/v1/devices/"+roller+"/angle", map[string]any{"angle": 90})
			So(w.Code, ShouldEqual, http.StatusOK)
			var ps device.PositionState
			So(json.Unmarshal(w.Body.Bytes(), &ps), ShouldBeNil)
			So(ps.Angle, ShouldNotBeNil)
			So(*ps.Angle, ShouldEqual, 90)
			So(perform(r, http.MethodPost, "/api/v1/devices/"+roller+"/angle", map[string]any{"angle": 200}).Code, ShouldEqual, http.StatusBadRequest)

			binary := sim.AddDevice("", hubapi.RadioMotor433, map[string]any{"type": 1, "operation": 1, "wirelessMode": 0})
			So(svc.DiscoverOnce(ctx, nil), ShouldBeNil)
			w = perform(r, http.MethodPost, "/api/v1/devices/"+binary+"/angle", map[string]any{"angle": 10})
			So(w.Code, ShouldEqual, http.StatusUnprocessableEntity)
		})

		Convey("开关命令", func() {
			So(perform(r, http.MethodPost, "/api/v1/devices/"+roller+"/operation", map[string]any{"op": "stop"}).Code, ShouldEqual, http.StatusOK)
			So(perform(r, http.MethodPost, "/api/v1/devices/"+roller+"/operation", map[string]any{"op": "jump"}).Code, ShouldEqual, http.StatusBadRequest)
		})

		Convey("集线器被拒绝时返回 502", func() {
			sim.SetToken("0000000000000000")
			w := perform(r, http.MethodPost, "/api/v1/devices/"+roller+"/operation", map[string]any{"op": "open"})
			So(w.Code, ShouldEqual, http.StatusBadGateway)
		})

		Convey("GET 响应被缓存，写请求后失效", func() {
			So(perform(r, http.MethodGet, "/api/v1/devices", nil).Header().Get("X-Cache"), ShouldEqual, "MISS")
			perform(r, http.MethodGet, "/api/v1/devices/"+roller, nil)
			perform(r, http.MethodGet, "/api/v1/hubs", nil)
			w := perform(r, http.MethodGet, "/api/v1/devices", nil)
			So(w.Header().Get("X-Cache"), ShouldEqual, "HIT")
			So(w.Header().Get("Content-Type"), ShouldContainSubstring, "application/json")

			// 写命令只失效设备列表和该设备
			perform(r, http.MethodPost, "/api/v1/devices/"+roller+"/target", map[string]any{"position": 50})
			So(perform(r, http.MethodGet, "/api/v1/hubs", nil).Header().Get("X-Cache"), ShouldEqual, "HIT")
			So(perform(r, http.MethodGet, "/api/v1/devices/"+roller, nil).Header().Get("X-Cache"), ShouldEqual, "MISS")
			w = perform(r, http.MethodGet, "/api/v1/devices", nil)
			So(w.Header().Get("X-Cache"), ShouldEqual, "MISS")
			var list []device.PositionState
			So(json.Unmarshal(w.Body.Bytes(), &list), ShouldBeNil)
			So(list[0].Position, ShouldEqual, 50)
		})

		Convey("集线器列表不含 token", func() {
			w := perform(r, http.MethodGet, "/api/v1/hubs", nil)
			So(w.Code, ShouldEqual, http.StatusOK)
			So(w.Body.String(), ShouldContainSubstring, `"hubMac":"aabbccddeeff"`)
			So(w.Body.String(), ShouldNotContainSubstring, "fedcba9876543210")
		})
	})
}

func TestServeListener(t *testing.T) {
	Convey("ctx 结束时优雅关闭", t, func() {
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- Serve(ctx, "127.0.0.1:0", http.NotFoundHandler()) }()
		time.Sleep(20 * time.Millisecond)
		cancel()
		select {
		case err := <-done:
			So(err, ShouldBeNil)
		case <-time.After(2 * time.Second):
			So("timeout", ShouldBeEmpty)
		}
	})
}
