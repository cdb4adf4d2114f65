package router

import (
	"net/http"
	"time"

	"connectorhub/internal/admin/api"
	"connectorhub/internal/admin/mw"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Deps 路由依赖
type Deps struct {
	Service  api.DeviceService
	Command  api.CommandFunc
	Gatherer prometheus.Gatherer // 为空时不注册 /metrics
	CacheTTL time.Duration       // GET 响应的缓存时间，<=0 时不缓存
}

// SetupRouter 配置 Gin 路由
func SetupRouter(deps Deps) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	// 配置 CORS
	config := cors.DefaultConfig()
	config.AllowOrigins = []string{"*"}
	config.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	config.AllowHeaders = []string{"Origin", "Content-Length", "Content-Type", "Authorization"}
	r.Use(cors.New(config))

	r.GET("/health", func(c *gin.Context) {
		c.String(http.StatusOK, "OK")
	})
	if deps.Gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})))
	}

	handler := api.NewHandler(deps.Service, deps.Command)
	caching := func(c *gin.Context) { c.Next() }
	invalidate := caching
	if deps.CacheTTL > 0 {
		rc := mw.NewResponseCache(deps.CacheTTL)
		caching = rc.Serve()
		invalidate = rc.Invalidate()
	}

	// API v1 分组
	apiV1 := r.Group("/api/v1")
	{
		devices := apiV1.Group("/devices")
		{
			devices.GET("", caching, handler.GetDevices)                      // GET /api/v1/devices
			devices.GET("/:key", caching, handler.GetDevice)                  // GET /api/v1/devices/:key
			devices.POST("/:key/target", invalidate, handler.SetTarget)       // POST /api/v1/devices/:key/target
			devices.POST("/:key/angle", invalidate, handler.SetAngle)         // POST /api/v1/devices/:key/angle
			devices.POST("/:key/operation", invalidate, handler.SetOperation) // POST /api/v1/devices/:key/operation
		}
		apiV1.GET("/hubs", caching, handler.GetHubs) // GET /api/v1/hubs
	}

	return r
}
