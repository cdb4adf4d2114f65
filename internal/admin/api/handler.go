package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"connectorhub/internal/connector"
	"connectorhub/internal/device"
	"connectorhub/internal/discovery"
	"connectorhub/internal/hub"
	"connectorhub/internal/hubapi"
	"github.com/gin-gonic/gin"
)

// DeviceService 接口依赖的设备查询能力，由 hub.Service 实现
type DeviceService interface {
	Devices() []device.PositionState
	Handler(key string) (*device.Handler, error)
	Hubs() []discovery.HubSession
}

// CommandFunc 执行设备命令，payload 为整数目标位置、angle:<n> 或 open/close/stop
type CommandFunc func(ctx context.Context, key string, payload string) error

// Handler 设备与集线器相关接口
type Handler struct {
	service DeviceService
	command CommandFunc
}

// NewHandler 创建接口处理器
func NewHandler(service DeviceService, command CommandFunc) *Handler {
	return &Handler{service: service, command: command}
}

// TargetRequest 设置目标位置，0 为全关、100 为全开
type TargetRequest struct {
	Position *int `json:"position" binding:"required,min=0,max=100"`
}

// AngleRequest 设置百叶角度
type AngleRequest struct {
	Angle *int `json:"angle" binding:"required,min=0,max=180"`
}

// OperationRequest 开/关/停
type OperationRequest struct {
	Op string `json:"op" binding:"required,oneof=open close stop"`
}

func errorResponse(c *gin.Context, code int, message string) {
	c.JSON(code, gin.H{"error": message})
}

// statusOf 将设备层的错误映射为 HTTP 状态码
func statusOf(err error) int {
	switch {
	case errors.Is(err, hub.ErrUnknownDevice):
		return http.StatusNotFound
	case errors.Is(err, device.ErrUnsupported):
		return http.StatusUnprocessableEntity
	case errors.Is(err, device.ErrNoState):
		return http.StatusServiceUnavailable
	case errors.Is(err, connector.ErrNoResponse):
		return http.StatusGatewayTimeout
	case hubapi.IsRejected(err):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// GetDevices GET /api/v1/devices
func (h *Handler) GetDevices(c *gin.Context) {
	c.JSON(http.StatusOK, h.service.Devices())
}

// GetDevice GET /api/v1/devices/:key
func (h *Handler) GetDevice(c *gin.Context) {
	dh, err := h.service.Handler(c.Param("key"))
	if err != nil {
		errorResponse(c, statusOf(err), err.Error())
		return
	}
	ps, err := dh.PositionState()
	if err != nil {
		errorResponse(c, statusOf(err), err.Error())
		return
	}
	c.JSON(http.StatusOK, ps)
}

// SetTarget POST /api/v1/devices/:key/target
func (h *Handler) SetTarget(c *gin.Context) {
	var req TargetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "无效的请求数据: "+err.Error())
		return
	}
	h.run(c, strconv.Itoa(*req.Position))
}

// SetAngle POST /api/v1/devices/:key/angle
func (h *Handler) SetAngle(c *gin.Context) {
	var req AngleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "无效的请求数据: "+err.Error())
		return
	}
	h.run(c, "angle:"+strconv.Itoa(*req.Angle))
}

// SetOperation POST /api/v1/devices/:key/operation
func (h *Handler) SetOperation(c *gin.Context) {
	var req OperationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "无效的请求数据: "+err.Error())
		return
	}
	h.run(c, req.Op)
}

func (h *Handler) run(c *gin.Context, payload string) {
	key := c.Param("key")
	dh, err := h.service.Handler(key)
	if err != nil {
		errorResponse(c, statusOf(err), err.Error())
		return
	}
	if err := h.command(c.Request.Context(), key, payload); err != nil {
		errorResponse(c, statusOf(err), "执行命令失败: "+err.Error())
		return
	}
	ps, err := dh.PositionState()
	if err != nil {
		c.Status(http.StatusAccepted)
		return
	}
	c.JSON(http.StatusOK, ps)
}

// GetHubs GET /api/v1/hubs，会话中的 token 不会被序列化
func (h *Handler) GetHubs(c *gin.Context) {
	c.JSON(http.StatusOK, h.service.Hubs())
}
