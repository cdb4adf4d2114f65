package mw

import (
	"bytes"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/patrickmn/go-cache"
)

// snapshot 一条缓存的 JSON 响应
type snapshot struct {
	status      int
	contentType string
	body        []byte
}

// teeWriter 转发响应的同时保留一份响应体
type teeWriter struct {
	gin.ResponseWriter
	buf bytes.Buffer
}

func (w *teeWriter) Write(b []byte) (int, error) {
	w.buf.Write(b)
	return w.ResponseWriter.Write(b)
}

func (w *teeWriter) WriteString(s string) (int, error) {
	w.buf.WriteString(s)
	return w.ResponseWriter.WriteString(s)
}

// ResponseCache 设备查询接口的短期缓存。
// 键为请求路径；设备写命令成功后只失效设备列表与该设备本身。
type ResponseCache struct {
	store *cache.Cache
	ttl   time.Duration
}

// NewResponseCache 创建缓存，过期条目每 2*ttl 清理一次
func NewResponseCache(ttl time.Duration) *ResponseCache {
	return &ResponseCache{store: cache.New(ttl, 2*ttl), ttl: ttl}
}

// Serve 命中时直接回放响应并标记 X-Cache: HIT，未命中时缓存 2xx 响应
func (rc *ResponseCache) Serve() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Method != http.MethodGet {
			c.Next()
			return
		}
		key := c.Request.URL.Path
		if v, found := rc.store.Get(key); found {
			snap := v.(snapshot)
			c.Header("X-Cache", "HIT")
			c.Data(snap.status, snap.contentType, snap.body)
			c.Abort()
			return
		}

		c.Header("X-Cache", "MISS")
		tw := &teeWriter{ResponseWriter: c.Writer}
		c.Writer = tw
		c.Next()

		if status := tw.Status(); status >= 200 && status < 300 {
			rc.store.Set(key, snapshot{
				status:      status,
				contentType: tw.Header().Get("Content-Type"),
				body:        bytes.Clone(tw.buf.Bytes()),
			}, rc.ttl)
		}
	}
}

// Invalidate 写请求成功后失效受影响的条目。
// 路由带 :key 时删除集合路径和 <集合>/<key>，否则清空全部。
func (rc *ResponseCache) Invalidate() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		if c.Request.Method == http.MethodGet || c.Writer.Status() >= 300 {
			return
		}
		collection, _, found := strings.Cut(c.FullPath(), "/:key")
		if !found {
			rc.store.Flush()
			return
		}
		rc.store.Delete(collection)
		rc.store.Delete(collection + "/" + c.Param("key"))
	}
}

// Len 当前缓存的条目数，包括尚未清理的过期条目
func (rc *ResponseCache) Len() int {
	return rc.store.ItemCount()
}
