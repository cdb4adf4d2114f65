package router

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"connectorhub/internal/pkg"
	"go.uber.org/zap"
)

// Serve 在 addr 上提供服务，ctx 结束时优雅关闭
func Serve(ctx context.Context, addr string, handler http.Handler) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("管理接口监听 %s 失败: %w", addr, err)
	}
	return ServeListener(ctx, ln, handler)
}

// ServeListener 使用已有的监听器提供服务
func ServeListener(ctx context.Context, ln net.Listener, handler http.Handler) error {
	log := pkg.LoggerFromContext(ctx)
	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	done := make(chan error, 1)
	go func() {
		log.Info("管理接口启动", zap.String("addr", ln.Addr().String()))
		done <- srv.Serve(ln)
	}()

	select {
	case err := <-done:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("管理接口异常退出: %w", err)
	case <-ctx.Done():
	}
	log.Info("正在关闭管理接口 ...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("管理接口关闭失败: %w", err)
	}
	return nil
}
