package admin

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/life-stream-dev/life-stream-control-channel/internal/config"
	"github.com/life-stream-dev/life-stream-control-channel/internal/database"
	"github.com/life-stream-dev/life-stream-control-channel/internal/logger"
)

// Endpoints 正在运行的gRPC与HTTP管理端口
type Endpoints struct {
	grpcServer *grpc.Server
	httpServer *http.Server
	grpcLn     net.Listener
	httpLn     net.Listener
	group      errgroup.Group
}

// Start 按配置监听管理端口, 地址为空的一项不启动
func Start(cfg config.AdminConfig, backend Backend, store database.SessionStore, gatherer prometheus.Gatherer) (*Endpoints, error) {
	e := &Endpoints{}

	if cfg.GrpcAddress != "" {
		ln, err := net.Listen("tcp", cfg.GrpcAddress)
		if err != nil {
			return nil, fmt.Errorf("admin grpc listen error: %w", err)
		}
		e.grpcLn = ln
		e.grpcServer = grpc.NewServer()
		RegisterAdminServer(e.grpcServer, NewGRPCService(backend, store))
		logger.InfoF("Admin gRPC service listen on %s", ln.Addr().String())
		e.group.Go(func() error {
			return e.grpcServer.Serve(ln)
		})
	}

	if cfg.HttpAddress != "" {
		ln, err := net.Listen("tcp", cfg.HttpAddress)
		if err != nil {
			e.stopGRPC(context.Background())
			return nil, fmt.Errorf("admin http listen error: %w", err)
		}
		e.httpLn = ln
		e.httpServer = &http.Server{
			Handler:           NewRouter(backend, gatherer),
			ReadHeaderTimeout: 10 * time.Second,
		}
		logger.InfoF("Admin HTTP service listen on %s", ln.Addr().String())
		e.group.Go(func() error {
			if err := e.httpServer.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}
	return e, nil
}

func (e *Endpoints) GRPCAddr() net.Addr {
	if e.grpcLn == nil {
		return nil
	}
	return e.grpcLn.Addr()
}

func (e *Endpoints) HTTPAddr() net.Addr {
	if e.httpLn == nil {
		return nil
	}
	return e.httpLn.Addr()
}

func (e *Endpoints) stopGRPC(ctx context.Context) {
	if e.grpcServer == nil {
		return
	}
	stopped := make(chan struct{})
	go func() {
		e.grpcServer.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-ctx.Done():
		e.grpcServer.Stop()
	}
}

// Invoke 关闭管理端口, 供退出清理使用
func (e *Endpoints) Invoke(ctx context.Context) error {
	e.stopGRPC(ctx)
	var err error
	if e.httpServer != nil {
		err = e.httpServer.Shutdown(ctx)
	}
	if waitErr := e.group.Wait(); waitErr != nil && err == nil {
		err = waitErr
	}
	logger.Info("Admin endpoints stopped")
	return err
}
