// Package dashboardhttp serves the HTML dashboard, its JSON API and the live
// WebSocket stream.
package dashboardhttp

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/klauspost/compress/gzhttp"

	"spacewx/internal/dashboard"
	"spacewx/internal/display"
	"spacewx/internal/logger"
	"spacewx/internal/render"
	"spacewx/internal/store"
)

const WSPath = "/ws"

// Service 由 dashboard.Dashboard 实现。
type Service interface {
	RunCycle(ctx context.Context) (dashboard.CycleReport, error)
	Page() ([]byte, error)
	Views() []render.ChartView
	View(feedID string) (render.ChartView, bool)
	Board() *display.Board
	LastReport() dashboard.CycleReport
}

// CycleHistory 由 store.Store 实现。
type CycleHistory interface {
	RecentCycles(ctx context.Context, limit int) ([]store.CycleRecord, error)
}

// BreakerReporter 由 swpc.Client 实现，/healthz 用它展示上游熔断状态。
type BreakerReporter interface {
	BreakerStates() map[string]string
}

// SnapshotFunc 把页面 HTML 渲染为 PNG。
type SnapshotFunc func(ctx context.Context, html []byte, width, height int) ([]byte, error)

type ServerConfig struct {
	Addr     string
	Service  Service
	History  CycleHistory
	Hub      *Hub
	Snapshot SnapshotFunc
	Breakers BreakerReporter
	// SnapshotWidth/Height 为 0 时使用渲染器默认尺寸。
	SnapshotWidth  int
	SnapshotHeight int
}

type Server struct {
	addr    string
	router  *gin.Engine
	handler http.Handler
	hub     *Hub
}

func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Service == nil {
		return nil, errors.New("dashboard http server requires a service")
	}
	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}
	if cfg.Hub == nil {
		cfg.Hub = NewHub()
	}
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger())

	router.GET("/healthz", func(c *gin.Context) {
		body := gin.H{"status": "ok"}
		if cfg.Breakers != nil {
			body["breakers"] = cfg.Breakers.BreakerStates()
		}
		c.JSON(http.StatusOK, body)
	})
	router.GET(WSPath, cfg.Hub.serveWS)
	h := &handlers{svc: cfg.Service, history: cfg.History, snapshot: cfg.Snapshot, width: cfg.SnapshotWidth, height: cfg.SnapshotHeight}
	h.register(router)

	gz := gzhttp.GzipHandler(router)
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// WebSocket 需要原始连接，不能套 gzip writer
		if r.URL.Path == WSPath {
			router.ServeHTTP(w, r)
			return
		}
		gz.ServeHTTP(w, r)
	})
	return &Server{addr: cfg.Addr, router: router, handler: handler, hub: cfg.Hub}, nil
}

// requestLogger 以 debug 级别记录每个请求。
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		if q := c.Request.URL.RawQuery; q != "" {
			path += "?" + q
		}
		c.Next()
		logger.Debugf("HTTP %s %s status=%d ip=%s dur=%s",
			c.Request.Method, path, c.Writer.Status(), c.ClientIP(), time.Since(start))
	}
}

func (s *Server) Addr() string {
	if s == nil {
		return ""
	}
	return s.addr
}

func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) Hub() *Hub {
	return s.hub
}

// Start 启动 HTTP 服务，直到 ctx 取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	if s == nil {
		return nil
	}
	srv := &http.Server{Addr: s.addr, Handler: s.handler, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	logger.Infof("dashboard 监听 %s", s.addr)

	select {
	case <-ctx.Done():
		s.hub.Close()
		shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shCtx)
		return nil
	case err := <-errCh:
		return err
	}
}

func trimmed(c *gin.Context, name string) string {
	return strings.TrimSpace(c.Param(name))
}
