package app

import (
	"context"
	"errors"
	"fmt"

	"spacewx/internal/archive"
	brcfg "spacewx/internal/config"
	"spacewx/internal/dashboard"
	"spacewx/internal/feeds"
	"spacewx/internal/logger"
	"spacewx/internal/scheduler"
	"spacewx/internal/store"
	dashboardhttp "spacewx/internal/transport/http/dashboard"

	"golang.org/x/sync/errgroup"
)

// App 负责应用级编排：加载配置→初始化依赖→启动刷新循环与 HTTP 服务。
type App struct {
	cfg      *brcfg.Config
	dash     *dashboard.Dashboard
	http     *dashboardhttp.Server
	registry *feeds.Registry
	store    *store.Store
	archive  *archive.Sink
	Summary  *StartupSummary
}

// NewApp 根据配置构建应用对象（不启动）
func NewApp(cfg *brcfg.Config) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	logger.SetLevel(cfg.App.LogLevel)
	return buildAppWithWire(context.Background(), cfg)
}

// Run 启动 HTTP 服务与刷新循环，ctx 结束后释放存储。
func (a *App) Run(ctx context.Context) error {
	if a == nil || a.cfg == nil || a.dash == nil {
		return fmt.Errorf("app not initialized")
	}
	defer a.close()

	if a.Summary != nil {
		a.Summary.Print()
	}

	group, ctx := errgroup.WithContext(ctx)
	if a.http != nil {
		group.Go(func() error {
			if err := a.http.Start(ctx); err != nil {
				return fmt.Errorf("dashboard http server error: %w", err)
			}
			return nil
		})
	}
	group.Go(func() error {
		a.refreshLoop(ctx)
		return nil
	})
	return group.Wait()
}

func (a *App) refreshLoop(ctx context.Context) {
	refresh := a.cfg.Refresh
	task := func(ctx context.Context) {
		a.refreshOnce(ctx)
	}
	if refresh.Align {
		s := scheduler.NewAlignedScheduler(ctx, refresh.Interval(), refresh.Offset())
		s.Name = "refresh"
		s.RunImmediately = refresh.RunImmediately
		s.Start(task)
		return
	}
	s := scheduler.NewIntervalScheduler(ctx, refresh.Interval())
	s.Name = "refresh"
	s.RunImmediately = refresh.RunImmediately
	s.Start(task)
}

func (a *App) refreshOnce(ctx context.Context) {
	_, err := a.dash.RunCycle(ctx)
	switch {
	case err == nil:
	case errors.Is(err, dashboard.ErrCycleInFlight):
		logger.Warnf("上一轮刷新尚未结束，跳过本次")
	case errors.Is(err, context.Canceled):
	default:
		logger.Errorf("刷新周期失败: %v", err)
	}
}

func (a *App) close() {
	if a.archive != nil {
		if err := a.archive.Close(); err != nil {
			logger.Warnf("close archive: %v", err)
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			logger.Warnf("close store: %v", err)
		}
	}
}

// Dashboard 暴露编排器（测试与手动刷新用）。
func (a *App) Dashboard() *dashboard.Dashboard {
	if a == nil {
		return nil
	}
	return a.dash
}

// Server 暴露 HTTP 服务。
func (a *App) Server() *dashboardhttp.Server {
	if a == nil {
		return nil
	}
	return a.http
}
