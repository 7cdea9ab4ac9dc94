package dashboardhttp

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"spacewx/internal/dashboard"
	"spacewx/internal/logger"
	"spacewx/internal/render"
)

type handlers struct {
	svc      Service
	history  CycleHistory
	snapshot SnapshotFunc
	width    int
	height   int
}

func (h *handlers) register(router *gin.Engine) {
	router.GET("/", h.handlePage)
	api := router.Group("/api")
	api.GET("/display", h.handleDisplay)
	api.GET("/series", h.handleSeries)
	api.GET("/series/:feed", h.handleSeriesByFeed)
	api.GET("/cycles", h.handleCycles)
	api.GET("/cycles/last", h.handleLastCycle)
	api.POST("/refresh", h.handleRefresh)
	api.GET("/snapshot.png", h.handleSnapshot)
}

func (h *handlers) handlePage(c *gin.Context) {
	html, err := h.svc.Page()
	if err != nil {
		logger.Errorf("渲染页面失败: %v", err)
		c.String(http.StatusInternalServerError, "render failed")
		return
	}
	c.Header("Cache-Control", "no-store")
	c.Data(http.StatusOK, "text/html; charset=utf-8", html)
}

func (h *handlers) handleDisplay(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"slots": h.svc.Board().Snapshot()})
}

func (h *handlers) handleSeries(c *gin.Context) {
	views := h.svc.Views()
	if views == nil {
		views = []render.ChartView{}
	}
	c.JSON(http.StatusOK, gin.H{"charts": views})
}

func (h *handlers) handleSeriesByFeed(c *gin.Context) {
	id := trimmed(c, "feed")
	view, ok := h.svc.View(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown feed: " + id})
		return
	}
	c.JSON(http.StatusOK, view)
}

func (h *handlers) handleCycles(c *gin.Context) {
	if h.history == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "cycle history disabled"})
		return
	}
	limit := 20
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = n
	}
	cycles, err := h.history.RecentCycles(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"cycles": cycles})
}

func (h *handlers) handleLastCycle(c *gin.Context) {
	report := h.svc.LastReport()
	if report.CycleID == "" {
		c.JSON(http.StatusNotFound, gin.H{"error": "no cycle has run yet"})
		return
	}
	c.JSON(http.StatusOK, report)
}

// handleRefresh 手动触发一个周期；已有周期在跑时返回 409。
func (h *handlers) handleRefresh(c *gin.Context) {
	// 客户端断开不应中断周期
	report, err := h.svc.RunCycle(context.WithoutCancel(c.Request.Context()))
	if errors.Is(err, dashboard.ErrCycleInFlight) {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error(), "report": report})
		return
	}
	c.JSON(http.StatusOK, report)
}

func (h *handlers) handleSnapshot(c *gin.Context) {
	if h.snapshot == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "snapshot disabled"})
		return
	}
	html, err := h.svc.Page()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	png, err := h.snapshot(c.Request.Context(), html, h.width, h.height)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, render.ErrHeadlessUnavailable) {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.Data(http.StatusOK, "image/png", png)
}
