// Package controlplane 只读快照 API：所有接口只读内存状态，不触发交易场所调用。
package controlplane

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/betbot/survivor/internal/balance"
	"github.com/betbot/survivor/internal/domain"
	"github.com/betbot/survivor/internal/execution"
	"github.com/betbot/survivor/internal/journal"
	"github.com/betbot/survivor/internal/resolution"
	"github.com/betbot/survivor/internal/survival"
	"github.com/betbot/survivor/pkg/ratelimit"
)

var log = logrus.WithField("module", "controlplane")

// Survival 生存状态读数
type Survival interface {
	Metrics() survival.Metrics
	Patterns() []survival.TradePattern
}

// Executor 执行引擎读数
type Executor interface {
	Positions() []domain.Position
	History(limit int) []domain.Position
	Stats() execution.Stats
}

// Settlements 结算跟踪读数
type Settlements interface {
	Stats() resolution.Stats
	Pending() []resolution.Pending
}

// BalanceSnapshotter 余额缓存读数
type BalanceSnapshotter interface {
	Snapshot() balance.Snapshot
}

// RateLimits 限流读数
type RateLimits interface {
	Stats() ratelimit.Stats
}

// Trades 结算日志
type Trades interface {
	List(ctx context.Context, limit int) ([]journal.Trade, error)
	Summarize(ctx context.Context) (journal.Summary, error)
}

// Deps 各组件读数，缺失的接口返回 503
type Deps struct {
	Health      *Health
	Survival    Survival
	Executor    Executor
	Settlements Settlements
	Balance     BalanceSnapshotter
	RateLimits  RateLimits
	Trades      Trades
}

// Server 控制面 HTTP 服务
type Server struct {
	deps Deps
	srv  *http.Server
	ln   net.Listener
}

// New 创建服务（未监听）
func New(deps Deps) *Server {
	if deps.Health == nil {
		deps.Health = NewHealth()
	}
	return &Server{deps: deps}
}

// Router gin 路由
func (s *Server) Router() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", s.handleHealth)

	api := r.Group("/api")
	api.GET("/survival", s.handleSurvival)
	api.GET("/survival/patterns", s.handlePatterns)
	api.GET("/positions", s.handlePositions)
	api.GET("/history", s.handleHistory)
	api.GET("/stats", s.handleStats)
	api.GET("/settlements", s.handleSettlements)
	api.GET("/trades", s.handleTrades)
	api.GET("/ratelimit", s.handleRateLimit)
	api.GET("/balance", s.handleBalance)
	return r
}

// Listen 绑定地址
func (s *Server) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.ln = ln
	s.srv = &http.Server{Handler: s.Router(), ReadHeaderTimeout: 5 * time.Second}
	return nil
}

// Addr 实际监听地址
func (s *Server) Addr() string {
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Serve 阻塞服务直到 Shutdown
func (s *Server) Serve() {
	if s.srv == nil {
		return
	}
	log.Infof("🌐 [ControlPlane] 监听 %s", s.Addr())
	if err := s.srv.Serve(s.ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Errorf("❌ [ControlPlane] 服务退出: %v", err)
	}
}

// Shutdown 优雅关闭
func (s *Server) Shutdown(ctx context.Context) error {
	if s == nil || s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func unavailable(c *gin.Context, what string) {
	c.JSON(http.StatusServiceUnavailable, gin.H{"error": what + " not configured"})
}

func queryLimit(c *gin.Context, def, max int) int {
	if v := strings.TrimSpace(c.Query("limit")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= max {
			return n
		}
	}
	return def
}

func (s *Server) handleHealth(c *gin.Context) {
	st := s.deps.Health.Status()
	code := http.StatusOK
	if st.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, st)
}

func (s *Server) handleSurvival(c *gin.Context) {
	if s.deps.Survival == nil {
		unavailable(c, "survival")
		return
	}
	c.JSON(http.StatusOK, s.deps.Survival.Metrics())
}

func (s *Server) handlePatterns(c *gin.Context) {
	if s.deps.Survival == nil {
		unavailable(c, "survival")
		return
	}
	c.JSON(http.StatusOK, gin.H{"patterns": s.deps.Survival.Patterns()})
}

func (s *Server) handlePositions(c *gin.Context) {
	if s.deps.Executor == nil {
		unavailable(c, "executor")
		return
	}
	positions := s.deps.Executor.Positions()
	c.JSON(http.StatusOK, gin.H{"count": len(positions), "positions": positions})
}

func (s *Server) handleHistory(c *gin.Context) {
	if s.deps.Executor == nil {
		unavailable(c, "executor")
		return
	}
	c.JSON(http.StatusOK, gin.H{"history": s.deps.Executor.History(queryLimit(c, 50, 500))})
}

func (s *Server) handleStats(c *gin.Context) {
	if s.deps.Executor == nil {
		unavailable(c, "executor")
		return
	}
	out := gin.H{"execution": s.deps.Executor.Stats()}
	if s.deps.Settlements != nil {
		out["resolution"] = s.deps.Settlements.Stats()
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) handleSettlements(c *gin.Context) {
	if s.deps.Settlements == nil {
		unavailable(c, "resolution tracker")
		return
	}
	c.JSON(http.StatusOK, gin.H{"stats": s.deps.Settlements.Stats(), "pending": s.deps.Settlements.Pending()})
}

func (s *Server) handleTrades(c *gin.Context) {
	if s.deps.Trades == nil {
		unavailable(c, "journal")
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()
	items, err := s.deps.Trades.List(ctx, queryLimit(c, 200, 2000))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "db list trades: " + err.Error()})
		return
	}
	summary, err := s.deps.Trades.Summarize(ctx)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "db summarize: " + err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"summary": summary, "trades": items})
}

func (s *Server) handleRateLimit(c *gin.Context) {
	if s.deps.RateLimits == nil {
		unavailable(c, "rate limiter")
		return
	}
	c.JSON(http.StatusOK, s.deps.RateLimits.Stats())
}

func (s *Server) handleBalance(c *gin.Context) {
	if s.deps.Balance == nil {
		unavailable(c, "balance cache")
		return
	}
	c.JSON(http.StatusOK, s.deps.Balance.Snapshot())
}
