package bot

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/betbot/survivor/internal/controlplane"
	"github.com/betbot/survivor/internal/dashboard"
	"github.com/betbot/survivor/internal/domain"
	"github.com/betbot/survivor/internal/journal"
	"github.com/betbot/survivor/internal/metrics"
	"github.com/betbot/survivor/internal/opportunity"
)

func (b *Bot) registerCloseHooks() {
	if b.paper != nil {
		b.engine.OnClose(func(p domain.Position) {
			b.paper.Settle(p.MarketID, p.Won)
		})
	}
	if b.journal != nil {
		b.engine.OnClose(b.journal.Hook(journalTimeout))
	}
	b.engine.OnClose(func(p domain.Position) {
		metrics.ObserveSettlement(p.Won, p.Payoff)
	})
}

func boolGauge(v bool) float64 {
	if v {
		return 1
	}
	return 0
}

func (b *Bot) registerGauges() error {
	return metrics.RegisterGauges(b.opts.registerer, metrics.Gauges{
		Capital:          b.brain.Capital,
		CapitalPct:       func() float64 { return b.brain.Metrics().CapitalPct },
		SurvivalState:    func() float64 { return float64(b.brain.State()) },
		OpenPositions:    func() float64 { return float64(len(b.engine.Positions())) },
		Balance:          func() float64 { return b.balance.Snapshot().Value },
		PendingSettles:   func() float64 { return float64(b.tracker.Stats().Tracked) },
		Throttled:        func() float64 { return boolGauge(b.limiter.IsThrottled()) },
		SubmitRetries:    func() float64 { return float64(b.submitter.Stats().TotalRetries) },
		SubmitExhausted:  func() float64 { return float64(b.submitter.Stats().FailedAfterRetries) },
		ResolutionErrors: func() float64 { return float64(b.tracker.Stats().ResolutionErrors) },
	})
}

func (b *Bot) controlDeps() controlplane.Deps {
	deps := controlplane.Deps{
		Health:      b.health,
		Survival:    b.brain,
		Executor:    b.engine,
		Settlements: b.tracker,
		Balance:     b.balance,
		RateLimits:  b.limiter,
	}
	if b.journal != nil {
		deps.Trades = b.journal
	}
	return deps
}

// Start 绑定端口并启动全部后台循环；ctx 取消或 Stop 后循环退出。
func (b *Bot) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	b.stop = cancel

	b.shutdown.OnShutdown("storage", func(context.Context) error {
		var errs []error
		for i := len(b.closers) - 1; i >= 0; i-- {
			if err := b.closers[i].c.Close(); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", b.closers[i].name, err))
			}
		}
		b.closers = nil
		return errors.Join(errs...)
	})
	b.shutdown.OnShutdown("notifier", func(ctx context.Context) error {
		err := b.notifier.Close(ctx)
		b.throttled.Close()
		return err
	})
	b.shutdown.OnShutdown("ledger", func(context.Context) error {
		b.brain.Tick()
		return nil
	})

	if err := b.startCron(); err != nil {
		cancel()
		return err
	}
	if err := b.startServers(); err != nil {
		cancel()
		return err
	}

	b.health.Register(loopOpportunities, 0)
	b.health.Register(loopResolution, b.cfg.ResolutionInterval)
	b.health.Register(loopSurvival, b.cfg.Survival.TickInterval)

	if b.feed != nil {
		b.loops.Add("feed", func() {
			if err := b.feed.Run(runCtx); err != nil {
				log.Errorf("❌ [Bot] 机会 feed 退出: %v", err)
			}
		})
	}
	b.loops.Add(loopOpportunities, func() { b.runOpportunities(runCtx) })
	b.tracker.OnCheck(func() { b.health.Beat(loopResolution) })
	b.loops.Add(loopResolution, func() {
		if err := b.tracker.Run(runCtx); err != nil {
			log.Errorf("❌ [Bot] 结算扫描退出: %v", err)
		}
	})
	b.loops.Add(loopSurvival, func() { b.runSurvival(runCtx) })
	if b.cfg.Dashboard {
		b.loops.Add("dashboard", func() {
			if err := dashboard.Run(runCtx, b.Snapshot, cancel); err != nil {
				log.Errorf("❌ [Bot] 面板退出: %v", err)
			}
		})
	}
	b.shutdown.OnShutdown("loops", func(ctx context.Context) error {
		cancel()
		return b.loops.WaitContext(ctx)
	})
	b.loops.Run()

	m := b.brain.Metrics()
	log.Infof("🚀 [Bot] 已启动 mode=%s state=%s capital=$%.2f (%.1f%%)",
		b.cfg.Environment, m.State, m.CurrentCapital, m.CapitalPct)
	return nil
}

func (b *Bot) startCron() error {
	spec := b.cfg.Survival.DailyReportCron
	if spec == "" {
		return nil
	}
	b.cron = cron.New(cron.WithSeconds())
	if _, err := b.cron.AddFunc(spec, b.brain.SendDailyReport); err != nil {
		return fmt.Errorf("daily report cron %q: %w", spec, err)
	}
	b.cron.Start()
	b.shutdown.OnShutdown("cron", func(ctx context.Context) error {
		select {
		case <-b.cron.Stop().Done():
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	return nil
}

func (b *Bot) startServers() error {
	if addr := b.cfg.MetricsAddr; addr != "" {
		srv, err := metrics.Listen(addr)
		if err != nil {
			return fmt.Errorf("metrics listen %s: %w", addr, err)
		}
		b.metricsSrv = srv
		go srv.Serve()
		b.shutdown.OnShutdown("metrics", srv.Shutdown)
	}
	if addr := b.cfg.ControlPlaneAddr; addr != "" {
		if err := b.control.Listen(addr); err != nil {
			return fmt.Errorf("controlplane listen %s: %w", addr, err)
		}
		go b.control.Serve()
		b.shutdown.OnShutdown("controlplane", b.control.Shutdown)
	}
	return nil
}

// runOpportunities 逐个处理机会：一次只评估一个，执行失败不影响后续机会。
// 取消只在两次迭代之间生效，正在执行的下单会做完。
func (b *Bot) runOpportunities(ctx context.Context) {
	log.Infof("🔄 [Bot] 机会循环启动")
	for {
		if ctx.Err() != nil {
			log.Infof("🛑 [Bot] 机会循环已停止")
			return
		}
		opp, err := b.source.Next(ctx)
		if err != nil {
			if errors.Is(err, opportunity.ErrClosed) || ctx.Err() != nil {
				log.Infof("🛑 [Bot] 机会循环已停止")
				return
			}
			log.Warnf("⚠️ [Bot] 读取机会失败: %v", err)
			continue
		}
		res := b.engine.Execute(ctx, opp)
		metrics.ObserveExecution(string(res.Rejection), res.Executed, res.Latency)
		b.health.Beat(loopOpportunities)
	}
}

func (b *Bot) runSurvival(ctx context.Context) {
	interval := b.cfg.Survival.TickInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.brain.Tick()
			b.recordEquity(ctx)
			b.health.Beat(loopSurvival)
		}
	}
}

func (b *Bot) recordEquity(ctx context.Context) {
	if b.journal == nil {
		return
	}
	m := b.brain.Metrics()
	snap := journal.EquitySnapshot{
		Capital: m.CurrentCapital,
		State:   m.State.String(),
		Balance: b.balance.Snapshot().Value,
	}
	wctx, cancel := context.WithTimeout(ctx, journalTimeout)
	defer cancel()
	if err := b.journal.RecordEquity(wctx, snap); err != nil {
		log.Warnf("⚠️ [Bot] 记录资金快照失败: %v", err)
	}
}

// Snapshot 面板数据（只读内存状态）
func (b *Bot) Snapshot() dashboard.Snapshot {
	return dashboard.Snapshot{
		Title:      "survivor",
		Mode:       b.cfg.Environment,
		Survival:   b.brain.Metrics(),
		Positions:  b.engine.Positions(),
		Recent:     b.engine.History(10),
		Execution:  b.engine.Stats(),
		Resolution: b.tracker.Stats(),
		Balance:    b.balance.Snapshot(),
		Throttled:  b.limiter.IsThrottled(),
		UpdatedAt:  time.Now(),
	}
}

// Stop 让 Run 返回并触发优雅退出
func (b *Bot) Stop() {
	if b.stop != nil {
		b.stop()
	}
}

// Shutdown 按注册的逆序关闭：循环 → HTTP → cron → 账本落盘 → 通知 → 存储。返回失败数。
func (b *Bot) Shutdown(ctx context.Context) int {
	return b.shutdown.Shutdown(ctx)
}

// Run 启动后阻塞到 ctx 取消（或面板退出），然后在 shutdownTimeout 内完成退出。
func (b *Bot) Run(ctx context.Context) error {
	if err := b.Start(ctx); err != nil {
		sctx, scancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer scancel()
		b.Shutdown(sctx)
		return err
	}
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		b.loops.Wait()
		cancel()
	}()
	<-runCtx.Done()

	log.Infof("🛑 [Bot] 正在退出…")
	sctx, scancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer scancel()
	if n := b.Shutdown(sctx); n > 0 {
		return fmt.Errorf("shutdown finished with %d failed step(s)", n)
	}
	log.Infof("✅ [Bot] 已退出")
	return nil
}
