// Package bot 组装各组件：venue → 限流 → 执行引擎 / 结算跟踪 / 生存状态机，
// 并负责后台循环、HTTP 服务与优雅退出。
package bot

import (
	"context"
	"io"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/betbot/survivor/internal/balance"
	"github.com/betbot/survivor/internal/controlplane"
	"github.com/betbot/survivor/internal/execution"
	"github.com/betbot/survivor/internal/journal"
	"github.com/betbot/survivor/internal/metrics"
	"github.com/betbot/survivor/internal/notify"
	"github.com/betbot/survivor/internal/opportunity"
	"github.com/betbot/survivor/internal/resolution"
	"github.com/betbot/survivor/internal/sizing"
	"github.com/betbot/survivor/internal/survival"
	"github.com/betbot/survivor/internal/venue"
	"github.com/betbot/survivor/internal/venue/paper"
	"github.com/betbot/survivor/internal/venue/polymarket"
	"github.com/betbot/survivor/internal/venue/signing"
	"github.com/betbot/survivor/pkg/config"
	"github.com/betbot/survivor/pkg/persistence"
	"github.com/betbot/survivor/pkg/ratelimit"
	"github.com/betbot/survivor/pkg/shutdown"
	"github.com/betbot/survivor/pkg/syncgroup"
)

var log = logrus.WithField("module", "bot")

const (
	loopOpportunities = "opportunities"
	loopResolution    = "resolution"
	loopSurvival      = "survival"

	ledgerPrefix = "survival"
	ledgerID     = "ledger"

	journalTimeout  = 5 * time.Second
	shutdownTimeout = 30 * time.Second
)

// Option 组装选项（主要供测试替换外部依赖）
type Option func(*options)

type options struct {
	upstream   venue.Venue
	registerer prometheus.Registerer
	source     opportunity.Source
}

// WithUpstream 替换 Polymarket 客户端
func WithUpstream(v venue.Venue) Option {
	return func(o *options) { o.upstream = v }
}

// WithRegisterer 指定 prometheus 注册表（默认 DefaultRegisterer）
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// WithSource 指定机会来源；默认有 feed_url 时用 websocket，否则用内存 channel
func WithSource(src opportunity.Source) Option {
	return func(o *options) { o.source = src }
}

// Bot 一个运行中的交易进程
type Bot struct {
	cfg  *config.Config
	opts options

	limiter   *ratelimit.Limiter
	venue     venue.Venue
	paper     *paper.Venue
	balance   *balance.Cache
	submitter *execution.Submitter
	engine    *execution.Engine
	tracker   *resolution.Tracker
	brain     *survival.Brain
	journal   *journal.Journal

	throttled *notify.Throttled
	notifier  *notify.Async

	source opportunity.Source
	feed   *opportunity.FeedSource
	inbox  *opportunity.ChanSource

	health     *controlplane.Health
	control    *controlplane.Server
	metricsSrv *metrics.Server
	cron       *cron.Cron

	closers  []namedCloser
	loops    *syncgroup.SyncGroup
	shutdown *shutdown.Manager
	stop     context.CancelFunc
}

type namedCloser struct {
	name string
	c    io.Closer
}

// New 按配置组装全部组件，不启动任何 goroutine（Async 通知除外）。
func New(cfg *config.Config, opts ...Option) (*Bot, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	b := &Bot{
		cfg:      cfg,
		health:   controlplane.NewHealth(),
		loops:    syncgroup.NewSyncGroup(),
		shutdown: shutdown.NewManager(),
	}
	for _, opt := range opts {
		opt(&b.opts)
	}
	if b.opts.registerer == nil {
		b.opts.registerer = prometheus.DefaultRegisterer
	}

	ok := false
	defer func() {
		if !ok {
			b.closeAll()
		}
	}()

	b.limiter = ratelimit.New(rateLimitConfig(cfg))
	upstream, err := b.upstream()
	if err != nil {
		return nil, err
	}
	if cfg.IsLive() {
		b.venue = venue.NewLimited(upstream, b.limiter)
	} else {
		b.paper = paper.New(upstream, cfg.StartingBalance())
		b.venue = venue.NewLimited(b.paper, b.limiter)
	}
	log.Infof("🔌 [Bot] 模式=%s venue=%v", cfg.Environment, upstream)

	b.balance = balance.New(b.venue, balance.Config{
		TTL:            cfg.BalanceTTL,
		FallbackTTL:    cfg.FallbackTTL,
		DefaultBalance: cfg.StartingBalance(),
		Timeout:        cfg.Venue.Timeout,
	})

	b.setupNotifier()

	store, err := b.openLedgerStore()
	if err != nil {
		return nil, err
	}
	sc, err := survivalConfig(cfg)
	if err != nil {
		return nil, err
	}
	b.brain, err = survival.New(sc, store, b.notifier)
	if err != nil {
		return nil, errors.Wrap(err, "survival brain")
	}

	if cfg.JournalPath != "" {
		b.journal, err = journal.Open(cfg.JournalPath)
		if err != nil {
			return nil, err
		}
		b.closers = append(b.closers, namedCloser{"journal", b.journal})
	}

	b.tracker = resolution.New(b.venue, nil, resolution.Config{
		Interval:         cfg.ResolutionInterval,
		MarketDuration:   cfg.MarketDuration,
		SettlementBuffer: cfg.SettlementBuffer,
		FetchTimeout:     cfg.Venue.Timeout,
	})

	execCfg := execution.DefaultConfig()
	execCfg.MaxConcurrent = cfg.MaxConcurrentPositions
	execCfg.MaxRetries = cfg.MaxRetries
	execCfg.RetryBaseDelay = cfg.RetryBaseDelay
	b.submitter = execution.NewSubmitter(b.limiter, cfg.Venue.Timeout)
	b.engine = execution.New(execution.Deps{
		Venue:     b.venue,
		Submitter: b.submitter,
		Sizer: sizing.New(sizing.Config{
			KellyFraction: cfg.KellyFraction,
			MaxBetPercent: cfg.MaxBetPercent,
			MinBetSize:    cfg.MinBetSize,
		}),
		Gate:     b.brain,
		Balance:  b.balance,
		Tracker:  b.tracker,
		Notifier: b.notifier,
	}, execCfg)
	b.tracker.Bind(b.engine)
	b.registerCloseHooks()

	b.setupSource()

	if err := b.registerGauges(); err != nil {
		return nil, err
	}
	b.control = controlplane.New(b.controlDeps())

	ok = true
	return b, nil
}

func (b *Bot) upstream() (venue.Venue, error) {
	if b.opts.upstream != nil {
		return b.opts.upstream, nil
	}
	vc := b.cfg.Venue
	pc := polymarket.Config{
		ClobURL:       vc.ClobURL,
		GammaURL:      vc.GammaURL,
		ChainID:       vc.ChainID,
		Funder:        vc.FunderAddress,
		SignatureType: vc.SignatureType,
		Creds: signing.Creds{
			Key:        vc.APIKey,
			Secret:     vc.APISecret,
			Passphrase: vc.APIPassphrase,
		},
		Timeout: vc.Timeout,
	}
	if vc.PrivateKey != "" {
		key, err := signing.PrivateKeyFromHex(vc.PrivateKey)
		if err != nil {
			return nil, errors.Wrap(err, "wallet private key")
		}
		pc.PrivateKey = key
	} else if b.cfg.IsLive() {
		return nil, errors.New("live mode requires a wallet private key")
	}
	return polymarket.NewClient(pc), nil
}

func rateLimitConfig(cfg *config.Config) ratelimit.Config {
	rc := ratelimit.DefaultConfig()
	for name, rl := range cfg.RateLimits {
		if rl.PerMinute <= 0 {
			continue
		}
		rc.Buckets[ratelimit.Class(name)] = ratelimit.BucketConfig{
			Rate:     rl.PerMinute / 60,
			Capacity: rl.Capacity,
		}
	}
	return rc
}

func survivalConfig(cfg *config.Config) (survival.Config, error) {
	sc := survival.DefaultConfig(cfg.InitialBankroll)
	s := cfg.Survival
	if bp := s.Breakpoints; bp != (config.BreakpointConfig{}) {
		sc.Breakpoints = survival.Breakpoints{
			Thriving: bp.Thriving,
			Healthy:  bp.Healthy,
			Wounded:  bp.Wounded,
			Critical: bp.Critical,
		}
	}
	if err := overlayStates(sc.Policy.Modifiers, s.Modifiers); err != nil {
		return sc, errors.Wrap(err, "survival.modifiers")
	}
	if err := overlayStates(sc.Policy.MinEdges, s.MinEdges); err != nil {
		return sc, errors.Wrap(err, "survival.min_edges")
	}
	// 顶层 min_edge 是 HEALTHY 的基础门槛
	if cfg.MinEdge > 0 {
		sc.Policy.MinEdges[survival.StateHealthy] = cfg.MinEdge
	}
	if s.MinPatternSamples > 0 {
		sc.MinPatternSamples = s.MinPatternSamples
	}
	if s.MinPatternWinRate > 0 {
		sc.MinPatternWinRate = s.MinPatternWinRate
	}
	if s.HungerFloor > 0 {
		sc.MinEdgeFloor = s.HungerFloor
	}
	if s.DailyTargetPct > 0 {
		sc.DailyTargetPct = s.DailyTargetPct
	}
	if s.WeeklyTargetPct > 0 {
		sc.WeeklyTargetPct = s.WeeklyTargetPct
	}
	return sc, nil
}

func overlayStates(dst map[survival.State]float64, src map[string]float64) error {
	for name, v := range src {
		var st survival.State
		if err := st.UnmarshalText([]byte(name)); err != nil {
			return errors.Wrapf(err, "state %q", name)
		}
		dst[st] = v
	}
	return nil
}

func (b *Bot) setupNotifier() {
	sinks := notify.Fanout{notify.LogSink{}}
	tc := b.cfg.Telegram
	if tc.Token != "" {
		tg, err := notify.NewTelegram(tc.Token, tc.ChatID)
		if err != nil {
			log.Warnf("⚠️ [Bot] Telegram 初始化失败，只写日志: %v", err)
		} else {
			sinks = append(sinks, tg)
		}
	}
	b.throttled = notify.NewThrottled(sinks, tc.MinInterval)
	b.notifier = notify.NewAsync(b.throttled, 64)
}

func (b *Bot) openLedgerStore() (persistence.Store, error) {
	sc := b.cfg.Storage
	tag := b.cfg.Environment
	switch sc.Backend {
	case config.BackendBadger:
		svc, err := persistence.OpenBadger(filepath.Join(sc.Dir, "badger"))
		if err != nil {
			return nil, errors.Wrap(err, "open badger")
		}
		b.closers = append(b.closers, namedCloser{"badger", svc})
		return svc.NewStore(ledgerPrefix, ledgerID, tag), nil
	case config.BackendRedis:
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		svc, err := persistence.NewRedisService(ctx, &redis.Options{
			Addr:     sc.RedisAddr,
			Password: sc.RedisPassword,
			DB:       sc.RedisDB,
		})
		if err != nil {
			return nil, errors.Wrap(err, "connect redis")
		}
		b.closers = append(b.closers, namedCloser{"redis", svc})
		return svc.NewStore(ledgerPrefix, ledgerID, tag), nil
	default:
		return persistence.NewJSONFileService(sc.Dir).NewStore(ledgerPrefix, ledgerID, tag), nil
	}
}

func (b *Bot) setupSource() {
	switch {
	case b.opts.source != nil:
		b.source = b.opts.source
	case b.cfg.FeedURL != "":
		b.feed = opportunity.NewFeedSource(opportunity.FeedConfig{URL: b.cfg.FeedURL})
		b.source = b.feed
	default:
		b.inbox = opportunity.NewChanSource(64)
		b.source = b.inbox
		log.Warnf("⚠️ [Bot] 未配置 feed_url，机会只能通过 Inbox 注入")
	}
}

func (b *Bot) closeAll() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		c := b.closers[i]
		if err := c.c.Close(); err != nil {
			log.Errorf("❌ [Bot] 关闭 %s 失败: %v", c.name, err)
		}
	}
	b.closers = nil
	if b.notifier != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		_ = b.notifier.Close(ctx)
		cancel()
	}
	if b.throttled != nil {
		b.throttled.Close()
	}
}

// Inbox 未配置 feed 时的内存机会入口，其他情况下为 nil
func (b *Bot) Inbox() *opportunity.ChanSource { return b.inbox }

// Engine 执行引擎
func (b *Bot) Engine() *execution.Engine { return b.engine }

// Brain 生存状态机
func (b *Bot) Brain() *survival.Brain { return b.brain }

// Health 循环心跳
func (b *Bot) Health() *controlplane.Health { return b.health }

// ControlAddr 控制面实际监听地址（未启动时为空）
func (b *Bot) ControlAddr() string {
	if b.control == nil {
		return ""
	}
	return b.control.Addr()
}
