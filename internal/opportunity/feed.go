package opportunity

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/betbot/survivor/internal/domain"
	"github.com/betbot/survivor/internal/metrics"
)

const (
	pingInterval = 10 * time.Second
	readTimeout  = 30 * time.Second
	writeTimeout = 10 * time.Second
)

// FeedConfig websocket 推送源配置
type FeedConfig struct {
	URL               string
	BufferSize        int
	MaxAge            time.Duration // 超过该时长的机会在 Next 时丢弃
	ReconnectDelay    time.Duration // 首次重连冷却，之后翻倍
	MaxReconnectDelay time.Duration
	HandshakeTimeout  time.Duration
}

func (c FeedConfig) withDefaults() FeedConfig {
	if c.BufferSize <= 0 {
		c.BufferSize = 64
	}
	if c.MaxAge <= 0 {
		c.MaxAge = 15 * time.Second
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = time.Second
	}
	if c.MaxReconnectDelay < c.ReconnectDelay {
		c.MaxReconnectDelay = 30 * time.Second
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	return c
}

// FeedStats 推送源统计
type FeedStats struct {
	Connected  bool      `json:"connected"`
	Received   int64     `json:"received"`
	Invalid    int64     `json:"invalid"`
	Dropped    int64     `json:"dropped"`
	Stale      int64     `json:"stale"`
	Reconnects int64     `json:"reconnects"`
	LastMsgAt  time.Time `json:"last_msg_at"`
}

// FeedSource 订阅上游 websocket（消息体为 Opportunity JSON 对象或数组），断线自动重连。
type FeedSource struct {
	cfg    FeedConfig
	ch     chan domain.Opportunity
	dialer websocket.Dialer
	now    func() time.Time

	connected  atomic.Bool
	received   atomic.Int64
	invalid    atomic.Int64
	dropped    atomic.Int64
	stale      atomic.Int64
	reconnects atomic.Int64

	mu        sync.RWMutex
	lastMsgAt time.Time
}

// NewFeedSource 创建推送源，需调用 Run 才会连接
func NewFeedSource(cfg FeedConfig) *FeedSource {
	cfg = cfg.withDefaults()
	return &FeedSource{
		cfg:    cfg,
		ch:     make(chan domain.Opportunity, cfg.BufferSize),
		dialer: websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout, Proxy: websocket.DefaultDialer.Proxy},
		now:    time.Now,
	}
}

// Run 连接并持续读取，直到 ctx 取消
func (f *FeedSource) Run(ctx context.Context) error {
	if f.cfg.URL == "" {
		return errors.New("feed url is required")
	}
	delay := f.cfg.ReconnectDelay
	for {
		connectedAt := f.now()
		err := f.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		// 会话持续足够久则重置冷却
		if f.now().Sub(connectedAt) > f.cfg.MaxReconnectDelay {
			delay = f.cfg.ReconnectDelay
		}
		f.reconnects.Add(1)
		metrics.FeedReconnects.Add(1)
		log.Warnf("🔌 [Feed] 连接断开: %v，%s 后重连", err, delay)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
		delay *= 2
		if delay > f.cfg.MaxReconnectDelay {
			delay = f.cfg.MaxReconnectDelay
		}
	}
}

func (f *FeedSource) session(ctx context.Context) error {
	conn, _, err := f.dialer.DialContext(ctx, f.cfg.URL, nil)
	if err != nil {
		return err
	}
	f.connected.Store(true)
	defer f.connected.Store(false)
	log.Infof("✅ [Feed] 已连接 %s", f.cfg.URL)

	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		f.ping(sessCtx, conn)
	}()
	defer wg.Wait()
	// ctx 取消时关闭连接以打断阻塞的 ReadMessage
	go func() {
		<-sessCtx.Done()
		_ = conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		f.handle(data)
	}
}

func (f *FeedSource) ping(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				log.Debugf("[Feed] ping 失败: %v", err)
				return
			}
		}
	}
}

func (f *FeedSource) handle(data []byte) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return
	}
	var batch []domain.Opportunity
	if data[0] == '[' {
		if err := json.Unmarshal(data, &batch); err != nil {
			f.invalid.Add(1)
			log.Debugf("[Feed] 无法解析消息: %v", err)
			return
		}
	} else {
		var opp domain.Opportunity
		if err := json.Unmarshal(data, &opp); err != nil {
			f.invalid.Add(1)
			log.Debugf("[Feed] 无法解析消息: %v", err)
			return
		}
		batch = append(batch, opp)
	}

	now := f.now()
	f.mu.Lock()
	f.lastMsgAt = now
	f.mu.Unlock()

	for _, opp := range batch {
		if opp.MarketID == "" {
			f.invalid.Add(1)
			continue
		}
		if opp.DetectedAt.IsZero() {
			opp.DetectedAt = now
		}
		f.received.Add(1)
		select {
		case f.ch <- opp:
		default:
			f.dropped.Add(1)
			log.Warnf("⚠️ [Feed] 缓冲已满，丢弃机会 market=%s", opp.MarketID)
		}
	}
}

// Next 实现 Source，跳过过期机会
func (f *FeedSource) Next(ctx context.Context) (domain.Opportunity, error) {
	for {
		select {
		case <-ctx.Done():
			return domain.Opportunity{}, ctx.Err()
		case opp := <-f.ch:
			if f.now().Sub(opp.DetectedAt) > f.cfg.MaxAge {
				f.stale.Add(1)
				log.Debugf("[Feed] 丢弃过期机会 market=%s age=%s", opp.MarketID, f.now().Sub(opp.DetectedAt))
				continue
			}
			return opp, nil
		}
	}
}

// Stats 统计快照
func (f *FeedSource) Stats() FeedStats {
	f.mu.RLock()
	last := f.lastMsgAt
	f.mu.RUnlock()
	return FeedStats{
		Connected:  f.connected.Load(),
		Received:   f.received.Load(),
		Invalid:    f.invalid.Load(),
		Dropped:    f.dropped.Load(),
		Stale:      f.stale.Load(),
		Reconnects: f.reconnects.Load(),
		LastMsgAt:  last,
	}
}
