package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	EnvPaper = "paper"
	EnvLive  = "live"

	BackendJSON   = "json"
	BackendBadger = "badger"
	BackendRedis  = "redis"

	DefaultDerivationPath = "m/44'/60'/0'/0/0"
)

// RateLimitConfig 单个端点类别的限流
type RateLimitConfig struct {
	PerMinute float64 `yaml:"per_minute" json:"per_minute"`
	Capacity  float64 `yaml:"capacity" json:"capacity"`
}

// BreakpointConfig 生存状态分界（占初始资金百分比）
type BreakpointConfig struct {
	Thriving float64 `yaml:"thriving" json:"thriving"`
	Healthy  float64 `yaml:"healthy" json:"healthy"`
	Wounded  float64 `yaml:"wounded" json:"wounded"`
	Critical float64 `yaml:"critical" json:"critical"`
}

// SurvivalConfig 生存状态机配置，modifiers / min_edges 以状态名（thriving、healthy…）为键
type SurvivalConfig struct {
	Breakpoints       BreakpointConfig   `yaml:"breakpoints" json:"breakpoints"`
	Modifiers         map[string]float64 `yaml:"modifiers" json:"modifiers"`
	MinEdges          map[string]float64 `yaml:"min_edges" json:"min_edges"`
	MinPatternSamples int                `yaml:"min_pattern_samples" json:"min_pattern_samples"`
	MinPatternWinRate float64            `yaml:"min_pattern_win_rate" json:"min_pattern_win_rate"`
	HungerFloor       float64            `yaml:"hunger_floor" json:"hunger_floor"`
	DailyTargetPct    float64            `yaml:"daily_target_pct" json:"daily_target_pct"`
	WeeklyTargetPct   float64            `yaml:"weekly_target_pct" json:"weekly_target_pct"`
	TickInterval      time.Duration      `yaml:"tick_interval" json:"tick_interval"`
	DailyReportCron   string             `yaml:"daily_report_cron" json:"daily_report_cron"` // 6 段（含秒）
}

// VenueConfig 交易场所
type VenueConfig struct {
	ClobURL        string        `yaml:"clob_url" json:"clob_url"`
	GammaURL       string        `yaml:"gamma_url" json:"gamma_url"`
	ChainID        int64         `yaml:"chain_id" json:"chain_id"`
	PrivateKey     string        `yaml:"private_key" json:"-"`
	Mnemonic       string        `yaml:"mnemonic" json:"-"`
	DerivationPath string        `yaml:"derivation_path" json:"derivation_path"`
	FunderAddress  string        `yaml:"funder_address" json:"funder_address"`
	SignatureType  uint8         `yaml:"signature_type" json:"signature_type"`
	APIKey         string        `yaml:"api_key" json:"-"`
	APISecret      string        `yaml:"api_secret" json:"-"`
	APIPassphrase  string        `yaml:"api_passphrase" json:"-"`
	Timeout        time.Duration `yaml:"timeout" json:"timeout"`
}

// StorageConfig 生存账本存储
type StorageConfig struct {
	Backend       string `yaml:"backend" json:"backend"`
	Dir           string `yaml:"dir" json:"dir"`
	RedisAddr     string `yaml:"redis_addr" json:"redis_addr"`
	RedisPassword string `yaml:"redis_password" json:"-"`
	RedisDB       int    `yaml:"redis_db" json:"redis_db"`
}

// TelegramConfig 通知
type TelegramConfig struct {
	Token       string        `yaml:"token" json:"-"`
	ChatID      int64         `yaml:"chat_id" json:"chat_id"`
	MinInterval time.Duration `yaml:"min_interval" json:"min_interval"`
}

// SecretsConfig 加密密钥库；path 为空时不读取
type SecretsConfig struct {
	Path string `yaml:"path" json:"path"`
	Key  string `yaml:"key" json:"-"` // 32 字节 hex / base64
}

// Config 应用配置
type Config struct {
	Environment string `yaml:"environment" json:"environment"`

	InitialBankroll float64 `yaml:"initial_bankroll" json:"initial_bankroll"`
	DefaultBalance  float64 `yaml:"default_balance" json:"default_balance"` // 0 表示等于 initial_bankroll

	MaxBetPercent          float64 `yaml:"max_bet_percent" json:"max_bet_percent"`
	MinBetSize             float64 `yaml:"min_bet_size" json:"min_bet_size"`
	KellyFraction          float64 `yaml:"kelly_fraction" json:"kelly_fraction"`
	MaxConcurrentPositions int     `yaml:"max_concurrent_positions" json:"max_concurrent_positions"`
	MinEdge                float64 `yaml:"min_edge" json:"min_edge"` // HEALTHY 状态的基础最小 edge

	MaxRetries     int           `yaml:"max_retries" json:"max_retries"`
	RetryBaseDelay time.Duration `yaml:"retry_base_delay" json:"retry_base_delay"`

	BalanceTTL  time.Duration `yaml:"balance_ttl" json:"balance_ttl"`
	FallbackTTL time.Duration `yaml:"fallback_ttl" json:"fallback_ttl"`

	MarketDuration     time.Duration `yaml:"market_duration" json:"market_duration"`
	SettlementBuffer   time.Duration `yaml:"settlement_buffer" json:"settlement_buffer"`
	ResolutionInterval time.Duration `yaml:"resolution_interval" json:"resolution_interval"`

	RateLimits map[string]RateLimitConfig `yaml:"rate_limits" json:"rate_limits"`
	Survival   SurvivalConfig             `yaml:"survival" json:"survival"`
	Venue      VenueConfig                `yaml:"venue" json:"venue"`
	Storage    StorageConfig              `yaml:"storage" json:"storage"`
	Telegram   TelegramConfig             `yaml:"telegram" json:"telegram"`
	Secrets    SecretsConfig              `yaml:"secrets" json:"secrets"`

	JournalPath      string `yaml:"journal_path" json:"journal_path"`
	ControlPlaneAddr string `yaml:"controlplane_addr" json:"controlplane_addr"`
	MetricsAddr      string `yaml:"metrics_addr" json:"metrics_addr"`
	FeedURL          string `yaml:"feed_url" json:"feed_url"`
	Dashboard        bool   `yaml:"dashboard" json:"dashboard"`

	LogLevel string `yaml:"log_level" json:"log_level"`
	LogFile  string `yaml:"log_file" json:"log_file"`
}

// Default 默认配置
func Default() *Config {
	return &Config{
		Environment:            EnvPaper,
		InitialBankroll:        100,
		MaxBetPercent:          20,
		MinBetSize:             1,
		KellyFraction:          0.5,
		MaxConcurrentPositions: 10,
		MinEdge:                2.0,
		MaxRetries:             3,
		RetryBaseDelay:         time.Second,
		BalanceTTL:             30 * time.Second,
		FallbackTTL:            5 * time.Second,
		MarketDuration:         5 * time.Minute,
		SettlementBuffer:       30 * time.Second,
		ResolutionInterval:     30 * time.Second,
		RateLimits: map[string]RateLimitConfig{
			"market": {PerMinute: 10, Capacity: 5},
			"price":  {PerMinute: 60, Capacity: 10},
			"order":  {PerMinute: 30, Capacity: 5},
		},
		Survival: SurvivalConfig{
			Breakpoints:       BreakpointConfig{Thriving: 120, Healthy: 80, Wounded: 50, Critical: 20},
			Modifiers:         map[string]float64{"thriving": 1.2, "healthy": 1.0, "wounded": 0.5, "critical": 0.25, "dead": 0},
			MinEdges:          map[string]float64{"thriving": 1.5, "healthy": 2.0, "wounded": 5.0, "critical": 10.0, "dead": 999},
			MinPatternSamples: 20,
			MinPatternWinRate: 0.40,
			HungerFloor:       1.0,
			DailyTargetPct:    1.0,
			WeeklyTargetPct:   5.0,
			TickInterval:      60 * time.Second,
			DailyReportCron:   "0 59 23 * * *",
		},
		Venue: VenueConfig{
			ClobURL:        "https://clob.polymarket.com",
			GammaURL:       "https://gamma-api.polymarket.com",
			ChainID:        137,
			DerivationPath: DefaultDerivationPath,
			Timeout:        10 * time.Second,
		},
		Storage: StorageConfig{
			Backend: BackendJSON,
			Dir:     "data",
		},
		Telegram:         TelegramConfig{MinInterval: 10 * time.Second},
		JournalPath:      "data/journal.db",
		ControlPlaneAddr: ":8080",
		MetricsAddr:      ":9090",
		LogLevel:         "info",
		LogFile:          "logs/survivor.log",
	}
}

// IsLive 是否真实下单
func (c *Config) IsLive() bool {
	return c.Environment == EnvLive
}

// StartingBalance 余额查询失败时的回退值
func (c *Config) StartingBalance() float64 {
	if c.DefaultBalance > 0 {
		return c.DefaultBalance
	}
	return c.InitialBankroll
}

// Load 加载配置：默认值 < 配置文件 < 环境变量（含 .env）。filePath 为空时只用默认值和环境变量。
func Load(filePath string) (*Config, error) {
	// .env 不存在不算错误
	_ = godotenv.Load()

	cfg := Default()
	if filePath != "" {
		if err := loadConfigFile(filePath, cfg); err != nil {
			return nil, fmt.Errorf("加载配置文件失败 %s: %w", filePath, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.applySecrets(); err != nil {
		return nil, err
	}

	if cfg.Venue.PrivateKey == "" && cfg.Venue.Mnemonic != "" {
		pk, err := DeriveKeyFromMnemonic(cfg.Venue.Mnemonic, cfg.Venue.DerivationPath)
		if err != nil {
			return nil, fmt.Errorf("助记词派生私钥失败: %w", err)
		}
		cfg.Venue.PrivateKey = pk
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("配置验证失败: %w", err)
	}
	return cfg, nil
}

// loadConfigFile 覆盖到 cfg 上（支持 YAML 和 JSON）
func loadConfigFile(filePath string, cfg *Config) error {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return fmt.Errorf("读取配置文件失败: %w", err)
	}
	switch ext := strings.ToLower(filepath.Ext(filePath)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("解析 YAML 配置文件失败: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("解析 JSON 配置文件失败: %w", err)
		}
	default:
		return fmt.Errorf("不支持的配置文件格式: %s (支持 .yaml, .yml, .json)", ext)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.Environment = strings.ToLower(getEnv("ENVIRONMENT", c.Environment))
	c.InitialBankroll = parseFloatEnv("INITIAL_BANKROLL", c.InitialBankroll)
	c.DefaultBalance = parseFloatEnv("DEFAULT_BALANCE", c.DefaultBalance)
	c.MaxBetPercent = parseFloatEnv("MAX_BET_PERCENT", c.MaxBetPercent)
	c.MinBetSize = parseFloatEnv("MIN_BET_SIZE", c.MinBetSize)
	c.KellyFraction = parseFloatEnv("KELLY_FRACTION", c.KellyFraction)
	c.MaxConcurrentPositions = parseIntEnv("MAX_CONCURRENT_POSITIONS", c.MaxConcurrentPositions)
	c.MinEdge = parseFloatEnv("MIN_EDGE", c.MinEdge)
	c.MaxRetries = parseIntEnv("MAX_RETRIES", c.MaxRetries)
	c.RetryBaseDelay = parseDurationEnv("RETRY_BASE_DELAY", c.RetryBaseDelay)
	c.BalanceTTL = parseDurationEnv("BALANCE_TTL", c.BalanceTTL)
	c.FallbackTTL = parseDurationEnv("FALLBACK_TTL", c.FallbackTTL)
	c.MarketDuration = parseDurationEnv("MARKET_DURATION", c.MarketDuration)
	c.SettlementBuffer = parseDurationEnv("SETTLEMENT_BUFFER", c.SettlementBuffer)
	c.ResolutionInterval = parseDurationEnv("RESOLUTION_INTERVAL", c.ResolutionInterval)
	c.Survival.TickInterval = parseDurationEnv("SURVIVAL_TICK_INTERVAL", c.Survival.TickInterval)

	c.Venue.PrivateKey = getEnv("WALLET_PRIVATE_KEY", c.Venue.PrivateKey)
	c.Venue.Mnemonic = getEnv("WALLET_MNEMONIC", c.Venue.Mnemonic)
	c.Venue.DerivationPath = getEnv("WALLET_DERIVATION_PATH", c.Venue.DerivationPath)
	c.Venue.FunderAddress = getEnv("WALLET_FUNDER_ADDRESS", c.Venue.FunderAddress)
	c.Venue.APIKey = getEnv("CLOB_API_KEY", c.Venue.APIKey)
	c.Venue.APISecret = getEnv("CLOB_API_SECRET", c.Venue.APISecret)
	c.Venue.APIPassphrase = getEnv("CLOB_API_PASSPHRASE", c.Venue.APIPassphrase)
	c.Venue.Timeout = parseDurationEnv("VENUE_TIMEOUT", c.Venue.Timeout)

	c.Storage.Backend = strings.ToLower(getEnv("STORAGE_BACKEND", c.Storage.Backend))
	c.Storage.Dir = getEnv("STORAGE_DIR", c.Storage.Dir)
	c.Storage.RedisAddr = getEnv("REDIS_ADDR", c.Storage.RedisAddr)
	c.Storage.RedisPassword = getEnv("REDIS_PASSWORD", c.Storage.RedisPassword)

	c.Secrets.Path = getEnv("SECRET_DB", c.Secrets.Path)
	c.Secrets.Key = getEnv("SECRET_KEY", c.Secrets.Key)

	c.Telegram.Token = getEnv("TELEGRAM_BOT_TOKEN", c.Telegram.Token)
	c.Telegram.ChatID = int64(parseIntEnv("TELEGRAM_CHAT_ID", int(c.Telegram.ChatID)))

	c.JournalPath = getEnv("JOURNAL_PATH", c.JournalPath)
	c.ControlPlaneAddr = getEnv("CONTROLPLANE_ADDR", c.ControlPlaneAddr)
	c.MetricsAddr = getEnv("METRICS_ADDR", c.MetricsAddr)
	c.FeedURL = getEnv("FEED_URL", c.FeedURL)
	c.Dashboard = parseBoolEnv("DASHBOARD", c.Dashboard)
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
	c.LogFile = getEnv("LOG_FILE", c.LogFile)
}

var survivalStates = []string{"thriving", "healthy", "wounded", "critical", "dead"}

// Validate 验证配置
func (c *Config) Validate() error {
	switch c.Environment {
	case EnvPaper, EnvLive:
	default:
		return fmt.Errorf("environment 必须是 paper 或 live: %q", c.Environment)
	}
	if c.InitialBankroll <= 0 {
		return fmt.Errorf("INITIAL_BANKROLL 必须大于 0")
	}
	if c.DefaultBalance < 0 {
		return fmt.Errorf("DEFAULT_BALANCE 不能为负数")
	}
	if c.KellyFraction <= 0 || c.KellyFraction > 1 {
		return fmt.Errorf("KELLY_FRACTION 必须在 (0, 1] 之间")
	}
	if c.MaxBetPercent <= 0 || c.MaxBetPercent > 100 {
		return fmt.Errorf("MAX_BET_PERCENT 必须在 (0, 100] 之间")
	}
	if c.MinBetSize < 0 {
		return fmt.Errorf("MIN_BET_SIZE 不能为负数")
	}
	if c.MaxConcurrentPositions <= 0 {
		return fmt.Errorf("MAX_CONCURRENT_POSITIONS 必须大于 0")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("MAX_RETRIES 不能为负数")
	}
	if c.MinEdge < 0 {
		return fmt.Errorf("MIN_EDGE 不能为负数")
	}

	bp := c.Survival.Breakpoints
	if !(bp.Thriving > bp.Healthy && bp.Healthy > bp.Wounded && bp.Wounded > bp.Critical && bp.Critical >= 0) {
		return fmt.Errorf("survival.breakpoints 必须严格递减: %+v", bp)
	}
	for _, m := range []map[string]float64{c.Survival.Modifiers, c.Survival.MinEdges} {
		for name := range m {
			if !knownState(name) {
				return fmt.Errorf("未知的生存状态: %s", name)
			}
		}
	}
	if c.Survival.MinPatternWinRate < 0 || c.Survival.MinPatternWinRate > 1 {
		return fmt.Errorf("survival.min_pattern_win_rate 必须在 [0, 1] 之间")
	}

	for class, rl := range c.RateLimits {
		if rl.PerMinute <= 0 {
			return fmt.Errorf("rate_limits.%s.per_minute 必须大于 0", class)
		}
	}

	switch c.Storage.Backend {
	case BackendJSON, BackendBadger:
		if c.Storage.Dir == "" {
			return fmt.Errorf("storage.dir 不能为空")
		}
	case BackendRedis:
		if c.Storage.RedisAddr == "" {
			return fmt.Errorf("storage.backend=redis 需要 REDIS_ADDR")
		}
	default:
		return fmt.Errorf("未知的存储后端: %s", c.Storage.Backend)
	}

	if c.IsLive() {
		if c.Venue.PrivateKey == "" {
			return fmt.Errorf("live 模式需要 WALLET_PRIVATE_KEY 或 WALLET_MNEMONIC")
		}
		if c.Venue.APIKey == "" || c.Venue.APISecret == "" || c.Venue.APIPassphrase == "" {
			return fmt.Errorf("live 模式需要 CLOB API 凭证")
		}
	}
	if c.Telegram.Token != "" && c.Telegram.ChatID == 0 {
		return fmt.Errorf("配置了 TELEGRAM_BOT_TOKEN 但缺少 TELEGRAM_CHAT_ID")
	}
	return nil
}

func knownState(name string) bool {
	name = strings.ToLower(strings.TrimSpace(name))
	for _, s := range survivalStates {
		if s == name {
			return true
		}
	}
	return false
}
