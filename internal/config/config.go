package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/spf13/viper"
)

// Config 保存应用程序配置。
type Config struct {
	App     AppConfig     `json:"app"`
	MySQL   MySQLConfig   `json:"mysql"`
	Redis   RedisConfig   `json:"redis"`
	Market  MarketConfig  `json:"market"`
	Proxy   ProxyConfig   `json:"proxy"`
	Browser BrowserConfig `json:"browser"`
	Email   EmailConfig   `json:"email"`
}

// AppConfig 应用程序基础配置。
type AppConfig struct {
	Env            string        `json:"env"`              // 运行环境: local / prod
	LogLevel       string        `json:"log_level"`        // 日志级别: debug / info / warn / error
	HTTPAddr       string        `json:"http_addr"`        // API 服务监听地址
	WorkerPoolSize int           `json:"worker_pool_size"` // Worker Pool 大小（并发任务数）
	QueueCapacity  int           `json:"queue_capacity"`   // 内存队列容量
	PollInterval   time.Duration `json:"poll_interval"`    // bidder 轮询延迟队列的间隔
	PollBatchSize  int           `json:"poll_batch_size"`  // 每次轮询取出的最大任务数

	RunInterval   time.Duration `json:"run_interval"`    // 控制循环基准间隔（默认约 290s，另加随机抖动）
	MinRunSpacing time.Duration `json:"min_run_spacing"` // 两次执行之间的最小间隔（默认 120s）

	WatchdogInterval  time.Duration `json:"watchdog_interval"`  // 看门狗扫描周期
	WatchdogStaleness time.Duration `json:"watchdog_staleness"` // 超过该时长未执行视为失联
}

// MySQLConfig MySQL 数据库配置。
type MySQLConfig struct {
	DSN string `json:"dsn"` // 数据库连接字符串
}

// RedisConfig Redis 配置。
type RedisConfig struct {
	Addr     string `json:"addr"`     // Redis 地址 (host:port)
	Password string `json:"password"` // Redis 密码
}

// MarketConfig 市场 API 配置。
type MarketConfig struct {
	BaseURL        string        `json:"base_url"`        // Avito API 根地址
	RequestTimeout time.Duration `json:"request_timeout"` // 单次请求超时
	RateLimit      float64       `json:"rate_limit"`      // 全局限流速率（请求/秒，跨进程）
	RateBurst      float64       `json:"rate_burst"`      // 限流桶容量
	FetchRetries   int           `json:"fetch_retries"`   // 竞价表读取的最大尝试次数
}

// ProxyConfig 出口代理池配置。
type ProxyConfig struct {
	URLs             []string      `json:"urls"`              // 代理 URL 列表，可为空（直连）
	RotateURLs       []string      `json:"rotate_urls"`       // 每个代理对应的换 IP 触发地址，与 URLs 对齐
	RotationCooldown time.Duration `json:"rotation_cooldown"` // 单个代理两次换 IP 之间的最小间隔
	RotationWarmup   time.Duration `json:"rotation_warmup"`   // 换 IP 后的静默等待时间
}

// BrowserConfig 位置抓取浏览器配置。
type BrowserConfig struct {
	Enabled     bool          `json:"enabled"`      // 是否启用浏览器抓取策略（否则用纯 HTTP）
	BinPath     string        `json:"bin_path"`     // 浏览器可执行文件路径
	Headless    bool          `json:"headless"`     // 是否无头模式
	PageTimeout time.Duration `json:"page_timeout"` // 单页加载超时
	MaxScan     int           `json:"max_scan"`     // 搜索结果最多扫描的条目数
}

// EmailConfig 邮件通知配置。
type EmailConfig struct {
	SMTPHost  string `json:"smtp_host"`
	SMTPPort  int    `json:"smtp_port"`
	SMTPUser  string `json:"smtp_user"`
	SMTPPass  string `json:"smtp_pass"`
	FromEmail string `json:"from_email"`
	ToEmail   string `json:"to_email"` // 运营告警收件人
}

// Load 从 JSON 文件加载配置。
//
// 它会尝试读取 configs/config.json 文件，如果不存在则使用默认值。
// 环境变量始终优先于文件内容。
func Load(configPath ...string) (*Config, error) {
	path := "configs/config.json"
	if len(configPath) > 0 && configPath[0] != "" {
		path = configPath[0]
	}

	// 如果配置文件不存在，使用默认配置
	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := getDefaultConfig()
		applyEnvOverrides(cfg)
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	applyDefaults(cfg)
	applyEnvOverrides(cfg)

	return cfg, nil
}

// LoadOrDefault 加载配置，如果失败则返回默认配置（不报错）。
func LoadOrDefault(configPath ...string) *Config {
	cfg, err := Load(configPath...)
	if err != nil {
		fallback := getDefaultConfig()
		applyEnvOverrides(fallback)
		return fallback
	}
	return cfg
}

// Save 保存配置到 JSON 文件。
func Save(path string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}

	return nil
}

// getDefaultConfig 返回默认配置。
func getDefaultConfig() *Config {
	return &Config{
		App: AppConfig{
			Env:            "local",
			LogLevel:       "info",
			HTTPAddr:       ":8082",
			WorkerPoolSize: 20,
			QueueCapacity:  500,
			PollInterval:   2 * time.Second,
			PollBatchSize:  50,

			RunInterval:   290 * time.Second,
			MinRunSpacing: 120 * time.Second,

			WatchdogInterval:  10 * time.Minute,
			WatchdogStaleness: 30 * time.Minute,
		},
		MySQL: MySQLConfig{
			DSN: "root:password@tcp(localhost:3306)/bidkeeper?parseTime=true&loc=Local",
		},
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			Password: "",
		},
		Market: MarketConfig{
			BaseURL:        "https://api.avito.ru",
			RequestTimeout: 15 * time.Second,
			RateLimit:      2,
			RateBurst:      4,
			FetchRetries:   3,
		},
		Proxy: ProxyConfig{
			RotationCooldown: 45 * time.Second,
			RotationWarmup:   3 * time.Second,
		},
		Browser: BrowserConfig{
			Enabled:     false,
			BinPath:     "",
			Headless:    true,
			PageTimeout: 30 * time.Second,
			MaxScan:     100,
		},
		Email: EmailConfig{
			SMTPHost:  "smtp.gmail.com",
			SMTPPort:  587,
			SMTPUser:  "",
			SMTPPass:  "",
			FromEmail: "",
			ToEmail:   "",
		},
	}
}

// applyDefaults 对未设置的字段应用默认值。
func applyDefaults(cfg *Config) {
	defaults := getDefaultConfig()

	if cfg.App.Env == "" {
		cfg.App.Env = defaults.App.Env
	}
	if cfg.App.LogLevel == "" {
		cfg.App.LogLevel = defaults.App.LogLevel
	}
	if cfg.App.HTTPAddr == "" {
		cfg.App.HTTPAddr = defaults.App.HTTPAddr
	}
	if cfg.App.WorkerPoolSize == 0 {
		cfg.App.WorkerPoolSize = defaults.App.WorkerPoolSize
	}
	if cfg.App.QueueCapacity == 0 {
		cfg.App.QueueCapacity = defaults.App.QueueCapacity
	}
	if cfg.App.PollInterval == 0 {
		cfg.App.PollInterval = defaults.App.PollInterval
	}
	if cfg.App.PollBatchSize == 0 {
		cfg.App.PollBatchSize = defaults.App.PollBatchSize
	}
	if cfg.App.RunInterval == 0 {
		cfg.App.RunInterval = defaults.App.RunInterval
	}
	if cfg.App.MinRunSpacing == 0 {
		cfg.App.MinRunSpacing = defaults.App.MinRunSpacing
	}
	if cfg.App.WatchdogInterval == 0 {
		cfg.App.WatchdogInterval = defaults.App.WatchdogInterval
	}
	if cfg.App.WatchdogStaleness == 0 {
		cfg.App.WatchdogStaleness = defaults.App.WatchdogStaleness
	}
	if cfg.MySQL.DSN == "" {
		cfg.MySQL.DSN = defaults.MySQL.DSN
	}
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = defaults.Redis.Addr
	}
	if cfg.Market.BaseURL == "" {
		cfg.Market.BaseURL = defaults.Market.BaseURL
	}
	if cfg.Market.RequestTimeout == 0 {
		cfg.Market.RequestTimeout = defaults.Market.RequestTimeout
	}
	if cfg.Market.RateLimit == 0 {
		cfg.Market.RateLimit = defaults.Market.RateLimit
	}
	if cfg.Market.RateBurst == 0 {
		cfg.Market.RateBurst = defaults.Market.RateBurst
	}
	if cfg.Market.FetchRetries == 0 {
		cfg.Market.FetchRetries = defaults.Market.FetchRetries
	}
	if cfg.Proxy.RotationCooldown == 0 {
		cfg.Proxy.RotationCooldown = defaults.Proxy.RotationCooldown
	}
	if cfg.Proxy.RotationWarmup == 0 {
		cfg.Proxy.RotationWarmup = defaults.Proxy.RotationWarmup
	}
	if cfg.Browser.PageTimeout == 0 {
		cfg.Browser.PageTimeout = defaults.Browser.PageTimeout
	}
	if cfg.Browser.MaxScan == 0 {
		cfg.Browser.MaxScan = defaults.Browser.MaxScan
	}
	if cfg.Email.SMTPPort == 0 {
		cfg.Email.SMTPPort = defaults.Email.SMTPPort
	}
}

func applyEnvOverrides(cfg *Config) {
	viper.AutomaticEnv()

	_ = viper.BindEnv("db_host", "DB_HOST")
	_ = viper.BindEnv("db_password", "DB_PASSWORD")
	_ = viper.BindEnv("redis_addr", "REDIS_ADDR")
	_ = viper.BindEnv("redis_password", "REDIS_PASSWORD")
	_ = viper.BindEnv("smtp_pass", "SMTP_PASS")
	_ = viper.BindEnv("chrome_bin", "CHROME_BIN")

	if v := os.Getenv("APP_ENV"); v != "" {
		cfg.App.Env = v
	}
	if v := os.Getenv("APP_LOG_LEVEL"); v != "" {
		cfg.App.LogLevel = v
	}
	if v := os.Getenv("APP_HTTP_ADDR"); v != "" {
		cfg.App.HTTPAddr = v
	}
	if v := os.Getenv("APP_WORKER_POOL_SIZE"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.App.WorkerPoolSize = i
		}
	}
	if v := os.Getenv("APP_QUEUE_CAPACITY"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.App.QueueCapacity = i
		}
	}
	if v := os.Getenv("APP_POLL_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.App.PollInterval = d
		}
	}
	if v := os.Getenv("APP_RUN_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.App.RunInterval = d
		}
	}
	if v := os.Getenv("APP_MIN_RUN_SPACING"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.App.MinRunSpacing = d
		}
	}
	if v := os.Getenv("APP_WATCHDOG_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.App.WatchdogInterval = d
		}
	}
	if v := os.Getenv("APP_WATCHDOG_STALENESS"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.App.WatchdogStaleness = d
		}
	}

	if v := os.Getenv("MARKET_BASE_URL"); v != "" {
		cfg.Market.BaseURL = v
	}
	if v := os.Getenv("MARKET_RATE_LIMIT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Market.RateLimit = f
		}
	}
	if v := os.Getenv("MARKET_RATE_BURST"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Market.RateBurst = f
		}
	}
	if v := os.Getenv("MARKET_FETCH_RETRIES"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.Market.FetchRetries = i
		}
	}

	// 代理列表支持逗号分隔的环境变量，方便容器部署
	if v := os.Getenv("PROXY_URLS"); v != "" {
		cfg.Proxy.URLs = splitAndTrim(v)
	}
	if v := os.Getenv("PROXY_ROTATE_URLS"); v != "" {
		cfg.Proxy.RotateURLs = splitAndTrim(v)
	}
	if v := os.Getenv("PROXY_ROTATION_COOLDOWN"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Proxy.RotationCooldown = d
		}
	}

	if v := os.Getenv("DB_DSN"); v != "" {
		cfg.MySQL.DSN = v
	} else if hasAnyEnv("DB_HOST", "DB_PORT", "DB_USER", "DB_PASSWORD", "DB_NAME") || viper.GetString("db_host") != "" || viper.GetString("db_password") != "" {
		parsed := parseMySQLDSN(cfg.MySQL.DSN)
		if v := viper.GetString("db_host"); v != "" {
			host := v
			port := getenvDefault("DB_PORT", parsed.Addr, "3306")
			parsed.Addr = host + ":" + port
		} else if v := os.Getenv("DB_PORT"); v != "" {
			host := parsed.Addr
			if strings.Contains(host, ":") {
				host = strings.Split(host, ":")[0]
			}
			parsed.Addr = host + ":" + v
		}
		if v := os.Getenv("DB_USER"); v != "" {
			parsed.User = v
		}
		if v := viper.GetString("db_password"); v != "" {
			parsed.Passwd = v
		}
		if v := os.Getenv("DB_NAME"); v != "" {
			parsed.DBName = v
		}
		cfg.MySQL.DSN = parsed.FormatDSN()
	}

	if v := viper.GetString("redis_addr"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := viper.GetString("redis_password"); v != "" {
		cfg.Redis.Password = v
	}

	if v := os.Getenv("BROWSER_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Browser.Enabled = b
		}
	}
	if v := viper.GetString("chrome_bin"); v != "" {
		cfg.Browser.BinPath = v
	}
	if v := os.Getenv("BROWSER_HEADLESS"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Browser.Headless = b
		}
	}
	if v := os.Getenv("BROWSER_PAGE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Browser.PageTimeout = d
		}
	}

	if v := os.Getenv("SMTP_HOST"); v != "" {
		cfg.Email.SMTPHost = v
	}
	if v := os.Getenv("SMTP_PORT"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.Email.SMTPPort = i
		}
	}
	if v := os.Getenv("SMTP_USER"); v != "" {
		cfg.Email.SMTPUser = v
	}
	if v := viper.GetString("smtp_pass"); v != "" {
		cfg.Email.SMTPPass = v
	}
	if v := os.Getenv("SMTP_FROM"); v != "" {
		cfg.Email.FromEmail = v
	}
	if v := os.Getenv("SMTP_TO"); v != "" {
		cfg.Email.ToEmail = v
	}
}

func splitAndTrim(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func hasAnyEnv(keys ...string) bool {
	for _, key := range keys {
		if os.Getenv(key) != "" {
			return true
		}
	}
	return false
}

func getenvDefault(envKey, fallbackAddr, defaultValue string) string {
	if v := os.Getenv(envKey); v != "" {
		return v
	}
	if fallbackAddr == "" {
		return defaultValue
	}
	if strings.Contains(fallbackAddr, ":") {
		parts := strings.Split(fallbackAddr, ":")
		if len(parts) == 2 && parts[1] != "" {
			return parts[1]
		}
	}
	return defaultValue
}

func parseMySQLDSN(dsn string) *mysql.Config {
	fallback := &mysql.Config{
		User:   "root",
		Passwd: "",
		Net:    "tcp",
		Addr:   "localhost:3306",
		DBName: "bidkeeper",
		Params: map[string]string{
			"parseTime": "true",
			"loc":       "Local",
		},
	}
	if dsn == "" {
		return fallback
	}
	parsed, err := mysql.ParseDSN(dsn)
	if err != nil {
		return fallback
	}
	return parsed
}

// UnmarshalJSON 自定义 JSON 解析，支持时间 Duration 字符串。
func (a *AppConfig) UnmarshalJSON(data []byte) error {
	type Alias AppConfig
	aux := &struct {
		PollInterval      string `json:"poll_interval"`
		RunInterval       string `json:"run_interval"`
		MinRunSpacing     string `json:"min_run_spacing"`
		WatchdogInterval  string `json:"watchdog_interval"`
		WatchdogStaleness string `json:"watchdog_staleness"`
		*Alias
	}{
		Alias: (*Alias)(a),
	}

	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	assign := func(name, raw string, dst *time.Duration) error {
		if raw == "" {
			return nil
		}
		d, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("invalid %s format: %w", name, err)
		}
		*dst = d
		return nil
	}

	if err := assign("poll_interval", aux.PollInterval, &a.PollInterval); err != nil {
		return err
	}
	if err := assign("run_interval", aux.RunInterval, &a.RunInterval); err != nil {
		return err
	}
	if err := assign("min_run_spacing", aux.MinRunSpacing, &a.MinRunSpacing); err != nil {
		return err
	}
	if err := assign("watchdog_interval", aux.WatchdogInterval, &a.WatchdogInterval); err != nil {
		return err
	}
	return assign("watchdog_staleness", aux.WatchdogStaleness, &a.WatchdogStaleness)
}

// UnmarshalJSON 支持 request_timeout 的 Duration 字符串。
func (m *MarketConfig) UnmarshalJSON(data []byte) error {
	type Alias MarketConfig
	aux := &struct {
		RequestTimeout string `json:"request_timeout"`
		*Alias
	}{
		Alias: (*Alias)(m),
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if aux.RequestTimeout != "" {
		d, err := time.ParseDuration(aux.RequestTimeout)
		if err != nil {
			return fmt.Errorf("invalid request_timeout format: %w", err)
		}
		m.RequestTimeout = d
	}
	return nil
}

// UnmarshalJSON 支持冷却时间的 Duration 字符串。
func (p *ProxyConfig) UnmarshalJSON(data []byte) error {
	type Alias ProxyConfig
	aux := &struct {
		RotationCooldown string `json:"rotation_cooldown"`
		RotationWarmup   string `json:"rotation_warmup"`
		*Alias
	}{
		Alias: (*Alias)(p),
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if aux.RotationCooldown != "" {
		d, err := time.ParseDuration(aux.RotationCooldown)
		if err != nil {
			return fmt.Errorf("invalid rotation_cooldown format: %w", err)
		}
		p.RotationCooldown = d
	}
	if aux.RotationWarmup != "" {
		d, err := time.ParseDuration(aux.RotationWarmup)
		if err != nil {
			return fmt.Errorf("invalid rotation_warmup format: %w", err)
		}
		p.RotationWarmup = d
	}
	return nil
}

// UnmarshalJSON 支持 page_timeout 的 Duration 字符串。
func (b *BrowserConfig) UnmarshalJSON(data []byte) error {
	type Alias BrowserConfig
	aux := &struct {
		PageTimeout string `json:"page_timeout"`
		*Alias
	}{
		Alias: (*Alias)(b),
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if aux.PageTimeout != "" {
		d, err := time.ParseDuration(aux.PageTimeout)
		if err != nil {
			return fmt.Errorf("invalid page_timeout format: %w", err)
		}
		b.PageTimeout = d
	}
	return nil
}

// MarshalJSON 自定义 JSON 序列化，将 Duration 转为字符串。
func (a AppConfig) MarshalJSON() ([]byte, error) {
	type Alias AppConfig
	return json.Marshal(&struct {
		PollInterval      string `json:"poll_interval"`
		RunInterval       string `json:"run_interval"`
		MinRunSpacing     string `json:"min_run_spacing"`
		WatchdogInterval  string `json:"watchdog_interval"`
		WatchdogStaleness string `json:"watchdog_staleness"`
		*Alias
	}{
		PollInterval:      a.PollInterval.String(),
		RunInterval:       a.RunInterval.String(),
		MinRunSpacing:     a.MinRunSpacing.String(),
		WatchdogInterval:  a.WatchdogInterval.String(),
		WatchdogStaleness: a.WatchdogStaleness.String(),
		Alias:             (*Alias)(&a),
	})
}
