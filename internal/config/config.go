package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ポーラー名。POLLERSで起動対象を選ぶ。
const (
	PollerSearch   = "search"
	PollerRetweets = "retweets"
	PollerBotScore = "botscore"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string

	// Processor
	ProcessorName string
	ProcessorID   string
	Pollers       []string
	MinPriority   int

	// Scraper
	SnscrapePath              string
	NbTweetsToScrape          int
	NbTweetsToScrapeFirstTime int
	ScrapeRetries             int
	ProxyListURL              string

	// Scheduling
	PollInterval             time.Duration
	StoreBackoff             time.Duration
	NextPollDelay            time.Duration
	ProcessorStaleAfter      time.Duration
	RecoverableErrorPatterns []string
	QueueRetentionDays       int

	// Bot score
	BotScoreProvider           string
	BotScoreBatchSize          int
	BotScoreMinBatchSize       int
	BotScoreTTL                time.Duration
	BotScoreInterval           time.Duration
	BotScoreSocialNetworksPath string
	PerenAPIKey                string
	PerenAPIRate               float64

	// Graph
	GraphGeneratorProvider           string
	GraphGeneratorSocialNetworksPath string

	// URL metadata
	URLMetadataProvider string
	URLMetadataTimeout  time.Duration

	// Search index
	ElasticsearchURL string

	// Alert
	SendinblueAPIKey string
	AlertRecipients  []string
	AlertSender      string
	FrontURL         string

	// Server
	ServerPort                  string
	RateLimitGeneral            int
	RateLimitSearchRegistration int
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合や値が矛盾する場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.ProcessorName = getEnvString("PROCESSOR_NAME", defaultProcessorName())
	cfg.ProcessorID = getEnvString("PROCESSOR_ID", cfg.ProcessorName)
	cfg.Pollers = getEnvList("POLLERS", []string{PollerSearch, PollerRetweets, PollerBotScore})
	cfg.MinPriority = getEnvInt("MIN_PRIORITY", 0)

	cfg.SnscrapePath = getEnvString("SNSCRAPE_PATH", "snscrape")
	cfg.NbTweetsToScrape = getEnvInt("NB_TWEETS_TO_SCRAPE", 3000)
	cfg.NbTweetsToScrapeFirstTime = getEnvInt("NB_TWEETS_TO_SCRAPE_FIRST_TIME", 1000)
	cfg.ScrapeRetries = getEnvInt("SCRAPE_RETRIES", 3)
	cfg.ProxyListURL = getEnvString("PROXY_LIST_URL", "")

	cfg.PollInterval = getEnvDuration("POLL_INTERVAL", time.Second)
	cfg.StoreBackoff = getEnvDuration("STORE_BACKOFF", 30*time.Second)
	cfg.NextPollDelay = getEnvDuration("NEXT_POLL_DELAY", time.Hour)
	cfg.ProcessorStaleAfter = getEnvDuration("PROCESSOR_STALE_AFTER", 30*time.Minute)
	cfg.RecoverableErrorPatterns = getEnvList("RECOVERABLE_ERROR_PATTERNS", []string{"コマンドの実行に失敗しました", "exit status", "guest token"})
	cfg.QueueRetentionDays = getEnvInt("QUEUE_RETENTION_DAYS", 30)

	cfg.BotScoreProvider = getEnvString("BOT_SCORE_PROVIDER", "")
	cfg.BotScoreBatchSize = getEnvInt("BOT_SCORE_BATCH_SIZE", 100)
	cfg.BotScoreMinBatchSize = getEnvInt("BOT_SCORE_MIN_BATCH_SIZE", 1)
	cfg.BotScoreTTL = getEnvDuration("BOT_SCORE_TTL", 240*time.Hour)
	cfg.BotScoreInterval = getEnvDuration("BOT_SCORE_INTERVAL", 3*time.Second)
	cfg.BotScoreSocialNetworksPath = getEnvString("BOT_SCORE_SOCIAL_NETWORKS_PATH", "social-networks-bot-finder")
	cfg.PerenAPIKey = getEnvString("PEREN_API_KEY", "")
	cfg.PerenAPIRate = getEnvFloat("PEREN_API_RATE", 1)

	cfg.GraphGeneratorProvider = getEnvString("GRAPH_GENERATOR_PROVIDER", "")
	cfg.GraphGeneratorSocialNetworksPath = getEnvString("GRAPH_GENERATOR_SOCIAL_NETWORKS_PATH", "social-networks-graph-generator")

	cfg.URLMetadataProvider = getEnvString("URL_METADATA_PROVIDER", "open-graph")
	cfg.URLMetadataTimeout = getEnvDuration("URL_METADATA_TIMEOUT", 10*time.Second)

	cfg.ElasticsearchURL = getEnvString("ELASTICSEARCH_URL", "")

	cfg.SendinblueAPIKey = getEnvString("SENDINBLUE_API_KEY", "")
	cfg.AlertRecipients = getEnvList("ALERT_RECIPIENTS", nil)
	cfg.AlertSender = getEnvString("ALERT_SENDER", "alerts@searchwatch.local")
	cfg.FrontURL = strings.TrimRight(getEnvString("FRONT_URL", "http://localhost:3000"), "/")

	cfg.ServerPort = getEnvString("SERVER_PORT", "4000")
	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 120)
	cfg.RateLimitSearchRegistration = getEnvInt("RATE_LIMIT_SEARCH_REGISTRATION", 10)

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// HasPoller は指定ポーラーが有効かを返す。
func (c *Config) HasPoller(name string) bool {
	for _, p := range c.Pollers {
		if p == name {
			return true
		}
	}
	return false
}

func (c *Config) validate() error {
	for _, p := range c.Pollers {
		switch p {
		case PollerSearch, PollerRetweets, PollerBotScore:
		default:
			return fmt.Errorf("unknown poller in POLLERS: %q", p)
		}
	}
	if c.MinPriority < 0 {
		return fmt.Errorf("MIN_PRIORITY must be >= 0, got %d", c.MinPriority)
	}
	if c.NbTweetsToScrape <= 0 || c.NbTweetsToScrapeFirstTime <= 0 {
		return fmt.Errorf("NB_TWEETS_TO_SCRAPE and NB_TWEETS_TO_SCRAPE_FIRST_TIME must be > 0")
	}
	if c.ScrapeRetries < 0 {
		return fmt.Errorf("SCRAPE_RETRIES must be >= 0, got %d", c.ScrapeRetries)
	}
	if c.BotScoreMinBatchSize < 1 || c.BotScoreMinBatchSize > c.BotScoreBatchSize {
		return fmt.Errorf("BOT_SCORE_MIN_BATCH_SIZE must be between 1 and BOT_SCORE_BATCH_SIZE (%d), got %d",
			c.BotScoreBatchSize, c.BotScoreMinBatchSize)
	}
	return nil
}

func defaultProcessorName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "searchwatch"
	}
	return host
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvFloat(key string, defaultVal float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal
	}
	return f
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

// getEnvList はカンマ区切りの値を空要素を除いて返す。
func getEnvList(key string, defaultVal []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
