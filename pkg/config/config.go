package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Avito    AvitoConfig    `mapstructure:"avito"`
	DeepSeek DeepSeekConfig `mapstructure:"deepseek"`
	Telegram TelegramConfig `mapstructure:"telegram"`
	Service  ServiceConfig  `mapstructure:"service"`
}

type ServerConfig struct {
	Addr       string `mapstructure:"addr"`
	BaseURL    string `mapstructure:"base_url"`
	JWTSecret  string `mapstructure:"jwt_secret"`
	CookieName string `mapstructure:"cookie_name"`
}

type DatabaseConfig struct {
	Host        string `mapstructure:"host"`
	Port        int    `mapstructure:"port"`
	User        string `mapstructure:"user"`
	Password    string `mapstructure:"password"`
	DBName      string `mapstructure:"dbname"`
	SSLMode     string `mapstructure:"sslmode"`
	UseInMemory bool   `mapstructure:"use_in_memory"`
}

type AvitoConfig struct {
	ClientID     string        `mapstructure:"client_id"`
	ClientSecret string        `mapstructure:"client_secret"`
	AuthURL      string        `mapstructure:"auth_url"`
	TokenURL     string        `mapstructure:"token_url"`
	APIURL       string        `mapstructure:"api_url"`
	RedirectURI  string        `mapstructure:"redirect_uri"`
	Scope        string        `mapstructure:"scope"`
	Timeout      time.Duration `mapstructure:"timeout"`
}

type DeepSeekConfig struct {
	APIKey      string        `mapstructure:"api_key"`
	BaseURL     string        `mapstructure:"base_url"`
	Model       string        `mapstructure:"model"`
	Temperature float64       `mapstructure:"temperature"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

type TelegramConfig struct {
	Token   string `mapstructure:"token"`
	BotName string `mapstructure:"bot_name"`
}

type ServiceConfig struct {
	BotDailyCost     float64       `mapstructure:"bot_daily_cost"`
	FreePeriodDays   int           `mapstructure:"free_period_days"`
	BillingPeriod    time.Duration `mapstructure:"billing_period"`
	DeliveryInterval time.Duration `mapstructure:"delivery_interval"`
	SessionTTL       time.Duration `mapstructure:"session_ttl"`
}

func parseDatabaseURL(dbURL string) (DatabaseConfig, error) {
	u, err := url.Parse(dbURL)
	if err != nil {
		return DatabaseConfig{}, err
	}

	password, _ := u.User.Password()
	port := 5432 // default PostgreSQL port
	if u.Port() != "" {
		fmt.Sscanf(u.Port(), "%d", &port)
	}

	// Remove leading slash from path to get database name
	dbName := strings.TrimPrefix(u.Path, "/")

	return DatabaseConfig{
		Host:     u.Hostname(),
		Port:     port,
		User:     u.User.Username(),
		Password: password,
		DBName:   dbName,
		SSLMode:  "disable",
	}, nil
}

func LoadConfig(path string) (*Config, error) {
	v := viper.New()

	// Set default values
	v.SetDefault("server.addr", ":8000")
	v.SetDefault("server.base_url", "http://localhost:8000")
	v.SetDefault("server.cookie_name", "access_token")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.use_in_memory", false)
	v.SetDefault("avito.auth_url", "https://avito.ru/oauth")
	v.SetDefault("avito.token_url", "https://api.avito.ru/token")
	v.SetDefault("avito.api_url", "https://api.avito.ru")
	v.SetDefault("avito.scope", "messenger:read,messenger:write,items:info")
	v.SetDefault("avito.timeout", 15*time.Second)
	v.SetDefault("deepseek.base_url", "https://api.deepseek.com")
	v.SetDefault("deepseek.model", "deepseek-chat")
	v.SetDefault("deepseek.temperature", 1.0)
	v.SetDefault("deepseek.timeout", 60*time.Second)
	v.SetDefault("service.bot_daily_cost", 50.0)
	v.SetDefault("service.free_period_days", 14)
	v.SetDefault("service.billing_period", 24*time.Hour)
	v.SetDefault("service.delivery_interval", 10*time.Second)
	v.SetDefault("service.session_ttl", time.Hour)

	// Enable environment variable support
	v.AutomaticEnv()

	// Read the config file
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}

	// Check for DATABASE_URL environment variable
	if dbURL := v.GetString("DATABASE_URL"); dbURL != "" {
		dbConfig, err := parseDatabaseURL(dbURL)
		if err != nil {
			return nil, fmt.Errorf("failed to parse DATABASE_URL: %v", err)
		}
		config.Database = dbConfig
	}

	// Get other environment variables
	if token := v.GetString("TELEGRAM_TOKEN"); token != "" {
		config.Telegram.Token = token
	}
	if apiKey := v.GetString("DEEPSEEK_API_KEY"); apiKey != "" {
		config.DeepSeek.APIKey = apiKey
	}
	if clientID := v.GetString("AVITO_CLIENT_ID"); clientID != "" {
		config.Avito.ClientID = clientID
	}
	if clientSecret := v.GetString("AVITO_CLIENT_SECRET"); clientSecret != "" {
		config.Avito.ClientSecret = clientSecret
	}
	if secret := v.GetString("JWT_SECRET"); secret != "" {
		config.Server.JWTSecret = secret
	}

	return &config, nil
}
