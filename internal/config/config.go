package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

const (
	DefaultConfigPath = "config.json"

	EnvConfigPath = "MQTT_BROKER_CONFIG"
	EnvListen     = "MQTT_BROKER_LISTEN"
	EnvDebug      = "MQTT_BROKER_DEBUG"
)

var ErrConfigCreated = errors.New("the configuration file does not exist and has been created. Please try again after editing the configuration file")

type Config struct {
	Database struct {
		Enabled            bool   `json:"enabled"`
		Host               string `json:"host"`
		Port               uint64 `json:"port"`
		Username           string `json:"username"`
		Password           string `json:"password"`
		Database           string `json:"database"`
		UserCollection     string `json:"user_collection"`
		UseTLS             bool   `json:"use_tls"`
		ConnectTimeout     string `json:"connect_timeout"`
		SocketTimeout      string `json:"socket_timeout"`
		ConnectIdleTimeout string `json:"connect_idle_timeout"`
		OperationTimeout   string `json:"operation_timeout"`
		Heartbeat          string `json:"heartbeat"`
		MinPoolSize        uint64 `json:"min_pool_size"`
		MaxPoolSize        uint64 `json:"max_pool_size"`
	} `json:"database"`
	Auth struct {
		CacheSize int    `json:"cache_size"`
		CacheTTL  string `json:"cache_ttl"`
	} `json:"auth"`
	Broker struct {
		LegacyClientIDMaxLength int `json:"legacy_client_id_max_length"`
	} `json:"broker"`
	Log struct {
		Directory     string `json:"directory"`
		RetentionDays int    `json:"retention_days"`
	} `json:"log"`
	DebugMode      bool   `json:"debug_mode"`
	AppName        string `json:"app_name"`
	Listen         string `json:"listen"`
	MetricsListen  string `json:"metrics_listen"`
	MaxConnections int    `json:"max_connections"`
}

// Default 返回带默认值的配置
func Default() Config {
	var config Config
	config.AppName = "life-stream-broker"
	config.Listen = ":1883"
	config.MetricsListen = ":9100"
	config.MaxConnections = 10000
	config.Log.Directory = "logs"
	config.Log.RetentionDays = 30
	config.Broker.LegacyClientIDMaxLength = 23
	config.Auth.CacheSize = 1024
	config.Auth.CacheTTL = "5m"
	config.Database.Host = "localhost"
	config.Database.Port = 27017
	config.Database.Database = "mqtt"
	config.Database.UserCollection = "users"
	config.Database.ConnectTimeout = "10s"
	config.Database.SocketTimeout = "30s"
	config.Database.ConnectIdleTimeout = "5m"
	config.Database.OperationTimeout = "5s"
	config.Database.Heartbeat = "10s"
	config.Database.MinPoolSize = 1
	config.Database.MaxPoolSize = 20
	return config
}

// ReadConfig 读取 JSON 配置文件；文件不存在时写出默认配置并返回 ErrConfigCreated
func ReadConfig(path string) (Config, error) {
	config := Default()
	bytes, err := os.ReadFile(path)

	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return config, fmt.Errorf("read configuration file %s: %w", path, err)
		}
		data, _ := json.MarshalIndent(config, "", "\t")
		if err := os.WriteFile(path, data, 0644); err != nil {
			return config, fmt.Errorf("create configuration file %s: %w", path, err)
		}
		return config, ErrConfigCreated
	}

	if err := json.Unmarshal(bytes, &config); err != nil {
		return config, fmt.Errorf("the configuration file does not contain valid JSON: %w", err)
	}

	return config, nil
}

// Load 先加载 .env（不存在时忽略），再读取配置文件并应用环境变量覆盖
func Load() (Config, error) {
	_ = godotenv.Load()

	path := os.Getenv(EnvConfigPath)
	if path == "" {
		path = DefaultConfigPath
	}

	config, err := ReadConfig(path)
	if err != nil {
		return config, err
	}
	applyEnv(&config)
	return config, nil
}

func applyEnv(config *Config) {
	if listen := strings.TrimSpace(os.Getenv(EnvListen)); listen != "" {
		config.Listen = listen
	}
	if debug := strings.TrimSpace(os.Getenv(EnvDebug)); debug != "" {
		if value, err := strconv.ParseBool(debug); err == nil {
			config.DebugMode = value
		}
	}
}
