package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v2"
)

var (
	ErrConfigCreated = errors.New("the configuration file does not exist and has been created. Please try again after editing the configuration file")
	ErrConfigInvalid = errors.New("the configuration file is not valid")
)

type ServerConfig struct {
	Host              string `json:"host" yaml:"host"`
	Port              int    `json:"port" yaml:"port"`
	CertFile          string `json:"cert_file" yaml:"cert_file"`
	KeyFile           string `json:"key_file" yaml:"key_file"`
	ClientCAFile      string `json:"client_ca_file" yaml:"client_ca_file"`
	RequireClientCert bool   `json:"require_client_cert" yaml:"require_client_cert"`
	MaxConnections    int    `json:"max_connections" yaml:"max_connections"`
	// AuthTokens 非空时要求客户端在认证数据中携带其中之一作为token
	AuthTokens []string `json:"auth_tokens" yaml:"auth_tokens,omitempty"`
}

type ClientConfig struct {
	Host        string            `json:"host" yaml:"host"`
	Port        int               `json:"port" yaml:"port"`
	Secure      bool              `json:"secure" yaml:"secure"`
	SkipVerify  bool              `json:"skip_verify" yaml:"skip_verify"`
	CertFile    string            `json:"cert_file" yaml:"cert_file"`
	KeyFile     string            `json:"key_file" yaml:"key_file"`
	RetryDelay  string            `json:"retry_delay" yaml:"retry_delay"`
	DialTimeout string            `json:"dial_timeout" yaml:"dial_timeout"`
	AuthData    map[string]string `json:"auth_data" yaml:"auth_data,omitempty"`
}

type DatabaseConfig struct {
	Enabled            bool   `json:"enabled" yaml:"enabled"`
	Host               string `json:"host" yaml:"host"`
	Port               uint64 `json:"port" yaml:"port"`
	Username           string `json:"username" yaml:"username"`
	Password           string `json:"password" yaml:"password"`
	Database           string `json:"database" yaml:"database"`
	UseTLS             bool   `json:"use_tls" yaml:"use_tls"`
	ConnectTimeout     string `json:"connect_timeout" yaml:"connect_timeout"`
	SocketTimeout      string `json:"socket_timeout" yaml:"socket_timeout"`
	ConnectIdleTimeout string `json:"connect_idle_timeout" yaml:"connect_idle_timeout"`
	OperationTimeout   string `json:"operation_timeout" yaml:"operation_timeout"`
	Heartbeat          string `json:"heartbeat" yaml:"heartbeat"`
	MinPoolSize        uint64 `json:"min_pool_size" yaml:"min_pool_size"`
	MaxPoolSize        uint64 `json:"max_pool_size" yaml:"max_pool_size"`
	// 未启用MongoDB时内存中保留的会话记录数
	CacheSize int    `json:"cache_size" yaml:"cache_size"`
	CacheTTL  string `json:"cache_ttl" yaml:"cache_ttl"`
}

type AdminConfig struct {
	GrpcAddress string `json:"grpc_address" yaml:"grpc_address"`
	HttpAddress string `json:"http_address" yaml:"http_address"`
}

type Config struct {
	Server    ServerConfig   `json:"server" yaml:"server"`
	Client    ClientConfig   `json:"client" yaml:"client"`
	Database  DatabaseConfig `json:"database" yaml:"database"`
	Admin     AdminConfig    `json:"admin" yaml:"admin"`
	DebugMode bool           `json:"debug_mode" yaml:"debug_mode"`
	AppName   string         `json:"app_name" yaml:"app_name"`
	LogDir    string         `json:"log_dir" yaml:"log_dir"`
}

// Default 返回填充了默认值的配置
func Default() Config {
	cfg := Config{}
	ApplyDefaults(&cfg)
	return cfg
}

// ApplyDefaults 为空缺的配置项设置默认值
func ApplyDefaults(cfg *Config) {
	if cfg.AppName == "" {
		cfg.AppName = "control-channel"
	}
	if cfg.LogDir == "" {
		cfg.LogDir = "logs"
	}

	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 5050
	}
	if cfg.Server.MaxConnections == 0 {
		cfg.Server.MaxConnections = 10000
	}

	if cfg.Client.Host == "" {
		cfg.Client.Host = "127.0.0.1"
	}
	if cfg.Client.Port == 0 {
		cfg.Client.Port = cfg.Server.Port
	}
	if cfg.Client.RetryDelay == "" {
		cfg.Client.RetryDelay = "10s"
	}
	if cfg.Client.DialTimeout == "" {
		cfg.Client.DialTimeout = "5s"
	}

	if cfg.Database.Host == "" {
		cfg.Database.Host = "127.0.0.1"
	}
	if cfg.Database.Port == 0 {
		cfg.Database.Port = 27017
	}
	if cfg.Database.Database == "" {
		cfg.Database.Database = "control_channel"
	}
	if cfg.Database.ConnectTimeout == "" {
		cfg.Database.ConnectTimeout = "10s"
	}
	if cfg.Database.SocketTimeout == "" {
		cfg.Database.SocketTimeout = "30s"
	}
	if cfg.Database.ConnectIdleTimeout == "" {
		cfg.Database.ConnectIdleTimeout = "5m"
	}
	if cfg.Database.OperationTimeout == "" {
		cfg.Database.OperationTimeout = "5s"
	}
	if cfg.Database.Heartbeat == "" {
		cfg.Database.Heartbeat = "10s"
	}
	if cfg.Database.MaxPoolSize == 0 {
		cfg.Database.MaxPoolSize = 100
	}
	if cfg.Database.CacheSize == 0 {
		cfg.Database.CacheSize = 1024
	}
	if cfg.Database.CacheTTL == "" {
		cfg.Database.CacheTTL = "24h"
	}

	if cfg.Admin.GrpcAddress == "" {
		cfg.Admin.GrpcAddress = "127.0.0.1:5051"
	}
	if cfg.Admin.HttpAddress == "" {
		cfg.Admin.HttpAddress = "127.0.0.1:5052"
	}
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

func marshal(path string, cfg Config) ([]byte, error) {
	if isYAML(path) {
		return yaml.Marshal(cfg)
	}
	return json.MarshalIndent(cfg, "", "\t")
}

func unmarshal(path string, data []byte, cfg *Config) error {
	if isYAML(path) {
		return yaml.Unmarshal(data, cfg)
	}
	return json.Unmarshal(data, cfg)
}

// ReadConfig 读取path指定的配置文件, 按扩展名选择JSON或YAML.
// 文件不存在时写入一份默认配置并返回ErrConfigCreated
func ReadConfig(path string) (Config, error) {
	if path == "" {
		path = "config.json"
	}

	bytes, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		cfg := Default()
		data, err := marshal(path, cfg)
		if err != nil {
			return cfg, err
		}
		if err := os.WriteFile(path, data, 0644); err != nil {
			return cfg, fmt.Errorf("create config %s: %w", path, err)
		}
		return cfg, ErrConfigCreated
	}

	cfg := Config{}
	if err := unmarshal(path, bytes, &cfg); err != nil {
		return cfg, fmt.Errorf("%w: %w", ErrConfigInvalid, err)
	}
	ApplyDefaults(&cfg)
	return cfg, nil
}
