package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// CollectorConfig 采集服务配置
type CollectorConfig struct {
	Server   ServerConfig   `mapstructure:"server"`
	Session  SessionConfig  `mapstructure:"session"`
	Analyzer AnalyzerConfig `mapstructure:"analyzer"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Archive  ArchiveConfig  `mapstructure:"archive"`
}

// ServerConfig HTTP/WebSocket入口配置
type ServerConfig struct {
	ListenAddr   string        `mapstructure:"listen_addr"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
	WSReadLimit  int64         `mapstructure:"ws_read_limit"`
}

// SessionConfig 会话聚合配置
type SessionConfig struct {
	InactivityTimeout time.Duration `mapstructure:"inactivity_timeout"`
	ReapInterval      time.Duration `mapstructure:"reap_interval"`
	ReapGrace         time.Duration `mapstructure:"reap_grace"` // 0 表示禁用回收
}

// AnalyzerConfig 外部分析器配置
type AnalyzerConfig struct {
	PythonBin  string `mapstructure:"python_bin"`
	ScriptPath string `mapstructure:"script_path"`
}

// StorageConfig 磁盘布局配置
type StorageConfig struct {
	LogsRoot string `mapstructure:"logs_root"`
}

// ArchiveConfig 可选的结果归档配置，DSN为空时不启用
type ArchiveConfig struct {
	DSN string `mapstructure:"dsn"`
}

// setDefaults 写入全部默认值
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.listen_addr", ":8443")
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.idle_timeout", 60*time.Second)
	v.SetDefault("server.ws_read_limit", int64(4*1024*1024))

	v.SetDefault("session.inactivity_timeout", 10*time.Second)
	v.SetDefault("session.reap_interval", time.Minute)
	v.SetDefault("session.reap_grace", 5*time.Minute)

	v.SetDefault("analyzer.python_bin", "python3")
	v.SetDefault("analyzer.script_path", "webrtc_analyzer.py")

	v.SetDefault("storage.logs_root", "logs")

	v.SetDefault("archive.dsn", "")
}

// validateConfig 校验配置合法性
func validateConfig(cfg *CollectorConfig) error {
	if cfg.Server.ListenAddr == "" {
		return fmt.Errorf("server.listen_addr 不能为空")
	}
	if cfg.Session.InactivityTimeout <= 0 {
		return fmt.Errorf("session.inactivity_timeout 必须大于0")
	}
	if cfg.Analyzer.ScriptPath == "" {
		return fmt.Errorf("analyzer.script_path 不能为空")
	}
	if cfg.Storage.LogsRoot == "" {
		return fmt.Errorf("storage.logs_root 不能为空")
	}
	return nil
}

// loadConfigFromFile 从配置文件和环境变量加载配置。
// path为空时按默认位置查找，文件不存在则完全使用默认值。
func loadConfigFromFile(path string) (*CollectorConfig, *viper.Viper, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("COLLECTOR")
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("collector")
		v.SetConfigType("yaml")
		v.AddConfigPath("configs")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
		// 没有配置文件时使用默认值
	}

	var cfg CollectorConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, nil, fmt.Errorf("解析配置失败: %w", err)
	}

	if err := validateConfig(&cfg); err != nil {
		return nil, nil, fmt.Errorf("配置校验失败: %w", err)
	}

	return &cfg, v, nil
}
