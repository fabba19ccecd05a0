package config

import (
	"fmt"
	"log"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// ConfigManager 统一配置管理器
type ConfigManager struct {
	mu           sync.RWMutex
	cfg          *CollectorConfig
	viperInst    *viper.Viper
	configPath   string
	watchEnabled bool
}

// ConfigManagerOption 配置管理器选项
type ConfigManagerOption func(*ConfigManager)

// WithConfigPath 设置配置文件路径
func WithConfigPath(path string) ConfigManagerOption {
	return func(cm *ConfigManager) {
		cm.configPath = path
	}
}

// WithWatchEnabled 启用配置文件监控
func WithWatchEnabled(enabled bool) ConfigManagerOption {
	return func(cm *ConfigManager) {
		cm.watchEnabled = enabled
	}
}

// NewConfigManager 创建配置管理器
func NewConfigManager(opts ...ConfigManagerOption) *ConfigManager {
	cm := &ConfigManager{}
	for _, opt := range opts {
		opt(cm)
	}
	return cm
}

// Load 加载配置（已加载则直接返回）
func (cm *ConfigManager) Load() (*CollectorConfig, error) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.cfg != nil {
		return cm.cfg, nil
	}

	cfg, viperInst, err := loadConfigFromFile(cm.configPath)
	if err != nil {
		return nil, fmt.Errorf("加载采集配置失败: %w", err)
	}

	cm.cfg = cfg
	cm.viperInst = viperInst

	if cm.watchEnabled {
		cm.watchConfig()
	}

	return cfg, nil
}

// Get 获取配置（未加载则自动加载）
func (cm *ConfigManager) Get() (*CollectorConfig, error) {
	cm.mu.RLock()
	if cm.cfg != nil {
		defer cm.mu.RUnlock()
		return cm.cfg, nil
	}
	cm.mu.RUnlock()

	return cm.Load()
}

// Reload 重新加载配置
func (cm *ConfigManager) Reload() error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	cfg, viperInst, err := loadConfigFromFile(cm.configPath)
	if err != nil {
		return fmt.Errorf("重新加载采集配置失败: %w", err)
	}

	cm.cfg = cfg
	cm.viperInst = viperInst
	return nil
}

// watchConfig 监控配置文件变化，变化时重新加载
func (cm *ConfigManager) watchConfig() {
	if cm.viperInst == nil || cm.viperInst.ConfigFileUsed() == "" {
		return
	}

	cm.viperInst.WatchConfig()
	cm.viperInst.OnConfigChange(func(e fsnotify.Event) {
		log.Printf("[config] 配置文件变化: %s, 重新加载", e.Name)
		if err := cm.Reload(); err != nil {
			log.Printf("[config] 重新加载失败: %v", err)
		}
	})
}
