package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config 应用配置结构
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Log      LogConfig      `mapstructure:"log"`
	Workflow WorkflowConfig `mapstructure:"workflow"`
}

// ServerConfig HTTP 服务器配置
type ServerConfig struct {
	Port         int    `mapstructure:"port"`
	Mode         string `mapstructure:"mode"` // debug, release, test
	ReadTimeout  int    `mapstructure:"read_timeout"`
	WriteTimeout int    `mapstructure:"write_timeout"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	Host            string `mapstructure:"host"`
	Port            int    `mapstructure:"port"`
	User            string `mapstructure:"user"`
	Password        string `mapstructure:"password"`
	DBName          string `mapstructure:"dbname"`
	SSLMode         string `mapstructure:"sslmode"`
	MaxOpenConns    int    `mapstructure:"max_open_conns"`
	MaxIdleConns    int    `mapstructure:"max_idle_conns"`
	ConnMaxLifetime int    `mapstructure:"conn_max_lifetime"` // 秒
	AutoMigrate     bool   `mapstructure:"auto_migrate"`      // 是否自动迁移表结构
}

// RedisConfig Redis 配置
type RedisConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	Password     string `mapstructure:"password"`
	DB           int    `mapstructure:"db"`
	PoolSize     int    `mapstructure:"pool_size"`
	MinIdleConns int    `mapstructure:"min_idle_conns"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level      string `mapstructure:"level"`       // debug, info, warn, error
	Format     string `mapstructure:"format"`      // json, console
	OutputPath string `mapstructure:"output_path"` // stdout, stderr, /path/to/log
}

// WorkflowConfig 工作流引擎配置
type WorkflowConfig struct {
	PresenceTTLMinutes    int `mapstructure:"presence_ttl_minutes"`     // 在线状态过期时间，默认 5 分钟
	ReconcileMinutes      int `mapstructure:"reconcile_minutes"`        // 在线状态清理间隔，默认 5 分钟
	DefaultLockTTLMinutes int `mapstructure:"default_lock_ttl_minutes"` // 锁默认 TTL，默认 10 分钟
	AutomationStepBudget  int `mapstructure:"automation_step_budget"`   // 单事件自动化步数上限，默认 16
	ConflictWindowSeconds int `mapstructure:"conflict_window_seconds"`  // 冲突检测时间窗，默认 30 秒
}

// PresenceTTL 在线状态过期时长
func (c WorkflowConfig) PresenceTTL() time.Duration {
	if c.PresenceTTLMinutes <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(c.PresenceTTLMinutes) * time.Minute
}

// ReconcileInterval 在线状态清理间隔
func (c WorkflowConfig) ReconcileInterval() time.Duration {
	if c.ReconcileMinutes <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(c.ReconcileMinutes) * time.Minute
}

// DefaultLockTTL 锁默认 TTL
func (c WorkflowConfig) DefaultLockTTL() time.Duration {
	if c.DefaultLockTTLMinutes <= 0 {
		return 10 * time.Minute
	}
	return time.Duration(c.DefaultLockTTLMinutes) * time.Minute
}

// StepBudget 单事件自动化步数上限
func (c WorkflowConfig) StepBudget() int {
	if c.AutomationStepBudget <= 0 {
		return 16
	}
	return c.AutomationStepBudget
}

// ConflictWindow 冲突检测时间窗
func (c WorkflowConfig) ConflictWindow() time.Duration {
	if c.ConflictWindowSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.ConflictWindowSeconds) * time.Second
}

var globalConfig *Config

// Load 加载配置
// env: 环境名称（dev, prod, test）
// configPath: 配置文件路径（可选）
func Load(env string, configPath string) (*Config, error) {
	v := viper.New()

	// 设置配置文件名和路径
	if configPath == "" {
		v.SetConfigName(env) // dev.yaml, prod.yaml
		v.AddConfigPath("./config")
		v.AddConfigPath("../config")
	} else {
		v.SetConfigFile(configPath)
	}

	v.SetConfigType("yaml")

	// 读取环境变量（优先级高于配置文件）
	v.SetEnvPrefix("APP")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_")) // 支持嵌套配置：APP_DATABASE_HOST

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	globalConfig = &cfg
	return &cfg, nil
}

// Get 获取全局配置
func Get() *Config {
	if globalConfig == nil {
		panic("配置未初始化，请先调用 Load()")
	}
	return globalConfig
}

// GetDSN 获取数据库连接字符串
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode,
	)
}
