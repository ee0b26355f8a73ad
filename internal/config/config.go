// ============================================================================
// Beaver-Batch 設定 - YAML 設定檔載入與驗證
// ============================================================================
//
// Package: internal/config
// 文件: config.go
// 功能: 讀取 YAML 設定檔、套用預設值並驗證
//
// 設定區塊:
//   node      - 節點 ID（空白時自動產生）
//   cluster   - 心跳週期 P、死亡節點刪除倍數
//   worker    - worker pool 大小與佇列長度
//   batch     - 批次頁面大小、同時處理項目上限
//   store     - 儲存驅動 (memory | sqlite | postgres | redis) 與連線設定
//   log       - 等級、格式、檔案
//   metrics   - Prometheus 端點
//   schedules - cron 排程
//
// 優先順序:
//   預設值 < 設定檔 < CLI 旗標（由 internal/cli 覆寫）
//
// ============================================================================

package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/beaver-batch/pkg/types"
)

// 支援的儲存驅動
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
)

// Config 完整的系統設定
type Config struct {
	Node struct {
		ID string `yaml:"id"`
	} `yaml:"node"`

	Cluster struct {
		Heartbeat       time.Duration `yaml:"heartbeat"`
		PurgeMultiplier int           `yaml:"purge_multiplier"`
	} `yaml:"cluster"`

	Worker struct {
		PoolSize  int `yaml:"pool_size"`
		QueueSize int `yaml:"queue_size"`
	} `yaml:"worker"`

	Batch struct {
		PageSize int `yaml:"page_size"`
		InFlight int `yaml:"in_flight"`
	} `yaml:"batch"`

	Store struct {
		Driver           string        `yaml:"driver"`
		DSN              string        `yaml:"dsn"`
		SnapshotPath     string        `yaml:"snapshot_path"`
		SnapshotInterval time.Duration `yaml:"snapshot_interval"`
		Redis            struct {
			Addr     string `yaml:"addr"`
			Password string `yaml:"password"`
			DB       int    `yaml:"db"`
			Prefix   string `yaml:"prefix"`
		} `yaml:"redis"`
	} `yaml:"store"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
		File   string `yaml:"file"`
	} `yaml:"log"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"metrics"`

	Schedules []Schedule `yaml:"schedules"`
}

// Schedule 一個 cron 排程
type Schedule struct {
	Job  string         `yaml:"job"`
	Cron string         `yaml:"cron"`
	Args map[string]any `yaml:"args"`
}

// Default 返回套用所有預設值的設定
func Default() *Config {
	cfg := &Config{}
	cfg.Cluster.Heartbeat = 10 * time.Second
	cfg.Cluster.PurgeMultiplier = 600
	cfg.Worker.PoolSize = 8
	cfg.Worker.QueueSize = 256
	cfg.Batch.PageSize = 100
	cfg.Batch.InFlight = 16
	cfg.Store.Driver = DriverMemory
	cfg.Store.SnapshotInterval = 30 * time.Second
	cfg.Store.Redis.Prefix = "{beaver}:"
	cfg.Log.Level = "info"
	cfg.Log.Format = "text"
	cfg.Metrics.Port = 9090
	return cfg
}

// Load 讀取設定檔並覆蓋預設值；path 為空時只返回預設值。
// overrides 在驗證之前套用（CLI 旗標）。
//
// 返回值：
//   - *Config: 已驗證的設定
//   - error: 讀取、解析失敗，或驗證失敗（types.ErrConfiguration）
func Load(path string, overrides ...func(*Config)) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("%w: failed to parse config YAML: %w", types.ErrConfiguration, err)
		}
	}
	for _, o := range overrides {
		o(cfg)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate 檢查設定，所有問題一次回報
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Cluster.Heartbeat > 0, "cluster.heartbeat must be positive, got %s", c.Cluster.Heartbeat)
	check(c.Cluster.PurgeMultiplier > 0, "cluster.purge_multiplier must be positive, got %d", c.Cluster.PurgeMultiplier)
	check(c.Worker.PoolSize > 0, "worker.pool_size must be positive, got %d", c.Worker.PoolSize)
	check(c.Worker.QueueSize >= 0, "worker.queue_size must not be negative, got %d", c.Worker.QueueSize)
	check(c.Batch.PageSize > 0, "batch.page_size must be positive, got %d", c.Batch.PageSize)
	check(c.Batch.InFlight > 0, "batch.in_flight must be positive, got %d", c.Batch.InFlight)

	switch c.Store.Driver {
	case DriverMemory:
		check(c.Store.SnapshotPath == "" || c.Store.SnapshotInterval > 0,
			"store.snapshot_interval must be positive when store.snapshot_path is set")
	case DriverSQLite, DriverPostgres:
		check(c.Store.DSN != "", "store.dsn is required for driver %q", c.Store.Driver)
	case DriverRedis:
		check(c.Store.Redis.Addr != "", "store.redis.addr is required for driver %q", c.Store.Driver)
	default:
		errs = append(errs, fmt.Errorf("unknown store.driver %q", c.Store.Driver))
	}

	check(!c.Metrics.Enabled || (c.Metrics.Port > 0 && c.Metrics.Port < 65536),
		"metrics.port out of range: %d", c.Metrics.Port)

	for i, s := range c.Schedules {
		check(s.Job != "", "schedules[%d].job is required", i)
		check(s.Cron != "", "schedules[%d].cron is required", i)
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", types.ErrConfiguration, errors.Join(errs...))
	}
	return nil
}

// NodeID 返回設定的節點 ID，未設定時以主機名稱加隨機後綴產生
func (c *Config) NodeID() string {
	if c.Node.ID != "" {
		return c.Node.ID
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "node"
	}
	return fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
}
