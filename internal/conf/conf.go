package conf

import (
	"encoding/json"
	"fmt"
	"time"
)

// Bootstrap 服务启动配置，对应 configs/config.yaml
type Bootstrap struct {
	Server     *Server     `json:"server"`
	Data       *Data       `json:"data"`
	Affiliate  *Affiliate  `json:"affiliate"`
	Settlement *Settlement `json:"settlement"`
	Outbox     *Outbox     `json:"outbox"`
	Kafka      *Kafka      `json:"kafka"`
	Auth       *Auth       `json:"auth"`
	Trace      *Trace      `json:"trace"`
	Snowflake  *Snowflake  `json:"snowflake"`
}

// Server HTTP 服务配置
type Server struct {
	Http *Server_HTTP `json:"http"`
}

type Server_HTTP struct {
	Network string   `json:"network"`
	Addr    string   `json:"addr"`
	Timeout Duration `json:"timeout"`
}

// Data 存储配置
type Data struct {
	Database *Data_Database `json:"database"`
	Redis    *Data_Redis    `json:"redis"`
}

type Data_Database struct {
	Driver      string `json:"driver"`
	Source      string `json:"source"`
	AutoMigrate bool   `json:"auto_migrate"`
}

type Data_Redis struct {
	Network      string   `json:"network"`
	Addr         string   `json:"addr"`
	Password     string   `json:"password"`
	DB           int      `json:"db"`
	ReadTimeout  Duration `json:"read_timeout"`
	WriteTimeout Duration `json:"write_timeout"`
}

// Affiliate 推广链接与归因配置
type Affiliate struct {
	DefaultRate      string            `json:"default_rate"`
	SellerRates      map[string]string `json:"seller_rates"`
	CodeLength       int               `json:"code_length"`
	CodeMaxAttempts  int               `json:"code_max_attempts"`
	LinkCacheSize    int               `json:"link_cache_size"`
	LinkCacheTTL     Duration          `json:"link_cache_ttl"`
	// LinkRecheckAfter 点击路径缓存命中超过该时长后回源校验停用状态
	LinkRecheckAfter Duration          `json:"link_recheck_after"`
	ClickQueueSize   int               `json:"click_queue_size"`
	ClickWorkers     int               `json:"click_workers"`
	LedgerLockTTL    Duration          `json:"ledger_lock_ttl"`
}

// Settlement 佣金结算任务配置
type Settlement struct {
	Interval    Duration `json:"interval"`
	BatchSize   int      `json:"batch_size"`
	Concurrency int      `json:"concurrency"`
	LockTTL     Duration `json:"lock_ttl"`
	MaxRetries  int      `json:"max_retries"`
}

// Outbox 事件发件箱投递配置
type Outbox struct {
	Interval    Duration `json:"interval"`
	BatchSize   int      `json:"batch_size"`
	// MaxAttempts 单个事件最大投递次数，超过后停放为 failed
	MaxAttempts int      `json:"max_attempts"`
}

// Kafka 事件总线配置，brokers 为空时事件仅记录日志
type Kafka struct {
	Brokers []string          `json:"brokers"`
	Topics  map[string]string `json:"topics"`
}

// Auth 运营接口鉴权配置
type Auth struct {
	JwtSecret string `json:"jwt_secret"`
}

// Trace 链路追踪配置，endpoint 为空时不上报
type Trace struct {
	Endpoint string  `json:"endpoint"`
	Sampler  float64 `json:"sampler"`
}

type Snowflake struct {
	NodeID int64 `json:"node_id"`
}

// Duration 支持 "1s"、"500ms" 形式的时长配置
type Duration struct {
	time.Duration
}

// AsDuration 返回标准库时长
func (d Duration) AsDuration() time.Duration {
	return d.Duration
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v interface{}
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch value := v.(type) {
	case float64:
		d.Duration = time.Duration(value * float64(time.Second))
		return nil
	case string:
		parsed, err := time.ParseDuration(value)
		if err != nil {
			return err
		}
		d.Duration = parsed
		return nil
	default:
		return fmt.Errorf("invalid duration: %s", string(b))
	}
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}
