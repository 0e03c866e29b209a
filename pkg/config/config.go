package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config 应用配置
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Server    ServerConfig    `mapstructure:"server"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	Relay     RelayConfig     `mapstructure:"relay"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Log       LogConfig       `mapstructure:"log"`
}

// DefaultJWTSecret 仅供本地开发的签名密钥
const DefaultJWTSecret = "focusandinsist"

// AppConfig 应用配置
type AppConfig struct {
	Name      string `mapstructure:"name"`
	Version   string `mapstructure:"version"`
	Env       string `mapstructure:"env"`
	JWTSecret string `mapstructure:"jwt_secret"`
}

// IsDevelopment 是否为本地开发环境
func (a AppConfig) IsDevelopment() bool {
	return a.Env == "" || a.Env == "development" || a.Env == "dev"
}

// UsesDefaultSecret 是否仍在使用内置的JWT密钥
func (a AppConfig) UsesDefaultSecret() bool {
	return a.JWTSecret == DefaultJWTSecret
}

// ServerConfig 服务器配置
type ServerConfig struct {
	HTTP HTTPConfig `mapstructure:"http"`
}

// HTTPConfig HTTP服务配置
type HTTPConfig struct {
	Network string `mapstructure:"network"`
	Addr    string `mapstructure:"addr"`
	Timeout string `mapstructure:"timeout"`
}

// RedisConfig Redis配置
type RedisConfig struct {
	Addr         string        `mapstructure:"addr"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// KafkaConfig Kafka配置，Brokers为空时不启用
type KafkaConfig struct {
	Brokers       []string `mapstructure:"brokers"`
	GroupID       string   `mapstructure:"group_id"`
	EventsTopic   string   `mapstructure:"events_topic"`
	PresenceTopic string   `mapstructure:"presence_topic"`
}

// Enabled 是否配置了Kafka
func (k KafkaConfig) Enabled() bool {
	return len(k.Brokers) > 0 && k.Brokers[0] != ""
}

// RelayConfig 实时中继配置
type RelayConfig struct {
	InstanceID   string             `mapstructure:"instance_id"`
	Host         string             `mapstructure:"host"`
	Presence     PresenceConfig     `mapstructure:"presence"`
	Connection   ConnectionConfig   `mapstructure:"connection"`
	Call         CallConfig         `mapstructure:"call"`
	Notification NotificationConfig `mapstructure:"notification"`
	Room         RoomConfig         `mapstructure:"room"`
	Instance     InstanceConfig     `mapstructure:"instance"`
}

// PresenceConfig 在线状态配置
type PresenceConfig struct {
	TTL             time.Duration `mapstructure:"ttl"`
	RefreshInterval time.Duration `mapstructure:"refresh_interval"`
	MaxTargets      int           `mapstructure:"max_targets"`
}

// ConnectionConfig 连接配置
type ConnectionConfig struct {
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
	PingInterval time.Duration `mapstructure:"ping_interval"`
	PongWait     time.Duration `mapstructure:"pong_wait"`
	WriteWait    time.Duration `mapstructure:"write_wait"`
	MaxFrameSize int64         `mapstructure:"max_frame_size"`
	SendQueue    int           `mapstructure:"send_queue"`
	DrainTimeout time.Duration `mapstructure:"drain_timeout"`
	// StopMargin 排空之后留给其余停止钩子（注销实例、关闭存储）的时间
	StopMargin time.Duration `mapstructure:"stop_margin"`
}

// StopTimeout 整个停止流程的上限
func (c ConnectionConfig) StopTimeout() time.Duration {
	return c.DrainTimeout + c.StopMargin
}

// CallConfig 通话信令配置
type CallConfig struct {
	TTL         time.Duration `mapstructure:"ttl"`
	RingTimeout time.Duration `mapstructure:"ring_timeout"`
	RejectGrace time.Duration `mapstructure:"reject_grace"`
}

// NotificationConfig 通知信箱配置
type NotificationConfig struct {
	MaxEntries int64         `mapstructure:"max_entries"`
	TTL        time.Duration `mapstructure:"ttl"`
}

// RoomConfig 房间配置
type RoomConfig struct {
	MemberTTL   time.Duration `mapstructure:"member_ttl"`
	MaxPerBatch int           `mapstructure:"max_per_batch"`
}

// InstanceConfig 实例心跳配置
type InstanceConfig struct {
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	HeartbeatWindow   time.Duration `mapstructure:"heartbeat_window"`
	ReapInterval      time.Duration `mapstructure:"reap_interval"`
}

// RateLimitConfig 限流配置
type RateLimitConfig struct {
	Rules map[string]RateRule `mapstructure:"rules"`
}

// RateRule 单个事件的限流规则
type RateRule struct {
	Limit  int64         `mapstructure:"limit"`
	Window time.Duration `mapstructure:"window"`
}

// TelemetryConfig OpenTelemetry配置
type TelemetryConfig struct {
	Enabled      bool    `mapstructure:"enabled"`
	ExporterType string  `mapstructure:"exporter_type"`
	Environment  string  `mapstructure:"environment"`
	SampleRate   float64 `mapstructure:"sample_rate"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level string `mapstructure:"level"`
}

// LoadConfig 加载配置：默认值 -> 配置文件 -> 环境变量
func LoadConfig(serviceName string) (*Config, error) {
	v := viper.New()
	setDefaults(v, serviceName)

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("app.jwt_secret", "JWT_SECRET", "APP_JWT_SECRET")
	_ = v.BindEnv("app.env", "APP_ENV")
	_ = v.BindEnv("redis.addr", "REDIS_ADDR")
	_ = v.BindEnv("redis.password", "REDIS_PASSWORD")
	_ = v.BindEnv("redis.db", "REDIS_DB")
	_ = v.BindEnv("relay.instance_id", "INSTANCE_ID")
	_ = v.BindEnv("relay.host", "INSTANCE_HOST")
	_ = v.BindEnv("log.level", "LOG_LEVEL")

	if path := configPath(); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("读取配置文件失败 %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	// 兼容旧的端口环境变量
	if port := os.Getenv("HTTP_PORT"); port != "" {
		cfg.Server.HTTP.Addr = ":" + port
	}
	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.Kafka.Brokers = strings.Split(brokers, ",")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate 校验启动所需的配置
func (c *Config) Validate() error {
	if c.App.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET 不能为空")
	}
	if c.App.UsesDefaultSecret() && !c.App.IsDevelopment() {
		return fmt.Errorf("环境 %s 不允许使用默认JWT密钥，请设置 JWT_SECRET", c.App.Env)
	}
	return nil
}

// MustLoadConfig 加载配置，失败时panic
func MustLoadConfig(serviceName string) *Config {
	cfg, err := LoadConfig(serviceName)
	if err != nil {
		panic(err)
	}
	return cfg
}

// configPath 配置文件路径，RELAY_CONFIG优先
func configPath() string {
	if path := os.Getenv("RELAY_CONFIG"); path != "" {
		return path
	}
	if _, err := os.Stat("configs/relay.yaml"); err == nil {
		return "configs/relay.yaml"
	}
	return ""
}

func setDefaults(v *viper.Viper, serviceName string) {
	v.SetDefault("app.name", serviceName)
	v.SetDefault("app.version", "1.0.0")
	v.SetDefault("app.env", "development")
	v.SetDefault("app.jwt_secret", DefaultJWTSecret)

	v.SetDefault("server.http.network", "tcp")
	v.SetDefault("server.http.addr", ":21006")
	v.SetDefault("server.http.timeout", "30s")

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.dial_timeout", 2*time.Second)
	v.SetDefault("redis.read_timeout", time.Second)
	v.SetDefault("redis.write_timeout", time.Second)

	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.group_id", serviceName+"-group")
	v.SetDefault("kafka.events_topic", "relay.events")
	v.SetDefault("kafka.presence_topic", "relay.presence")

	v.SetDefault("relay.instance_id", "")
	v.SetDefault("relay.host", "localhost")
	v.SetDefault("relay.presence.ttl", 24*time.Hour)
	v.SetDefault("relay.presence.refresh_interval", time.Minute)
	v.SetDefault("relay.presence.max_targets", 100)
	v.SetDefault("relay.connection.idle_timeout", 30*time.Minute)
	v.SetDefault("relay.connection.ping_interval", 30*time.Second)
	v.SetDefault("relay.connection.pong_wait", 75*time.Second)
	v.SetDefault("relay.connection.write_wait", 10*time.Second)
	v.SetDefault("relay.connection.max_frame_size", 64*1024)
	v.SetDefault("relay.connection.send_queue", 256)
	v.SetDefault("relay.connection.drain_timeout", 10*time.Second)
	v.SetDefault("relay.connection.stop_margin", 5*time.Second)
	v.SetDefault("relay.call.ttl", time.Hour)
	v.SetDefault("relay.call.ring_timeout", 45*time.Second)
	v.SetDefault("relay.call.reject_grace", 30*time.Second)
	v.SetDefault("relay.notification.max_entries", 100)
	v.SetDefault("relay.notification.ttl", 7*24*time.Hour)
	v.SetDefault("relay.room.member_ttl", 24*time.Hour)
	v.SetDefault("relay.room.max_per_batch", 100)
	v.SetDefault("relay.instance.heartbeat_interval", 10*time.Second)
	v.SetDefault("relay.instance.heartbeat_window", 90*time.Second)
	v.SetDefault("relay.instance.reap_interval", time.Minute)

	v.SetDefault("ratelimit.rules", DefaultRateRules())

	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.exporter_type", "stdout")
	v.SetDefault("telemetry.environment", "development")
	v.SetDefault("telemetry.sample_rate", 1.0)

	v.SetDefault("log.level", "info")
}

// DefaultRateRules 默认的事件限流规则
func DefaultRateRules() map[string]RateRule {
	return map[string]RateRule{
		"message:new":     {Limit: 30, Window: time.Minute},
		"message:typing":  {Limit: 10, Window: 10 * time.Second},
		"presence:update": {Limit: 20, Window: time.Minute},
		"call:initiate":   {Limit: 5, Window: time.Minute},
		"reaction:new":    {Limit: 50, Window: time.Minute},
		"reaction:remove": {Limit: 50, Window: time.Minute},
	}
}
