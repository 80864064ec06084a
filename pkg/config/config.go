package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config 应用配置
type Config struct {
	App         AppConfig
	Server      ServerConfig
	Database    DatabaseConfig
	Redis       RedisConfig
	Kafka       KafkaConfig
	Logger      LoggerConfig
	FriendGraph FriendGraphConfig
}

// AppConfig 应用配置
type AppConfig struct {
	Name      string
	Version   string
	JWTSecret string
	OTelDebug bool
}

// ServerConfig 服务器配置
type ServerConfig struct {
	HTTP HTTPConfig
	GRPC GRPCConfig
}

// HTTPConfig HTTP服务配置
type HTTPConfig struct {
	Addr    string
	Mode    string
	Timeout time.Duration
}

// GRPCConfig gRPC服务配置
type GRPCConfig struct {
	Addr string
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	PostgreSQL PostgreSQLConfig
}

// PostgreSQLConfig PostgreSQL配置
type PostgreSQLConfig struct {
	DSN          string
	DBName       string
	MaxIdleConns int
	MaxOpenConns int
	LogLevel     string
}

// RedisConfig Redis配置
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	PoolSize int
}

// KafkaConfig Kafka配置
type KafkaConfig struct {
	Enabled          bool
	Brokers          []string
	GroupID          string
	InteractionTopic string
	MemberTopic      string
	DLQFailedTopic   string
}

// LoggerConfig 日志配置
type LoggerConfig struct {
	Level string
}

// FriendGraphConfig 好友图谱缓存配置
type FriendGraphConfig struct {
	DLQ       DLQConfig
	Cache     CacheConfig
	Rebuild   RebuildConfig
	Recommend RecommendConfig
}

// DLQConfig 死信队列重放配置
type DLQConfig struct {
	MaxRetry          int
	BatchSize         int
	Interval          time.Duration
	MaxBatchesPerTick int
}

// CacheConfig Redis缓存配置
type CacheConfig struct {
	ScanCount      int64
	ScoreCap       int
	ScoreStep      int
	EventMarkerTTL time.Duration
	OpTimeout      time.Duration
}

// RebuildConfig 缓存重建配置
type RebuildConfig struct {
	ChunkSize int
}

// RecommendConfig 推荐配置
type RecommendConfig struct {
	DefaultPageSize int
	MaxPageSize     int
}

// LoadConfig 加载配置：配置文件 < 环境变量，缺省值兜底
func LoadConfig(serviceName string) (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("..")
	v.AddConfigPath("../..")

	// FRIENDGRAPH_DLQ_MAX_RETRY -> friendgraph.dlq.max_retry
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v, serviceName)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			log.Println("Config file not found, using default values")
		} else {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	return fromViper(v), nil
}

// setDefaults 设置默认值
func setDefaults(v *viper.Viper, serviceName string) {
	v.SetDefault("app.name", serviceName)
	v.SetDefault("app.version", "1.0.0")
	v.SetDefault("app.jwt_secret", "focusandinsist")
	v.SetDefault("app.otel_debug", false)

	v.SetDefault("server.http.addr", ":21013")
	v.SetDefault("server.http.mode", "release")
	v.SetDefault("server.http.timeout", "30s")
	v.SetDefault("server.grpc.addr", ":22013")

	v.SetDefault("database.postgresql.dsn", "host=localhost user=postgres password=postgres dbname=friendgraphDB port=5432 sslmode=disable TimeZone=Asia/Shanghai")
	v.SetDefault("database.postgresql.db_name", "friendgraphDB")
	v.SetDefault("database.postgresql.max_idle_conns", 10)
	v.SetDefault("database.postgresql.max_open_conns", 100)
	v.SetDefault("database.postgresql.log_level", "warn")

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 50)

	v.SetDefault("kafka.enabled", true)
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.group_id", serviceName+"-group")
	v.SetDefault("kafka.interaction_topic", "friendgraph-interaction-events")
	v.SetDefault("kafka.member_topic", "friendgraph-member-events")
	v.SetDefault("kafka.dlq_failed_topic", "friendgraph-dlq-failed")

	v.SetDefault("logger.level", "info")

	v.SetDefault("friendgraph.dlq.max_retry", 3)
	v.SetDefault("friendgraph.dlq.batch_size", 100)
	v.SetDefault("friendgraph.dlq.interval", "30s")
	v.SetDefault("friendgraph.dlq.max_batches_per_tick", 50)

	v.SetDefault("friendgraph.cache.scan_count", 200)
	v.SetDefault("friendgraph.cache.score_cap", 10)
	v.SetDefault("friendgraph.cache.score_step", 1)
	v.SetDefault("friendgraph.cache.event_marker_ttl", "24h")
	v.SetDefault("friendgraph.cache.op_timeout", "2s")

	v.SetDefault("friendgraph.rebuild.chunk_size", 1000)

	v.SetDefault("friendgraph.recommend.default_page_size", 20)
	v.SetDefault("friendgraph.recommend.max_page_size", 100)
}

// fromViper 映射为强类型配置
func fromViper(v *viper.Viper) *Config {
	return &Config{
		App: AppConfig{
			Name:      v.GetString("app.name"),
			Version:   v.GetString("app.version"),
			JWTSecret: v.GetString("app.jwt_secret"),
			OTelDebug: v.GetBool("app.otel_debug"),
		},
		Server: ServerConfig{
			HTTP: HTTPConfig{
				Addr:    v.GetString("server.http.addr"),
				Mode:    v.GetString("server.http.mode"),
				Timeout: v.GetDuration("server.http.timeout"),
			},
			GRPC: GRPCConfig{
				Addr: v.GetString("server.grpc.addr"),
			},
		},
		Database: DatabaseConfig{
			PostgreSQL: PostgreSQLConfig{
				DSN:          v.GetString("database.postgresql.dsn"),
				DBName:       v.GetString("database.postgresql.db_name"),
				MaxIdleConns: v.GetInt("database.postgresql.max_idle_conns"),
				MaxOpenConns: v.GetInt("database.postgresql.max_open_conns"),
				LogLevel:     v.GetString("database.postgresql.log_level"),
			},
		},
		Redis: RedisConfig{
			Addr:     v.GetString("redis.addr"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
			PoolSize: v.GetInt("redis.pool_size"),
		},
		Kafka: KafkaConfig{
			Enabled:          v.GetBool("kafka.enabled"),
			Brokers:          v.GetStringSlice("kafka.brokers"),
			GroupID:          v.GetString("kafka.group_id"),
			InteractionTopic: v.GetString("kafka.interaction_topic"),
			MemberTopic:      v.GetString("kafka.member_topic"),
			DLQFailedTopic:   v.GetString("kafka.dlq_failed_topic"),
		},
		Logger: LoggerConfig{
			Level: v.GetString("logger.level"),
		},
		FriendGraph: FriendGraphConfig{
			DLQ: DLQConfig{
				MaxRetry:          v.GetInt("friendgraph.dlq.max_retry"),
				BatchSize:         v.GetInt("friendgraph.dlq.batch_size"),
				Interval:          v.GetDuration("friendgraph.dlq.interval"),
				MaxBatchesPerTick: v.GetInt("friendgraph.dlq.max_batches_per_tick"),
			},
			Cache: CacheConfig{
				ScanCount:      v.GetInt64("friendgraph.cache.scan_count"),
				ScoreCap:       v.GetInt("friendgraph.cache.score_cap"),
				ScoreStep:      v.GetInt("friendgraph.cache.score_step"),
				EventMarkerTTL: v.GetDuration("friendgraph.cache.event_marker_ttl"),
				OpTimeout:      v.GetDuration("friendgraph.cache.op_timeout"),
			},
			Rebuild: RebuildConfig{
				ChunkSize: v.GetInt("friendgraph.rebuild.chunk_size"),
			},
			Recommend: RecommendConfig{
				DefaultPageSize: v.GetInt("friendgraph.recommend.default_page_size"),
				MaxPageSize:     v.GetInt("friendgraph.recommend.max_page_size"),
			},
		},
	}
}
