package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"goim-friendgraph/pkg/config"
)

// PostgreSQL PostgreSQL连接管理器
type PostgreSQL struct {
	db     *gorm.DB
	sqlDB  *sql.DB
	dbName string
}

// NewPostgreSQL 创建PostgreSQL连接
func NewPostgreSQL(cfg config.PostgreSQLConfig) (*PostgreSQL, error) {
	// 首先尝试创建数据库（如果不存在）
	if err := createDatabaseIfNotExists(cfg.DSN, cfg.DBName); err != nil {
		return nil, fmt.Errorf("failed to create database: %w", err)
	}

	db, err := gorm.Open(postgres.Open(cfg.DSN), GormConfig(cfg.LogLevel))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}

	p, err := Wrap(db, cfg.DBName)
	if err != nil {
		return nil, err
	}

	// 配置连接池
	p.sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	p.sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	p.sqlDB.SetConnMaxLifetime(time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := p.Health(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping PostgreSQL: %w", err)
	}

	return p, nil
}

// GormConfig 公共gorm配置，唯一键冲突翻译为 gorm.ErrDuplicatedKey
func GormConfig(logLevel string) *gorm.Config {
	return &gorm.Config{
		Logger:         logger.Default.LogMode(parseLogLevel(logLevel)),
		TranslateError: true,
		NowFunc: func() time.Time {
			return time.Now().Local()
		},
	}
}

// Wrap 包装一个已打开的gorm连接（测试里用sqlite方言）
func Wrap(db *gorm.DB, dbName string) (*PostgreSQL, error) {
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}
	return &PostgreSQL{db: db, sqlDB: sqlDB, dbName: dbName}, nil
}

func parseLogLevel(level string) logger.LogLevel {
	switch level {
	case "silent":
		return logger.Silent
	case "error":
		return logger.Error
	case "info":
		return logger.Info
	default:
		return logger.Warn
	}
}

// GetDB 获取GORM数据库实例
func (p *PostgreSQL) GetDB() *gorm.DB {
	return p.db
}

// GetDBName 获取数据库名称
func (p *PostgreSQL) GetDBName() string {
	return p.dbName
}

// WithContext 使用上下文
func (p *PostgreSQL) WithContext(ctx context.Context) *gorm.DB {
	return p.db.WithContext(ctx)
}

// Transaction 执行事务
func (p *PostgreSQL) Transaction(ctx context.Context, fn func(*gorm.DB) error) error {
	return p.db.WithContext(ctx).Transaction(fn)
}

// AutoMigrate 自动迁移表结构
func (p *PostgreSQL) AutoMigrate(models ...interface{}) error {
	return p.db.AutoMigrate(models...)
}

// Health 健康检查
func (p *PostgreSQL) Health(ctx context.Context) error {
	return p.sqlDB.PingContext(ctx)
}

// Stats 获取连接池统计信息
func (p *PostgreSQL) Stats() sql.DBStats {
	return p.sqlDB.Stats()
}

// Close 关闭连接
func (p *PostgreSQL) Close() error {
	if p.sqlDB != nil {
		return p.sqlDB.Close()
	}
	return nil
}

// createDatabaseIfNotExists 创建数据库（如果不存在）
func createDatabaseIfNotExists(dsn, dbName string) error {
	// 连接到postgres默认库检查目标库
	adminDSN := strings.Replace(dsn, "dbname="+dbName, "dbname=postgres", 1)

	adminDB, err := gorm.Open(postgres.Open(adminDSN), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return fmt.Errorf("failed to connect to PostgreSQL server: %w", err)
	}

	sqlDB, err := adminDB.DB()
	if err != nil {
		return fmt.Errorf("failed to get sql.DB: %w", err)
	}
	defer sqlDB.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := sqlDB.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to ping PostgreSQL server: %w", err)
	}

	var exists bool
	if err := adminDB.WithContext(ctx).Raw("SELECT EXISTS(SELECT 1 FROM pg_database WHERE datname = ?)", dbName).
		Scan(&exists).Error; err != nil {
		return fmt.Errorf("failed to check if database exists: %w", err)
	}

	if !exists {
		if err := adminDB.WithContext(ctx).Exec(fmt.Sprintf(`CREATE DATABASE "%s"`, dbName)).Error; err != nil {
			return fmt.Errorf("failed to create database %s: %w", dbName, err)
		}
	}

	return nil
}
