package gormstore

import (
	"fmt"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Config 是資料庫連線設定
type Config struct {
	// Driver 可以是 postgres、mysql 或 sqlite
	Driver   string
	User     string
	Password string
	Host     string
	Port     int
	Database string
	// Schema 只在 postgres 下使用，對應 search_path
	Schema string
	// Debug 開啟時會記錄所有 SQL
	Debug bool
}

// Dialector 依照設定產生對應的 gorm 方言
func (cfg Config) Dialector() (gorm.Dialector, error) {
	switch cfg.Driver {
	case "", "postgres":
		dsn := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable", cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Database)
		if cfg.Schema != "" {
			dsn += "&search_path=" + cfg.Schema
		}
		return postgres.Open(dsn), nil
	case "mysql":
		dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=UTC", cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Database)
		return mysql.Open(dsn), nil
	case "sqlite":
		return sqlite.Open(cfg.Database), nil
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", cfg.Driver)
	}
}

// Open 建立資料庫連線
func Open(cfg Config) (*gorm.DB, error) {
	const op = "Open"
	dialector, err := cfg.Dialector()
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to create dialector, err=%w", op, err)
	}
	gormConfig := &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Warn),
	}
	if cfg.Debug {
		gormConfig.Logger = logger.Default.LogMode(logger.Info)
	}
	db, err := gorm.Open(dialector, gormConfig)
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to connect to database, err=%w", op, err)
	}
	if cfg.Driver == "sqlite" {
		// sqlite 只允許單一寫入者
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("[%s] Fail to get sql.DB, err=%w", op, err)
		}
		sqlDB.SetMaxOpenConns(1)
	}
	return db, nil
}
