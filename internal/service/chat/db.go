package chat

import (
	"context"
	"fmt"
	"log"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/zhouzirui/chat-relay/backend/internal/config"
	"github.com/zhouzirui/chat-relay/backend/internal/model/chat"
)

// Open 连接数据库并迁移聊天相关表
func Open(cfg config.DatabaseConfig) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case config.DriverPostgres:
		dialector = postgres.Open(cfg.DSN)
	case config.DriverSQLite:
		dialector = sqlite.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}

	db, err := openWithRetry(dialector, 8, 2*time.Second)
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", cfg.Driver, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	if cfg.Driver == config.DriverSQLite {
		// sqlite 只允许单写者。
		sqlDB.SetMaxOpenConns(1)
	} else {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
		sqlDB.SetConnMaxLifetime(30 * time.Minute)
	}

	if err := Migrate(db); err != nil {
		return nil, err
	}
	log.Printf("[chat] database ready driver=%s", cfg.Driver)
	return db, nil
}

// Migrate 创建或更新聊天相关表
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&chat.User{}, &chat.Chat{}, &chat.Membership{}, &chat.Message{}); err != nil {
		return fmt.Errorf("migrate chat tables: %w", err)
	}
	return nil
}

func openWithRetry(dialector gorm.Dialector, attempts int, sleep time.Duration) (*gorm.DB, error) {
	var last error
	for i := 1; i <= attempts; i++ {
		db, err := gorm.Open(dialector, &gorm.Config{
			Logger: logger.Default.LogMode(logger.Warn),
		})
		if err == nil {
			sqlDB, dbErr := db.DB()
			if dbErr == nil {
				ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				last = sqlDB.PingContext(ctx)
				cancel()
				if last == nil {
					return db, nil
				}
			} else {
				last = dbErr
			}
		} else {
			last = err
		}

		if i == attempts {
			break
		}
		log.Printf("[chat] database not ready (attempt %d/%d): %v", i, attempts, last)
		time.Sleep(sleep)
		if sleep < 8*time.Second {
			sleep *= 2
		}
	}
	return nil, last
}
