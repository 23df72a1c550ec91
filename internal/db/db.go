package db

import (
	"fmt"
	"strings"
	"time"

	gormsqlite "github.com/glebarez/sqlite"
	"github.com/tryosschat/openchat-sub000/internal/apikeys"
	"github.com/tryosschat/openchat-sub000/internal/chat"
	"github.com/tryosschat/openchat-sub000/internal/streamjob"
	"github.com/tryosschat/openchat-sub000/internal/usage"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const sqlitePrefix = "sqlite:"

// Connect opens MySQL for a regular DSN and SQLite for "sqlite:<path>".
func Connect(dsn string) (*gorm.DB, error) {
	var dialector gorm.Dialector
	sqlite := strings.HasPrefix(dsn, sqlitePrefix)
	if sqlite {
		dialector = gormsqlite.Open(strings.TrimPrefix(dsn, sqlitePrefix))
	} else {
		dialector = mysql.Open(dsn)
	}

	gdb, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Warn)})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, err
	}
	if sqlite {
		sqlDB.SetMaxOpenConns(1)
	} else {
		sqlDB.SetMaxOpenConns(50)
		sqlDB.SetMaxIdleConns(10)
		sqlDB.SetConnMaxLifetime(30 * time.Minute)
	}
	return gdb, nil
}

func Migrate(gdb *gorm.DB) error {
	return gdb.AutoMigrate(
		&chat.Conversation{},
		&chat.Message{},
		&streamjob.StreamJob{},
		&usage.DailyUsage{},
		&apikeys.UserAPIKey{},
	)
}
