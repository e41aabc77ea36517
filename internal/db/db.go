package db

import (
	"database/sql"
	"fmt"
	"time"

	"demeet/internal/models"

	_ "github.com/jackc/pgx/v5/stdlib"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func gormConfig() *gorm.Config {
	return &gorm.Config{
		Logger:  logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time { return time.Now().UTC() },
	}
}

// Connect 按驱动建立数据库连接；postgres 走 pgx 连接池并带简单重试以等待容器就绪。
func Connect(driver, dsn string) (*gorm.DB, error) {
	switch driver {
	case "sqlite":
		return OpenSQLite(dsn)
	case "", "postgres":
		return connectPostgres(dsn)
	default:
		return nil, fmt.Errorf("db: unsupported driver %q", driver)
	}
}

func connectPostgres(dsn string) (*gorm.DB, error) {
	var err error
	for i := 0; i < 10; i++ {
		var sqlDB *sql.DB
		sqlDB, err = sql.Open("pgx", dsn)
		if err == nil {
			if err = sqlDB.Ping(); err == nil {
				sqlDB.SetMaxIdleConns(5)
				sqlDB.SetMaxOpenConns(20)
				sqlDB.SetConnMaxLifetime(time.Hour)
				return Wrap(sqlDB)
			}
			_ = sqlDB.Close()
		}
		time.Sleep(time.Duration(500+i*200) * time.Millisecond)
	}
	return nil, err
}

// Wrap 将已有的 *sql.DB（pgx 或 sqlmock）包装为 gorm 连接。
func Wrap(sqlDB *sql.DB) (*gorm.DB, error) {
	return gorm.Open(postgres.New(postgres.Config{Conn: sqlDB, PreferSimpleProtocol: true}), gormConfig())
}

// OpenSQLite 打开 SQLite 数据库，用于本地运行与测试。
func OpenSQLite(dsn string) (*gorm.DB, error) {
	gdb, err := gorm.Open(sqlite.Open(dsn), gormConfig())
	if err != nil {
		return nil, err
	}
	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, err
	}
	// SQLite 只允许单写者。
	sqlDB.SetMaxOpenConns(1)
	if err := gdb.Exec("PRAGMA foreign_keys = ON").Error; err != nil {
		return nil, err
	}
	return gdb, nil
}

// Migrate 自动迁移全部表结构。
func Migrate(gdb *gorm.DB) error {
	return gdb.AutoMigrate(&models.User{}, &models.Meeting{}, &models.Participant{}, &models.MeetingTag{}, &models.ChatMessage{})
}
