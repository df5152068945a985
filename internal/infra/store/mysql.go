// Package store открывает и настраивает соединение с реляционным хранилищем
// (MySQL через database/sql + go-sql-driver/mysql) — сущностным хранилищем
// сообщений, пользователей и групп. DDL и миграции вне области: схема
// предполагается уже накаченной внешним мигратором (см. `original_source/migrate.py`).
package store

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"go.uber.org/zap"

	"telegram-ingest-fabric/internal/infra/logger"
)

// MySQL оборачивает *sql.DB с настройками пула, подходящими для
// многочисленных коротких транзакций воркер-фабрики (по одному соединению
// на единицу работы).
type MySQL struct {
	DB *sql.DB
}

// Open устанавливает соединение с MySQL по DSN (`user:pass@tcp(host:port)/db?parseTime=true`).
// Делает до 3 попыток Ping с паузой, чтобы пережить контейнер БД,
// поднимающийся чуть позже приложения при совместном docker-compose старте.
func Open(dsn string) (*MySQL, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("mysql: open: %w", err)
	}

	var pingErr error
	for attempt := 0; attempt < 3; attempt++ {
		if pingErr = db.Ping(); pingErr == nil {
			break
		}
		logger.Warn("mysql ping failed, retrying", zap.Error(pingErr))
		time.Sleep(2 * time.Second)
	}
	if pingErr != nil {
		return nil, fmt.Errorf("mysql: ping: %w", pingErr)
	}

	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(time.Hour)

	return &MySQL{DB: db}, nil
}

func (m *MySQL) Close() error {
	return m.DB.Close()
}
