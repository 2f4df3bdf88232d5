// Package migrations 提供資料庫遷移功能
//
// 遷移檔以 embed 打包進執行檔，依方言分目錄：
//   - sqlite/   在儲存層既有的 *sql.DB 上執行（modernc.org/sqlite，無 cgo）
//   - postgres/ 使用 golang-migrate 的 pgx/v5 驅動，以連線 URL 開啟
package migrations

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed sqlite/*.sql postgres/*.sql
var migrationsFS embed.FS

// Dialect 資料庫方言
type Dialect string

const (
	// DialectSQLite SQLite 檔案資料庫
	DialectSQLite Dialect = "sqlite"
	// DialectPostgres PostgreSQL
	DialectPostgres Dialect = "postgres"
)

// Migrator 管理資料庫遷移
type Migrator struct {
	migrate *migrate.Migrate
	src     source.Driver
	logger  *slog.Logger

	// sharedDB 為 true 時資料庫連線屬於呼叫者，Close 不會關閉它
	sharedDB bool
}

// New 以連線 URL 建立遷移管理器
//
// 目前只有 postgres 走這條路徑，target 為 postgres:// 連線 URL。
func New(dialect Dialect, target string, logger *slog.Logger) (*Migrator, error) {
	databaseURL, err := migrationURL(dialect, target)
	if err != nil {
		return nil, err
	}

	// 建立嵌入檔案系統的源
	src, err := iofs.New(migrationsFS, string(dialect))
	if err != nil {
		return nil, fmt.Errorf("建立遷移源失敗: %w", err)
	}

	// 建立遷移實例
	m, err := migrate.NewWithSourceInstance("iofs", src, databaseURL)
	if err != nil {
		_ = src.Close()
		return nil, fmt.Errorf("建立遷移實例失敗: %w", err)
	}

	return &Migrator{
		migrate: m,
		src:     src,
		logger:  logger,
	}, nil
}

// NewSQLite 在既有的 SQLite 連線上建立遷移管理器
//
// 遷移與儲存層共用同一個 *sql.DB，不另開連線；檔案路徑不需要再轉成 URL。
func NewSQLite(db *sql.DB, logger *slog.Logger) (*Migrator, error) {
	src, err := iofs.New(migrationsFS, string(DialectSQLite))
	if err != nil {
		return nil, fmt.Errorf("建立遷移源失敗: %w", err)
	}

	driver, err := sqlite.WithInstance(db, &sqlite.Config{})
	if err != nil {
		_ = src.Close()
		return nil, fmt.Errorf("建立 sqlite 遷移驅動失敗: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, string(DialectSQLite), driver)
	if err != nil {
		_ = src.Close()
		return nil, fmt.Errorf("建立遷移實例失敗: %w", err)
	}

	return &Migrator{
		migrate:  m,
		src:      src,
		logger:   logger,
		sharedDB: true,
	}, nil
}

// migrationURL 轉換成 golang-migrate 驅動認得的 URL
func migrationURL(dialect Dialect, target string) (string, error) {
	if target == "" {
		return "", errors.New("migration target is required")
	}

	switch dialect {
	case DialectSQLite:
		return "", errors.New("sqlite migrations run on the store connection, use NewSQLite")
	case DialectPostgres:
		for _, prefix := range []string{"postgres://", "postgresql://"} {
			if strings.HasPrefix(target, prefix) {
				return "pgx5://" + strings.TrimPrefix(target, prefix), nil
			}
		}
		return "", fmt.Errorf("postgres migration target must be a postgres:// URL")
	default:
		return "", fmt.Errorf("unknown dialect %q", dialect)
	}
}

// Up 執行所有待處理的遷移
func (m *Migrator) Up() error {
	m.logger.Info("開始執行資料庫遷移")

	// 獲取當前版本
	version, dirty, err := m.migrate.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("獲取當前版本失敗: %w", err)
	}

	if dirty {
		m.logger.Warn("資料庫處於髒狀態，嘗試修復", "version", version)
		// 確保版本號在有效範圍內
		const maxInt = int(^uint(0) >> 1)
		if version > uint(maxInt) {
			return fmt.Errorf("版本號超出範圍: %d", version)
		}
		if err := m.migrate.Force(int(version)); err != nil {
			return fmt.Errorf("修復髒狀態失敗: %w", err)
		}
	}

	// 執行遷移
	if err := m.migrate.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			m.logger.Info("資料庫已是最新版本")
			return nil
		}
		return fmt.Errorf("執行遷移失敗: %w", err)
	}

	newVersion, _, _ := m.migrate.Version()
	m.logger.Info("資料庫遷移成功", "new_version", newVersion)

	return nil
}

// Version 獲取當前版本
func (m *Migrator) Version() (uint, bool, error) {
	return m.migrate.Version()
}

// Close 關閉遷移管理器
func (m *Migrator) Close() error {
	if m.sharedDB {
		// migrate.Close 會連同資料庫一起關閉，共用連線時只釋放遷移源
		if err := m.src.Close(); err != nil {
			return fmt.Errorf("關閉源失敗: %w", err)
		}
		return nil
	}

	sourceErr, dbErr := m.migrate.Close()
	if sourceErr != nil {
		return fmt.Errorf("關閉源失敗: %w", sourceErr)
	}
	if dbErr != nil {
		return fmt.Errorf("關閉資料庫連線失敗: %w", dbErr)
	}
	return nil
}

// Run 以連線 URL 建立遷移管理器、執行 Up 並關閉
func Run(dialect Dialect, target string, logger *slog.Logger) error {
	m, err := New(dialect, target, logger)
	if err != nil {
		return err
	}
	return upAndClose(m)
}

// RunSQLite 在既有的 SQLite 連線上執行 Up，連線保持開啟
func RunSQLite(db *sql.DB, logger *slog.Logger) error {
	m, err := NewSQLite(db, logger)
	if err != nil {
		return err
	}
	return upAndClose(m)
}

func upAndClose(m *Migrator) (err error) {
	defer func() {
		if closeErr := m.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}()

	return m.Up()
}
