// Package database は通知サービスが使用するSQLiteデータベースを開き、スキーマを適用する。
//
// 通知と注文紛争ビューは同じデータベースに置き、紛争解決時の注文更新と
// 通知追記を1つのトランザクションで行えるようにする。
package database

import (
	"embed"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/nao1215/dealerhub/pkg/migration"
)

//go:embed migrations/*.sql
var migrations embed.FS

// MemoryPath はテストで使用するインメモリデータベースのパス。
const MemoryPath = ":memory:"

// Open はSQLiteデータベースに接続する。
// 接続数を1に制限し、書き込みをトランザクション単位で直列化する。
func Open(path string) (*sqlx.DB, error) {
	db, err := sqlx.Open("sqlite", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("データベース接続に失敗: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("データベースへの疎通確認に失敗: %w", err)
	}
	return db, nil
}

// Migrate は埋め込まれたマイグレーションを適用する。
func Migrate(db *sqlx.DB) error {
	if err := migration.Run(db, migrations, "migrations"); err != nil {
		return fmt.Errorf("スキーマ初期化に失敗: %w", err)
	}
	return nil
}

// OpenAndMigrate はデータベースを開いてスキーマを適用する。
func OpenAndMigrate(path string) (*sqlx.DB, error) {
	db, err := Open(path)
	if err != nil {
		return nil, err
	}
	if err := Migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// dsn はファイルパスにWALとビジータイムアウトのプラグマを付与する。
func dsn(path string) string {
	if path == MemoryPath || strings.Contains(path, "?") {
		return path
	}
	return "file:" + path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
}
