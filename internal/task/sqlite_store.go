package task

import (
	"context"
	stdErrors "errors"
	"os"
	"path/filepath"
	"strings"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	xerrors "claudeflow/internal/errors"
)

const sqliteMemory = ":memory:"

var sqliteDialect = dialect{
	name:         "sqlite",
	driver:       "sqlite",
	singleWriter: true,
	isDuplicate: func(err error) bool {
		var sqliteErr *sqlite.Error
		if !stdErrors.As(err, &sqliteErr) {
			return false
		}
		code := sqliteErr.Code()
		return code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY || code == sqlite3.SQLITE_CONSTRAINT_UNIQUE
	},
}

// NewSQLiteStore 创建基于 SQLite 文件的任务存储。path 为 ":memory:" 时使用内存数据库。
func NewSQLiteStore(ctx context.Context, path string) (*SQLStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "SQLite 路径不能为空")
	}
	dsn := sqliteMemory
	if path != sqliteMemory {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建 SQLite 数据目录失败")
		}
		dsn = path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}
	return openSQLStore(ctx, sqliteDialect, dsn, SQLOptions{})
}
