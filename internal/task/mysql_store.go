package task

import (
	"context"
	stdErrors "errors"

	"github.com/go-sql-driver/mysql"

	xerrors "claudeflow/internal/errors"
)

const mysqlDuplicateEntry = 1062

var mysqlDialect = dialect{
	name:   "mysql",
	driver: "mysql",
	isDuplicate: func(err error) bool {
		var mysqlErr *mysql.MySQLError
		return stdErrors.As(err, &mysqlErr) && mysqlErr.Number == mysqlDuplicateEntry
	},
}

// NewMySQLStore 创建 MySQL 任务存储。DSN 会强制开启 clientFoundRows，
// 以便条件更新在值未变化时依然返回命中行数。
func NewMySQLStore(ctx context.Context, dsn string, opts SQLOptions) (*SQLStore, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "解析 MySQL DSN 失败")
	}
	cfg.ClientFoundRows = true
	return openSQLStore(ctx, mysqlDialect, cfg.FormatDSN(), opts)
}
