package task

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"strings"
	"time"

	xerrors "claudeflow/internal/errors"
)

// SQLOptions 描述连接池参数。
type SQLOptions struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type dialect struct {
	name        string
	driver      string
	isDuplicate func(error) bool
	// singleWriter 为 true 时连接池只保留一个连接。
	singleWriter bool
}

// SQLStore 是 MySQL 与 SQLite 共用的任务存储实现。
type SQLStore struct {
	db      *sql.DB
	dialect dialect
	now     func() time.Time
}

const taskColumns = `id, prompt, target_agent, context, priority, distribute, status, output, outputs, degraded,
        attempts, max_retries, retry_pending, last_error, error_code, created_at, updated_at, completed_at`

func openSQLStore(ctx context.Context, d dialect, dsn string, opts SQLOptions) (*SQLStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("%s DSN 不能为空", d.name))
	}
	db, err := sql.Open(d.driver, dsn)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, fmt.Sprintf("连接 %s 失败", d.name))
	}

	if d.singleWriter {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	} else {
		if opts.MaxOpenConns > 0 {
			db.SetMaxOpenConns(opts.MaxOpenConns)
		} else {
			db.SetMaxOpenConns(20)
		}
		if opts.MaxIdleConns > 0 {
			db.SetMaxIdleConns(opts.MaxIdleConns)
		} else {
			db.SetMaxIdleConns(10)
		}
		if opts.ConnMaxLifetime > 0 {
			db.SetConnMaxLifetime(opts.ConnMaxLifetime)
		} else {
			db.SetConnMaxLifetime(30 * time.Minute)
		}
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, fmt.Sprintf("无法连接到 %s", d.name))
	}
	if err := runMigrations(ctx, db, d.name); err != nil {
		_ = db.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "执行数据库迁移失败")
	}
	return &SQLStore{db: db, dialect: d, now: time.Now}, nil
}

// Create 插入新的任务记录。
func (s *SQLStore) Create(ctx context.Context, task *Task) error {
	if task == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "task 不能为空")
	}
	if strings.TrimSpace(task.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "任务 ID 不能为空")
	}

	now := s.now().Unix()
	if task.CreatedAt == 0 {
		task.CreatedAt = now
	}
	task.UpdatedAt = now

	contextValue, err := marshalJSON(task.Context)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码任务 context 失败")
	}
	outputsValue, err := marshalJSON(task.Outputs)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码任务 outputs 失败")
	}

	const stmt = `INSERT INTO tasks (` + taskColumns + `)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = s.db.ExecContext(ctx, stmt,
		task.ID,
		task.Prompt,
		task.TargetAgent,
		contextValue,
		task.Priority,
		task.Distribute,
		string(task.Status),
		task.Output,
		outputsValue,
		task.Degraded,
		task.Attempts,
		task.MaxRetries,
		task.RetryPending,
		task.LastError,
		task.ErrorCode,
		task.CreatedAt,
		task.UpdatedAt,
		task.CompletedAt,
	)
	if err != nil {
		if s.dialect.isDuplicate != nil && s.dialect.isDuplicate(err) {
			return ErrTaskConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入任务失败")
	}
	return nil
}

// Get 查询指定任务。
func (s *SQLStore) Get(ctx context.Context, id string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	task, err := scanTask(row)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrTaskNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务失败")
	}
	return task, nil
}

// Claim 通过条件更新原子地领取任务。
func (s *SQLStore) Claim(ctx context.Context, id string) (*Task, error) {
	const stmt = `UPDATE tasks SET status = ?, attempts = attempts + 1, retry_pending = ?, updated_at = ?
        WHERE id = ? AND (status = ? OR (status = ? AND retry_pending = ?))`

	res, err := s.db.ExecContext(ctx, stmt,
		string(StatusInProgress),
		false,
		s.now().Unix(),
		id,
		string(StatusPending),
		string(StatusInProgress),
		true,
	)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "领取任务失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	task, getErr := s.Get(ctx, id)
	if getErr != nil {
		return nil, getErr
	}
	if affected == 0 {
		if task.Status.Terminal() {
			return task, ErrTaskFinished
		}
		return task, ErrTaskConflict
	}
	return task, nil
}

// MarkCompleted 将任务标记为完成。
func (s *SQLStore) MarkCompleted(ctx context.Context, id string, completion Completion) (*Task, error) {
	outputsValue, err := marshalJSON(completion.Outputs)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码任务 outputs 失败")
	}
	now := s.now().Unix()
	set := `output = ?, outputs = ?, degraded = ?, retry_pending = ?, completed_at = ?`
	args := []any{completion.Output, outputsValue, completion.Degraded, false, now}
	if !completion.Degraded {
		set += `, last_error = '', error_code = ''`
	}
	return s.transition(ctx, id, StatusCompleted, now, set, args)
}

// MarkRetry 标记任务等待重试，状态保持 in_progress。
func (s *SQLStore) MarkRetry(ctx context.Context, id string, code xerrors.Code, lastError string) (*Task, error) {
	now := s.now().Unix()
	return s.transition(ctx, id, StatusInProgress, now,
		`retry_pending = ?, last_error = ?, error_code = ?`,
		[]any{true, lastError, string(code)})
}

// MarkFailed 将任务标记为失败终态。
func (s *SQLStore) MarkFailed(ctx context.Context, id string, code xerrors.Code, lastError string) (*Task, error) {
	now := s.now().Unix()
	return s.transition(ctx, id, StatusFailed, now,
		`retry_pending = ?, last_error = ?, error_code = ?, completed_at = ?`,
		[]any{false, lastError, string(code), now})
}

func (s *SQLStore) transition(ctx context.Context, id string, to Status, now int64, set string, setArgs []any) (*Task, error) {
	sources := sourcesFor(to)
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(sources)), ",")
	stmt := fmt.Sprintf(`UPDATE tasks SET status = ?, updated_at = ?, %s WHERE id = ? AND status IN (%s)`, set, placeholders)

	args := make([]any, 0, len(setArgs)+len(sources)+3)
	args = append(args, string(to), now)
	args = append(args, setArgs...)
	args = append(args, id)
	for _, status := range sources {
		args = append(args, string(status))
	}

	res, err := s.db.ExecContext(ctx, stmt, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, fmt.Sprintf("更新任务状态为 %s 失败", to))
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	task, getErr := s.Get(ctx, id)
	if getErr != nil {
		return nil, getErr
	}
	if affected == 0 {
		return task, ErrInvalidTransition
	}
	return task, nil
}

// List 返回满足过滤条件的任务。
func (s *SQLStore) List(ctx context.Context, opts ListOptions) ([]*Task, error) {
	opts.applyDefaults()

	query := `SELECT ` + taskColumns + ` FROM tasks`
	clause, args := buildFilterClause(opts)
	if clause != "" {
		query += " WHERE " + clause
	}
	if opts.Order == SortByUpdatedAsc {
		query += " ORDER BY updated_at ASC, created_at ASC, id ASC"
	} else {
		query += " ORDER BY updated_at DESC, created_at DESC, id DESC"
	}
	query += " LIMIT ? OFFSET ?"
	args = append(args, opts.Limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务列表失败")
	}
	defer rows.Close()

	tasks := make([]*Task, 0, opts.Limit)
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析任务记录失败")
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历任务失败")
	}
	return tasks, nil
}

// Stats 返回符合过滤条件的任务聚合信息。
func (s *SQLStore) Stats(ctx context.Context, opts ListOptions) (Stats, error) {
	opts.applyDefaults()

	query := `SELECT
        COUNT(*),
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
        COALESCE(MIN(updated_at), 0),
        COALESCE(MAX(updated_at), 0)
        FROM tasks`
	clause, filterArgs := buildFilterClause(opts)
	if clause != "" {
		query += " WHERE " + clause
	}
	args := []any{string(StatusPending), string(StatusInProgress), string(StatusCompleted), string(StatusFailed)}
	args = append(args, filterArgs...)

	var stats Stats
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&stats.Total,
		&stats.Pending,
		&stats.InProgress,
		&stats.Completed,
		&stats.Failed,
		&stats.OldestUpdatedAt,
		&stats.NewestUpdatedAt,
	); err != nil {
		return Stats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务统计失败")
	}
	return stats, nil
}

// Close 关闭底层数据库连接。
func (s *SQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*Task, error) {
	var (
		task    Task
		status  string
		rawCtx  sql.NullString
		outputs sql.NullString
	)
	if err := row.Scan(
		&task.ID,
		&task.Prompt,
		&task.TargetAgent,
		&rawCtx,
		&task.Priority,
		&task.Distribute,
		&status,
		&task.Output,
		&outputs,
		&task.Degraded,
		&task.Attempts,
		&task.MaxRetries,
		&task.RetryPending,
		&task.LastError,
		&task.ErrorCode,
		&task.CreatedAt,
		&task.UpdatedAt,
		&task.CompletedAt,
	); err != nil {
		return nil, err
	}
	task.Status = Status(status)
	if err := unmarshalJSON(rawCtx, &task.Context); err != nil {
		return nil, fmt.Errorf("解析任务 context 失败: %w", err)
	}
	if err := unmarshalJSON(outputs, &task.Outputs); err != nil {
		return nil, fmt.Errorf("解析任务 outputs 失败: %w", err)
	}
	return &task, nil
}

// sourcesFor 返回可以迁移到目标状态的全部源状态。
func sourcesFor(to Status) []Status {
	var sources []Status
	for _, from := range []Status{StatusPending, StatusInProgress, StatusCompleted, StatusFailed} {
		if CanTransition(from, to) {
			sources = append(sources, from)
		}
	}
	return sources
}

func marshalJSON[T any](value map[string]T) (sql.NullString, error) {
	if len(value) == 0 {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(value)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func unmarshalJSON(raw sql.NullString, target any) error {
	if !raw.Valid || strings.TrimSpace(raw.String) == "" {
		return nil
	}
	return json.Unmarshal([]byte(raw.String), target)
}

// likeEscaper 让查询词按字面匹配，与 MemoryStore 的子串匹配一致。
// 转义字符选用 '!'，MySQL 与 SQLite 对它的字面量解析相同。
var likeEscaper = strings.NewReplacer("!", "!!", "%", "!%", "_", "!_")

func buildFilterClause(opts ListOptions) (string, []any) {
	conditions := make([]string, 0, 5)
	args := make([]any, 0, 8)

	if len(opts.Statuses) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(opts.Statuses)), ",")
		conditions = append(conditions, fmt.Sprintf("status IN (%s)", placeholders))
		for _, status := range opts.Statuses {
			args = append(args, string(status))
		}
	}
	if opts.Agent != "" {
		conditions = append(conditions, "LOWER(target_agent) = ?")
		args = append(args, opts.Agent)
	}
	if opts.UpdatedGTE > 0 {
		conditions = append(conditions, "updated_at >= ?")
		args = append(args, opts.UpdatedGTE)
	}
	if opts.UpdatedLTE > 0 {
		conditions = append(conditions, "updated_at <= ?")
		args = append(args, opts.UpdatedLTE)
	}
	if opts.HasOutput != nil {
		if *opts.HasOutput {
			conditions = append(conditions, "(output <> '' OR (outputs IS NOT NULL AND outputs <> ''))")
		} else {
			conditions = append(conditions, "(output = '' AND (outputs IS NULL OR outputs = ''))")
		}
	}
	if opts.Query != "" {
		pattern := "%" + likeEscaper.Replace(strings.ToLower(opts.Query)) + "%"
		conditions = append(conditions, "(LOWER(id) LIKE ? ESCAPE '!' OR LOWER(prompt) LIKE ? ESCAPE '!' OR LOWER(output) LIKE ? ESCAPE '!' OR "+
			"LOWER(COALESCE(outputs, '')) LIKE ? ESCAPE '!' OR LOWER(last_error) LIKE ? ESCAPE '!' OR LOWER(target_agent) LIKE ? ESCAPE '!')")
		for i := 0; i < 6; i++ {
			args = append(args, pattern)
		}
	}

	if len(conditions) == 0 {
		return "", nil
	}
	return strings.Join(conditions, " AND "), args
}

var _ Store = (*SQLStore)(nil)
