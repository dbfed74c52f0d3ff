package job

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	xerrors "PluginShell/internal/errors"
)

// MySQLStore 使用 MySQL 记录作业与批次状态，供多实例部署共享。
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore 创建一个新的 MySQLStore。
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "MySQL DSN 不能为空")
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 MySQL 失败")
	}

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(10 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "无法连接到 MySQL")
	}

	store := &MySQLStore{db: db}
	if err := store.runMigrations(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Create 插入新的作业记录。
func (s *MySQLStore) Create(ctx context.Context, j *Job) error {
	if j == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "job 不能为空")
	}
	if strings.TrimSpace(j.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "作业 ID 不能为空")
	}
	if j.CreatedAt == 0 {
		j.CreatedAt = time.Now().Unix()
	}
	if j.Status == "" {
		j.Status = StatusQueued
	}
	return s.insertJob(ctx, s.db, j)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *MySQLStore) insertJob(ctx context.Context, db execer, j *Job) error {
	payloadValue, err := marshalJSONColumn(j.Payload)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码作业 payload 失败")
	}

	const stmt = `INSERT INTO shell_jobs
        (id, type, payload, status, attempt, max_attempts, owner, batch_id, last_error, error_code, cancel_requested, created_at, started_at, finished_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, '', '', 0, ?, 0, 0)`

	_, err = db.ExecContext(ctx, stmt,
		j.ID,
		j.Type,
		payloadValue,
		j.Status,
		j.Attempt,
		j.MaxAttempts,
		j.Owner,
		j.BatchID,
		j.CreatedAt,
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return ErrJobConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入作业失败")
	}
	return nil
}

// CreateBatch 在事务内写入批次与全部成员作业。
func (s *MySQLStore) CreateBatch(ctx context.Context, batch *Batch, jobs []*Job) error {
	if batch == nil || strings.TrimSpace(batch.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "批次 ID 不能为空")
	}
	if batch.CreatedAt == 0 {
		batch.CreatedAt = time.Now().Unix()
	}
	jobIDs, err := json.Marshal(batch.JobIDs)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码批次成员失败")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启批次事务失败")
	}
	defer func() { _ = tx.Rollback() }()

	const stmt = `INSERT INTO shell_batches (id, job_ids, created_at) VALUES (?, ?, ?)`
	if _, err := tx.ExecContext(ctx, stmt, batch.ID, string(jobIDs), batch.CreatedAt); err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return ErrJobConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入批次失败")
	}
	for _, j := range jobs {
		if j.CreatedAt == 0 {
			j.CreatedAt = batch.CreatedAt
		}
		if j.Status == "" {
			j.Status = StatusQueued
		}
		if err := s.insertJob(ctx, tx, j); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交批次事务失败")
	}
	return nil
}

const jobColumns = `id, type, payload, status, attempt, max_attempts, owner, batch_id, last_error, error_code, result, cancel_requested, created_at, started_at, finished_at`

func scanJob(scan func(dest ...any) error) (*Job, error) {
	var j Job
	var payload, result sql.NullString
	var cancelRequested int
	if err := scan(
		&j.ID,
		&j.Type,
		&payload,
		&j.Status,
		&j.Attempt,
		&j.MaxAttempts,
		&j.Owner,
		&j.BatchID,
		&j.LastError,
		&j.ErrorCode,
		&result,
		&cancelRequested,
		&j.CreatedAt,
		&j.StartedAt,
		&j.FinishedAt,
	); err != nil {
		return nil, err
	}
	j.CancelRequested = cancelRequested != 0
	decodedPayload, err := unmarshalJSONColumn(payload)
	if err != nil {
		return nil, err
	}
	j.Payload = decodedPayload
	if result.Valid && strings.TrimSpace(result.String) != "" {
		var value any
		if err := json.Unmarshal([]byte(result.String), &value); err != nil {
			return nil, err
		}
		j.Result = value
	}
	return &j, nil
}

// Get 查询指定作业。
func (s *MySQLStore) Get(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM shell_jobs WHERE id = ?`, id)
	j, err := scanJob(row.Scan)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrJobNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询作业失败")
	}
	return j, nil
}

// GetBatch 查询批次记录。
func (s *MySQLStore) GetBatch(ctx context.Context, id string) (*Batch, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, job_ids, created_at FROM shell_batches WHERE id = ?`, id)
	var batch Batch
	var jobIDs string
	if err := row.Scan(&batch.ID, &jobIDs, &batch.CreatedAt); err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrBatchNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询批次失败")
	}
	if err := json.Unmarshal([]byte(jobIDs), &batch.JobIDs); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析批次成员失败")
	}
	return &batch, nil
}

// Claim 将排队中的作业原子地转为运行中。
func (s *MySQLStore) Claim(ctx context.Context, id string) (*Job, error) {
	now := time.Now().Unix()

	// 先处理挂起的取消标志，排队中的作业直接进入终态。
	const cancelStmt = `UPDATE shell_jobs SET status = ?, finished_at = ?
        WHERE id = ? AND status = ? AND cancel_requested = 1`
	res, err := s.db.ExecContext(ctx, cancelStmt, StatusCancelled, now, id, StatusQueued)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "处理取消标志失败")
	}
	if affected, _ := res.RowsAffected(); affected > 0 {
		j, getErr := s.Get(ctx, id)
		if getErr != nil {
			return nil, getErr
		}
		return j, errCancelledOnClaim
	}

	const claimStmt = `UPDATE shell_jobs SET status = ?, attempt = attempt + 1, started_at = ?
        WHERE id = ? AND status = ? AND cancel_requested = 0 AND attempt < max_attempts`
	res, err = s.db.ExecContext(ctx, claimStmt, StatusRunning, now, id, StatusQueued)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "领取作业失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	if affected == 0 {
		j, getErr := s.Get(ctx, id)
		if getErr != nil {
			return nil, getErr
		}
		switch j.Status {
		case StatusSucceeded, StatusFailed:
			return j, ErrJobCompleted
		case StatusCancelled:
			return j, ErrJobCancelled
		case StatusRunning:
			return j, ErrJobConflict
		default:
			if j.Attempt >= j.MaxAttempts {
				return j, ErrJobExhausted
			}
			return j, ErrJobConflict
		}
	}
	return s.Get(ctx, id)
}

// Requeue 将运行中的作业放回排队状态等待重试。
func (s *MySQLStore) Requeue(ctx context.Context, id string, code xerrors.Code, lastError string) error {
	const stmt = `UPDATE shell_jobs SET status = ?, last_error = ?, error_code = ? WHERE id = ? AND status = ?`
	res, err := s.db.ExecContext(ctx, stmt, StatusQueued, lastError, string(code), id, StatusRunning)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "作业重新排队失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		if _, getErr := s.Get(ctx, id); getErr != nil {
			return getErr
		}
		return ErrJobConflict
	}
	return nil
}

// MarkSucceeded 将作业标记为成功。
func (s *MySQLStore) MarkSucceeded(ctx context.Context, id string, result any) error {
	resultValue, err := marshalResultColumn(result)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码作业结果失败")
	}
	const stmt = `UPDATE shell_jobs SET status = ?, result = ?, last_error = '', error_code = '', finished_at = ? WHERE id = ?`
	res, err := s.db.ExecContext(ctx, stmt, StatusSucceeded, resultValue, time.Now().Unix(), id)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "标记作业成功失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrJobNotFound
	}
	return nil
}

// MarkFailed 将作业标记为终态失败。
func (s *MySQLStore) MarkFailed(ctx context.Context, id string, code xerrors.Code, lastError string) error {
	const stmt = `UPDATE shell_jobs SET status = ?, last_error = ?, error_code = ?, finished_at = ? WHERE id = ?`
	res, err := s.db.ExecContext(ctx, stmt, StatusFailed, lastError, string(code), time.Now().Unix(), id)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "标记作业失败失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrJobNotFound
	}
	return nil
}

// MarkCancelled 将作业转为取消终态。
func (s *MySQLStore) MarkCancelled(ctx context.Context, id string) error {
	const stmt = `UPDATE shell_jobs SET status = ?, finished_at = ? WHERE id = ? AND status NOT IN (?, ?, ?)`
	res, err := s.db.ExecContext(ctx, stmt, StatusCancelled, time.Now().Unix(), id,
		StatusSucceeded, StatusFailed, StatusCancelled)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "标记作业取消失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		if _, getErr := s.Get(ctx, id); getErr != nil {
			return getErr
		}
		return ErrJobCompleted
	}
	return nil
}

// RequestCancel 设置取消标志，排队中的作业立即转为 cancelled。
func (s *MySQLStore) RequestCancel(ctx context.Context, id string) (*Job, bool, error) {
	now := time.Now().Unix()

	const directStmt = `UPDATE shell_jobs SET cancel_requested = 1, status = ?, finished_at = ?
        WHERE id = ? AND status = ?`
	res, err := s.db.ExecContext(ctx, directStmt, StatusCancelled, now, id, StatusQueued)
	if err != nil {
		return nil, false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "取消排队作业失败")
	}
	if affected, _ := res.RowsAffected(); affected > 0 {
		j, getErr := s.Get(ctx, id)
		if getErr != nil {
			return nil, false, getErr
		}
		return j, true, nil
	}

	const flagStmt = `UPDATE shell_jobs SET cancel_requested = 1 WHERE id = ? AND status = ?`
	res, err = s.db.ExecContext(ctx, flagStmt, id, StatusRunning)
	if err != nil {
		return nil, false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "设置取消标志失败")
	}
	if affected, _ := res.RowsAffected(); affected > 0 {
		j, getErr := s.Get(ctx, id)
		if getErr != nil {
			return nil, false, getErr
		}
		return j, false, nil
	}

	j, getErr := s.Get(ctx, id)
	if getErr != nil {
		return nil, false, getErr
	}
	return j, false, ErrJobCompleted
}

// List 返回符合过滤条件的作业列表。
func (s *MySQLStore) List(ctx context.Context, opts ListOptions) ([]*Job, error) {
	opts.applyDefaults()

	query := `SELECT ` + jobColumns + ` FROM shell_jobs`
	clause, filterArgs := buildFilterClause(opts)
	if clause != "" {
		query += " WHERE " + clause
	}
	order := " ORDER BY created_at DESC, id DESC"
	if opts.Order == SortByCreatedAsc {
		order = " ORDER BY created_at ASC, id ASC"
	}
	query += order + " LIMIT ? OFFSET ?"
	args := append(filterArgs, opts.Limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询作业列表失败")
	}
	defer rows.Close()

	jobs := make([]*Job, 0, opts.Limit)
	for rows.Next() {
		j, err := scanJob(rows.Scan)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析作业记录失败")
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历作业失败")
	}
	return jobs, nil
}

// Stats 返回符合过滤条件的作业聚合信息。
func (s *MySQLStore) Stats(ctx context.Context, opts ListOptions) (Stats, error) {
	opts.applyDefaults()

	query := `SELECT
        COUNT(*) AS total,
        SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS queued,
        SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS running,
        SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS succeeded,
        SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS failed,
        SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS cancelled
        FROM shell_jobs`

	clause, filterArgs := buildFilterClause(opts)
	if clause != "" {
		query += " WHERE " + clause
	}

	args := []any{string(StatusQueued), string(StatusRunning), string(StatusSucceeded), string(StatusFailed), string(StatusCancelled)}
	args = append(args, filterArgs...)

	row := s.db.QueryRowContext(ctx, query, args...)

	var stats Stats
	var queued, running, succeeded, failed, cancelled sql.NullInt64
	if err := row.Scan(
		&stats.Total,
		&queued,
		&running,
		&succeeded,
		&failed,
		&cancelled,
	); err != nil {
		return Stats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询作业统计失败")
	}
	stats.Queued = int(queued.Int64)
	stats.Running = int(running.Int64)
	stats.Succeeded = int(succeeded.Int64)
	stats.Failed = int(failed.Int64)
	stats.Cancelled = int(cancelled.Int64)
	return stats, nil
}

// Close 关闭底层数据库连接。
func (s *MySQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func marshalJSONColumn(payload map[string]any) (sql.NullString, error) {
	if len(payload) == 0 {
		return sql.NullString{}, nil
	}
	bytes, err := json.Marshal(payload)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(bytes), Valid: true}, nil
}

func marshalResultColumn(result any) (sql.NullString, error) {
	if result == nil {
		return sql.NullString{}, nil
	}
	bytes, err := json.Marshal(result)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(bytes), Valid: true}, nil
}

func unmarshalJSONColumn(raw sql.NullString) (map[string]any, error) {
	if !raw.Valid || strings.TrimSpace(raw.String) == "" {
		return nil, nil
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(raw.String), &payload); err != nil {
		return nil, err
	}
	return payload, nil
}

func buildFilterClause(opts ListOptions) (string, []any) {
	conditions := make([]string, 0, 6)
	args := make([]any, 0, 8)

	if len(opts.Statuses) > 0 {
		placeholders := make([]string, 0, len(opts.Statuses))
		for range opts.Statuses {
			placeholders = append(placeholders, "?")
		}
		conditions = append(conditions, fmt.Sprintf("status IN (%s)", strings.Join(placeholders, ",")))
		for _, status := range opts.Statuses {
			args = append(args, status)
		}
	}
	if opts.Type != "" {
		conditions = append(conditions, "type = ?")
		args = append(args, opts.Type)
	}
	if opts.Owner != "" {
		conditions = append(conditions, "owner = ?")
		args = append(args, opts.Owner)
	}
	if opts.BatchID != "" {
		conditions = append(conditions, "batch_id = ?")
		args = append(args, opts.BatchID)
	}
	if opts.CreatedGTE > 0 {
		conditions = append(conditions, "created_at >= ?")
		args = append(args, opts.CreatedGTE)
	}
	if opts.CreatedLTE > 0 {
		conditions = append(conditions, "created_at <= ?")
		args = append(args, opts.CreatedLTE)
	}

	if len(conditions) == 0 {
		return "", nil
	}
	return strings.Join(conditions, " AND "), args
}

var _ Store = (*MySQLStore)(nil)
