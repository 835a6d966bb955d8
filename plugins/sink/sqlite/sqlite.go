// Package sqlite 实现基于 SQLite 的只追加输出表。
//
// 表结构与 CSV 输出一一对应（file, average_time），另附 run_id 与写入时间，
// 便于区分多次运行产生的重复行；不做去重。
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"logavg/internal/measure"
	"logavg/pkg/contract"
)

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Options: 最小必要选项。
type Options struct {
	// Table: 表名，默认 "summaries"。
	Table string `yaml:"table"`
	// BusyTimeoutMS: 锁等待时间（毫秒），默认 5000。
	BusyTimeoutMS int `yaml:"busy_timeout_ms"`
}

// Store 为 SQLite 输出表。
type Store struct {
	path      string
	table     string
	busyMS    int
	precision int
	runID     string

	db *sql.DB
}

// New 创建 SQLite 输出表；数据库在 Ensure 时打开。
func New(path string, precision int, runID string, opts *Options) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("%w: sqlite output path empty", contract.ErrPathInvalid)
	}
	if precision <= 0 {
		precision = measure.DefaultPrecision
	}
	s := &Store{path: path, table: "summaries", busyMS: 5000, precision: precision, runID: runID}
	if opts != nil {
		if opts.Table != "" {
			s.table = opts.Table
		}
		if opts.BusyTimeoutMS > 0 {
			s.busyMS = opts.BusyTimeoutMS
		}
	}
	if !identRe.MatchString(s.table) {
		return nil, fmt.Errorf("%w: invalid table name %q", contract.ErrInvariantViolation, s.table)
	}
	return s, nil
}

var _ contract.Sink = (*Store)(nil)

func (s *Store) Location() string { return s.path }

// Ensure 打开数据库并在表不存在时建表（幂等）。
func (s *Store) Ensure(ctx context.Context) error {
	if s.db == nil {
		if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
			return err
		}
		db, err := sql.Open("sqlite", s.path)
		if err != nil {
			return fmt.Errorf("open sqlite: %w", err)
		}
		// 单写者
		db.SetMaxOpenConns(1)
		if _, err := db.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout = %d", s.busyMS)); err != nil {
			_ = db.Close()
			return fmt.Errorf("sqlite pragma: %w", err)
		}
		s.db = db
	}
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	file TEXT NOT NULL,
	average_time TEXT NOT NULL,
	average REAL NOT NULL,
	run_id TEXT NOT NULL DEFAULT '',
	recorded_at TEXT NOT NULL
)`, s.table)
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("sqlite create table: %w", err)
	}
	return nil
}

// Append 插入一行；average_time 保存格式化文本，average 保存完整精度。
func (s *Store) Append(ctx context.Context, rec contract.SummaryRecord) error {
	if s.db == nil {
		if err := s.Ensure(ctx); err != nil {
			return err
		}
	}
	q := fmt.Sprintf("INSERT INTO %s (file, average_time, average, run_id, recorded_at) VALUES (?, ?, ?, ?, ?)", s.table)
	_, err := s.db.ExecContext(ctx, q,
		string(rec.File),
		measure.Format(rec.Average, s.precision),
		rec.Average,
		s.runID,
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("sqlite insert: %w", err)
	}
	return nil
}

// Row 为读取结果（测试与诊断使用）。
type Row struct {
	File        string
	AverageTime string
	Average     float64
	RunID       string
}

// Rows 按插入顺序返回全部行。
func (s *Store) Rows(ctx context.Context) ([]Row, error) {
	if s.db == nil {
		return nil, nil
	}
	rs, err := s.db.QueryContext(ctx, fmt.Sprintf("SELECT file, average_time, average, run_id FROM %s ORDER BY id", s.table))
	if err != nil {
		return nil, err
	}
	defer rs.Close()
	var out []Row
	for rs.Next() {
		var r Row
		if err := rs.Scan(&r.File, &r.AverageTime, &r.Average, &r.RunID); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rs.Err()
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}
