// Package csvtable 实现基于 CSV 文件的只追加输出表。
package csvtable

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"logavg/internal/measure"
	"logavg/pkg/contract"
)

// Header 为输出表固定表头。
var Header = []string{"file", "average_time"}

// Options: 最小必要选项。
type Options struct {
	// PermFile/PermDir: 可选权限；为 0 表示使用默认 0644/0755。
	PermFile os.FileMode `yaml:"perm_file"`
	PermDir  os.FileMode `yaml:"perm_dir"`
}

// Table 为 CSV 输出表；单写者，不做内部加锁。
type Table struct {
	path      string
	precision int
	permF     os.FileMode
	permD     os.FileMode

	f  *os.File
	cw *csv.Writer
}

// New 创建 CSV 输出表。path 必需；precision<=0 时使用默认 6 位小数。
func New(path string, precision int, opts *Options) (*Table, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("%w: csv output path empty", contract.ErrPathInvalid)
	}
	if precision <= 0 {
		precision = measure.DefaultPrecision
	}
	t := &Table{path: path, precision: precision, permF: 0o644, permD: 0o755}
	if opts != nil {
		if opts.PermFile != 0 {
			t.permF = opts.PermFile
		}
		if opts.PermDir != 0 {
			t.permD = opts.PermDir
		}
	}
	return t, nil
}

var _ contract.Sink = (*Table)(nil)

func (t *Table) Location() string { return t.path }

// Ensure 在文件不存在时以独占方式创建并写入表头；已存在则不改动。
func (t *Table) Ensure(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	if st, err := os.Stat(t.path); err == nil {
		if st.IsDir() {
			return fmt.Errorf("%w: %s is a directory", contract.ErrPathInvalid, t.path)
		}
		return nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(t.path), t.permD); err != nil {
		return err
	}
	f, err := os.OpenFile(t.path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, t.permF)
	if err != nil {
		// 并发创建：他人已建好表头
		if errors.Is(err, fs.ErrExist) {
			return nil
		}
		return err
	}
	cw := csv.NewWriter(f)
	if err := cw.Write(Header); err != nil {
		_ = f.Close()
		return err
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// Append 追加一行 `path,average`，每行立即落盘，中途失败时之前的行保持可见。
func (t *Table) Append(ctx context.Context, rec contract.SummaryRecord) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	if t.f == nil {
		f, err := os.OpenFile(t.path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, t.permF)
		if err != nil {
			return err
		}
		t.f = f
		t.cw = csv.NewWriter(f)
	}
	if err := t.cw.Write([]string{string(rec.File), measure.Format(rec.Average, t.precision)}); err != nil {
		return err
	}
	t.cw.Flush()
	return t.cw.Error()
}

// Close 关闭当前打开的文件句柄
func (t *Table) Close() error {
	if t.f == nil {
		return nil
	}
	err := t.f.Close()
	t.f = nil
	t.cw = nil
	return err
}
