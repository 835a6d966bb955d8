package filesystem

import (
	"bufio"
	"context"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"logavg/pkg/contract"
)

// Options 为 FileSystem Reader 的可选配置（最小必要）。
type Options struct {
	// Ext: 选取的文件后缀（区分大小写）。默认 ".log"。
	Ext string `yaml:"ext"`
	// Exclude: 永不作为输入的路径（通常为输出表自身）。按绝对路径比较。
	Exclude []string `yaml:"exclude"`
	// Sorted: 是否按文件名字典序枚举。默认 true；显式 false 时使用平台目录顺序。
	Sorted *bool `yaml:"sorted"`
	// BufSize 为读缓冲区大小（字节）。默认 64KiB。
	BufSize int `yaml:"buf_size"`
}

// FileSystem 枚举目录下的日志文件（非递归）。
type FileSystem struct {
	ext     string
	exclude map[string]struct{}
	sorted  bool
	bufSize int
}

// New 创建 FileSystem Reader。
func New(opts *Options) *FileSystem {
	const defaultBuf = 64 * 1024
	r := &FileSystem{ext: ".log", exclude: map[string]struct{}{}, sorted: true, bufSize: defaultBuf}
	if opts == nil {
		return r
	}
	if opts.Ext != "" {
		r.ext = opts.Ext
	}
	if opts.BufSize > 0 {
		r.bufSize = opts.BufSize
	}
	if opts.Sorted != nil {
		r.sorted = *opts.Sorted
	}
	for _, p := range opts.Exclude {
		if strings.TrimSpace(p) == "" {
			continue
		}
		r.exclude[absClean(p)] = struct{}{}
	}
	return r
}

// Exclude 追加排除路径（装配阶段用于排除输出表）。
func (r *FileSystem) Exclude(p string) {
	if strings.TrimSpace(p) != "" {
		r.exclude[absClean(p)] = struct{}{}
	}
}

var _ contract.Reader = (*FileSystem)(nil)

// Accepts 报告 p 是否会被 Iterate 选中（后缀匹配且未被排除）；不访问文件系统。
func (r *FileSystem) Accepts(p string) bool {
	if !strings.HasSuffix(filepath.Base(p), r.ext) {
		return false
	}
	_, skip := r.exclude[absClean(p)]
	return !skip
}

// Iterate 枚举 dir 的直接子项，对每个匹配后缀的常规文件调用 yield。
// 目录（包括名为 *.log 的目录）与指向目录的符号链接被忽略；失效的符号链接返回错误。
func (r *FileSystem) Iterate(ctx context.Context, dir string, yield func(fileID contract.FileID, rc io.ReadCloser) error) error {
	return r.IterateSelected(ctx, dir, nil, yield)
}

// IterateSelected 同 Iterate，但仅对 want 返回 true 的绝对路径执行 Stat/Open；want 为 nil 时全选。
func (r *FileSystem) IterateSelected(ctx context.Context, dir string, want func(abs string) bool, yield func(fileID contract.FileID, rc io.ReadCloser) error) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	names, err := r.list(dir)
	if err != nil {
		return err
	}
	for _, name := range names {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if !strings.HasSuffix(name, r.ext) {
			continue
		}
		p := filepath.Join(dir, name)
		abs := absClean(p)
		if _, skip := r.exclude[abs]; skip {
			continue
		}
		if want != nil && !want(abs) {
			continue
		}
		// Stat 跟随符号链接：仅接受最终指向常规文件的条目
		info, err := os.Stat(p)
		if err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			continue
		}
		f, err := os.Open(p)
		if err != nil {
			return err
		}
		brc := newBufferedCloser(f, r.bufSize)
		if err := yield(contract.NormalizeFileID(p), brc); err != nil {
			_ = brc.Close()
			return err
		}
	}
	return nil
}

// list 返回目录项名称；sorted=false 时保留平台返回顺序。
func (r *FileSystem) list(dir string) ([]string, error) {
	d, err := os.Open(dir)
	if err != nil {
		return nil, err
	}
	defer d.Close()
	names, err := d.Readdirnames(-1)
	if err != nil {
		return nil, err
	}
	if r.sorted {
		sort.Strings(names)
	}
	return names, nil
}

func absClean(p string) string {
	if a, err := filepath.Abs(p); err == nil {
		return a
	}
	return filepath.Clean(p)
}

// bufferedCloser 将 bufio.Reader 与底层 Closer 组合为 ReadCloser。
type bufferedCloser struct {
	*bufio.Reader
	c io.Closer
}

func newBufferedCloser(c io.ReadCloser, bufSize int) *bufferedCloser {
	if bufSize <= 0 {
		bufSize = 64 * 1024
	}
	return &bufferedCloser{Reader: bufio.NewReaderSize(c, bufSize), c: c}
}

func (b *bufferedCloser) Close() error { return b.c.Close() }
