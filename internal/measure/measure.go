// Package measure 实现 ELAPSED TIME 测量值的抽取与尾窗平均。
//
// 日志约定：包含标记子串的行之后紧跟一行，其去除首尾空白后的内容为浮点数。
// 一个文件恰好包含 Expected 个测量值时才视为合格，平均值取最后 Window 个。
package measure

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"logavg/pkg/contract"
)

const (
	DefaultMarker    = "ELAPSED TIME"
	DefaultExpected  = 12
	DefaultWindow    = 10
	DefaultPrecision = 6
)

// Options 为抽取/汇总参数；零值字段采用默认值。
type Options struct {
	Marker    string `yaml:"marker"`
	Expected  int    `yaml:"expected_count"`
	Window    int    `yaml:"window"`
	Precision int    `yaml:"precision"`
}

// Averager 无内部状态，可被多个 worker 并发使用。
type Averager struct {
	marker    string
	expected  int
	window    int
	precision int
}

// New 校验参数并构造 Averager。
func New(opts *Options) (*Averager, error) {
	a := &Averager{
		marker:    DefaultMarker,
		expected:  DefaultExpected,
		window:    DefaultWindow,
		precision: DefaultPrecision,
	}
	if opts != nil {
		if opts.Marker != "" {
			a.marker = opts.Marker
		}
		if opts.Expected != 0 {
			a.expected = opts.Expected
		}
		if opts.Window != 0 {
			a.window = opts.Window
		}
		if opts.Precision != 0 {
			a.precision = opts.Precision
		}
	}
	switch {
	case a.expected < 1:
		return nil, fmt.Errorf("%w: expected_count must be >= 1", contract.ErrInvariantViolation)
	case a.window < 1 || a.window > a.expected:
		return nil, fmt.Errorf("%w: window must be in [1, expected_count(%d)]", contract.ErrInvariantViolation, a.expected)
	case a.precision < 0:
		return nil, fmt.Errorf("%w: precision must be >= 0", contract.ErrInvariantViolation)
	}
	return a, nil
}

func (a *Averager) Marker() string { return a.marker }
func (a *Averager) Expected() int  { return a.expected }
func (a *Averager) Window() int    { return a.window }
func (a *Averager) Precision() int { return a.precision }

// Extract 按出现顺序返回全部测量值。
// 标记行的后继行无法解析为浮点数时返回 ErrParse；标记位于最后一行时返回 ErrMarkerAtEOF。
// 逐行流式读取，不整体缓冲文件。
func (a *Averager) Extract(id contract.FileID, r io.Reader) ([]float64, error) {
	br := bufio.NewReader(r)
	var out []float64
	lineNo := 0
	pending := 0 // 等待取值的标记行号；0 表示无
	for {
		s, err := br.ReadString('\n')
		if len(s) > 0 {
			lineNo++
			if pending > 0 {
				text := strings.TrimSpace(s)
				v, perr := strconv.ParseFloat(text, 64)
				if perr != nil {
					return nil, fmt.Errorf("%s:%d: %w: %q after marker on line %d", id, lineNo, contract.ErrParse, text, pending)
				}
				out = append(out, v)
				pending = 0
			}
			// 取值行本身也参与标记判定
			if strings.Contains(s, a.marker) {
				pending = lineNo
			}
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%s: read: %w", id, err)
		}
	}
	if pending > 0 {
		return nil, fmt.Errorf("%s:%d: %w", id, pending, contract.ErrMarkerAtEOF)
	}
	return out, nil
}

// Summarize 抽取并汇总单个文件。
// 个数不等于 Expected 为软跳过（StatusSkipped, err == nil）；解析/读取失败为硬错误，
// 同时返回 StatusFailed 的 Outcome 与该错误。
func (a *Averager) Summarize(id contract.FileID, r io.Reader) (contract.Outcome, error) {
	vals, err := a.Extract(id, r)
	if err != nil {
		return contract.Outcome{File: id, Status: contract.StatusFailed, Err: err}, err
	}
	if len(vals) != a.expected {
		return contract.Outcome{File: id, Status: contract.StatusSkipped, Found: len(vals)}, nil
	}
	rec := contract.SummaryRecord{File: id, Average: TrailingMean(vals, a.window), Count: len(vals)}
	return contract.Outcome{File: id, Status: contract.StatusProcessed, Record: rec, Found: len(vals)}, nil
}

// Format 按配置精度格式化平均值。
func (a *Averager) Format(v float64) string { return Format(v, a.precision) }

// TrailingMean 返回最后 k 个元素的算术平均；k 超出长度时取全部，空切片返回 0。
func TrailingMean(vals []float64, k int) float64 {
	if k > len(vals) {
		k = len(vals)
	}
	if k <= 0 {
		return 0
	}
	sum := 0.0
	for _, v := range vals[len(vals)-k:] {
		sum += v
	}
	return sum / float64(k)
}

// Format 以固定小数位输出（标准舍入）。
func Format(v float64, precision int) string {
	return strconv.FormatFloat(v, 'f', precision, 64)
}
