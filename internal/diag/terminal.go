package diag

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
)

// Terminal: 面向用户的诊断输出（非日志）。
// - 输出到提供的 io.Writer（CLI 使用 stdout）。
// - 非 TTY 输出纯文本行，格式固定，便于脚本解析；TTY 下对状态词着色并追加汇总行。
// - 并发安全；写失败后进入禁用态为 no-op。
type Terminal struct {
	w       io.Writer
	enabled bool
	isTTY   bool

	runStart  time.Time
	processed int
	skipped   int
	failed    int

	mu sync.Mutex
}

var (
	styleOK   = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	styleSkip = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
	styleFail = lipgloss.NewStyle().Foreground(lipgloss.Color("1")).Bold(true)
	styleDim  = lipgloss.NewStyle().Faint(true)
)

// 进程级终端（可选，全局设置后供 pipeline 旁路调用）。
var (
	termMu sync.RWMutex
	term   *Terminal
)

// SetTerminal 设置全局终端指针（nil 可清除）。
func SetTerminal(t *Terminal) { termMu.Lock(); term = t; termMu.Unlock() }

// GetTerminal 返回全局终端（可能为 nil）。
func GetTerminal() *Terminal { termMu.RLock(); defer termMu.RUnlock(); return term }

// NewTerminal 构造终端提示器。
// enabled=false 时总是 no-op。
func NewTerminal(w io.Writer, enabled bool) *Terminal {
	if w == nil {
		w = os.Stdout
	}
	t := &Terminal{w: w, enabled: enabled}
	// CI 环境视为非 TTY
	if os.Getenv("CI") == "" {
		if f, ok := w.(*os.File); ok {
			t.isTTY = isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
		}
	}
	return t
}

// RunStart 记录运行上下文；仅 TTY 输出提示行。
func (t *Terminal) RunStart(dir string, concurrency int) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.enabled {
		return
	}
	t.runStart = time.Now()
	t.processed, t.skipped, t.failed = 0, 0, 0
	if t.isTTY {
		t.println(styleDim.Render(fmt.Sprintf("[run] dir=%s | concurrency=%d", safe(dir), concurrency)))
	}
}

// FileSkipped 软跳过：测量值个数不符合期望。
func (t *Terminal) FileSkipped(path, marker string, found int) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.enabled {
		return
	}
	t.skipped++
	t.println(fmt.Sprintf("%s %s: Not enough %s entries (%d found)", t.paint(styleSkip, "Skipping"), safe(path), marker, found))
}

// FileProcessed 成功写入一行。
func (t *Terminal) FileProcessed(path, marker string, window int, avg string) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.enabled {
		return
	}
	t.processed++
	t.println(fmt.Sprintf("%s %s: Average of last %d %s values = %s", t.paint(styleOK, "Processed"), safe(path), window, marker, avg))
}

// FileFailed 硬错误（仅在逐文件隔离模式下输出；中止模式由 CLI 报告首错）。
func (t *Terminal) FileFailed(path string, err error) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.enabled {
		return
	}
	t.failed++
	t.println(fmt.Sprintf("%s %s: %s", t.paint(styleFail, "Failed"), safe(path), safe(fmt.Sprint(err))))
}

// RunFinish 结束总览。ok=false（中止）时不输出结果位置，避免误导为部分成功。
func (t *Terminal) RunFinish(ok bool, output string) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.enabled || !ok {
		return
	}
	t.println("")
	t.println(fmt.Sprintf("Results saved in: %s", output))
	if t.isTTY {
		t.println(styleDim.Render(fmt.Sprintf("[ok] processed %d | skipped %d | failed %d | %s",
			t.processed, t.skipped, t.failed, formatSince(t.runStart))))
	}
}

func (t *Terminal) paint(s lipgloss.Style, word string) string {
	if !t.isTTY {
		return word
	}
	return s.Render(word)
}

// 内部输出工具
func (t *Terminal) println(s string) {
	if t == nil || !t.enabled {
		return
	}
	if _, err := io.WriteString(t.w, s+"\n"); err != nil {
		// 写失败即禁用
		t.enabled = false
	}
}

func safe(s string) string {
	// 避免换行等控制字符污染终端
	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.ReplaceAll(s, "\r", " ")
	return s
}

func formatSince(t0 time.Time) string { return formatDur(time.Since(t0)) }

func formatDur(d time.Duration) string {
	if d < time.Second {
		ms := d.Milliseconds()
		if ms <= 0 {
			ms = 0
		}
		return fmt.Sprintf("%dms", ms)
	}
	// 秒，保留 1 位小数
	s := float64(d.Milliseconds()) / 1000.0
	return fmt.Sprintf("%.1fs", s)
}
