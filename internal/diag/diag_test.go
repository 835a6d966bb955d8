package diag

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"logavg/pkg/contract"
)

// 日志轮转写入
func TestRotatingFile(t *testing.T) {
	dir := t.TempDir()
	w := NewRotatingFile(dir, 30)
	_, err := w.Write([]byte("first line that is very long\n"))
	require.NoError(t, err)
	_, err = w.Write([]byte("second\n"))
	require.NoError(t, err)
	require.NoError(t, w.Sync())
	require.NoError(t, w.Close())

	ents, err := os.ReadDir(dir)
	require.NoError(t, err)
	hasCurrent, hasRotated := false, false
	for _, e := range ents {
		switch {
		case e.Name() == "logavg-current.log":
			hasCurrent = true
		case strings.HasPrefix(e.Name(), "logavg-") && strings.HasSuffix(e.Name(), ".log"):
			hasRotated = true
		}
	}
	assert.True(t, hasCurrent && hasRotated, "expect current and rotated files, got %v", ents)
}

// 单条超长日志写入空文件时不触发轮转
func TestRotatingFileOversizedFirstWrite(t *testing.T) {
	dir := t.TempDir()
	w := NewRotatingFile(dir, 4)
	_, err := w.Write([]byte("0123456789\n"))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	ents, _ := os.ReadDir(dir)
	assert.Len(t, ents, 1)
}

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &m), line)
		out = append(out, m)
	}
	return out
}

// Logger 事件结构与级别过滤
func TestLoggerEvents(t *testing.T) {
	var buf bytes.Buffer
	l := NewLoggerTo(&buf, "corr", "info")
	timer := l.StartWith("measure", "summarize", "a.log")
	timer.Finish("summarize", 12)
	l.ErrorWithKV("measure", string(CodeParse), "summarize failed", nil, "b.log", map[string]string{"line": "3"})
	l.DebugStart("config", "effective", "", nil) // info 级别下被过滤
	l.Warn("pipeline", "skipped", "c.log", map[string]string{"found": "11"})

	evs := decodeLines(t, &buf)
	require.Len(t, evs, 4)
	assert.Equal(t, "start", evs[0]["stage"])
	assert.Equal(t, "corr", evs[0]["corr_id"])
	assert.Equal(t, "a.log", evs[0]["file_id"])
	assert.Equal(t, "finish", evs[1]["stage"])
	assert.EqualValues(t, 12, evs[1]["count"])
	assert.Equal(t, "error", evs[2]["level"])
	assert.Equal(t, "parse", evs[2]["code"])
	assert.Equal(t, map[string]any{"line": "3"}, evs[2]["kv"])
	assert.Equal(t, "warn", evs[3]["level"])
}

func TestLoggerDebugLevel(t *testing.T) {
	var buf bytes.Buffer
	l := NewLoggerTo(&buf, "", "debug")
	l.DebugStart("config", "effective", "", map[string]string{"k": "v"})
	start := time.Now()
	l.Error("pipeline", "io", "first error", &start)
	l.InfoFinish("pipeline", "run", start, 2)
	evs := decodeLines(t, &buf)
	require.Len(t, evs, 3)
	_, hasCorr := evs[0]["corr_id"]
	assert.False(t, hasCorr)
	_, hasDur := evs[1]["dur_ms"]
	assert.True(t, hasDur)
}

// nil/Nop 日志器不 panic
func TestLoggerNilSafe(t *testing.T) {
	var l *Logger
	l.Start("c", "m").Finish("m", 1)
	l.Error("c", "code", "m", nil)
	l.Warn("c", "m", "", nil)
	l.InfoFinish("c", "m", time.Now(), 0)
	assert.NoError(t, l.Sync())

	n := NewNop()
	n.StartWithKV("c", "m", "f", map[string]string{"a": "b"}).Finish("m", 0)
	assert.NoError(t, n.Sync())
}

// NewLogger 写入轮转目录
func TestNewLoggerWritesFile(t *testing.T) {
	dir := t.TempDir()
	l := NewLogger("corr", "info", dir)
	l.Start("pipeline", "run").Finish("run", 0)
	require.NoError(t, l.Sync())
	b, err := os.ReadFile(dir + "/logavg-current.log")
	require.NoError(t, err)
	assert.Contains(t, string(b), `"comp":"pipeline"`)
}

func TestMetrics(t *testing.T) {
	ResetMetrics()
	IncOp("pipeline", "summarize", "success")
	IncOp("pipeline", "summarize", "success")
	IncError("pipeline", "parse")
	ObserveDuration("pipeline", "run", 5)
	snap := Snapshot()
	assert.EqualValues(t, 2, snap["op_total{comp=pipeline,stage=summarize,result=success}"])
	assert.EqualValues(t, 1, snap["error_total{comp=pipeline,code=parse}"])
	assert.EqualValues(t, 5, snap["op_duration_ms{comp=pipeline,stage=run}"])
	lines := SnapshotLines()
	assert.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[0], "error_total"))
	ResetMetrics()
	assert.Empty(t, Snapshot())
}

// 错误分类
func TestClassify(t *testing.T) {
	cases := []struct {
		err  error
		want Code
	}{
		{nil, CodeUnknown},
		{context.Canceled, CodeCancel},
		{fmt.Errorf("x: %w", context.DeadlineExceeded), CodeCancel},
		{fmt.Errorf("a.log:3: %w", contract.ErrParse), CodeParse},
		{contract.ErrMarkerAtEOF, CodeParse},
		{contract.ErrPathInvalid, CodeInvariant},
		{&fs.PathError{Op: "open", Path: "/", Err: errors.New("x")}, CodeIO},
		{&os.LinkError{Op: "rename", Old: "a", New: "b", Err: errors.New("x")}, CodeIO},
		{errors.New("other"), CodeUnknown},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, Classify(c.err), "%v", c.err)
	}
}

// 终端（非 TTY）输出固定格式行
func TestTerminalNonTTY(t *testing.T) {
	var sb strings.Builder
	term := NewTerminal(&sb, true)
	require.False(t, term.isTTY)
	term.RunStart("/runs", 2)
	term.FileSkipped("/runs/a.log", "ELAPSED TIME", 11)
	term.FileProcessed("/runs/b.log", "ELAPSED TIME", 10, "7.500000")
	term.FileFailed("/runs/c.log", errors.New("bad\nvalue"))
	term.RunFinish(true, "/runs/processed_results.csv")

	want := "Skipping /runs/a.log: Not enough ELAPSED TIME entries (11 found)\n" +
		"Processed /runs/b.log: Average of last 10 ELAPSED TIME values = 7.500000\n" +
		"Failed /runs/c.log: bad value\n" +
		"\n" +
		"Results saved in: /runs/processed_results.csv\n"
	assert.Equal(t, want, sb.String())
}

// 中止时不输出结果位置
func TestTerminalAbortNoResultsLine(t *testing.T) {
	var sb strings.Builder
	term := NewTerminal(&sb, true)
	term.FileProcessed("a.log", "ELAPSED TIME", 10, "1.000000")
	term.RunFinish(false, "out.csv")
	assert.NotContains(t, sb.String(), "Results saved in")
}

// TTY 下追加汇总行
func TestTerminalTTYSummary(t *testing.T) {
	var sb strings.Builder
	term := NewTerminal(&sb, true)
	term.isTTY = true // 强制 TTY
	term.RunStart("d", 1)
	term.FileProcessed("a.log", "ELAPSED TIME", 10, "1.000000")
	term.RunFinish(true, "out.csv")
	out := sb.String()
	assert.Contains(t, out, "Results saved in: out.csv")
	assert.Contains(t, out, "processed 1 | skipped 0 | failed 0")
}

// 写失败降级为禁用态
type flakyWriter struct{ fail bool }

func (w *flakyWriter) Write(p []byte) (int, error) {
	if w.fail {
		w.fail = false
		return 0, fmt.Errorf("boom")
	}
	return len(p), nil
}

func TestTerminalDisableOnWriteError(t *testing.T) {
	fw := &flakyWriter{fail: true}
	term := NewTerminal(fw, true)
	term.FileSkipped("a", "M", 0)
	assert.False(t, term.enabled)
	// 后续调用应该是 no-op，不应 panic
	term.FileProcessed("a", "M", 1, "1")
	term.RunFinish(true, "x")

	var nilTerm *Terminal
	nilTerm.RunStart("d", 1)
	nilTerm.FileFailed("a", errors.New("x"))
}

func TestHelpers(t *testing.T) {
	assert.Equal(t, "a b c", safe("a\nb\rc"))
	assert.Equal(t, "0ms", formatDur(0))
	assert.Equal(t, "1.5s", formatDur(1500*time.Millisecond))
	SetTerminal(nil)
	assert.Nil(t, GetTerminal())
}
