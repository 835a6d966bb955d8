// Package watch 在初次全量扫描后监听输入目录，对新建/改写且已静默的日志文件复用同一流水线。
package watch

import (
	"context"
	"io"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"logavg/internal/diag"
	"logavg/internal/pipeline"
	"logavg/pkg/contract"
)

// DefaultDebounce 为同一文件连续事件的静默窗口。
const DefaultDebounce = 500 * time.Millisecond

// Options 为 Watcher 的可选配置。
type Options struct {
	// Debounce: 文件最后一次事件后等待多久再处理；<=0 使用默认值。
	Debounce time.Duration
	// Ignore: 不触发处理的路径（通常为输出表自身）。
	Ignore []string
	// OnBatch: 每次运行（含初次全量扫描）结束后回调；在监听协程内同步调用。
	OnBatch func(rep *contract.Report, err error)
}

// Stats 为监听期累计计数。
type Stats struct {
	Events    int
	Batches   int
	Processed int
	Skipped   int
	Failed    int
	Errors    int
}

// Watcher 单协程事件循环：事件入队 → 定时检查静默 → 以文件子集运行流水线。
type Watcher struct {
	comp   pipeline.Components
	set    pipeline.Settings
	logger *diag.Logger

	debounce time.Duration
	ignore   map[string]struct{}
	onBatch  func(*contract.Report, error)

	mu      sync.Mutex
	pending map[string]time.Time
	stats   Stats
}

// New 构造 Watcher；comp/set 与一次性运行相同。
func New(comp pipeline.Components, set pipeline.Settings, logger *diag.Logger, opts *Options) *Watcher {
	w := &Watcher{
		comp:     comp,
		set:      set,
		logger:   logger,
		debounce: DefaultDebounce,
		ignore:   map[string]struct{}{},
		pending:  map[string]time.Time{},
	}
	if opts != nil {
		if opts.Debounce > 0 {
			w.debounce = opts.Debounce
		}
		for _, p := range opts.Ignore {
			w.ignore[absClean(p)] = struct{}{}
		}
		w.onBatch = opts.OnBatch
	}
	return w
}

// Run 阻塞直至 ctx 取消。先注册监听再做初次全量扫描，避免漏掉扫描期间的写入。
// 仅监听器建立失败时返回错误；单次运行的硬错误记录后继续监听。
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()
	if err := fw.Add(w.set.Input); err != nil {
		return err
	}
	start := time.Now()
	t := w.logger.StartWithKV("watch", "watch", "", map[string]string{
		"dir":         w.set.Input,
		"debounce_ms": strconv.FormatInt(w.debounce.Milliseconds(), 10),
	})

	w.runBatch(ctx, w.comp.Reader, true)

	tick := w.debounce / 5
	if tick > 100*time.Millisecond {
		tick = 100 * time.Millisecond
	}
	if tick < 5*time.Millisecond {
		tick = 5 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			t.Finish("watch", int64(w.Stats().Batches))
			w.logger.InfoFinish("watch", "stopped", start, int64(w.Stats().Events))
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			w.handleEvent(ev)
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.ErrorWithKV("watch", string(diag.Classify(err)), "watcher error", nil, "", map[string]string{"err": err.Error()})
			w.mu.Lock()
			w.stats.Errors++
			w.mu.Unlock()
		case <-ticker.C:
			if keep := w.settled(time.Now()); len(keep) > 0 {
				sr := &subsetReader{inner: w.comp.Reader, keep: keep}
				w.logger.DebugStart("watch", "batch", "", map[string]string{"files": strings.Join(sr.paths(), ",")})
				w.runBatch(ctx, sr, false)
			}
		}
	}
}

// Stats 返回累计计数快照。
func (w *Watcher) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats
}

func (w *Watcher) handleEvent(ev fsnotify.Event) {
	if ev.Op&(fsnotify.Create|fsnotify.Write) == 0 {
		return
	}
	p := absClean(ev.Name)
	if _, skip := w.ignore[p]; skip {
		return
	}
	if a, ok := w.comp.Reader.(acceptor); ok && !a.Accepts(p) {
		return
	}
	w.logger.DebugStart("watch", "event", ev.Name, map[string]string{"op": ev.Op.String()})
	w.mu.Lock()
	w.pending[p] = time.Now()
	w.stats.Events++
	w.mu.Unlock()
}

// settled 取出已静默超过 debounce 的路径。
func (w *Watcher) settled(now time.Time) map[string]struct{} {
	w.mu.Lock()
	defer w.mu.Unlock()
	var keep map[string]struct{}
	for p, at := range w.pending {
		if now.Sub(at) < w.debounce {
			continue
		}
		if keep == nil {
			keep = map[string]struct{}{}
		}
		keep[p] = struct{}{}
		delete(w.pending, p)
	}
	return keep
}

// runBatch 以 r 运行一次流水线。非初次运行且未产出任何结果时（文件已删除或不再匹配）不计批次、不回调。
func (w *Watcher) runBatch(ctx context.Context, r contract.Reader, initial bool) {
	comp := w.comp
	comp.Reader = r
	rep, err := pipeline.Run(ctx, comp, w.set, w.logger)
	if ctx.Err() != nil {
		// 退出期间的取消不计为失败
		return
	}
	if !initial && err == nil && len(rep.Outcomes) == 0 {
		w.logger.DebugStart("watch", "batch_empty", "", nil)
		return
	}
	w.mu.Lock()
	w.stats.Batches++
	w.stats.Processed += rep.Count(contract.StatusProcessed)
	w.stats.Skipped += rep.Count(contract.StatusSkipped)
	w.stats.Failed += rep.Count(contract.StatusFailed)
	if err != nil {
		w.stats.Errors++
	}
	w.mu.Unlock()
	if err != nil {
		w.logger.ErrorWithKV("watch", string(diag.Classify(err)), "batch failed", nil, "", map[string]string{"err": err.Error()})
		diag.IncOp("watch", "batch", "error")
	} else {
		diag.IncOp("watch", "batch", "success")
	}
	if w.onBatch != nil {
		w.onBatch(rep, err)
	}
}

// acceptor: Reader 可选能力，不访问文件系统即可判断路径是否会被枚举。
type acceptor interface {
	Accepts(p string) bool
}

// selector: Reader 可选能力，在打开文件前按绝对路径筛选。
type selector interface {
	IterateSelected(ctx context.Context, dir string, want func(abs string) bool, yield func(contract.FileID, io.ReadCloser) error) error
}

// subsetReader 复用底层 Reader 的过滤规则（后缀、排除、常规文件），只放行指定路径。
type subsetReader struct {
	inner contract.Reader
	keep  map[string]struct{}
}

func (s *subsetReader) Iterate(ctx context.Context, dir string, yield func(contract.FileID, io.ReadCloser) error) error {
	if sel, ok := s.inner.(selector); ok {
		return sel.IterateSelected(ctx, dir, func(abs string) bool {
			_, ok := s.keep[abs]
			return ok
		}, yield)
	}
	// 无筛选能力时退化为打开后关闭
	return s.inner.Iterate(ctx, dir, func(id contract.FileID, rc io.ReadCloser) error {
		if _, ok := s.keep[absClean(filepath.FromSlash(string(id)))]; !ok {
			return rc.Close()
		}
		return yield(id, rc)
	})
}

// paths 返回排序后的放行路径（日志用）。
func (s *subsetReader) paths() []string {
	out := make([]string, 0, len(s.keep))
	for p := range s.keep {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func absClean(p string) string {
	if a, err := filepath.Abs(p); err == nil {
		return a
	}
	return filepath.Clean(p)
}
