package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"logavg/internal/diag"
	"logavg/internal/measure"
	"logavg/pkg/contract"
)

// - 单点并发：仅此层管理并发与背压；Reader/Sink/Averager 均为同步实现。
// - 顺序门闩：文件按枚举顺序提交到 Sink，与并发度无关，输出稳定。
// - 错误策略：abort 模式首个硬错误取消整体，之前已提交的行保留；continue 模式逐文件隔离。
// - Sink 错误在任何模式下都终止运行。

// OnError 为硬错误处理策略。
type OnError string

const (
	OnErrorAbort    OnError = "abort"
	OnErrorContinue OnError = "continue"
)

// Components 聚合运行所需的组件。
type Components struct {
	Reader   contract.Reader
	Averager *measure.Averager
	Sink     contract.Sink
}

// Settings 运行期配置（最小必要）。
type Settings struct {
	Input       string
	Concurrency int
	OnError     OnError
}

// slot 为单个文件的处理槽位；done 关闭后 outcome 可读。
type slot struct {
	file    contract.FileID
	done    chan struct{}
	outcome contract.Outcome
}

// Run 执行一次完整扫描：Sink.Ensure → Reader 枚举 → 并发 Summarize → 按序提交。
// 返回的 Report 总是非空；abort 模式下的首错、Reader/Sink 错误通过 error 返回。
func Run(ctx context.Context, comp Components, set Settings, logger *diag.Logger) (*contract.Report, error) {
	report := &contract.Report{}
	if err := sanity(comp, set); err != nil {
		return report, fmt.Errorf("sanity: %w", err)
	}
	report.Output = comp.Sink.Location()
	start := time.Now()
	rtimer := logger.StartWithKV("pipeline", "run", "", map[string]string{
		"input":       set.Input,
		"output":      report.Output,
		"concurrency": strconv.Itoa(set.Concurrency),
		"on_error":    string(set.OnError),
	})

	if err := comp.Sink.Ensure(ctx); err != nil {
		code := diag.Classify(err)
		logger.ErrorWith("sink", string(code), "ensure failed", &start, report.Output)
		diag.IncError("sink", string(code))
		return report, fmt.Errorf("sink ensure: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	pending := make(chan *slot, set.Concurrency)
	var firstErr error
	committed := make(chan struct{})

	// 提交者：严格按枚举顺序消费槽位
	go func() {
		defer close(committed)
		aborted := false
		for s := range pending {
			<-s.done
			if aborted {
				continue
			}
			if err := commit(ctx, comp, set, logger, report, s.outcome); err != nil {
				firstErr = err
				aborted = true
				cancel()
			}
		}
	}()

	var g errgroup.Group
	g.SetLimit(set.Concurrency)
	iterErr := comp.Reader.Iterate(ctx, set.Input, func(fid contract.FileID, rc io.ReadCloser) error {
		s := &slot{file: fid, done: make(chan struct{})}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case pending <- s:
		}
		g.Go(func() error {
			defer close(s.done)
			defer rc.Close()
			if err := ctx.Err(); err != nil {
				s.outcome = contract.Outcome{File: fid, Status: contract.StatusFailed, Err: err}
				return nil
			}
			stimer := logger.StartWith("measure", "summarize", string(fid))
			o, _ := comp.Averager.Summarize(fid, rc)
			// 失败时 Found 为 0，start/finish 仍成对
			stimer.Finish("summarize", int64(o.Found))
			s.outcome = o
			return nil
		})
		return nil
	})
	close(pending)
	_ = g.Wait()
	<-committed

	switch {
	case firstErr != nil:
		logger.Error("pipeline", string(diag.Classify(firstErr)), "first error", &start)
		diag.IncOp("pipeline", "run", "error")
		return report, firstErr
	case iterErr != nil:
		code := diag.Classify(iterErr)
		logger.Error("reader", string(code), "iterate failed", &start)
		diag.IncOp("pipeline", "run", "error")
		diag.IncError("reader", string(code))
		return report, fmt.Errorf("reader iterate: %w", iterErr)
	}
	rtimer.Finish("run", int64(len(report.Outcomes)))
	diag.IncOp("pipeline", "run", "success")
	diag.ObserveDuration("pipeline", "run", time.Since(start).Milliseconds())
	return report, nil
}

// commit 处理单个结果：写 Sink、输出诊断、更新报告。返回非空错误表示应中止运行。
func commit(ctx context.Context, comp Components, set Settings, logger *diag.Logger, report *contract.Report, o contract.Outcome) error {
	term := diag.GetTerminal()
	switch o.Status {
	case contract.StatusProcessed:
		if err := comp.Sink.Append(ctx, o.Record); err != nil {
			code := diag.Classify(err)
			logger.ErrorWith("sink", string(code), "append failed", nil, string(o.File))
			diag.IncError("sink", string(code))
			return fmt.Errorf("sink append %s: %w", o.File, err)
		}
		report.Outcomes = append(report.Outcomes, o)
		diag.IncOp("measure", "summarize", "success")
		term.FileProcessed(string(o.File), comp.Averager.Marker(), comp.Averager.Window(), comp.Averager.Format(o.Record.Average))
	case contract.StatusSkipped:
		report.Outcomes = append(report.Outcomes, o)
		diag.IncOp("measure", "summarize", "skipped")
		logger.Warn("measure", "skipped", string(o.File), map[string]string{
			"found":    strconv.Itoa(o.Found),
			"expected": strconv.Itoa(comp.Averager.Expected()),
		})
		term.FileSkipped(string(o.File), comp.Averager.Marker(), o.Found)
	default:
		err := o.Err
		if err == nil {
			err = fmt.Errorf("%w: failed outcome without error", contract.ErrInvariantViolation)
		}
		code := diag.Classify(err)
		logger.ErrorWithKV("measure", string(code), "summarize failed", nil, string(o.File), map[string]string{"err": err.Error()})
		diag.IncOp("measure", "summarize", "error")
		diag.IncError("measure", string(code))
		// 取消不计入报告：由外层返回 ctx 错误
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		report.Outcomes = append(report.Outcomes, contract.Outcome{File: o.File, Status: contract.StatusFailed, Found: o.Found, Err: err})
		if set.OnError != OnErrorContinue {
			return err
		}
		term.FileFailed(string(o.File), err)
	}
	return nil
}

func sanity(comp Components, set Settings) error {
	if comp.Reader == nil || comp.Averager == nil || comp.Sink == nil {
		return fmt.Errorf("%w: missing component", contract.ErrInvariantViolation)
	}
	if set.Concurrency < 1 {
		return fmt.Errorf("%w: concurrency must be >= 1", contract.ErrInvariantViolation)
	}
	switch set.OnError {
	case OnErrorAbort, OnErrorContinue:
	default:
		return fmt.Errorf("%w: unknown on_error %q", contract.ErrInvariantViolation, set.OnError)
	}
	return nil
}
