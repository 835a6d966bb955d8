package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"logavg/internal/measure"
	"logavg/internal/pipeline"
	"logavg/pkg/registry"
)

// DefaultOutputName 为未显式配置输出时的基础文件名（扩展名按 sink 决定）。
const DefaultOutputName = "processed_results"

// EffectiveOutput 返回最终输出路径：显式 Output 优先，否则位于 input 目录下。
func EffectiveOutput(cfg Config) string {
	if o := strings.TrimSpace(cfg.Output); o != "" {
		return o
	}
	ext := ".csv"
	if effName(cfg.Components.Sink, Defaults().Components.Sink) == "sqlite" {
		ext = ".db"
	}
	return filepath.Join(cfg.Input, DefaultOutputName+ext)
}

// Validate 对最小必要边界做静态校验。
func Validate(cfg Config) error {
	if strings.TrimSpace(cfg.Input) == "" {
		return errors.New("config: input empty")
	}
	if cfg.Concurrency < 1 {
		return errors.New("config: concurrency must be >= 1")
	}
	switch pipeline.OnError(cfg.OnError) {
	case pipeline.OnErrorAbort, pipeline.OnErrorContinue:
	default:
		return fmt.Errorf("config: on_error %q must be abort or continue", cfg.OnError)
	}
	switch strings.ToLower(cfg.Logging.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: logging.level %q invalid", cfg.Logging.Level)
	}
	if cfg.Watch.DebounceMS < 0 {
		return errors.New("config: watch.debounce_ms must be >= 0")
	}
	if _, err := measure.New(&cfg.Measure); err != nil {
		return fmt.Errorf("config: measure: %w", err)
	}
	if name := effName(cfg.Components.Reader, Defaults().Components.Reader); registry.Reader[name] == nil {
		return fmt.Errorf("config: reader %q not registered", name)
	}
	if name := effName(cfg.Components.Sink, Defaults().Components.Sink); registry.Sink[name] == nil {
		return fmt.Errorf("config: sink %q not registered", name)
	}
	return nil
}

// excluder 为可排除路径的 Reader（输出表不得作为输入）。
type excluder interface{ Exclude(p string) }

// Assemble 构造 Components 与 Settings。
// 严格 Options 解析在 registry（工厂）层进行；此处只传原样节点。
func Assemble(cfg Config, runID string) (pipeline.Components, pipeline.Settings, error) {
	if err := Validate(cfg); err != nil {
		return pipeline.Components{}, pipeline.Settings{}, err
	}

	d := Defaults()
	rn := effName(cfg.Components.Reader, d.Components.Reader)
	sn := effName(cfg.Components.Sink, d.Components.Sink)
	out := EffectiveOutput(cfg)

	r, err := registry.Reader[rn](&cfg.Options.Reader)
	if err != nil {
		return pipeline.Components{}, pipeline.Settings{}, fmt.Errorf("config: options.reader: %w", err)
	}
	if ex, ok := r.(excluder); ok {
		ex.Exclude(out)
	}
	avg, err := measure.New(&cfg.Measure)
	if err != nil {
		return pipeline.Components{}, pipeline.Settings{}, fmt.Errorf("config: measure: %w", err)
	}
	s, err := registry.Sink[sn](&cfg.Options.Sink, registry.SinkTarget{
		Path:      out,
		Precision: avg.Precision(),
		RunID:     runID,
	})
	if err != nil {
		return pipeline.Components{}, pipeline.Settings{}, fmt.Errorf("config: options.sink: %w", err)
	}

	comp := pipeline.Components{Reader: r, Averager: avg, Sink: s}
	set := pipeline.Settings{
		Input:       cfg.Input,
		Concurrency: cfg.Concurrency,
		OnError:     pipeline.OnError(cfg.OnError),
	}
	return comp, set, nil
}

func effName(got, def string) string {
	if got == "" {
		return def
	}
	return got
}
