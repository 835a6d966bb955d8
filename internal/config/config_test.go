package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"logavg/internal/diag"
	"logavg/internal/measure"
	"logavg/internal/pipeline"
	"logavg/pkg/contract"
)

// 解析完整 YAML
func TestLoadYAML(t *testing.T) {
	raw := []byte(`
input: logs
output: out/results.csv
concurrency: 4
on_error: continue
measure:
  marker: "ELAPSED TIME"
  expected_count: 12
  window: 10
  precision: 3
logging:
  level: debug
components:
  reader: fs
  sink: csv
options:
  reader:
    ext: .log
    sorted: true
watch:
  debounce_ms: 200
`)
	cfg, err := LoadYAML("", raw)
	require.NoError(t, err)
	assert.Equal(t, "logs", cfg.Input)
	assert.Equal(t, 4, cfg.Concurrency)
	assert.Equal(t, "continue", cfg.OnError)
	assert.Equal(t, 3, cfg.Measure.Precision)
	assert.Equal(t, 200, cfg.Watch.DebounceMS)
	assert.NotZero(t, cfg.Options.Reader.Kind)
	assert.Zero(t, cfg.Options.Sink.Kind)
	require.NoError(t, Validate(Merge(Defaults(), cfg)))
}

func TestLoadYAMLFileAndErrors(t *testing.T) {
	p := filepath.Join(t.TempDir(), "logavg.yaml")
	require.NoError(t, os.WriteFile(p, []byte("concurrency: 2\n"), 0o644))
	cfg, err := LoadYAML(p, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.Concurrency)

	// 空文档视为空覆盖
	require.NoError(t, os.WriteFile(p, nil, 0o644))
	cfg, err = LoadYAML(p, nil)
	require.NoError(t, err)
	assert.Equal(t, Config{}.Input, cfg.Input)

	_, err = LoadYAML("", []byte("unknown: 1\n"))
	assert.Error(t, err, "未知字段应报错")
	_, err = LoadYAML("", []byte("measure:\n  windw: 3\n"))
	assert.Error(t, err, "嵌套未知字段应报错")
	_, err = LoadYAML(filepath.Join(t.TempDir(), "missing.yaml"), nil)
	assert.True(t, os.IsNotExist(err))
	_, err = LoadYAML("", nil)
	assert.Error(t, err)
}

// ENV 覆盖部分字段
func TestEnvOverlay(t *testing.T) {
	env := []string{
		"LOGAVG_INPUT= data ",
		"LOGAVG_CONCURRENCY=3",
		"LOGAVG_ON_ERROR=continue",
		"LOGAVG_COMPONENTS_SINK=sqlite",
		"LOGAVG_MEASURE_WINDOW=5",
		"LOGAVG_WATCH_DEBOUNCE_MS=",
		"LOGAVG_UNKNOWN=1",
		"OTHER_INPUT=x",
	}
	over, err := EnvOverlay(env)
	require.NoError(t, err)
	assert.Equal(t, "data", over.Input)
	assert.Equal(t, 3, over.Concurrency)
	assert.Equal(t, "continue", over.OnError)
	assert.Equal(t, "sqlite", over.Components.Sink)
	assert.Equal(t, 5, over.Measure.Window)
	assert.Zero(t, over.Watch.DebounceMS)

	_, err = EnvOverlay([]string{"LOGAVG_CONCURRENCY=many"})
	assert.ErrorContains(t, err, "LOGAVG_CONCURRENCY")
}

// 优先级：后者覆盖前者；零值不覆盖
func TestMerge(t *testing.T) {
	base := Defaults()
	fileCfg := Config{Input: "a", Concurrency: 2, Measure: measure.Options{Window: 4}}
	envCfg := Config{Input: "b"}
	cliCfg := Config{Concurrency: 8}
	got := Merge(Merge(Merge(base, fileCfg), envCfg), cliCfg)
	assert.Equal(t, "b", got.Input)
	assert.Equal(t, 8, got.Concurrency)
	assert.Equal(t, 4, got.Measure.Window)
	assert.Equal(t, 12, got.Measure.Expected)
	assert.Equal(t, "abort", got.OnError)
	assert.Equal(t, "csv", got.Components.Sink)
}

func TestEffectiveOutput(t *testing.T) {
	cfg := Defaults()
	cfg.Input = "logs"
	assert.Equal(t, filepath.Join("logs", "processed_results.csv"), EffectiveOutput(cfg))
	cfg.Components.Sink = "sqlite"
	assert.Equal(t, filepath.Join("logs", "processed_results.db"), EffectiveOutput(cfg))
	cfg.Output = "x.csv"
	assert.Equal(t, "x.csv", EffectiveOutput(cfg))
}

// Validate 错误分支
func TestValidateErrors(t *testing.T) {
	require.NoError(t, Validate(Defaults()))
	cases := map[string]func(*Config){
		"input":     func(c *Config) { c.Input = " " },
		"conc":      func(c *Config) { c.Concurrency = 0 },
		"on_error":  func(c *Config) { c.OnError = "retry" },
		"level":     func(c *Config) { c.Logging.Level = "loud" },
		"debounce":  func(c *Config) { c.Watch.DebounceMS = -1 },
		"window":    func(c *Config) { c.Measure.Window = 13 },
		"precision": func(c *Config) { c.Measure.Precision = -1 },
		"reader":    func(c *Config) { c.Components.Reader = "s3" },
		"sink":      func(c *Config) { c.Components.Sink = "parquet" },
	}
	for name, mut := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Defaults()
			mut(&cfg)
			assert.Error(t, Validate(cfg))
		})
	}
}

// 模板可被严格解析、校验并装配
func TestTemplateRoundTrip(t *testing.T) {
	b, err := MarshalTemplate(DefaultTemplateConfig())
	require.NoError(t, err)
	assert.Contains(t, string(b), "expected_count: 12")
	assert.Contains(t, string(b), "sorted: true")

	cfg, err := LoadYAML("", b)
	require.NoError(t, err)
	cfg = Merge(Defaults(), cfg)
	cfg.Input = t.TempDir()
	comp, set, err := Assemble(cfg, "run-1")
	require.NoError(t, err)
	assert.Equal(t, pipeline.OnErrorAbort, set.OnError)
	assert.Equal(t, filepath.Join(cfg.Input, "processed_results.csv"), comp.Sink.Location())
	assert.Equal(t, 6, comp.Averager.Precision())
}

// 装配后的 Reader 不会把输出表当作输入
func TestAssembleExcludesOutput(t *testing.T) {
	dir := t.TempDir()
	var content strings.Builder
	for i := 1; i <= 12; i++ {
		content.WriteString("ELAPSED TIME\n1\n")
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.log"), []byte(content.String()), 0o644))

	cfg := Defaults()
	cfg.Input = dir
	cfg.Output = filepath.Join(dir, "results.log")
	comp, set, err := Assemble(cfg, "r")
	require.NoError(t, err)
	defer comp.Sink.Close()

	for i := 0; i < 2; i++ {
		rep, err := pipeline.Run(context.Background(), comp, set, diag.NewNop())
		require.NoError(t, err)
		require.Len(t, rep.Outcomes, 1)
		assert.Equal(t, contract.StatusProcessed, rep.Outcomes[0].Status)
	}
	b, err := os.ReadFile(cfg.Output)
	require.NoError(t, err)
	assert.Equal(t, 3, strings.Count(string(b), "\n"))
}

func TestAssembleBadOptions(t *testing.T) {
	cfg := Defaults()
	cfg.Input = t.TempDir()
	cfg.Options.Reader = mustNode("unknown: 1")
	_, _, err := Assemble(cfg, "r")
	assert.ErrorContains(t, err, "options.reader")

	cfg = Defaults()
	cfg.Input = t.TempDir()
	cfg.Components.Sink = "sqlite"
	cfg.Options.Sink = mustNode("table: \"a b\"")
	_, _, err = Assemble(cfg, "r")
	assert.ErrorContains(t, err, "options.sink")
}
