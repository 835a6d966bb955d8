package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"logavg/internal/measure"
)

// EnvPrefix 为环境变量覆盖的统一前缀。
const EnvPrefix = "LOGAVG_"

// Defaults 返回带有安全默认值的 Config 雏形。
// Output 不设默认（由 EffectiveOutput 按 input 与 sink 推导）。
func Defaults() Config {
	return Config{
		Input:       ".",
		Concurrency: 1,
		OnError:     "abort",
		Measure: measure.Options{
			Marker:    measure.DefaultMarker,
			Expected:  measure.DefaultExpected,
			Window:    measure.DefaultWindow,
			Precision: measure.DefaultPrecision,
		},
		Logging:    Logging{Level: "info", Dir: "logs"},
		Components: Components{Reader: "fs", Sink: "csv"},
		Watch:      Watch{DebounceMS: 500},
	}
}

// LoadYAML 从文件路径或原始 YAML 解析 Config（严格拒绝未知字段）。
// 空文档视为空覆盖。
func LoadYAML(path string, raw []byte) (Config, error) {
	var cfg Config
	var r io.Reader
	switch {
	case len(raw) > 0:
		r = bytes.NewReader(raw)
	case path != "":
		f, err := os.Open(path)
		if err != nil {
			return cfg, err
		}
		defer f.Close()
		r = f
	default:
		return cfg, errors.New("no config source provided")
	}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return cfg, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// Merge 按优先级合并（后者覆盖前者）。
// 仅标量/字符串/原样节点为“替换”；不做深度合并。零值视为未覆盖。
func Merge(base, over Config) Config {
	out := base
	if s := strings.TrimSpace(over.Input); s != "" {
		out.Input = s
	}
	if s := strings.TrimSpace(over.Output); s != "" {
		out.Output = s
	}
	if over.Concurrency != 0 {
		out.Concurrency = over.Concurrency
	}
	if s := strings.TrimSpace(over.OnError); s != "" {
		out.OnError = s
	}

	// Measure
	if over.Measure.Marker != "" {
		out.Measure.Marker = over.Measure.Marker
	}
	if over.Measure.Expected != 0 {
		out.Measure.Expected = over.Measure.Expected
	}
	if over.Measure.Window != 0 {
		out.Measure.Window = over.Measure.Window
	}
	if over.Measure.Precision != 0 {
		out.Measure.Precision = over.Measure.Precision
	}

	// Logging
	if s := strings.TrimSpace(over.Logging.Level); s != "" {
		out.Logging.Level = s
	}
	if s := strings.TrimSpace(over.Logging.Dir); s != "" {
		out.Logging.Dir = s
	}

	// 组件名（空不覆盖）
	if over.Components.Reader != "" {
		out.Components.Reader = over.Components.Reader
	}
	if over.Components.Sink != "" {
		out.Components.Sink = over.Components.Sink
	}

	// Options（完整替换对应键）
	if over.Options.Reader.Kind != 0 {
		out.Options.Reader = over.Options.Reader
	}
	if over.Options.Sink.Kind != 0 {
		out.Options.Sink = over.Options.Sink
	}

	if over.Watch.DebounceMS != 0 {
		out.Watch.DebounceMS = over.Watch.DebounceMS
	}
	return out
}

// EnvOverlay 从环境变量构建一个 Config 覆盖（仅解析有限键集合）。
// 规则：前缀 LOGAVG_；集合外的键忽略；整数键解析失败返回错误。
// 支持：INPUT, OUTPUT, CONCURRENCY, ON_ERROR, LOG_LEVEL, LOG_DIR,
// COMPONENTS_{READER,SINK}, MEASURE_{MARKER,EXPECTED_COUNT,WINDOW,PRECISION}, WATCH_DEBOUNCE_MS
func EnvOverlay(environ []string) (Config, error) {
	var over Config
	for _, kv := range environ {
		if !strings.HasPrefix(kv, EnvPrefix) {
			continue
		}
		eq := strings.IndexByte(kv, '=')
		if eq <= len(EnvPrefix) {
			continue
		}
		key := kv[:eq]
		val := kv[eq+1:]
		var err error
		switch strings.TrimPrefix(key, EnvPrefix) {
		case "INPUT":
			over.Input = strings.TrimSpace(val)
		case "OUTPUT":
			over.Output = strings.TrimSpace(val)
		case "CONCURRENCY":
			over.Concurrency, err = atoi(val)
		case "ON_ERROR":
			over.OnError = strings.TrimSpace(val)
		case "LOG_LEVEL":
			over.Logging.Level = strings.TrimSpace(val)
		case "LOG_DIR":
			over.Logging.Dir = strings.TrimSpace(val)
		case "COMPONENTS_READER":
			over.Components.Reader = strings.TrimSpace(val)
		case "COMPONENTS_SINK":
			over.Components.Sink = strings.TrimSpace(val)
		case "MEASURE_MARKER":
			// 标记为子串匹配，保留原样（不 trim）
			over.Measure.Marker = val
		case "MEASURE_EXPECTED_COUNT":
			over.Measure.Expected, err = atoi(val)
		case "MEASURE_WINDOW":
			over.Measure.Window, err = atoi(val)
		case "MEASURE_PRECISION":
			over.Measure.Precision, err = atoi(val)
		case "WATCH_DEBOUNCE_MS":
			over.Watch.DebounceMS, err = atoi(val)
		}
		if err != nil {
			return Config{}, fmt.Errorf("config: env %s: %w", key, err)
		}
	}
	return over, nil
}

func atoi(s string) (int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	return strconv.Atoi(s)
}
