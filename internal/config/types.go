package config

import (
	"gopkg.in/yaml.v3"

	"logavg/internal/measure"
)

// Config: 运行期只读配置（一次解析，运行期不变）。
// YAML 使用 snake_case；未知字段在解析期失败。
type Config struct {
	// Input: 扫描目录（非递归）。
	Input string `yaml:"input"`
	// Output: 输出表路径；为空时为 <input>/processed_results.csv（sqlite 为 .db）。
	Output      string `yaml:"output"`
	Concurrency int    `yaml:"concurrency"`
	// OnError: abort（首个硬错误中止）| continue（逐文件隔离）。
	OnError string          `yaml:"on_error"`
	Measure measure.Options `yaml:"measure"`
	Logging Logging         `yaml:"logging"`

	// 组件名选择（空则使用默认名）。
	Components Components `yaml:"components"`

	// 各组件 Options 子树，原样 YAML 节点传入工厂。
	Options Options `yaml:"options"`

	Watch Watch `yaml:"watch"`
}

// Logging: 日志等级与目录；轮转策略为固定默认。
type Logging struct {
	Level string `yaml:"level"`
	Dir   string `yaml:"dir"`
}

// Components: 组件名选择（注册表中的实现名）。
type Components struct {
	Reader string `yaml:"reader"`
	Sink   string `yaml:"sink"`
}

// Options: 各组件的原样 YAML Options。
type Options struct {
	Reader yaml.Node `yaml:"reader,omitempty"`
	Sink   yaml.Node `yaml:"sink,omitempty"`
}

// Watch: 监听模式参数。
type Watch struct {
	// DebounceMS: 同一文件事件静默多久后处理（毫秒）。
	DebounceMS int `yaml:"debounce_ms"`
}
