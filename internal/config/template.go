package config

import (
	"gopkg.in/yaml.v3"
)

// DefaultTemplateConfig 返回一个“可运行”的默认配置模板：
// - 输入为当前目录，输出为 <input>/processed_results.csv；
// - 组件名采用仓库内置实现；
// - Reader 选项给出安全中性默认值，包含全部键；Sink 选项随实现不同，留空。
func DefaultTemplateConfig() Config {
	cfg := Defaults()
	cfg.Options.Reader = mustNode(`
ext: .log
exclude: []
sorted: true
buf_size: 65536
`)
	return cfg
}

// MarshalTemplate 将配置编码为 YAML 文本（init-config 使用）。
func MarshalTemplate(cfg Config) ([]byte, error) {
	return yaml.Marshal(cfg)
}

func mustNode(src string) yaml.Node {
	var doc yaml.Node
	if err := yaml.Unmarshal([]byte(src), &doc); err != nil {
		panic(err)
	}
	if doc.Kind == yaml.DocumentNode && len(doc.Content) == 1 {
		return *doc.Content[0]
	}
	return doc
}
