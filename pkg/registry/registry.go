package registry

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"

	"logavg/pkg/contract"
	rfs "logavg/plugins/reader/filesystem"
	csvsink "logavg/plugins/sink/csvtable"
	sqlsink "logavg/plugins/sink/sqlite"
)

// strictDecode: 将原样 YAML 节点以 KnownFields 严格解码，拒绝未知字段。
func strictDecode(raw *yaml.Node, v any) error {
	if raw == nil || raw.Kind == 0 || (raw.Kind == yaml.ScalarNode && raw.Tag == "!!null") {
		// 保持零值（默认选项）
		return nil
	}
	b, err := yaml.Marshal(raw)
	if err != nil {
		return err
	}
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: %v", contract.ErrInvariantViolation, err)
	}
	return nil
}

// SinkTarget 为装配阶段推导出的 Sink 运行期参数（非用户选项）。
type SinkTarget struct {
	Path      string
	Precision int
	RunID     string
}

// NewReader 工厂签名：接收原样 YAML Options。
type NewReader func(raw *yaml.Node) (contract.Reader, error)

// NewSink 工厂签名：接收原样 YAML Options 与输出目标。
type NewSink func(raw *yaml.Node, tgt SinkTarget) (contract.Sink, error)

// Reader 工厂注册表（显式、零反射）。
var Reader = map[string]NewReader{
	// fs: 目录内 .log 文件（非递归）
	"fs": func(raw *yaml.Node) (contract.Reader, error) {
		var opts rfs.Options
		if err := strictDecode(raw, &opts); err != nil {
			return nil, err
		}
		return rfs.New(&opts), nil
	},
}

// Sink 工厂注册表。
var Sink = map[string]NewSink{
	// csv: 只追加 CSV 表
	"csv": func(raw *yaml.Node, tgt SinkTarget) (contract.Sink, error) {
		var opts csvsink.Options
		if err := strictDecode(raw, &opts); err != nil {
			return nil, err
		}
		return csvsink.New(tgt.Path, tgt.Precision, &opts)
	},
	// sqlite: 只追加 SQLite 表（带 run_id）
	"sqlite": func(raw *yaml.Node, tgt SinkTarget) (contract.Sink, error) {
		var opts sqlsink.Options
		if err := strictDecode(raw, &opts); err != nil {
			return nil, err
		}
		return sqlsink.New(tgt.Path, tgt.Precision, tgt.RunID, &opts)
	},
}
