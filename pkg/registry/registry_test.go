package registry

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"logavg/pkg/contract"
)

func node(t *testing.T, src string) *yaml.Node {
	t.Helper()
	var doc yaml.Node
	require.NoError(t, yaml.Unmarshal([]byte(src), &doc))
	if doc.Kind == yaml.DocumentNode && len(doc.Content) > 0 {
		return doc.Content[0]
	}
	return &doc
}

// TestStrictDecode 验证严格解码逻辑。
func TestStrictDecode(t *testing.T) {
	type opt struct {
		A int `yaml:"a"`
	}
	var o opt
	require.NoError(t, strictDecode(nil, &o))
	assert.Zero(t, o.A)
	require.NoError(t, strictDecode(&yaml.Node{}, &o))
	require.NoError(t, strictDecode(node(t, "~"), &o))
	assert.Zero(t, o.A)

	require.NoError(t, strictDecode(node(t, "a: 1"), &o))
	assert.Equal(t, 1, o.A)

	err := strictDecode(node(t, "a: 1\nb: 2"), &o)
	assert.ErrorIs(t, err, contract.ErrInvariantViolation, "未知字段应报错")
}

// TestFactories 遍历注册表入口。
func TestFactories(t *testing.T) {
	t.Run("reader", func(t *testing.T) {
		r, err := Reader["fs"](node(t, "ext: .txt\nsorted: false"))
		require.NoError(t, err)
		assert.NotNil(t, r)
		_, err = Reader["fs"](node(t, "x: 1"))
		assert.Error(t, err, "reader 未对未知字段报错")
	})
	t.Run("csv", func(t *testing.T) {
		out := filepath.Join(t.TempDir(), "r.csv")
		s, err := Sink["csv"](nil, SinkTarget{Path: out})
		require.NoError(t, err)
		assert.Equal(t, out, s.Location())
		_, err = Sink["csv"](node(t, "x: 1"), SinkTarget{Path: out})
		assert.Error(t, err)
		_, err = Sink["csv"](nil, SinkTarget{})
		assert.ErrorIs(t, err, contract.ErrPathInvalid)
	})
	t.Run("sqlite", func(t *testing.T) {
		out := filepath.Join(t.TempDir(), "r.db")
		s, err := Sink["sqlite"](node(t, "table: runs"), SinkTarget{Path: out, RunID: "r1"})
		require.NoError(t, err)
		defer s.Close()
		require.NoError(t, s.Ensure(context.Background()))
		_, err = Sink["sqlite"](node(t, "table: 'drop table'"), SinkTarget{Path: out})
		assert.Error(t, err)
	})
}
