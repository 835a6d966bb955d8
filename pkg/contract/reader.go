package contract

import (
	"context"
	"io"
)

// Reader: 输入源抽象（目录下的日志文件）。
// 约束：
// 1) 非递归，仅枚举给定目录的直接子项；
// 2) 按文件维度回调，yield 负责关闭 ReadCloser；
// 3) 不做解析，仅提供字节流；
// 4) 不在内部起并发。
type Reader interface {
	Iterate(ctx context.Context, dir string, yield func(fileID FileID, r io.ReadCloser) error) error
}
