package contract

import "errors"

// 最小错误分类（哨兵）。调用方以 errors.Is 判定，错误链上附带文件/行号上下文。
var (
	// ErrParse: 标记行之后的一行不是合法浮点数（硬错误）。
	ErrParse = errors.New("parse error")
	// ErrMarkerAtEOF: 标记出现在文件最后一行，没有可解析的后继行（硬错误）。
	ErrMarkerAtEOF = errors.New("marker on final line")
	// ErrPathInvalid: 输入/输出路径无效（例如输出路径指向目录）。
	ErrPathInvalid = errors.New("path invalid")
	// ErrInvariantViolation: 领域不变量违例（通用哨兵）。
	ErrInvariantViolation = errors.New("invariant violation")
)
