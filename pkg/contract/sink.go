package contract

import "context"

// Sink: 输出表（OutputTable）抽象，只追加。
// 约束：
//  1. 单写者：由流水线串行调用，不需要内部加锁；
//  2. Ensure 幂等：表不存在时创建表头，已存在时不改动任何内容；
//  3. Append 只追加一行，不去重，不改写历史行；
//  4. 错误直接上抛（不做重试/回退）。
type Sink interface {
	Ensure(ctx context.Context) error
	Append(ctx context.Context, rec SummaryRecord) error
	// Location 返回面向用户的输出位置（文件路径或 DSN）。
	Location() string
	Close() error
}
