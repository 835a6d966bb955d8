package contract

// FileID: 逻辑文件ID（通常为路径，需规范化，跨平台一致）。
type FileID string

// SummaryRecord: 一个合格日志文件的汇总行。
// 约束：
// - 每个合格文件仅创建一次，创建后立即追加到输出表；
// - 追加后不再修改或删除；
// - Average 保持完整精度，仅在输出时格式化。
type SummaryRecord struct {
	File    FileID
	Average float64
	// Count: 参与判定的测量值个数（合格时恒等于期望个数）。
	Count int
}

// Status: 单文件处理结果标签。
type Status string

const (
	StatusProcessed Status = "processed"
	StatusSkipped   Status = "skipped"
	StatusFailed    Status = "failed"
)

// Outcome: 单文件的带标签结果（成功/跳过/失败三选一）。
type Outcome struct {
	File   FileID
	Status Status
	// Record 仅在 StatusProcessed 时有效。
	Record SummaryRecord
	// Found 为实际找到的测量值个数（skipped 时用于诊断）。
	Found int
	// Err 仅在 StatusFailed 时非空。
	Err error
}

// Report: 一次运行的结果汇总，按枚举顺序保存 Outcome。
type Report struct {
	Output   string
	Outcomes []Outcome
}

// Count 返回指定状态的文件数。
func (r *Report) Count(s Status) int {
	if r == nil {
		return 0
	}
	n := 0
	for _, o := range r.Outcomes {
		if o.Status == s {
			n++
		}
	}
	return n
}

// Failed 报告是否存在失败文件。
func (r *Report) Failed() bool { return r.Count(StatusFailed) > 0 }
