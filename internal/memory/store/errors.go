package store

import "errors"

// 存储层与召回路径共用的错误分类。调用方用 errors.Is 判断，
// 存储层内部用 fmt.Errorf("...: %w", Err...) 附加上下文。
var (
	// ErrNotFound 表示按 ID 查找的会话/消息/事实不存在。
	ErrNotFound = errors.New("not found")

	// ErrConstraint 表示非 upsert 写入撞上了已存在的主键。
	// 对于以调用方生成的 ID 作为幂等键的写入（消息、嵌入记录），
	// 调用方应把它当作"已写入"处理，而不是当作失败重试。
	ErrConstraint = errors.New("duplicate key")

	// ErrConflict 表示 CAS 更新时版本号已被并发修改，调用方应重读后重试。
	ErrConflict = errors.New("version conflict")

	// ErrProviderUnavailable 表示嵌入/生成后端不可达。
	// 对召回是软失败（退化为词法检索），对生成是致命失败。
	ErrProviderUnavailable = errors.New("provider unavailable")

	// ErrTimeout 表示 provider 调用超过了调用方给定的期限。
	ErrTimeout = errors.New("timeout")

	// ErrValidation 表示请求在触碰任何持久化状态之前就被拒绝。
	ErrValidation = errors.New("validation failed")
)
