package domain

import "errors"

// 错误分类。调用方使用 errors.Is 判断。
var (
	// ErrScheduleInvalid 计划没有可用的星期或时间点（解析器返回 "none"，不作为异常抛出）
	ErrScheduleInvalid = errors.New("schedule invalid")
	// ErrConflict 同一被监护人下紧急联系人优先级重复
	ErrConflict = errors.New("conflict")
	// ErrConsentRequired 被监护人未授权联系他人，升级被阻止
	ErrConsentRequired = errors.New("consent required")
	// ErrProvider 呼叫服务商暂时性失败（按重试策略处理）
	ErrProvider = errors.New("provider error")
	// ErrNoAnswer 单次呼叫无人接听
	ErrNoAnswer = errors.New("no answer")
	// ErrNotFound 引用的人员/联系人/计划/记录不存在
	ErrNotFound = errors.New("not found")
	// ErrIntegrity 数据层不变量被破坏，需要人工核对
	ErrIntegrity = errors.New("integrity violation")
	// ErrNotCorrelated 回调只带服务商呼叫号，但该号尚未写回执行记录（拨号与写回之间），调用方应稍后重投
	ErrNotCorrelated = errors.New("call not correlated yet")
	// ErrInvalidArgument 请求参数非法
	ErrInvalidArgument = errors.New("invalid argument")
)
