package service

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"

	"eva-checkin/internal/domain"
)

var validate = validator.New()

// Validate 按 validate 标签校验请求/事件；失败时返回包装 domain.ErrInvalidArgument 的错误
func Validate(v interface{}) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return fmt.Errorf("%v: %w", err, domain.ErrInvalidArgument)
	}
	return fmt.Errorf("%s: %w", formatFieldErrors(fieldErrs), domain.ErrInvalidArgument)
}

func formatFieldErrors(fieldErrs validator.ValidationErrors) string {
	parts := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		parts = append(parts, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
	}
	sort.Strings(parts)
	return "invalid " + strings.Join(parts, ", ")
}

// CallOutcomeEvent 呼叫服务商回报的通话结果（HTTP 回调与事件流共用）
type CallOutcomeEvent struct {
	ExecutionID     string  `json:"execution_id" validate:"required_without=CallID"`
	CallID          string  `json:"call_id" validate:"required_without=ExecutionID"`
	Outcome         string  `json:"outcome" validate:"required,oneof=answered no_answer failed"`
	Detail          string  `json:"detail"`
	DurationSeconds *int    `json:"duration_seconds" validate:"omitempty,min=0"`
	TranscriptRef   *string `json:"transcript_ref"`
}

// Report 转为生命周期使用的结果报告
func (e CallOutcomeEvent) Report() domain.OutcomeReport {
	return domain.OutcomeReport{
		ExecutionID:     e.ExecutionID,
		CorrelationID:   e.CallID,
		Outcome:         domain.CallOutcome(e.Outcome),
		Detail:          e.Detail,
		DurationSeconds: e.DurationSeconds,
		TranscriptRef:   e.TranscriptRef,
	}
}
