package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"eva-checkin/internal/domain"
	"eva-checkin/internal/service"
)

const maxBodyBytes = 1 << 20

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError 按错误分类写出状态码与 Fail 响应
func writeError(w http.ResponseWriter, logger *zap.Logger, op string, err error) {
	status := statusFor(err)
	switch {
	case status == http.StatusServiceUnavailable:
		logger.Warn(op+" deferred", zap.Error(err))
	case status >= http.StatusInternalServerError:
		logger.Error(op+" failed", zap.Error(err))
	default:
		logger.Debug(op+" rejected", zap.Int("status", status), zap.Error(err))
	}
	writeJSON(w, status, Fail(err.Error()))
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrNotCorrelated):
		return http.StatusServiceUnavailable
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, domain.ErrConsentRequired):
		return http.StatusPreconditionFailed
	case errors.Is(err, domain.ErrInvalidArgument), errors.Is(err, domain.ErrScheduleInvalid):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrProvider):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func parseInt(s string, def int) int {
	if s == "" {
		return def
	}
	i, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return i
}

// parseTime RFC3339；空串返回 nil
func parseTime(name, s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil, fmt.Errorf("%s must be RFC3339: %w", name, domain.ErrInvalidArgument)
	}
	return &t, nil
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// readBodyJSON 读取 JSON 请求体并按 validate 标签校验
func readBodyJSON(r *http.Request, out any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return fmt.Errorf("failed to read body: %w", domain.ErrInvalidArgument)
	}
	if len(body) == 0 {
		return fmt.Errorf("request body required: %w", domain.ErrInvalidArgument)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("invalid json: %v: %w", err, domain.ErrInvalidArgument)
	}
	return service.Validate(out)
}
