package dispatcher

import (
	"fmt"
	"strings"

	"github.com/ttacon/libphonenumber"

	"eva-checkin/internal/domain"
)

// NormalizePhone 解析并格式化为 E.164；region 用于没有国家码的本地号码（如 "GB"）
func NormalizePhone(phone, region string) (string, error) {
	phone = strings.TrimSpace(phone)
	if phone == "" {
		return "", fmt.Errorf("empty phone number: %w", domain.ErrInvalidArgument)
	}
	p, err := libphonenumber.Parse(phone, strings.ToUpper(region))
	if err != nil {
		return "", fmt.Errorf("parse phone %q: %v: %w", phone, err, domain.ErrInvalidArgument)
	}
	if !libphonenumber.IsValidNumber(p) {
		return "", fmt.Errorf("invalid phone %q: %w", phone, domain.ErrInvalidArgument)
	}
	return libphonenumber.Format(p, libphonenumber.E164), nil
}
