package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Lease 基于 SetNX 的互斥租约；多实例部署时保证同一时刻只有一个扫描在运行
type Lease struct {
	kv    KV
	key   string
	ttl   time.Duration
	token string
}

// NewLease 创建租约（未获取）
func NewLease(kv KV, key string, ttl time.Duration) *Lease {
	return &Lease{kv: kv, key: key, ttl: ttl, token: uuid.NewString()}
}

// TryAcquire 尝试获取，已被他人持有时返回 false
func (l *Lease) TryAcquire(ctx context.Context) (bool, error) {
	ok, err := l.kv.SetNX(ctx, l.key, l.token, l.ttl)
	if err != nil {
		return false, fmt.Errorf("failed to acquire lease %s: %w", l.key, err)
	}
	return ok, nil
}

// Release 释放自己持有的租约
func (l *Lease) Release(ctx context.Context) error {
	if _, err := l.kv.DelIfEquals(ctx, l.key, l.token); err != nil {
		return fmt.Errorf("failed to release lease %s: %w", l.key, err)
	}
	return nil
}

// SeenBefore 去重：首次出现返回 false 并记录，ttl 内再次出现返回 true
func SeenBefore(ctx context.Context, kv KV, key string, ttl time.Duration) (bool, error) {
	ok, err := kv.SetNX(ctx, key, "1", ttl)
	if err != nil {
		return false, fmt.Errorf("failed to record %s: %w", key, err)
	}
	return !ok, nil
}
