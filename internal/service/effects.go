package service

import (
	"context"

	"go.uber.org/zap"
)

// effects 事务提交后才执行的副作用：告警与拨号
type effects struct {
	alerts   []OperatorAlert
	dispatch []string
}

func (fx *effects) alert(a OperatorAlert) { fx.alerts = append(fx.alerts, a) }

func (fx *effects) dial(executionID string) { fx.dispatch = append(fx.dispatch, executionID) }

// flush 尽力执行；失败只记日志，遗留的待执行记录由扫描补发
func (l *Lifecycle) flush(ctx context.Context, fx *effects) {
	for _, a := range fx.alerts {
		if a.CreatedAt.IsZero() {
			a.CreatedAt = l.now()
		}
		if err := l.alerter.Alert(ctx, a); err != nil {
			l.logger.Error("Failed to send operator alert", zap.String("kind", string(a.Kind)), zap.Error(err))
		}
	}
	for _, id := range fx.dispatch {
		if err := l.Dispatch(ctx, id); err != nil {
			l.logger.Warn("Dispatch after commit failed, sweep will retry",
				zap.String("execution_id", id),
				zap.Error(err),
			)
		}
	}
}
