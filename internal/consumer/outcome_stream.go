package consumer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	rediscommon "eva-checkin/internal/common/redis"
	"eva-checkin/internal/config"
	"eva-checkin/internal/domain"
	"eva-checkin/internal/service"
)

const (
	outcomeBatch = 50
	outcomeBlock = 2 * time.Second
)

// OutcomeStreamConsumer 消费呼叫服务商写入 Redis Streams 的通话结果
type OutcomeStreamConsumer struct {
	config      *config.Config
	redisClient *redis.Client
	lifecycle   *service.Lifecycle
	logger      *zap.Logger
}

// NewOutcomeStreamConsumer 创建结果流消费者
func NewOutcomeStreamConsumer(
	cfg *config.Config,
	redisClient *redis.Client,
	lifecycle *service.Lifecycle,
	logger *zap.Logger,
) *OutcomeStreamConsumer {
	return &OutcomeStreamConsumer{
		config:      cfg,
		redisClient: redisClient,
		lifecycle:   lifecycle,
		logger:      logger,
	}
}

// Start 创建消费者组并循环消费，直到 ctx 取消
func (c *OutcomeStreamConsumer) Start(ctx context.Context) error {
	stream := c.config.Streams.CallOutcomes
	group := c.config.Streams.ConsumerGroup
	if err := rediscommon.CreateConsumerGroup(ctx, c.redisClient, stream, group); err != nil {
		return err
	}
	c.logger.Info("Outcome stream consumer started",
		zap.String("stream", stream),
		zap.String("consumer_group", group),
		zap.String("consumer_name", c.config.Streams.ConsumerName),
	)

	backoff := time.Second
	maxBackoff := 30 * time.Second
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("Outcome stream consumer stopped")
			return nil
		default:
		}

		if _, err := c.ConsumeOnce(ctx, outcomeBlock); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Error("Failed to consume outcome stream",
				zap.Error(err),
				zap.Duration("backoff", backoff),
			)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
				backoff *= 2
				if backoff > maxBackoff {
					backoff = maxBackoff
				}
			}
			continue
		}
		backoff = time.Second
	}
}

// ConsumeOnce 先重读本消费者 pending 中的消息，再读取一批新消息，返回已确认的条数。
// 格式错误或引用不存在的执行的消息直接确认丢弃；尚未关联的呼叫号在 CallTimeout 内不确认，
// 等拨号结果写回后重投；其余失败不确认，留待重投。
func (c *OutcomeStreamConsumer) ConsumeOnce(ctx context.Context, block time.Duration) (int, error) {
	stream := c.config.Streams.CallOutcomes
	group := c.config.Streams.ConsumerGroup
	consumerName := c.config.Streams.ConsumerName

	pending, err := rediscommon.ReadPendingFromStream(ctx, c.redisClient, stream, group, consumerName, outcomeBatch)
	if err != nil {
		return 0, fmt.Errorf("failed to read pending from stream %s: %w", stream, err)
	}
	if len(pending) > 0 {
		// 有积压时不阻塞等待新消息
		block = -1
	}
	fresh, err := rediscommon.ReadFromStream(ctx, c.redisClient, stream, group, consumerName, outcomeBatch, block)
	if err != nil {
		return 0, fmt.Errorf("failed to read from stream %s: %w", stream, err)
	}

	var ack []string
	for _, msg := range append(pending, fresh...) {
		if c.handle(ctx, msg) {
			ack = append(ack, msg.ID)
		}
	}
	if err := rediscommon.Ack(ctx, c.redisClient, stream, group, ack...); err != nil {
		return 0, fmt.Errorf("failed to ack messages: %w", err)
	}
	return len(ack), nil
}

// handle 处理单条消息，返回是否确认
func (c *OutcomeStreamConsumer) handle(ctx context.Context, msg rediscommon.StreamMessage) bool {
	err := c.processMessage(ctx, msg)
	switch {
	case err == nil:
		return true
	case errors.Is(err, domain.ErrNotCorrelated):
		age := time.Since(msg.Time())
		if c.config.Sweep.CallTimeout > 0 && age > c.config.Sweep.CallTimeout {
			c.logger.Warn("Dropping uncorrelated call outcome message",
				zap.String("message_id", msg.ID),
				zap.Duration("age", age),
				zap.Error(err),
			)
			return true
		}
		c.logger.Debug("Call outcome not correlated yet, leaving pending",
			zap.String("message_id", msg.ID),
			zap.Error(err),
		)
		return false
	case errors.Is(err, domain.ErrInvalidArgument), errors.Is(err, domain.ErrNotFound):
		c.logger.Warn("Dropping call outcome message",
			zap.String("message_id", msg.ID),
			zap.Error(err),
		)
		return true
	default:
		// 不确认，留在 pending 列表
		c.logger.Error("Failed to process call outcome message",
			zap.String("message_id", msg.ID),
			zap.Error(err),
		)
		return false
	}
}

func (c *OutcomeStreamConsumer) processMessage(ctx context.Context, msg rediscommon.StreamMessage) error {
	var ev service.CallOutcomeEvent
	if err := msg.DecodeJSON(&ev); err != nil {
		return fmt.Errorf("%v: %w", err, domain.ErrInvalidArgument)
	}
	if err := service.Validate(ev); err != nil {
		return err
	}
	e, err := c.lifecycle.HandleOutcome(ctx, ev.Report())
	if err != nil {
		return err
	}
	c.logger.Debug("Call outcome consumed",
		zap.String("message_id", msg.ID),
		zap.String("execution_id", e.ExecutionID),
		zap.String("status", string(e.Status)),
	)
	return nil
}
