package crash

import (
	"context"
	"encoding/json"
	"fmt"

	"dpifuzz/config"
	"dpifuzz/internal/types"
	"dpifuzz/pkg/database"
	"dpifuzz/pkg/mq"

	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

const (
	CrashListKey = "dpifuzz:crashes:%s" // list of JSON crash messages per run
	RunStatsKey  = "dpifuzz:runs:%s"    // hash of counters per run
)

// SinksModule provides every crash sink. Each constructor returns nil when its backend
// is not configured; the manager skips those.
var SinksModule = fx.Provide(
	fx.Annotate(NewDatabaseSink, fx.ResultTags(`group:"crashSinks"`)),
	fx.Annotate(NewRedisSink, fx.ResultTags(`group:"crashSinks"`)),
	fx.Annotate(NewMQSink, fx.ResultTags(`group:"crashSinks"`)),
)

type DatabaseSink struct {
	db *gorm.DB
}

func NewDatabaseSink(db *gorm.DB) Sink {
	if db == nil {
		return nil
	}
	return &DatabaseSink{db: db}
}

func (s *DatabaseSink) Name() string { return "database" }

func (s *DatabaseSink) Submit(ctx context.Context, msg types.CrashMessage) error {
	if err := database.AddCrash(ctx, s.db, database.NewCrash(msg)); err != nil {
		return fmt.Errorf("failed to add crash: %w", err)
	}
	return nil
}

type RedisSink struct {
	client *redis.Client
}

func NewRedisSink(client *redis.Client) Sink {
	if client == nil {
		return nil
	}
	return &RedisSink{client: client}
}

func (s *RedisSink) Name() string { return "redis" }

func (s *RedisSink) Submit(ctx context.Context, msg types.CrashMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	pipe.LPush(ctx, fmt.Sprintf(CrashListKey, msg.RunID), payload)
	pipe.HIncrBy(ctx, fmt.Sprintf(RunStatsKey, msg.RunID), "crashes", 1)
	pipe.HIncrBy(ctx, fmt.Sprintf(RunStatsKey, msg.RunID), "crashes_"+msg.Protocol, 1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to push crash to redis: %w", err)
	}
	return nil
}

type MQSink struct {
	mq    mq.RabbitMQ
	queue string
}

func NewMQSink(rabbit mq.RabbitMQ, cfg *config.AppConfig) Sink {
	if rabbit == nil {
		return nil
	}
	return &MQSink{mq: rabbit, queue: cfg.CrashQueue}
}

func (s *MQSink) Name() string { return "rabbitmq" }

func (s *MQSink) Submit(ctx context.Context, msg types.CrashMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return s.mq.Publish(ctx, s.queue, payload)
}
