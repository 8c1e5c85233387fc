// Package messaging は通知（ウェルカムメール・SMS）を配信サービス向けの
// Redisストリームへ発行する。
package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultStream は通知を発行するストリーム名。
const DefaultStream = "notifications"

// maxStreamLen はストリームの概算上限長。
const maxStreamLen = 100000

// Kind は通知の種別。
type Kind string

const (
	KindWelcomeEmail Kind = "welcome_email"
	KindSMS          Kind = "sms"
)

// StreamPublisher はXADDで通知をストリームに追加する。
type StreamPublisher struct {
	rdb    redis.Cmdable
	stream string
	logger *slog.Logger
	now    func() time.Time
}

// NewStreamPublisher はStreamPublisherを生成する。
func NewStreamPublisher(rdb redis.Cmdable, stream string, logger *slog.Logger) *StreamPublisher {
	if stream == "" {
		stream = DefaultStream
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &StreamPublisher{rdb: rdb, stream: stream, logger: logger, now: time.Now}
}

// SendWelcomeEmail はウェルカムメールの送信依頼を発行する。
func (p *StreamPublisher) SendWelcomeEmail(ctx context.Context, email string) error {
	id, err := p.publish(ctx, KindWelcomeEmail, map[string]interface{}{
		"to": email,
	})
	if err != nil {
		return err
	}
	p.logger.Info("ウェルカムメールの送信依頼を発行しました",
		slog.String("message_id", id),
	)
	return nil
}

// SendSMS はSMSの送信依頼を発行する。本文は確認コードを含むためログに出さない。
func (p *StreamPublisher) SendSMS(ctx context.Context, phoneNumber, body string) error {
	id, err := p.publish(ctx, KindSMS, map[string]interface{}{
		"to":   phoneNumber,
		"body": body,
	})
	if err != nil {
		return err
	}
	p.logger.Info("SMSの送信依頼を発行しました",
		slog.String("message_id", id),
	)
	return nil
}

func (p *StreamPublisher) publish(ctx context.Context, kind Kind, fields map[string]interface{}) (string, error) {
	values := map[string]interface{}{
		"kind":       string(kind),
		"created_at": p.now().UTC().Format(time.RFC3339),
	}
	for k, v := range fields {
		values[k] = v
	}

	id, err := p.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		MaxLen: maxStreamLen,
		Approx: true,
		Values: values,
	}).Result()
	if err != nil {
		return "", fmt.Errorf("failed to publish %s notification: %w", kind, err)
	}
	return id, nil
}
