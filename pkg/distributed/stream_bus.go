package distributed

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Message 버스 메시지. ID는 스트림 엔트리 ID (수신 시에만 설정)
type Message struct {
	ID          string    `json:"id,omitempty"`
	Topic       string    `json:"topic"`
	Key         string    `json:"key"`
	PlayerID    string    `json:"playerId"`
	Payload     []byte    `json:"payload"`
	PublishedAt time.Time `json:"publishedAt"`
}

// Handler 메시지 처리 함수. nil 반환 시 ack, 에러 반환 시 pending 유지 (재전달 대상)
type Handler func(ctx context.Context, msg Message) error

// StreamBusConfig 스트림 버스 설정
type StreamBusConfig struct {
	Prefix   string // 스트림 키 접두사 (기본 "mm:events")
	Group    string // 컨슈머 그룹 (기본 "notifier")
	Consumer string // 컨슈머 이름 (인스턴스 ID)
	// StartID 그룹을 새로 만들 때 읽기 시작할 위치. "0"은 처음부터, "$"는 이후 메시지만 (기본 "0")
	StartID string

	BatchSize int64
	// Block 0 이하이면 블로킹 없이 즉시 반환
	Block  time.Duration
	MaxLen int64

	// RedeliveryDeadline 이 시간 이상 ack되지 않은 메시지는 재전달
	RedeliveryDeadline time.Duration
	// MaxDeliveries 초과 시 DLQ로 이동
	MaxDeliveries int
}

// StreamBus Redis Streams + 컨슈머 그룹 기반 at-least-once 메시지 버스
type StreamBus struct {
	client redis.UniversalClient
	cfg    StreamBusConfig
	logger *zap.Logger
}

// NewStreamBus 스트림 버스 생성
func NewStreamBus(client redis.UniversalClient, cfg StreamBusConfig, logger *zap.Logger) *StreamBus {
	if cfg.Prefix == "" {
		cfg.Prefix = "mm:events"
	}
	if cfg.Group == "" {
		cfg.Group = "notifier"
	}
	if cfg.Consumer == "" {
		cfg.Consumer = "consumer-1"
	}
	if cfg.StartID == "" {
		cfg.StartID = "0"
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 32
	}
	if cfg.MaxLen <= 0 {
		cfg.MaxLen = 100000
	}
	if cfg.RedeliveryDeadline <= 0 {
		cfg.RedeliveryDeadline = 30 * time.Second
	}
	if cfg.MaxDeliveries <= 0 {
		cfg.MaxDeliveries = 10
	}

	return &StreamBus{client: client, cfg: cfg, logger: logger}
}

func (b *StreamBus) streamKey(topic string) string {
	return b.cfg.Prefix + ":" + topic
}

func (b *StreamBus) attemptsKey(topic string) string {
	return b.cfg.Prefix + ":" + topic + ":attempts"
}

func (b *StreamBus) dlqKey(topic string) string {
	return b.cfg.Prefix + ":" + topic + ":dlq"
}

func (b *StreamBus) topicOf(stream string) string {
	return strings.TrimPrefix(stream, b.cfg.Prefix+":")
}

// EnsureGroups 토픽별 컨슈머 그룹 생성 (이미 있으면 무시)
func (b *StreamBus) EnsureGroups(ctx context.Context, topics ...string) error {
	for _, topic := range topics {
		err := b.client.XGroupCreateMkStream(ctx, b.streamKey(topic), b.cfg.Group, b.cfg.StartID).Err()
		if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
			return fmt.Errorf("failed to create consumer group for %s: %w", topic, err)
		}
	}
	return nil
}

// Publish 토픽에 메시지 발행. 스트림 엔트리 ID 반환
func (b *StreamBus) Publish(ctx context.Context, topic string, msg Message) (string, error) {
	if msg.PublishedAt.IsZero() {
		msg.PublishedAt = time.Now()
	}

	id, err := b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: b.streamKey(topic),
		MaxLen: b.cfg.MaxLen,
		Approx: true,
		Values: map[string]interface{}{
			"key":          msg.Key,
			"player":       msg.PlayerID,
			"payload":      string(msg.Payload),
			"published_at": msg.PublishedAt.UnixMilli(),
		},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("failed to publish to %s: %w", topic, err)
	}
	return id, nil
}

// Fetch 새 메시지 수신 (컨슈머 그룹의 ">" 오프셋)
func (b *StreamBus) Fetch(ctx context.Context, topics ...string) ([]Message, error) {
	streams := make([]string, 0, len(topics)*2)
	for _, topic := range topics {
		streams = append(streams, b.streamKey(topic))
	}
	for range topics {
		streams = append(streams, ">")
	}

	block := b.cfg.Block
	if block <= 0 {
		block = -1
	}

	res, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    b.cfg.Group,
		Consumer: b.cfg.Consumer,
		Streams:  streams,
		Count:    b.cfg.BatchSize,
		Block:    block,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read streams: %w", err)
	}

	var out []Message
	for _, stream := range res {
		topic := b.topicOf(stream.Stream)
		for _, xm := range stream.Messages {
			out = append(out, decodeMessage(topic, xm))
		}
	}
	return out, nil
}

// Reclaim RedeliveryDeadline 이상 pending 상태인 메시지를 이 컨슈머로 가져옴
func (b *StreamBus) Reclaim(ctx context.Context, topic string) ([]Message, error) {
	msgs, _, err := b.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   b.streamKey(topic),
		Group:    b.cfg.Group,
		Consumer: b.cfg.Consumer,
		MinIdle:  b.cfg.RedeliveryDeadline,
		Start:    "0-0",
		Count:    b.cfg.BatchSize,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to reclaim %s: %w", topic, err)
	}

	out := make([]Message, 0, len(msgs))
	for _, xm := range msgs {
		out = append(out, decodeMessage(topic, xm))
	}
	return out, nil
}

// Ack 처리 완료
func (b *StreamBus) Ack(ctx context.Context, msg Message) error {
	pipe := b.client.TxPipeline()
	pipe.XAck(ctx, b.streamKey(msg.Topic), b.cfg.Group, msg.ID)
	pipe.HDel(ctx, b.attemptsKey(msg.Topic), msg.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to ack %s/%s: %w", msg.Topic, msg.ID, err)
	}
	return nil
}

// Nack 처리 실패 기록. 메시지는 pending으로 남아 deadline 이후 재전달되며,
// MaxDeliveries에 도달하면 DLQ로 이동 후 ack된다.
func (b *StreamBus) Nack(ctx context.Context, msg Message, reason string) (bool, error) {
	attempts, err := b.client.HIncrBy(ctx, b.attemptsKey(msg.Topic), msg.ID, 1).Result()
	if err != nil {
		return false, fmt.Errorf("failed to record attempt: %w", err)
	}
	if int(attempts) < b.cfg.MaxDeliveries {
		return false, nil
	}

	return true, b.moveToDLQ(ctx, msg, reason, int(attempts))
}

func (b *StreamBus) moveToDLQ(ctx context.Context, msg Message, reason string, attempts int) error {
	data, err := json.Marshal(map[string]interface{}{
		"message":  msg,
		"reason":   reason,
		"attempts": attempts,
		"moved_at": time.Now(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal DLQ item: %w", err)
	}

	if err := b.client.LPush(ctx, b.dlqKey(msg.Topic), data).Err(); err != nil {
		return fmt.Errorf("failed to move to DLQ: %w", err)
	}
	return b.Ack(ctx, msg)
}

// DLQSize DLQ 크기
func (b *StreamBus) DLQSize(ctx context.Context, topic string) (int64, error) {
	return b.client.LLen(ctx, b.dlqKey(topic)).Result()
}

// PendingCount ack 대기 중인 메시지 수
func (b *StreamBus) PendingCount(ctx context.Context, topic string) (int64, error) {
	res, err := b.client.XPending(ctx, b.streamKey(topic), b.cfg.Group).Result()
	if err != nil {
		return 0, err
	}
	return res.Count, nil
}

// GroupsPending 토픽을 구독하는 모든 컨슈머 그룹의 ack 대기 수 (그룹 이름 -> 개수)
func (b *StreamBus) GroupsPending(ctx context.Context, topic string) (map[string]int64, error) {
	stream := b.streamKey(topic)
	exists, err := b.client.Exists(ctx, stream).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64)
	if exists == 0 {
		return out, nil
	}

	groups, err := b.client.XInfoGroups(ctx, stream).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list groups for %s: %w", topic, err)
	}
	for _, g := range groups {
		out[g.Name] = g.Pending
	}
	return out, nil
}

// Consume ctx 종료 시까지 메시지 수신 루프. 새 메시지와 함께 주기적으로 만료된 pending 메시지를 회수한다.
func (b *StreamBus) Consume(ctx context.Context, topics []string, handler Handler) error {
	if err := b.EnsureGroups(ctx, topics...); err != nil {
		return err
	}

	reclaimEvery := b.cfg.RedeliveryDeadline / 2
	lastReclaim := time.Time{}
	idle := b.cfg.Block
	if idle <= 0 {
		idle = 500 * time.Millisecond
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		if time.Since(lastReclaim) >= reclaimEvery {
			for _, topic := range topics {
				msgs, err := b.Reclaim(ctx, topic)
				if err != nil {
					b.logger.Warn("Reclaim failed", zap.String("topic", topic), zap.Error(err))
					continue
				}
				b.dispatch(ctx, msgs, handler)
			}
			lastReclaim = time.Now()
		}

		msgs, err := b.Fetch(ctx, topics...)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			b.logger.Warn("Fetch failed", zap.Error(err))
			msgs = nil
		}

		if len(msgs) == 0 && b.cfg.Block <= 0 {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(idle):
			}
			continue
		}

		b.dispatch(ctx, msgs, handler)
	}
}

// ProcessPending 새 메시지와 회수 대상 메시지를 한 번 처리 (테스트 및 수동 드레인용)
func (b *StreamBus) ProcessPending(ctx context.Context, topics []string, handler Handler) (int, error) {
	var all []Message
	for _, topic := range topics {
		msgs, err := b.Reclaim(ctx, topic)
		if err != nil {
			return 0, err
		}
		all = append(all, msgs...)
	}

	fresh, err := b.Fetch(ctx, topics...)
	if err != nil {
		return 0, err
	}
	all = append(all, fresh...)

	return b.dispatch(ctx, all, handler), nil
}

func (b *StreamBus) dispatch(ctx context.Context, msgs []Message, handler Handler) int {
	acked := 0
	for _, msg := range msgs {
		if err := handler(ctx, msg); err != nil {
			dead, nackErr := b.Nack(ctx, msg, err.Error())
			if nackErr != nil {
				b.logger.Error("Nack failed", zap.String("id", msg.ID), zap.Error(nackErr))
			}
			if dead {
				b.logger.Error("Message moved to DLQ",
					zap.String("topic", msg.Topic),
					zap.String("id", msg.ID),
					zap.Error(err))
			} else {
				b.logger.Warn("Message processing failed, will be redelivered",
					zap.String("topic", msg.Topic),
					zap.String("id", msg.ID),
					zap.Error(err))
			}
			continue
		}

		if err := b.Ack(ctx, msg); err != nil {
			b.logger.Error("Ack failed", zap.String("id", msg.ID), zap.Error(err))
			continue
		}
		acked++
	}
	return acked
}

func decodeMessage(topic string, xm redis.XMessage) Message {
	msg := Message{
		ID:       xm.ID,
		Topic:    topic,
		Key:      stringValue(xm.Values["key"]),
		PlayerID: stringValue(xm.Values["player"]),
		Payload:  []byte(stringValue(xm.Values["payload"])),
	}
	if ms, err := strconv.ParseInt(stringValue(xm.Values["published_at"]), 10, 64); err == nil {
		msg.PublishedAt = time.UnixMilli(ms)
	}
	return msg
}

func stringValue(v interface{}) string {
	switch s := v.(type) {
	case string:
		return s
	case []byte:
		return string(s)
	case nil:
		return ""
	default:
		return fmt.Sprint(s)
	}
}
