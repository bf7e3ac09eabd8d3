package eventbus

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// DefaultRedisPrefix はRedisのチャネル名に付ける接頭辞。
const DefaultRedisPrefix = "taskhub:"

// RedisBroker はRedisのPUBLISH/SUBSCRIBEを使うBroker。
// 複数インスタンスのタスクAPIが同じRedisに接続することで、
// どのインスタンスに接続した購読者にもイベントが届く。
type RedisBroker struct {
	client redis.UniversalClient
	prefix string
	opts   options

	mu     sync.Mutex
	closed bool
	subs   map[*redisSubscription]struct{}
}

// NewRedisBroker は新しいRedisBrokerを生成する。
// clientの所有権はブローカーに移り、Closeでクローズされる。
func NewRedisBroker(client redis.UniversalClient, opts ...Option) *RedisBroker {
	return &RedisBroker{
		client: client,
		prefix: DefaultRedisPrefix,
		opts:   newOptions(opts),
		subs:   make(map[*redisSubscription]struct{}),
	}
}

// Publish はRedisのチャネルにペイロードを発行する。
func (b *RedisBroker) Publish(ctx context.Context, topic string, payload []byte) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return ErrClosed
	}

	n, err := b.client.Publish(ctx, b.prefix+topic, payload).Result()
	if err != nil {
		return fmt.Errorf("Redisへのイベント発行に失敗: %w", err)
	}
	b.opts.observe(topic, int(n), 0)
	return nil
}

// Subscribe はRedisのチャネルを購読する。
// Redisからの購読完了応答を待ってから戻る。
func (b *RedisBroker) Subscribe(ctx context.Context, topic string) (Subscription, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	b.mu.Unlock()

	ps := b.client.Subscribe(ctx, b.prefix+topic)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("Redisチャネルの購読に失敗: %w", err)
	}

	sub := &redisSubscription{
		broker: b,
		topic:  topic,
		ps:     ps,
		ch:     make(chan []byte, b.opts.buffer),
		done:   make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		_ = ps.Close()
		return nil, ErrClosed
	}
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	go sub.pump(ctx, b.opts.logger)
	return sub, nil
}

// Close はすべての購読を解除し、Redisクライアントをクローズする。
func (b *RedisBroker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := make([]*redisSubscription, 0, len(b.subs))
	for sub := range b.subs {
		subs = append(subs, sub)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		_ = sub.Close()
	}
	return b.client.Close()
}

func (b *RedisBroker) remove(sub *redisSubscription) {
	b.mu.Lock()
	delete(b.subs, sub)
	b.mu.Unlock()
}

// redisSubscription はRedisBrokerの購読。
type redisSubscription struct {
	broker *RedisBroker
	topic  string
	ps     *redis.PubSub
	ch     chan []byte
	done   chan struct{}
	once   sync.Once
}

// pump はRedisから受信したメッセージを受信チャネルへ移す。
// 受信チャネルを閉じるのはこのgoroutineだけとする。
func (s *redisSubscription) pump(ctx context.Context, logger *zap.Logger) {
	defer close(s.ch)

	msgs := s.ps.Channel()
	for {
		select {
		case <-ctx.Done():
			_ = s.Close()
			return
		case <-s.done:
			return
		case m, ok := <-msgs:
			if !ok {
				return
			}
			select {
			case s.ch <- []byte(m.Payload):
			default:
				logger.Warn("受信バッファが一杯の購読者へのイベントを破棄しました", zap.String("topic", s.topic))
				s.broker.opts.observeDrop(s.topic, 1)
			}
		}
	}
}

func (s *redisSubscription) Topic() string {
	return s.topic
}

func (s *redisSubscription) Messages() <-chan []byte {
	return s.ch
}

func (s *redisSubscription) Close() error {
	var err error
	s.once.Do(func() {
		s.broker.remove(s)
		close(s.done)
		err = s.ps.Close()
	})
	return err
}
