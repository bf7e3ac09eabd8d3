package eventbus

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// MemoryBroker はプロセス内で完結するBroker。
//
// HTTPサーバーは接続ごとにgoroutineを使うため、購読の登録・解除は mu で
// 直列化する。発行はトピックごとのロックで直列化し、同じトピックの
// イベントが発行順に届くようにする。異なるトピックの発行は互いに待たない。
// ロックの取得順は必ず mu → topicState.mu とする。
type MemoryBroker struct {
	mu     sync.RWMutex
	topics map[string]*topicState
	closed bool
	opts   options
}

// topicState はトピックごとの購読者集合。
type topicState struct {
	mu   sync.Mutex
	subs map[*memorySubscription]struct{}
}

// NewMemoryBroker は新しいMemoryBrokerを生成する。
func NewMemoryBroker(opts ...Option) *MemoryBroker {
	return &MemoryBroker{
		topics: make(map[string]*topicState),
		opts:   newOptions(opts),
	}
}

// Publish はトピックの全購読者にペイロードを配信する。
// 受信バッファが一杯の購読者には配信せず破棄する。
func (b *MemoryBroker) Publish(_ context.Context, topic string, payload []byte) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrClosed
	}
	ts := b.topics[topic]
	b.mu.RUnlock()

	if ts == nil {
		return nil
	}

	ts.mu.Lock()
	defer ts.mu.Unlock()

	delivered, dropped := 0, 0
	for sub := range ts.subs {
		select {
		case sub.ch <- payload:
			delivered++
		default:
			dropped++
		}
	}
	if dropped > 0 {
		b.opts.logger.Warn("受信バッファが一杯の購読者へのイベントを破棄しました",
			zap.String("topic", topic), zap.Int("dropped", dropped))
	}
	b.opts.observe(topic, delivered, dropped)
	return nil
}

// Subscribe はトピックの購読を登録する。
// 戻った時点で登録は完了しており、以降に発行されたイベントを受信する。
func (b *MemoryBroker) Subscribe(ctx context.Context, topic string) (Subscription, error) {
	sub := &memorySubscription{
		broker: b,
		topic:  topic,
		ch:     make(chan []byte, b.opts.buffer),
		done:   make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	ts, ok := b.topics[topic]
	if !ok {
		ts = &topicState{subs: make(map[*memorySubscription]struct{})}
		b.topics[topic] = ts
	}
	ts.mu.Lock()
	ts.subs[sub] = struct{}{}
	ts.mu.Unlock()
	b.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			_ = sub.Close()
		case <-sub.done:
		}
	}()

	return sub, nil
}

// Subscribers はトピックの現在の購読者数を返す。
func (b *MemoryBroker) Subscribers(topic string) int {
	b.mu.RLock()
	ts := b.topics[topic]
	b.mu.RUnlock()
	if ts == nil {
		return 0
	}
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return len(ts.subs)
}

// Topics は購読者が1人以上いるトピック数を返す。
func (b *MemoryBroker) Topics() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics)
}

// Close はすべての購読を解除する。以降のPublish/SubscribeはErrClosedを返す。
func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	var subs []*memorySubscription
	for _, ts := range b.topics {
		ts.mu.Lock()
		for sub := range ts.subs {
			subs = append(subs, sub)
		}
		ts.mu.Unlock()
	}
	b.mu.Unlock()

	for _, sub := range subs {
		_ = sub.Close()
	}
	return nil
}

// remove は購読者を登録から外す。空になったトピックは登録ごと削除する。
func (b *MemoryBroker) remove(sub *memorySubscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ts, ok := b.topics[sub.topic]
	if !ok {
		return
	}
	ts.mu.Lock()
	delete(ts.subs, sub)
	empty := len(ts.subs) == 0
	ts.mu.Unlock()
	if empty {
		delete(b.topics, sub.topic)
	}
}

// memorySubscription はMemoryBrokerの購読。
type memorySubscription struct {
	broker *MemoryBroker
	topic  string
	ch     chan []byte
	done   chan struct{}
	once   sync.Once
}

func (s *memorySubscription) Topic() string {
	return s.topic
}

func (s *memorySubscription) Messages() <-chan []byte {
	return s.ch
}

// Close は登録を外してから受信チャネルを閉じる。
// 送信はトピックのロック内でのみ行うため、登録を外した後は送信されない。
func (s *memorySubscription) Close() error {
	s.once.Do(func() {
		s.broker.remove(s)
		close(s.done)
		close(s.ch)
	})
	return nil
}
