// Package eventbus はトピック単位のPublish/Subscribeを提供する。
//
// タスクAPIはミューテーションのたびにイベントを発行し、購読ブリッジが
// 接続中のクライアントへ配信する。配信は at-most-once・best-effort で、
// 購読前に発行されたイベントは再送しない。同じトピックへの発行は
// 発行順に各購読者へ届くが、トピックをまたいだ順序は保証しない。
//
// 単一プロセス向けの MemoryBroker が既定の実装で、複数インスタンスで
// 動かす場合は同じインターフェースを持つ RedisBroker に差し替える。
package eventbus

import (
	"context"
	"errors"

	"go.uber.org/zap"
)

// DefaultBuffer は購読ごとの受信バッファ数。
// バッファが一杯の購読者へのイベントは破棄する。
const DefaultBuffer = 64

// ErrClosed はクローズ済みのブローカーを操作したことを表す。
var ErrClosed = errors.New("eventbus: broker closed")

// Broker はトピック単位のPublish/Subscribeを行う。
type Broker interface {
	// Publish はトピックにペイロードを発行する。購読者がいない場合は何もしない。
	// 購読者の受信を待ってブロックすることは無い。
	Publish(ctx context.Context, topic string, payload []byte) error
	// Subscribe はトピックを購読する。ctxが終了するかCloseを呼ぶと購読を解除する。
	Subscribe(ctx context.Context, topic string) (Subscription, error)
	// Close はすべての購読を解除してブローカーを停止する。
	Close() error
}

// Subscription は1つのトピックに対する購読。
// ブローカーが保持するのは受信チャネルだけで、接続のライフサイクルは持たない。
type Subscription interface {
	// Topic は購読中のトピック名を返す。
	Topic() string
	// Messages は受信したペイロードを返すチャネル。購読解除でクローズされる。
	Messages() <-chan []byte
	// Close は購読を解除する。複数回呼んでもよい。
	Close() error
}

// Observer はイベントの配信結果を受け取る。メトリクス収集に使用する。
type Observer interface {
	// ObservePublish は1回の発行での配信数と破棄数を受け取る。
	ObservePublish(topic string, delivered, dropped int)
	// ObserveDrop は発行後に購読側で破棄したイベント数を受け取る。
	ObserveDrop(topic string, n int)
}

// options はブローカー共通の設定。
type options struct {
	buffer   int
	logger   *zap.Logger
	observer Observer
}

// Option はブローカーの設定を変更する。
type Option func(*options)

// WithBuffer は購読ごとの受信バッファ数を変更する。
func WithBuffer(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.buffer = n
		}
	}
}

// WithLogger はロガーを設定する。
func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithObserver は配信結果の通知先を設定する。
func WithObserver(obs Observer) Option {
	return func(o *options) {
		o.observer = obs
	}
}

func newOptions(opts []Option) options {
	o := options{
		buffer: DefaultBuffer,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func (o options) observe(topic string, delivered, dropped int) {
	if o.observer != nil {
		o.observer.ObservePublish(topic, delivered, dropped)
	}
}

func (o options) observeDrop(topic string, n int) {
	if o.observer != nil {
		o.observer.ObserveDrop(topic, n)
	}
}
