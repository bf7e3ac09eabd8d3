package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/graphql-go/graphql"
	"github.com/graphql-go/graphql/gqlerrors"
	"github.com/graphql-go/graphql/language/ast"
	"github.com/nao1215/taskhub/pkg/metrics"
	"go.uber.org/zap"
)

// Subprotocol はブリッジが話すWebSocketサブプロトコル。
const Subprotocol = "graphql-transport-ws"

// graphql-transport-ws のメッセージ種別。
const (
	msgConnectionInit = "connection_init"
	msgConnectionAck  = "connection_ack"
	msgPing           = "ping"
	msgPong           = "pong"
	msgSubscribe      = "subscribe"
	msgNext           = "next"
	msgError          = "error"
	msgComplete       = "complete"
)

// graphql-transport-ws のクローズコード。
const (
	CloseBadRequest         websocket.StatusCode = 4400
	CloseUnauthorized       websocket.StatusCode = 4401
	CloseInitTimeout        websocket.StatusCode = 4408
	CloseSubscriberExists   websocket.StatusCode = 4409
	CloseTooManyInitRequest websocket.StatusCode = 4429
)

// BridgeConfig はBridgeの設定。
type BridgeConfig struct {
	// Schema は購読を実行するGraphQLスキーマ。
	Schema graphql.Schema
	// Logger はログ出力先。
	Logger *zap.Logger
	// Metrics はメトリクスの記録先。
	Metrics *metrics.Metrics
	// AllowedOrigins は接続を許可するオリジン。"*" ですべて許可する。
	AllowedOrigins []string
	// InitTimeout は connection_init を待つ時間。
	InitTimeout time.Duration
	// WriteTimeout は1回の書き込みの制限時間。
	WriteTimeout time.Duration
}

// Bridge はWebSocket接続とイベントバスの購読を結びつける。
//
// 接続ごとに読み込み用のgoroutineを1つ、実行中のオペレーションごとに
// goroutineを1つ使う。書き込みは接続ごとのロックで直列化する。
// 接続がどの経路で終わっても、ハンドラが戻る前にすべての購読を解除する。
type Bridge struct {
	schema       graphql.Schema
	logger       *zap.Logger
	metrics      *metrics.Metrics
	accept       *websocket.AcceptOptions
	initTimeout  time.Duration
	writeTimeout time.Duration

	mu     sync.Mutex
	conns  map[*bridgeConn]struct{}
	closed bool
	wg     sync.WaitGroup
}

// NewBridge は新しいBridgeを生成する。
func NewBridge(cfg BridgeConfig) *Bridge {
	b := &Bridge{
		schema:       cfg.Schema,
		logger:       cfg.Logger,
		metrics:      cfg.Metrics,
		initTimeout:  cfg.InitTimeout,
		writeTimeout: cfg.WriteTimeout,
		conns:        make(map[*bridgeConn]struct{}),
	}
	if b.logger == nil {
		b.logger = zap.NewNop()
	}
	if b.metrics == nil {
		b.metrics = metrics.New("task-api")
	}
	if b.initTimeout <= 0 {
		b.initTimeout = 10 * time.Second
	}
	if b.writeTimeout <= 0 {
		b.writeTimeout = 5 * time.Second
	}

	b.accept = &websocket.AcceptOptions{Subprotocols: []string{Subprotocol}}
	for _, o := range cfg.AllowedOrigins {
		if o == "*" {
			b.accept.InsecureSkipVerify = true
			continue
		}
		if u, err := url.Parse(o); err == nil && u.Host != "" {
			o = u.Host
		}
		b.accept.OriginPatterns = append(b.accept.OriginPatterns, o)
	}
	return b
}

// ServeHTTP はWebSocket接続を受け入れ、切断されるまで処理する。
// リクエストのコンテキストに載ったユーザー情報は各オペレーションに引き継ぐ。
func (b *Bridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	b.wg.Add(1)
	b.mu.Unlock()
	defer b.wg.Done()

	ws, err := websocket.Accept(w, r, b.accept)
	if err != nil {
		b.logger.Warn("WebSocket接続の受け入れに失敗しました", zap.Error(err))
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	c := &bridgeConn{
		bridge: b,
		ws:     ws,
		ctx:    ctx,
		cancel: cancel,
		ops:    make(map[string]*operation),
		logger: b.logger.With(zap.String("remote_addr", r.RemoteAddr)),
	}
	if !b.register(c) {
		cancel()
		_ = ws.Close(websocket.StatusGoingAway, "server shutting down")
		return
	}
	defer b.unregister(c)

	b.metrics.ActiveConnections.Inc()
	defer b.metrics.ActiveConnections.Dec()

	c.serve(r.Context())
}

// Shutdown は新しい接続の受け入れを止め、すべての接続を1001で閉じて
// ハンドラが戻るまで待つ。ctxが先に終了した場合は残りの接続を強制的に切断する。
func (b *Bridge) Shutdown(ctx context.Context) error {
	b.mu.Lock()
	b.closed = true
	conns := make([]*bridgeConn, 0, len(b.conns))
	for c := range b.conns {
		conns = append(conns, c)
	}
	b.mu.Unlock()

	for _, c := range conns {
		go c.close(websocket.StatusGoingAway, "server shutting down")
	}

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		for _, c := range conns {
			_ = c.ws.CloseNow()
		}
		return fmt.Errorf("購読ブリッジの停止待ちがタイムアウト: %w", ctx.Err())
	}
}

// Connections は接続中のクライアント数を返す。
func (b *Bridge) Connections() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.conns)
}

func (b *Bridge) register(c *bridgeConn) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return false
	}
	b.conns[c] = struct{}{}
	return true
}

func (b *Bridge) unregister(c *bridgeConn) {
	b.mu.Lock()
	delete(b.conns, c)
	b.mu.Unlock()
}

// clientMessage はクライアントから受け取るメッセージ。
type clientMessage struct {
	ID      string          `json:"id,omitempty"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// serverMessage はクライアントへ送るメッセージ。
type serverMessage struct {
	ID      string `json:"id,omitempty"`
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

// subscribePayload は subscribe メッセージのペイロード。
type subscribePayload struct {
	Query         string         `json:"query"`
	Variables     map[string]any `json:"variables"`
	OperationName string         `json:"operationName"`
}

// operation は実行中のオペレーション。
type operation struct {
	cancel context.CancelFunc
}

// bridgeConn は1本のWebSocket接続。
type bridgeConn struct {
	bridge *Bridge
	ws     *websocket.Conn
	logger *zap.Logger

	// ctx はオペレーションの親コンテキスト。接続の終了でキャンセルする。
	ctx    context.Context
	cancel context.CancelFunc

	initialized atomic.Bool
	writeMu     sync.Mutex
	closeOnce   sync.Once

	mu  sync.Mutex
	ops map[string]*operation
	wg  sync.WaitGroup
}

// serve は切断されるまでメッセージを読み込む。
// 読み込みには readCtx を使い、ctx のキャンセルで接続が切れないようにする。
func (c *bridgeConn) serve(readCtx context.Context) {
	defer func() {
		c.cancel()
		c.wg.Wait()
		_ = c.ws.CloseNow()
	}()

	timer := time.AfterFunc(c.bridge.initTimeout, func() {
		if !c.initialized.Load() {
			c.close(CloseInitTimeout, "Connection initialisation timeout")
		}
	})
	defer timer.Stop()

	for {
		typ, data, err := c.ws.Read(readCtx)
		if err != nil {
			if status := websocket.CloseStatus(err); status == -1 {
				c.logger.Debug("WebSocket接続が切断されました", zap.Error(err))
			}
			return
		}
		if typ != websocket.MessageText {
			c.close(CloseBadRequest, "Invalid message received")
			return
		}
		if code, reason, ok := c.handle(data); !ok {
			c.close(code, reason)
			return
		}
	}
}

// handle は1件のメッセージを処理する。接続を閉じる場合は ok が false になる。
func (c *bridgeConn) handle(data []byte) (code websocket.StatusCode, reason string, ok bool) {
	var msg clientMessage
	if err := json.Unmarshal(data, &msg); err != nil || msg.Type == "" {
		return CloseBadRequest, "Invalid message received", false
	}

	switch msg.Type {
	case msgConnectionInit:
		if c.initialized.Swap(true) {
			return CloseTooManyInitRequest, "Too many initialisation requests", false
		}
		c.write(serverMessage{Type: msgConnectionAck})
	case msgPing:
		c.write(serverMessage{Type: msgPong})
	case msgPong:
	case msgSubscribe:
		if !c.initialized.Load() {
			return CloseUnauthorized, "Unauthorized", false
		}
		var p subscribePayload
		if msg.ID == "" || json.Unmarshal(msg.Payload, &p) != nil || p.Query == "" {
			return CloseBadRequest, "Invalid message received", false
		}
		if !c.start(msg.ID, p) {
			return CloseSubscriberExists, fmt.Sprintf("Subscriber for %s already exists", msg.ID), false
		}
	case msgComplete:
		c.stop(msg.ID)
	default:
		return CloseBadRequest, "Invalid message received", false
	}
	return 0, "", true
}

// start はオペレーションを開始する。同じIDが実行中の場合は false を返す。
func (c *bridgeConn) start(id string, p subscribePayload) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, dup := c.ops[id]; dup {
		return false
	}

	ctx, cancel := context.WithCancel(c.ctx)
	op := &operation{cancel: cancel}
	c.ops[id] = op
	c.wg.Add(1)
	go c.run(ctx, op, id, p)
	return true
}

// stop はクライアントの complete を受けてオペレーションを止める。
func (c *bridgeConn) stop(id string) {
	c.mu.Lock()
	op, ok := c.ops[id]
	if ok {
		delete(c.ops, id)
	}
	c.mu.Unlock()
	if ok {
		op.cancel()
	}
}

// finish はオペレーションの登録を外す。
func (c *bridgeConn) finish(id string, op *operation) {
	c.mu.Lock()
	if c.ops[id] == op {
		delete(c.ops, id)
	}
	c.mu.Unlock()
	op.cancel()
}

// run は1つのオペレーションを実行し、結果を next で送る。
// 購読の場合はイベントが届くたびに next を送り、終了時に complete を送る。
func (c *bridgeConn) run(ctx context.Context, op *operation, id string, p subscribePayload) {
	defer c.wg.Done()
	defer c.finish(id, op)

	c.bridge.metrics.ActiveSubscriptions.Inc()
	defer c.bridge.metrics.ActiveSubscriptions.Dec()

	reg := &registrations{}
	defer reg.release()
	ctx = withRegistrations(ctx, reg)

	params := graphql.Params{
		Schema:         c.bridge.schema,
		RequestString:  p.Query,
		VariableValues: p.Variables,
		OperationName:  p.OperationName,
		Context:        ctx,
	}

	opType, err := operationType(p.Query, p.OperationName)
	if err != nil {
		c.write(serverMessage{ID: id, Type: msgError, Payload: gqlerrors.FormatErrors(err)})
		return
	}

	if opType != ast.OperationTypeSubscription {
		res := graphql.Do(params)
		if ctx.Err() == nil {
			c.write(serverMessage{ID: id, Type: msgNext, Payload: res})
			c.write(serverMessage{ID: id, Type: msgComplete})
		}
		return
	}

	failed := false
	// 結果チャネルは閉じられるまで読み切る
	for res := range graphql.Subscribe(params) {
		if ctx.Err() != nil || failed {
			continue
		}
		if res.HasErrors() && res.Data == nil {
			c.write(serverMessage{ID: id, Type: msgError, Payload: res.Errors})
			failed = true
			op.cancel()
			continue
		}
		c.write(serverMessage{ID: id, Type: msgNext, Payload: res})
	}
	if ctx.Err() == nil && !failed {
		c.write(serverMessage{ID: id, Type: msgComplete})
	}
}

// write はメッセージを送る。失敗した場合は接続を終了させる。
func (c *bridgeConn) write(msg serverMessage) {
	b, err := json.Marshal(msg)
	if err != nil {
		c.logger.Error("メッセージのシリアライズに失敗しました", zap.String("type", msg.Type), zap.Error(err))
		return
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), c.bridge.writeTimeout)
	defer cancel()
	if err := c.ws.Write(ctx, websocket.MessageText, b); err != nil {
		if !errors.Is(err, context.Canceled) {
			c.logger.Debug("メッセージの送信に失敗しました", zap.String("type", msg.Type), zap.Error(err))
		}
		// 書き込みの失敗やタイムアウトで接続は閉じられている
		c.cancel()
	}
}

// close はオペレーションを止めてから接続を閉じる。
func (c *bridgeConn) close(code websocket.StatusCode, reason string) {
	c.closeOnce.Do(func() {
		c.cancel()
		if err := c.ws.Close(code, reason); err != nil {
			c.logger.Debug("WebSocket接続のクローズに失敗しました", zap.Error(err))
		}
	})
}
