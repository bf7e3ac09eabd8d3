package gateway

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"
	"github.com/nao1215/taskhub/pkg/apperror"
	"github.com/nao1215/taskhub/pkg/middleware"
	"go.uber.org/zap"
)

const (
	// wsDialTimeout はバックエンドとのWebSocketハンドシェイクのタイムアウト。
	wsDialTimeout = 10 * time.Second
	// wsWriteTimeout は1フレームの書き込みのタイムアウト。
	wsWriteTimeout = 10 * time.Second
	// wsReadLimit は中継する1メッセージの最大サイズ。
	wsReadLimit = 1 << 20
)

// forwardedWSHeaders はWebSocketのハンドシェイクでバックエンドへ引き継ぐヘッダー。
var forwardedWSHeaders = []string{"Authorization", "Cookie", "User-Agent", middleware.HeaderRequestID}

// isUpgrade はWebSocketへのアップグレード要求かどうかを返す。
func isUpgrade(r *http.Request) bool {
	return headerHasToken(r.Header, "Connection", "upgrade") &&
		strings.EqualFold(strings.TrimSpace(r.Header.Get("Upgrade")), "websocket")
}

func headerHasToken(h http.Header, name, token string) bool {
	for _, v := range h.Values(name) {
		for _, t := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(t), token) {
				return true
			}
		}
	}
	return false
}

// ServeWebSocket はWebSocket接続をバックエンドへ中継する。
//
// 先にバックエンドとのハンドシェイクを完了させ、バックエンドが受け入れた場合に
// だけクライアントのアップグレードを受け入れる。サブプロトコルはバックエンドが
// 選んだものをクライアントに返す。以降はどちらかが閉じるまでフレームを
// 種類を保ったまま双方向に中継し、クローズステータスも相手側へ伝える。
func (p *Proxy) ServeWebSocket(c *gin.Context, route Route) {
	start := time.Now()
	if !p.acquire() {
		apperror.RespondStatus(c, http.StatusServiceUnavailable,
			apperror.New(apperror.KindBackendUnavailable, "gateway is shutting down", nil), p.development)
		return
	}
	defer p.wg.Done()

	dialCtx, cancel := context.WithTimeout(c.Request.Context(), wsDialTimeout)
	defer cancel()

	backend, resp, err := websocket.Dial(dialCtx, p.backendURL(c, route), &websocket.DialOptions{
		HTTPHeader:   p.forwardHeader(c),
		Subprotocols: requestedSubprotocols(c.Request.Header),
	})
	if err != nil {
		p.respondHandshakeError(c, route, resp, err)
		p.metrics.ObserveProxy(route.Prefix, c.Writer.Status(), time.Since(start))
		return
	}
	backend.SetReadLimit(wsReadLimit)

	opts := &websocket.AcceptOptions{
		OriginPatterns:     p.originPatterns,
		InsecureSkipVerify: p.anyOrigin,
	}
	if sp := backend.Subprotocol(); sp != "" {
		opts.Subprotocols = []string{sp}
	}
	client, err := websocket.Accept(c.Writer, c.Request, opts)
	if err != nil {
		// Acceptがクライアントへのエラーレスポンスを書き込み済み
		p.logger.Info("クライアントのWebSocketハンドシェイクに失敗しました",
			zap.String("route", route.Prefix), zap.Error(err))
		_ = backend.Close(websocket.StatusGoingAway, "client handshake failed")
		return
	}
	client.SetReadLimit(wsReadLimit)
	p.metrics.ObserveProxy(route.Prefix, http.StatusSwitchingProtocols, time.Since(start))

	p.relay(client, backend, route)
}

// relay はクライアントとバックエンドの間でフレームを中継する。
// どちらかの読み込みが終わるか、Proxyが閉じられるまで戻らない。
func (p *Proxy) relay(client, backend *websocket.Conn, route Route) {
	p.metrics.ActiveConnections.Inc()
	defer p.metrics.ActiveConnections.Dec()

	// 読み込み用のコンテキストはクローズフレームを送った後にキャンセルする
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errc := make(chan error, 2)
	go func() { errc <- pipe(ctx, backend, client) }()
	go func() { errc <- pipe(ctx, client, backend) }()

	pending := 2
	var code websocket.StatusCode
	var reason string
	select {
	case err := <-errc:
		pending--
		code, reason = closeStatus(err)
	case <-p.ctx.Done():
		code, reason = websocket.StatusGoingAway, "gateway shutting down"
	}

	var wg sync.WaitGroup
	for _, conn := range []*websocket.Conn{client, backend} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = conn.Close(code, reason)
		}()
	}
	wg.Wait()
	cancel()
	for ; pending > 0; pending-- {
		<-errc
	}

	p.logger.Debug("WebSocketの中継を終了しました",
		zap.String("route", route.Prefix), zap.Int("code", int(code)), zap.String("reason", reason))
}

// pipe はsrcから読んだフレームをdstへ書き込む。読み書きに失敗すると戻る。
func pipe(ctx context.Context, dst, src *websocket.Conn) error {
	for {
		typ, data, err := src.Read(ctx)
		if err != nil {
			return err
		}
		wctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
		err = dst.Write(wctx, typ, data)
		cancel()
		if err != nil {
			return err
		}
	}
}

// closeStatus は中継終了の原因から相手側に送るクローズステータスを決める。
// 送信できないステータス（1005/1006/1015）や通信エラーは1001に置き換える。
func closeStatus(err error) (websocket.StatusCode, string) {
	var ce websocket.CloseError
	if errors.As(err, &ce) {
		switch ce.Code {
		case websocket.StatusNoStatusRcvd, websocket.StatusAbnormalClosure, websocket.StatusTLSHandshake:
			return websocket.StatusGoingAway, "peer connection lost"
		default:
			return ce.Code, ce.Reason
		}
	}
	return websocket.StatusGoingAway, "peer connection lost"
}

// respondHandshakeError はバックエンドとのハンドシェイク失敗をレスポンスに変換する。
// バックエンドがHTTPで応答した場合はそのステータスとボディを返し、
// 接続できなかった場合は503を返す。
func (p *Proxy) respondHandshakeError(c *gin.Context, route Route, resp *http.Response, err error) {
	p.logger.Warn("バックエンドとのWebSocketハンドシェイクに失敗しました",
		zap.String("route", route.Prefix), zap.String("backend", route.Name), zap.Error(err))

	if resp != nil && resp.StatusCode >= http.StatusBadRequest {
		var body []byte
		if resp.Body != nil {
			body, _ = io.ReadAll(io.LimitReader(resp.Body, 1024))
			_ = resp.Body.Close()
		}
		contentType := resp.Header.Get("Content-Type")
		if contentType == "" {
			contentType = "text/plain; charset=utf-8"
		}
		c.Data(resp.StatusCode, contentType, body)
		c.Abort()
		return
	}

	apperror.RespondStatus(c, http.StatusServiceUnavailable,
		apperror.New(apperror.KindBackendUnavailable, route.Name+" "+apperror.ErrBackendUnavailable.Message, err),
		p.development)
}

// backendURL はバックエンドのWebSocket URLを組み立てる。
func (p *Proxy) backendURL(c *gin.Context, route Route) string {
	u := *route.TargetURL()
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = joinPath(u.Path, route.RewritePath(c.Request.URL.Path))
	u.RawPath = ""
	u.RawQuery = c.Request.URL.RawQuery
	return u.String()
}

// forwardHeader はバックエンドとのハンドシェイクで送るヘッダーを組み立てる。
func (p *Proxy) forwardHeader(c *gin.Context) http.Header {
	r := c.Request
	h := http.Header{}
	for _, k := range forwardedWSHeaders {
		if v := r.Header.Get(k); v != "" {
			h.Set(k, v)
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	h.Set("X-Forwarded-For", host)
	h.Set("X-Forwarded-Host", r.Host)
	proto := "http"
	if r.TLS != nil {
		proto = "https"
	}
	h.Set("X-Forwarded-Proto", proto)

	p.setIdentity(h, c)
	return h
}

// requestedSubprotocols はクライアントが要求したサブプロトコルを返す。
func requestedSubprotocols(h http.Header) []string {
	var out []string
	for _, v := range h.Values("Sec-WebSocket-Protocol") {
		for _, p := range strings.Split(v, ",") {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}
