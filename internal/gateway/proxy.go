package gateway

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nao1215/taskhub/pkg/apperror"
	"github.com/nao1215/taskhub/pkg/identity"
	"github.com/nao1215/taskhub/pkg/metrics"
	"github.com/nao1215/taskhub/pkg/middleware"
	"go.uber.org/zap"
)

// バックエンド接続の既定値。
const (
	dialTimeout         = 5 * time.Second
	maxIdleConnsPerHost = 32
)

// NewTransport はバックエンドとの通信に使うRoundTripperを生成する。
// http.DefaultTransport を元に、接続タイムアウトとホストごとのアイドル接続数を調整する。
func NewTransport() *http.Transport {
	t := http.DefaultTransport.(*http.Transport).Clone()
	t.DialContext = (&net.Dialer{
		Timeout:   dialTimeout,
		KeepAlive: 30 * time.Second,
	}).DialContext
	t.MaxIdleConnsPerHost = maxIdleConnsPerHost
	return t
}

// ProxyConfig はProxyの設定。
type ProxyConfig struct {
	// Transport はバックエンドへのHTTP通信に使う。nilの場合は http.DefaultTransport。
	Transport http.RoundTripper
	// Logger はログ出力先。
	Logger *zap.Logger
	// Metrics はメトリクスの記録先。
	Metrics *metrics.Metrics
	// ForwardSecret が空でなければ X-User-Assertion を付与する。
	ForwardSecret []byte
	// Development が true の場合、エラーレスポンスに原因を含める。
	Development bool
	// AllowedOrigins はWebSocket接続を許可するオリジン。"*" ですべて許可する。
	AllowedOrigins []string
}

// Proxy はルートに従ってリクエストをバックエンドへ転送する。
// 転送は1回だけ行い、失敗しても再送しない。
type Proxy struct {
	transport      http.RoundTripper
	logger         *zap.Logger
	metrics        *metrics.Metrics
	forwardSecret  []byte
	development    bool
	originPatterns []string
	anyOrigin      bool

	// ctx はWebSocket中継の寿命。Closeでキャンセルする。
	ctx    context.Context
	cancel context.CancelFunc

	// mu は closed の確認と wg.Add を一体にする。
	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewProxy は新しいProxyを生成する。
func NewProxy(cfg ProxyConfig) *Proxy {
	ctx, cancel := context.WithCancel(context.Background())
	p := &Proxy{
		transport:     cfg.Transport,
		logger:        cfg.Logger,
		metrics:       cfg.Metrics,
		forwardSecret: cfg.ForwardSecret,
		development:   cfg.Development,
		ctx:           ctx,
		cancel:        cancel,
	}
	if p.transport == nil {
		p.transport = http.DefaultTransport
	}
	if p.logger == nil {
		p.logger = zap.NewNop()
	}
	if p.metrics == nil {
		p.metrics = metrics.New("gateway")
	}
	for _, o := range cfg.AllowedOrigins {
		if o == "*" {
			p.anyOrigin = true
			continue
		}
		// WebSocketのオリジン検証はホスト名で行う
		if u, err := url.Parse(o); err == nil && u.Host != "" {
			o = u.Host
		}
		p.originPatterns = append(p.originPatterns, o)
	}
	return p
}

// ServeHTTP は通常のHTTPリクエストをバックエンドへ転送する。
// ステータス・ヘッダー・ボディはそのままクライアントに返す。
func (p *Proxy) ServeHTTP(c *gin.Context, route Route) {
	start := time.Now()
	target := route.TargetURL()

	rp := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.Out.URL.Scheme = target.Scheme
			pr.Out.URL.Host = target.Host
			pr.Out.URL.Path = joinPath(target.Path, route.RewritePath(pr.In.URL.Path))
			pr.Out.URL.RawPath = ""
			pr.Out.URL.RawQuery = pr.In.URL.RawQuery
			pr.Out.Host = ""
			pr.SetXForwarded()
			p.setIdentity(pr.Out.Header, c)
		},
		ModifyResponse: func(resp *http.Response) error {
			stripCORSHeaders(resp.Header)
			return nil
		},
		Transport: p.transport,
		ErrorLog:  zap.NewStdLog(p.logger),
		ErrorHandler: func(_ http.ResponseWriter, _ *http.Request, err error) {
			p.respondBackendError(c, route, err)
		},
	}
	rp.ServeHTTP(c.Writer, c.Request)

	p.metrics.ObserveProxy(route.Prefix, c.Writer.Status(), time.Since(start))
}

// Close は中継中のWebSocket接続を1001で閉じ、すべての中継が終わるまで待つ。
func (p *Proxy) Close(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// setIdentity はクライアントが送ってきたユーザー情報ヘッダーを取り除き、
// 検証済みのクレームがあればそれを設定する。
func (p *Proxy) setIdentity(h http.Header, c *gin.Context) {
	h.Del(identity.HeaderUserData)
	h.Del(identity.HeaderUserAssertion)

	claims, ok := middleware.GetClaims(c)
	if !ok {
		return
	}
	encoded, err := identity.Encode(claims)
	if err != nil {
		p.logger.Error("クレームのエンコードに失敗しました", zap.Error(err))
		return
	}
	h.Set(identity.HeaderUserData, encoded)

	if len(p.forwardSecret) == 0 {
		return
	}
	sealed, err := identity.Seal(claims, p.forwardSecret, identity.DefaultSealTTL)
	if err != nil {
		p.logger.Error("クレームの署名に失敗しました", zap.Error(err))
		return
	}
	h.Set(identity.HeaderUserAssertion, sealed)
}

// acquire はWebSocket中継を1件登録する。Close済みの場合は false を返す。
// true を返した場合、呼び出し側は終了時に p.wg.Done を呼ぶ。
func (p *Proxy) acquire() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	p.wg.Add(1)
	return true
}

// stripCORSHeaders はバックエンドが付けたCORSヘッダーを取り除く。
// CORSはgatewayのミドルウェアだけが設定する。
func stripCORSHeaders(h http.Header) {
	for k := range h {
		if strings.HasPrefix(k, "Access-Control-") {
			h.Del(k)
		}
	}
}

// respondBackendError はバックエンドとの通信エラーをレスポンスに変換する。
// 接続できなかった場合は503、それ以外の通信エラーは502を返す。
func (p *Proxy) respondBackendError(c *gin.Context, route Route, err error) {
	if errors.Is(err, context.Canceled) && c.Request.Context().Err() != nil {
		// クライアントが切断済み
		p.logger.Debug("クライアントの切断により転送を中断しました",
			zap.String("route", route.Prefix), zap.String("path", c.Request.URL.Path))
		c.Abort()
		return
	}

	status := http.StatusBadGateway
	if isDialError(err) {
		status = http.StatusServiceUnavailable
	}
	p.logger.Warn("バックエンドへの転送に失敗しました",
		zap.String("route", route.Prefix),
		zap.String("backend", route.Name),
		zap.String("path", c.Request.URL.Path),
		zap.Int("status", status),
		zap.Error(err),
	)
	apperror.RespondStatus(c, status,
		apperror.New(apperror.KindBackendUnavailable, route.Name+" "+apperror.ErrBackendUnavailable.Message, err),
		p.development)
}

// isDialError はバックエンドへの接続自体に失敗したかどうかを返す。
func isDialError(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return true
	}
	return errors.Is(err, syscall.ECONNREFUSED)
}

// joinPath はベースパスとリクエストパスを連結する。
func joinPath(base, path string) string {
	if base == "" || base == "/" {
		return path
	}
	return strings.TrimRight(base, "/") + path
}
