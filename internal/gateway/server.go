package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nao1215/taskhub/pkg/apperror"
	"github.com/nao1215/taskhub/pkg/httpclient"
	"github.com/nao1215/taskhub/pkg/metrics"
	"github.com/nao1215/taskhub/pkg/middleware"
	"github.com/nao1215/taskhub/pkg/token"
	"go.uber.org/zap"
)

// Server はgatewayサービスのHTTPサーバー。
type Server struct {
	// router はGinのHTTPルーター。
	router *gin.Engine
	// cfg はサービスの設定。
	cfg Config
	// routes は転送先を引くルートテーブル。
	routes *RouteTable
	// auth はアクセストークンを検証するミドルウェア。
	auth gin.HandlerFunc
	// proxy はバックエンドへの転送を行う。
	proxy *Proxy
	// transport はバックエンドへのHTTP通信に使う。nilの場合は http.DefaultTransport。
	transport http.RoundTripper
	// backends はヘルスチェック用のバックエンドごとのクライアント。
	backends []backend
	// metrics はPrometheusメトリクス。
	metrics *metrics.Metrics
	// logger は構造化ロガー。
	logger *zap.Logger
}

// backend はヘルスチェック対象のバックエンド。
type backend struct {
	name   string
	client *httpclient.Client
}

// Option はServerの設定を変更する。
type Option func(*serverOptions)

type serverOptions struct {
	routes    []Route
	transport http.RoundTripper
	metrics   *metrics.Metrics
}

// WithRoutes は既定のルート構成を置き換える。
func WithRoutes(routes ...Route) Option {
	return func(o *serverOptions) {
		o.routes = routes
	}
}

// WithTransport はバックエンドへのHTTP通信に使うRoundTripperを設定する。
func WithTransport(rt http.RoundTripper) Option {
	return func(o *serverOptions) {
		o.transport = rt
	}
}

// WithMetrics はメトリクスの記録先を設定する。
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *serverOptions) {
		o.metrics = m
	}
}

// NewServer は新しいgatewayサーバーを生成する。
// verifier はリソースAPIの公開鍵で構築したトークン検証器。
func NewServer(cfg Config, verifier *token.Verifier, logger *zap.Logger, opts ...Option) (*Server, error) {
	if verifier == nil {
		return nil, errors.New("トークン検証器が必要です")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	o := serverOptions{routes: DefaultRoutes(cfg)}
	for _, opt := range opts {
		opt(&o)
	}
	if o.metrics == nil {
		o.metrics = metrics.New("gateway")
	}

	routes, err := NewRouteTable(o.routes...)
	if err != nil {
		return nil, fmt.Errorf("ルートテーブルの構築に失敗: %w", err)
	}

	router := gin.New()
	router.Use(middleware.Recovery(logger))
	router.Use(middleware.RequestID())
	router.Use(middleware.Logger(logger))
	router.Use(middleware.CORS(cfg.AllowedOrigins))

	s := &Server{
		router: router,
		cfg:    cfg,
		routes: routes,
		auth: middleware.BearerAuth(verifier,
			middleware.WithDevelopment(cfg.Development),
			middleware.WithRejectHook(func(err error) {
				o.metrics.AuthFailures.WithLabelValues(string(apperror.KindOf(err))).Inc()
			}),
		),
		proxy: NewProxy(ProxyConfig{
			Transport:      o.transport,
			Logger:         logger.Named("proxy"),
			Metrics:        o.metrics,
			ForwardSecret:  cfg.ForwardSecret,
			Development:    cfg.Development,
			AllowedOrigins: cfg.AllowedOrigins,
		}),
		transport: o.transport,
		metrics:   o.metrics,
		logger:    logger,
	}
	s.backends = s.healthTargets()
	s.setupRoutes()

	return s, nil
}

// Handler はHTTPハンドラを返す。テストから直接呼び出すために使用する。
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run はHTTPサーバーを起動し、ctxが終了するとグレースフルシャットダウンする。
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("gatewayサービスを起動します", zap.String("addr", srv.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("gatewayサービスの起動に失敗: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	s.logger.Info("gatewayサービスを停止します")
	// ハイジャック済みのWebSocket接続はhttp.Serverが追跡しないため先に閉じる
	if err := s.proxy.Close(shutdownCtx); err != nil {
		s.logger.Warn("WebSocket中継の終了待ちがタイムアウトしました", zap.Error(err))
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("gatewayサービスの停止に失敗: %w", err)
	}
	return nil
}

// setupRoutes はルーティングを設定する。
// /health と /metrics 以外のすべてのリクエストはルートテーブルで転送先を決める。
func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth())
	s.router.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	s.router.NoRoute(s.handleDispatch())
}

// handleDispatch はルートテーブルに従ってリクエストを転送するハンドラを返す。
func (s *Server) handleDispatch() gin.HandlerFunc {
	return func(c *gin.Context) {
		route, ok := s.routes.Match(c.Request.URL.Path)
		if !ok {
			c.AbortWithStatusJSON(http.StatusNotFound, gin.H{
				"error":           "Route not found",
				"availableRoutes": s.availableRoutes(),
			})
			return
		}

		if route.AuthRequired {
			s.auth(c)
			if c.IsAborted() {
				return
			}
		}

		if isUpgrade(c.Request) {
			if !route.Upgradeable {
				c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
					"error":   "Bad request",
					"message": "WebSocket upgrade is not supported on " + route.Prefix,
				})
				return
			}
			s.proxy.ServeWebSocket(c, route)
			return
		}
		s.proxy.ServeHTTP(c, route)
	}
}

// availableRoutes はルートが見つからない場合に案内するパスの一覧を返す。
func (s *Server) availableRoutes() []string {
	return append([]string{"/health"}, s.routes.Prefixes()...)
}

// healthTargets はルートテーブルからヘルスチェック対象のバックエンドを重複なく集める。
func (s *Server) healthTargets() []backend {
	seen := make(map[string]struct{})
	var out []backend
	for _, r := range s.routes.Routes() {
		base := r.TargetURL().String()
		if _, ok := seen[base]; ok {
			continue
		}
		seen[base] = struct{}{}
		out = append(out, backend{
			name:   r.Name,
			client: s.healthClient(base),
		})
	}
	return out
}

// healthClient はヘルスチェック用のクライアントを生成する。
// Transportが設定されていればプロキシと同じ接続プールを使う。
func (s *Server) healthClient(base string) *httpclient.Client {
	if s.transport == nil {
		return httpclient.New(base, httpclient.WithTimeout(s.cfg.HealthTimeout))
	}
	return httpclient.New(base, httpclient.WithHTTPClient(&http.Client{
		Transport: s.transport,
		Timeout:   s.cfg.HealthTimeout,
	}))
}

// backendHealth はバックエンド1つのヘルスチェック結果。
type backendHealth struct {
	URL    string `json:"url"`
	Status string `json:"status"`
}

// handleHealth はgatewayと各バックエンドの稼働状況を返すハンドラを返す。
// バックエンドが停止していてもgateway自体は200を返し、statusでDEGRADEDを示す。
func (s *Server) handleHealth() gin.HandlerFunc {
	return func(c *gin.Context) {
		results := make(map[string]backendHealth, len(s.backends))
		var mu sync.Mutex
		var wg sync.WaitGroup
		for _, b := range s.backends {
			wg.Add(1)
			go func() {
				defer wg.Done()
				status := "healthy"
				if err := b.client.GetJSON(c.Request.Context(), "/health", nil); err != nil {
					status = "unhealthy"
					s.logger.Warn("バックエンドのヘルスチェックに失敗しました",
						zap.String("backend", b.name), zap.Error(err))
				}
				mu.Lock()
				results[b.name] = backendHealth{URL: b.client.BaseURL(), Status: status}
				mu.Unlock()
			}()
		}
		wg.Wait()

		overall := "OK"
		for _, r := range results {
			if r.Status != "healthy" {
				overall = "DEGRADED"
			}
		}
		c.JSON(http.StatusOK, gin.H{
			"status":    overall,
			"service":   "gateway",
			"timestamp": time.Now().UTC().Format(time.RFC3339),
			"services":  results,
		})
	}
}
