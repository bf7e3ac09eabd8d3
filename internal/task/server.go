package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/graphql-go/graphql"
	"github.com/graphql-go/graphql/language/ast"
	"github.com/nao1215/taskhub/pkg/apperror"
	"github.com/nao1215/taskhub/pkg/eventbus"
	"github.com/nao1215/taskhub/pkg/metrics"
	"github.com/nao1215/taskhub/pkg/middleware"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Server はタスクAPIのHTTPサーバー。
type Server struct {
	// router はGinのHTTPルーター。
	router *gin.Engine
	// cfg はサービスの設定。
	cfg Config
	// store はタスクの保存先。
	store Store
	// schema はGraphQLスキーマ。
	schema graphql.Schema
	// bridge はWebSocketの購読を処理する。
	bridge *Bridge
	// metrics はPrometheusメトリクス。
	metrics *metrics.Metrics
	// logger は構造化ロガー。
	logger *zap.Logger
}

// Option はServerの設定を変更する。
type Option func(*serverOptions)

type serverOptions struct {
	metrics *metrics.Metrics
}

// WithMetrics はメトリクスの記録先を設定する。
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *serverOptions) {
		o.metrics = m
	}
}

// NewServer は新しいタスクAPIサーバーを生成する。
func NewServer(cfg Config, store Store, broker eventbus.Broker, logger *zap.Logger, opts ...Option) (*Server, error) {
	if store == nil {
		return nil, errors.New("タスクストアが必要です")
	}
	if broker == nil {
		return nil, errors.New("イベントバスが必要です")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	var o serverOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.metrics == nil {
		o.metrics = metrics.New("task-api")
	}

	schema, err := NewSchema(store, broker, logger.Named("graphql"))
	if err != nil {
		return nil, err
	}

	router := gin.New()
	router.Use(middleware.Recovery(logger))
	router.Use(middleware.RequestID())
	router.Use(middleware.Logger(logger))
	router.Use(middleware.CORS(cfg.AllowedOrigins))
	router.Use(middleware.ForwardedIdentity(cfg.ForwardSecret, logger))

	s := &Server{
		router: router,
		cfg:    cfg,
		store:  store,
		schema: schema,
		bridge: NewBridge(BridgeConfig{
			Schema:         schema,
			Logger:         logger.Named("bridge"),
			Metrics:        o.metrics,
			AllowedOrigins: cfg.AllowedOrigins,
			InitTimeout:    cfg.InitTimeout,
			WriteTimeout:   cfg.WriteTimeout,
		}),
		metrics: o.metrics,
		logger:  logger,
	}
	s.setupRoutes()

	return s, nil
}

// NewBroker は設定に従ってイベントバスを生成する。
func NewBroker(ctx context.Context, cfg Config, logger *zap.Logger, m *metrics.Metrics) (eventbus.Broker, error) {
	opts := []eventbus.Option{eventbus.WithLogger(logger)}
	if m != nil {
		opts = append(opts, eventbus.WithObserver(m))
	}

	switch cfg.EventBus {
	case EventBusMemory, "":
		return eventbus.NewMemoryBroker(opts...), nil
	case EventBusRedis:
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("Redisへの接続に失敗: %w", err)
		}
		return eventbus.NewRedisBroker(client, opts...), nil
	default:
		return nil, fmt.Errorf("不明なイベントバスです: %s", cfg.EventBus)
	}
}

// Handler はHTTPハンドラを返す。テストから直接呼び出すために使用する。
func (s *Server) Handler() http.Handler {
	return s.router
}

// Bridge は購読ブリッジを返す。
func (s *Server) Bridge() *Bridge {
	return s.bridge
}

// Run はHTTPサーバーを起動し、ctxが終了するとグレースフルシャットダウンする。
// 購読ブリッジの接続を閉じてからリスナーを閉じる。
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("タスクAPIを起動します", zap.String("addr", srv.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("タスクAPIの起動に失敗: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	s.logger.Info("タスクAPIを停止します")
	if err := s.bridge.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("購読ブリッジの停止待ちがタイムアウトしました", zap.Error(err))
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("タスクAPIの停止に失敗: %w", err)
	}
	return nil
}

// setupRoutes はルーティングを設定する。
func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth())
	s.router.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	s.router.GET("/graphql", s.handleGraphQLGet())
	s.router.POST("/graphql", s.handleGraphQLPost())
}

// handleHealth はサービスの稼働状況を返すハンドラを返す。
func (s *Server) handleHealth() gin.HandlerFunc {
	return func(c *gin.Context) {
		tasks, err := s.store.List(c.Request.Context())
		if err != nil {
			s.logger.Error("タスク一覧の取得に失敗しました", zap.Error(err))
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status":    "ERROR",
				"service":   "task-api",
				"timestamp": time.Now().UTC().Format(time.RFC3339),
			})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"status":    "OK",
			"service":   "task-api",
			"timestamp": time.Now().UTC().Format(time.RFC3339),
			"data": gin.H{
				"tasks":       len(tasks),
				"connections": s.bridge.Connections(),
			},
		})
	}
}

// graphqlRequest はGraphQLのHTTPリクエスト。
type graphqlRequest struct {
	Query         string         `json:"query" binding:"required"`
	Variables     map[string]any `json:"variables"`
	OperationName string         `json:"operationName"`
}

// handleGraphQLPost はJSONボディのGraphQLリクエストを実行するハンドラを返す。
func (s *Server) handleGraphQLPost() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req graphqlRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			apperror.Respond(c, apperror.New(apperror.KindValidation, "request body must contain a query", err), s.cfg.Development)
			return
		}
		s.execute(c, req, false)
	}
}

// handleGraphQLGet はWebSocketへのアップグレードを購読ブリッジへ渡し、
// それ以外はクエリパラメータのGraphQLリクエストを実行するハンドラを返す。
func (s *Server) handleGraphQLGet() gin.HandlerFunc {
	return func(c *gin.Context) {
		if isUpgrade(c.Request) {
			s.bridge.ServeHTTP(c.Writer, c.Request)
			c.Abort()
			return
		}

		req := graphqlRequest{
			Query:         c.Query("query"),
			OperationName: c.Query("operationName"),
		}
		if req.Query == "" {
			apperror.Respond(c, apperror.New(apperror.KindValidation, "query parameter is required", nil), s.cfg.Development)
			return
		}
		if raw := c.Query("variables"); raw != "" {
			if err := json.Unmarshal([]byte(raw), &req.Variables); err != nil {
				apperror.Respond(c, apperror.New(apperror.KindValidation, "variables must be a JSON object", err), s.cfg.Development)
				return
			}
		}
		s.execute(c, req, true)
	}
}

// execute はクエリまたはミューテーションを実行する。
// 購読はWebSocketでのみ受け付け、GETではミューテーションを実行しない。
func (s *Server) execute(c *gin.Context, req graphqlRequest, readOnly bool) {
	if opType, err := operationType(req.Query, req.OperationName); err == nil {
		switch {
		case opType == ast.OperationTypeSubscription:
			apperror.Respond(c, apperror.New(apperror.KindValidation, "subscriptions require a WebSocket connection", nil), s.cfg.Development)
			return
		case readOnly && opType == ast.OperationTypeMutation:
			c.Header("Allow", http.MethodPost)
			c.AbortWithStatusJSON(http.StatusMethodNotAllowed, gin.H{
				"error":   "Method not allowed",
				"message": "mutations must be sent with POST",
			})
			return
		}
	}

	res := graphql.Do(graphql.Params{
		Schema:         s.schema,
		RequestString:  req.Query,
		VariableValues: req.Variables,
		OperationName:  req.OperationName,
		Context:        c.Request.Context(),
	})
	if res.HasErrors() {
		s.logger.Debug("GraphQLの実行でエラーが発生しました", zap.Any("errors", res.Errors))
	}
	c.JSON(http.StatusOK, res)
}

// isUpgrade はWebSocketへのアップグレード要求かどうかを返す。
func isUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket") &&
		headerContainsToken(r.Header.Values("Connection"), "upgrade")
}

func headerContainsToken(values []string, token string) bool {
	for _, v := range values {
		for _, t := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(t), token) {
				return true
			}
		}
	}
	return false
}
