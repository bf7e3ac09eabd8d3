package resource

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/nao1215/taskhub/pkg/apperror"
	"github.com/nao1215/taskhub/pkg/identity"
	"github.com/nao1215/taskhub/pkg/metrics"
	"github.com/nao1215/taskhub/pkg/middleware"
	"github.com/nao1215/taskhub/pkg/token"
	"go.uber.org/zap"
)

// Server はリソースAPIのHTTPサーバー。
type Server struct {
	// router はGinのHTTPルーター。
	router *gin.Engine
	// cfg はサービスの設定。
	cfg Config
	// store はユーザーの永続化先。
	store UserStore
	// issuer はログイン成功時にアクセストークンを発行する。
	issuer *token.Issuer
	// metrics はPrometheusメトリクス。
	metrics *metrics.Metrics
	// logger は構造化ロガー。
	logger *zap.Logger
}

// NewServer は新しいリソースAPIサーバーを生成する。
func NewServer(cfg Config, store UserStore, issuer *token.Issuer, logger *zap.Logger) (*Server, error) {
	if store == nil {
		return nil, errors.New("ユーザーストアが必要です")
	}
	if issuer == nil {
		return nil, errors.New("トークン発行器が必要です")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(middleware.Recovery(logger))
	router.Use(middleware.RequestID())
	router.Use(middleware.Logger(logger))

	s := &Server{
		router:  router,
		cfg:     cfg,
		store:   store,
		issuer:  issuer,
		metrics: metrics.New("rest-api"),
		logger:  logger,
	}
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
		s.logger.Info("リソースAPIを起動します", zap.String("addr", srv.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("リソースAPIの起動に失敗: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	s.logger.Info("リソースAPIを停止します")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("リソースAPIの停止に失敗: %w", err)
	}
	return nil
}

// setupRoutes はAPIルーティングを設定する。
func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth())
	s.router.GET("/metrics", gin.WrapH(s.metrics.Handler()))

	users := s.router.Group("/api/users")
	users.POST("/login", s.handleLogin())
	users.GET("", s.handleListUsers())
	users.GET("/:id", s.handleGetUser())
	users.POST("", s.handleCreateUser())
	users.PUT("/:id", s.handleUpdateUser())
	users.DELETE("/:id", s.handleDeleteUser())
}

// handleHealth はサービスの稼働状況を返すハンドラを返す。
func (s *Server) handleHealth() gin.HandlerFunc {
	return func(c *gin.Context) {
		n, err := s.store.Count(c.Request.Context())
		if err != nil {
			s.logger.Error("ユーザー数の取得に失敗しました", zap.Error(err))
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status":    "ERROR",
				"service":   "rest-api",
				"timestamp": time.Now().UTC().Format(time.RFC3339),
			})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"status":    "OK",
			"service":   "rest-api",
			"timestamp": time.Now().UTC().Format(time.RFC3339),
			"data":      gin.H{"users": n},
		})
	}
}

// loginRequest はログインのリクエストボディ。
type loginRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required"`
}

// loginUser はログインレスポンスに含めるユーザー情報。
type loginUser struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Email  string `json:"email"`
	Role   string `json:"role"`
	TeamID string `json:"teamId"`
}

// handleLogin はメールアドレスとパスワードを検証し、アクセストークンを発行するハンドラを返す。
func (s *Server) handleLogin() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req loginRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			s.respondError(c, validationError(err))
			return
		}

		u, err := s.store.GetByEmail(c.Request.Context(), req.Email)
		if err != nil && !errors.Is(err, ErrUserNotFound) {
			s.respondError(c, err)
			return
		}
		// 存在しないユーザーとパスワード不一致は区別しない
		if err != nil || !u.CheckPassword(req.Password) {
			s.metrics.AuthFailures.WithLabelValues(string(apperror.KindInvalidCredential)).Inc()
			c.JSON(http.StatusUnauthorized, gin.H{
				"error":   "Authentication failed",
				"message": "Invalid email or password",
			})
			return
		}

		signed, _, err := s.issuer.Issue(identity.Claims{
			SubjectID:   u.ID,
			DisplayName: u.Name,
			Role:        u.Role,
			TeamID:      u.TeamID,
		})
		if err != nil {
			s.respondError(c, err)
			return
		}

		s.logger.Info("ログインしました", zap.String("user_id", u.ID))
		c.JSON(http.StatusOK, gin.H{
			"message": "Login successful",
			"token":   signed,
			"user": loginUser{
				ID:     u.ID,
				Name:   u.Name,
				Email:  u.Email,
				Role:   u.Role,
				TeamID: u.TeamID,
			},
		})
	}
}

// pagination は一覧取得のページ情報。
type pagination struct {
	CurrentPage int  `json:"currentPage"`
	TotalPages  int  `json:"totalPages"`
	TotalUsers  int  `json:"totalUsers"`
	HasNext     bool `json:"hasNext"`
	HasPrev     bool `json:"hasPrev"`
}

// handleListUsers はユーザー一覧を返すハンドラを返す。
// page と limit の両方を指定した場合だけページ情報付きのレスポンスになる。
func (s *Server) handleListUsers() gin.HandlerFunc {
	return func(c *gin.Context) {
		users, err := s.store.List(c.Request.Context(), UserFilter{
			Role:   c.Query("role"),
			Search: c.Query("search"),
		})
		if err != nil {
			s.respondError(c, err)
			return
		}

		pageParam, limitParam := c.Query("page"), c.Query("limit")
		if pageParam == "" || limitParam == "" {
			c.JSON(http.StatusOK, users)
			return
		}

		page, err := positiveInt(pageParam)
		if err != nil {
			s.respondError(c, apperror.New(apperror.KindValidation, "page must be a positive integer", err))
			return
		}
		limit, err := positiveInt(limitParam)
		if err != nil {
			s.respondError(c, apperror.New(apperror.KindValidation, "limit must be a positive integer", err))
			return
		}

		total := len(users)
		start := min((page-1)*limit, total)
		end := min(start+limit, total)
		c.JSON(http.StatusOK, gin.H{
			"users": users[start:end],
			"pagination": pagination{
				CurrentPage: page,
				TotalPages:  int(math.Ceil(float64(total) / float64(limit))),
				TotalUsers:  total,
				HasNext:     end < total,
				HasPrev:     start > 0,
			},
		})
	}
}

// handleGetUser はIDで指定したユーザーを返すハンドラを返す。
func (s *Server) handleGetUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		u, err := s.store.Get(c.Request.Context(), id)
		if err != nil {
			s.respondUserError(c, id, err)
			return
		}
		c.JSON(http.StatusOK, u)
	}
}

// createUserRequest はユーザー作成のリクエストボディ。
// パスワードは受け付けない。認証情報は初期データでのみ登録する。
type createUserRequest struct {
	Name   string `json:"name" binding:"required,min=2,max=50"`
	Email  string `json:"email" binding:"required,email"`
	Age    int    `json:"age" binding:"required,min=1,max=150"`
	Role   string `json:"role" binding:"omitempty,oneof=user admin"`
	TeamID string `json:"teamId" binding:"omitempty,max=50"`
}

// handleCreateUser はユーザーを作成するハンドラを返す。
func (s *Server) handleCreateUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req createUserRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			s.respondError(c, validationError(err))
			return
		}

		now := time.Now().UTC()
		u := User{
			ID:        newUserID(),
			Name:      req.Name,
			Email:     req.Email,
			Age:       req.Age,
			Role:      req.Role,
			TeamID:    req.TeamID,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if u.Role == "" {
			u.Role = RoleUser
		}

		if err := s.store.Create(c.Request.Context(), u); err != nil {
			s.respondUserError(c, u.ID, err)
			return
		}

		s.logger.Info("ユーザーを作成しました", zap.String("user_id", u.ID))
		c.JSON(http.StatusCreated, gin.H{
			"message": "User created successfully",
			"user":    u,
		})
	}
}

// updateUserRequest はユーザー更新のリクエストボディ。指定したフィールドだけを更新する。
type updateUserRequest struct {
	Name   *string `json:"name" binding:"omitempty,min=2,max=50"`
	Email  *string `json:"email" binding:"omitempty,email"`
	Age    *int    `json:"age" binding:"omitempty,min=1,max=150"`
	Role   *string `json:"role" binding:"omitempty,oneof=user admin"`
	TeamID *string `json:"teamId" binding:"omitempty,max=50"`
}

// handleUpdateUser はユーザーを部分更新するハンドラを返す。
func (s *Server) handleUpdateUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		var req updateUserRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			s.respondError(c, validationError(err))
			return
		}

		ctx := c.Request.Context()
		u, err := s.store.Get(ctx, id)
		if err != nil {
			s.respondUserError(c, id, err)
			return
		}

		if req.Name != nil {
			u.Name = *req.Name
		}
		if req.Email != nil {
			u.Email = *req.Email
		}
		if req.Age != nil {
			u.Age = *req.Age
		}
		if req.Role != nil {
			u.Role = *req.Role
		}
		if req.TeamID != nil {
			u.TeamID = *req.TeamID
		}
		u.UpdatedAt = time.Now().UTC()

		if err := s.store.Update(ctx, u); err != nil {
			s.respondUserError(c, id, err)
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"message": "User updated successfully",
			"user":    u,
		})
	}
}

// handleDeleteUser はユーザーを削除するハンドラを返す。
func (s *Server) handleDeleteUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		u, err := s.store.Delete(c.Request.Context(), id)
		if err != nil {
			s.respondUserError(c, id, err)
			return
		}

		s.logger.Info("ユーザーを削除しました", zap.String("user_id", id))
		c.JSON(http.StatusOK, gin.H{
			"message": "User deleted successfully",
			"user":    u,
		})
	}
}

// respondUserError はストアのエラーをユーザーAPIのレスポンスに変換する。
func (s *Server) respondUserError(c *gin.Context, id string, err error) {
	switch {
	case errors.Is(err, ErrUserNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "User not found",
			"message": fmt.Sprintf("User with ID %s does not exist", id),
		})
	case errors.Is(err, ErrEmailExists):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "Email already exists",
			"message": "A user with this email already exists",
		})
	default:
		s.respondError(c, err)
	}
}

// respondError はエラーを共通形式のレスポンスに変換する。
func (s *Server) respondError(c *gin.Context, err error) {
	if apperror.Status(err) >= http.StatusInternalServerError {
		s.logger.Error("リクエストの処理に失敗しました", zap.Error(err))
	}
	apperror.Respond(c, err, s.cfg.Development)
}

// validationError はバインドエラーを入力値エラーに変換する。
func validationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return apperror.New(apperror.KindValidation, "request body must be valid JSON", err)
	}

	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fieldMessage(fe))
	}
	return apperror.New(apperror.KindValidation, strings.Join(msgs, "; "), err)
}

// fieldMessage は1つのフィールドの検証エラーを文章にする。
func fieldMessage(fe validator.FieldError) string {
	field := jsonFieldName(fe.Field())
	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "email":
		return field + " must be a valid email"
	case "min":
		if fe.Kind() == reflect.String {
			return fmt.Sprintf("%s must be at least %s characters long", field, fe.Param())
		}
		return fmt.Sprintf("%s must be at least %s", field, fe.Param())
	case "max":
		if fe.Kind() == reflect.String {
			return fmt.Sprintf("%s must be at most %s characters long", field, fe.Param())
		}
		return fmt.Sprintf("%s must be at most %s", field, fe.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s]", field, fe.Param())
	default:
		return fmt.Sprintf("%s is invalid", field)
	}
}

// jsonFieldName は構造体のフィールド名をJSONのキー名に変換する。
func jsonFieldName(field string) string {
	switch field {
	case "TeamID":
		return "teamId"
	case "":
		return field
	default:
		return strings.ToLower(field[:1]) + field[1:]
	}
}

func positiveInt(raw string) (int, error) {
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, err
	}
	if n < 1 {
		return 0, fmt.Errorf("%d is less than 1", n)
	}
	return n, nil
}
