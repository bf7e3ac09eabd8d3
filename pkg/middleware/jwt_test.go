package middleware

import (
	"crypto/rsa"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nao1215/taskhub/pkg/apperror"
	"github.com/nao1215/taskhub/pkg/identity"
	"github.com/nao1215/taskhub/pkg/token"
)

func init() {
	gin.SetMode(gin.TestMode)
}

var (
	keyOnce   sync.Once
	testKey   *rsa.PrivateKey
	errKeyGen error
)

// testIssuerVerifier はテスト用の発行者と検証者を返す。鍵はテスト全体で共有する。
func testIssuerVerifier(t *testing.T, opts ...token.IssuerOption) (*token.Issuer, *token.Verifier) {
	t.Helper()

	keyOnce.Do(func() {
		testKey, errKeyGen = token.GenerateKey(token.DefaultKeyBits)
	})
	if errKeyGen != nil {
		t.Fatalf("鍵の生成に失敗: %v", errKeyGen)
	}

	issuer, err := token.NewIssuer(testKey, opts...)
	if err != nil {
		t.Fatalf("NewIssuer()でエラーが発生: %v", err)
	}
	verifier, err := token.NewVerifier(&testKey.PublicKey)
	if err != nil {
		t.Fatalf("NewVerifier()でエラーが発生: %v", err)
	}
	return issuer, verifier
}

func testUser() identity.Claims {
	return identity.Claims{SubjectID: "1", DisplayName: "John Doe", Role: "admin", TeamID: "team-A"}
}

// newAuthRouter はBearerAuthを適用したテスト用ルーターを返す。
// called はハンドラが呼ばれたかどうかを記録する。
func newAuthRouter(verifier *token.Verifier, called *bool, opts ...AuthOption) *gin.Engine {
	router := gin.New()
	router.Use(BearerAuth(verifier, opts...))
	router.GET("/protected", func(c *gin.Context) {
		*called = true
		claims, _ := GetClaims(c)
		fromCtx, _ := identity.FromContext(c.Request.Context())
		c.JSON(http.StatusOK, gin.H{"user_id": GetUserID(c), "role": claims.Role, "ctx_team": fromCtx.TeamID})
	})
	return router
}

// TestBearerAuth はBearerAuthミドルウェアを検証する。
func TestBearerAuth(t *testing.T) {
	t.Parallel()

	t.Run("有効なトークンでリクエストが成功しクレームが設定されること", func(t *testing.T) {
		t.Parallel()

		issuer, verifier := testIssuerVerifier(t)
		raw, _, err := issuer.Issue(testUser())
		if err != nil {
			t.Fatalf("Issue()でエラーが発生: %v", err)
		}

		var called bool
		router := newAuthRouter(verifier, &called)
		req := httptest.NewRequest(http.MethodGet, "/protected", nil)
		req.Header.Set("Authorization", "Bearer "+raw)
		w := httptest.NewRecorder()

		router.ServeHTTP(w, req)

		if w.Code != http.StatusOK {
			t.Fatalf("ステータスコード = %d, want %d", w.Code, http.StatusOK)
		}
		var body map[string]string
		if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
			t.Fatalf("レスポンスボディのパースに失敗: %v", err)
		}
		if body["user_id"] != "1" {
			t.Errorf("user_id = %q, want %q", body["user_id"], "1")
		}
		if body["role"] != "admin" {
			t.Errorf("role = %q, want %q", body["role"], "admin")
		}
		if body["ctx_team"] != "team-A" {
			t.Errorf("リクエストコンテキストのteamId = %q, want %q", body["ctx_team"], "team-A")
		}
	})

	tests := []struct {
		name      string
		header    string
		wantCode  int
		wantError string
		wantMsg   string
	}{
		{
			name:      "Authorizationヘッダーが無い場合401が返ること",
			header:    "",
			wantCode:  http.StatusUnauthorized,
			wantError: "Unauthorized",
			wantMsg:   "Access denied. No valid token provided.",
		},
		{
			name:      "Bearer接頭辞が無い場合401が返ること",
			header:    "Token abc",
			wantCode:  http.StatusUnauthorized,
			wantError: "Unauthorized",
			wantMsg:   "Access denied. No valid token provided.",
		},
		{
			name:      "小文字のbearerは受け付けないこと",
			header:    "bearer abc",
			wantCode:  http.StatusUnauthorized,
			wantError: "Unauthorized",
			wantMsg:   "Access denied. No valid token provided.",
		},
		{
			name:      "無効なトークンで403が返ること",
			header:    "Bearer invalid.token.string",
			wantCode:  http.StatusForbidden,
			wantError: "Forbidden",
			wantMsg:   "Invalid or expired token.",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, verifier := testIssuerVerifier(t)
			var called bool
			router := newAuthRouter(verifier, &called)
			req := httptest.NewRequest(http.MethodGet, "/protected", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()

			router.ServeHTTP(w, req)

			if w.Code != tt.wantCode {
				t.Errorf("ステータスコード = %d, want %d", w.Code, tt.wantCode)
			}
			if called {
				t.Error("認証に失敗したリクエストでハンドラーが呼ばれた")
			}
			var body map[string]string
			if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
				t.Fatalf("レスポンスボディのパースに失敗: %v", err)
			}
			if body["error"] != tt.wantError {
				t.Errorf("error = %q, want %q", body["error"], tt.wantError)
			}
			if body["message"] != tt.wantMsg {
				t.Errorf("message = %q, want %q", body["message"], tt.wantMsg)
			}
		})
	}

	t.Run("期限切れトークンで403が返ること", func(t *testing.T) {
		t.Parallel()

		past := func() time.Time { return time.Now().Add(-2 * time.Hour) }
		issuer, verifier := testIssuerVerifier(t, token.WithIssuerClock(past))
		raw, _, err := issuer.Issue(testUser())
		if err != nil {
			t.Fatalf("Issue()でエラーが発生: %v", err)
		}

		var called bool
		router := newAuthRouter(verifier, &called)
		req := httptest.NewRequest(http.MethodGet, "/protected", nil)
		req.Header.Set("Authorization", "Bearer "+raw)
		w := httptest.NewRecorder()

		router.ServeHTTP(w, req)

		if w.Code != http.StatusForbidden {
			t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusForbidden)
		}
		if called {
			t.Error("期限切れトークンでハンドラーが呼ばれた")
		}
	})

	t.Run("検証失敗時にフックが呼ばれること", func(t *testing.T) {
		t.Parallel()

		_, verifier := testIssuerVerifier(t)
		var rejected error
		var called bool
		router := newAuthRouter(verifier, &called, WithRejectHook(func(err error) { rejected = err }))
		req := httptest.NewRequest(http.MethodGet, "/protected", nil)
		w := httptest.NewRecorder()

		router.ServeHTTP(w, req)

		if !errors.Is(rejected, apperror.ErrMissingCredential) {
			t.Errorf("フックに渡されたエラー = %v, want ErrMissingCredential", rejected)
		}
	})

	t.Run("開発モードでは検証失敗の原因がメッセージに含まれること", func(t *testing.T) {
		t.Parallel()

		_, verifier := testIssuerVerifier(t)
		var called bool
		router := newAuthRouter(verifier, &called, WithDevelopment(true))
		req := httptest.NewRequest(http.MethodGet, "/protected", nil)
		req.Header.Set("Authorization", "Bearer garbage")
		w := httptest.NewRecorder()

		router.ServeHTTP(w, req)

		var body map[string]string
		if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
			t.Fatalf("レスポンスボディのパースに失敗: %v", err)
		}
		if body["message"] == "Invalid or expired token." {
			t.Error("開発モードで原因がメッセージに含まれていない")
		}
	})
}

// TestGetClaims はGetClaims/GetUserID関数を検証する。
func TestGetClaims(t *testing.T) {
	t.Parallel()

	t.Run("クレームが設定されていない場合は未認証として扱われること", func(t *testing.T) {
		t.Parallel()

		c, _ := gin.CreateTestContext(httptest.NewRecorder())
		c.Request = httptest.NewRequest(http.MethodGet, "/", nil)

		if _, ok := GetClaims(c); ok {
			t.Error("GetClaims()がokを返した")
		}
		if got := GetUserID(c); got != "" {
			t.Errorf("GetUserID() = %q, want empty string", got)
		}
	})

	t.Run("クレームが文字列以外の型の場合は未認証として扱われること", func(t *testing.T) {
		t.Parallel()

		c, _ := gin.CreateTestContext(httptest.NewRecorder())
		c.Set(contextKeyClaims, "not-claims")

		if _, ok := GetClaims(c); ok {
			t.Error("GetClaims()がokを返した")
		}
	})

	t.Run("SetClaimsで設定したクレームを取得できること", func(t *testing.T) {
		t.Parallel()

		c, _ := gin.CreateTestContext(httptest.NewRecorder())
		c.Request = httptest.NewRequest(http.MethodGet, "/", nil)
		SetClaims(c, testUser())

		if got := GetUserID(c); got != "1" {
			t.Errorf("GetUserID() = %q, want %q", got, "1")
		}
		if got, ok := identity.FromContext(c.Request.Context()); !ok || got.Role != "admin" {
			t.Errorf("FromContext() = %+v, %v", got, ok)
		}
	})
}
