package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/nao1215/taskhub/pkg/apperror"
	"github.com/nao1215/taskhub/pkg/identity"
	"github.com/nao1215/taskhub/pkg/token"
)

// contextKeyClaims はGinコンテキストにクレームを格納するためのキー。
const contextKeyClaims = "claims"

// authOptions はBearerAuthの設定。
type authOptions struct {
	development bool
	onReject    func(err error)
}

// AuthOption はBearerAuthの設定を変更する。
type AuthOption func(*authOptions)

// WithDevelopment は検証失敗の原因をレスポンスに含めるかどうかを設定する。
func WithDevelopment(dev bool) AuthOption {
	return func(o *authOptions) {
		o.development = dev
	}
}

// WithRejectHook は検証に失敗したときに呼ぶ関数を設定する。メトリクス収集に使用する。
func WithRejectHook(fn func(err error)) AuthOption {
	return func(o *authOptions) {
		o.onReject = fn
	}
}

// BearerAuth はAuthorizationヘッダーのアクセストークンを検証するGinミドルウェアを返す。
// ヘッダーが無い、または "Bearer " で始まらない場合は401、
// 署名・アルゴリズム・有効期限の検証に失敗した場合は403を返し、後続ハンドラを実行しない。
// 検証に成功した場合、コンテキストにクレームを設定する。
func BearerAuth(verifier *token.Verifier, opts ...AuthOption) gin.HandlerFunc {
	o := authOptions{}
	for _, opt := range opts {
		opt(&o)
	}

	return func(c *gin.Context) {
		claims, err := verifier.VerifyHeader(c.GetHeader("Authorization"))
		if err != nil {
			if o.onReject != nil {
				o.onReject(err)
			}
			apperror.Respond(c, err, o.development)
			return
		}

		SetClaims(c, claims)
		c.Next()
	}
}

// SetClaims はGinコンテキストとリクエストのコンテキストにクレームを設定する。
func SetClaims(c *gin.Context, claims identity.Claims) {
	c.Set(contextKeyClaims, claims)
	c.Request = c.Request.WithContext(identity.NewContext(c.Request.Context(), claims))
}

// GetClaims はGinコンテキストからクレームを取得する。
// BearerAuthまたはForwardedIdentityミドルウェアが事前に適用されている必要がある。
func GetClaims(c *gin.Context) (identity.Claims, bool) {
	v, ok := c.Get(contextKeyClaims)
	if !ok {
		return identity.Claims{}, false
	}
	claims, ok := v.(identity.Claims)
	return claims, ok
}

// GetUserID はGinコンテキストからユーザーIDを取得する。未認証の場合は空文字列を返す。
func GetUserID(c *gin.Context) string {
	claims, ok := GetClaims(c)
	if !ok {
		return ""
	}
	return claims.SubjectID
}
