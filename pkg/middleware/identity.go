package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nao1215/taskhub/pkg/apperror"
	"github.com/nao1215/taskhub/pkg/identity"
	"go.uber.org/zap"
)

// ForwardedIdentity はgatewayが転送したユーザー情報を復元するGinミドルウェアを返す。
//
// secret が空の場合は X-User-Data ヘッダーのJSONをそのまま信頼する。
// secret を設定した場合は X-User-Assertion ヘッダーの署名を検証し、
// 検証できたクレームだけを使う。ヘッダーが無い、解釈できない、期限切れの
// いずれの場合も未認証として後続ハンドラを実行する。
func ForwardedIdentity(secret []byte, logger *zap.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}

	return func(c *gin.Context) {
		claims, ok, err := forwardedClaims(c, secret)
		if err != nil {
			logger.Warn("転送されたユーザー情報を解釈できないため未認証として扱います",
				zap.String("path", c.Request.URL.Path),
				zap.Error(apperror.New(apperror.KindMalformedForwardedClaims, apperror.ErrMalformedForwardedClaims.Message, err)))
		}
		if ok {
			SetClaims(c, claims)
		}
		c.Next()
	}
}

func forwardedClaims(c *gin.Context, secret []byte) (identity.Claims, bool, error) {
	if len(secret) > 0 {
		raw := c.GetHeader(identity.HeaderUserAssertion)
		if raw == "" {
			return identity.Claims{}, false, nil
		}
		claims, err := identity.Open(raw, secret)
		if err != nil {
			return identity.Claims{}, false, err
		}
		return claims, true, nil
	}

	raw := c.GetHeader(identity.HeaderUserData)
	if raw == "" {
		return identity.Claims{}, false, nil
	}
	claims, err := identity.Decode(raw)
	if err != nil {
		return identity.Claims{}, false, err
	}
	if claims.Expired(time.Now()) {
		return identity.Claims{}, false, nil
	}
	return claims, true, nil
}
