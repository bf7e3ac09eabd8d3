package identity

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultSealTTL は gateway→バックエンド間の署名付きクレームの有効期間。
const DefaultSealTTL = 30 * time.Second

// sealIssuer は署名付きクレームの発行者名。
const sealIssuer = "taskhub-gateway"

// sealedClaims は X-User-Assertion のJWTペイロード。
type sealedClaims struct {
	jwt.RegisteredClaims
	// User は転送するユーザー識別情報。
	User Claims `json:"user"`
}

// Seal はクレームを共有シークレットでHS256署名した短命トークンに変換する。
func Seal(c Claims, secret []byte, ttl time.Duration) (string, error) {
	if len(secret) == 0 {
		return "", errors.New("署名用シークレットが空です")
	}
	if ttl <= 0 {
		ttl = DefaultSealTTL
	}

	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, sealedClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    sealIssuer,
			Subject:   c.SubjectID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		User: c,
	})
	signed, err := token.SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("クレームの署名に失敗: %w", err)
	}
	return signed, nil
}

// Open は Seal で生成したトークンを検証してクレームを取り出す。
// HS256以外のアルゴリズム、署名不一致、期限切れはすべてエラーになる。
func Open(raw string, secret []byte) (Claims, error) {
	if len(secret) == 0 {
		return Claims{}, errors.New("署名用シークレットが空です")
	}

	sc := &sealedClaims{}
	_, err := jwt.ParseWithClaims(raw, sc, func(_ *jwt.Token) (any, error) {
		return secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(sealIssuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return Claims{}, fmt.Errorf("署名付きクレームの検証に失敗: %w", err)
	}
	if sc.User.SubjectID == "" || sc.User.SubjectID != sc.Subject {
		return Claims{}, errors.New("署名付きクレームの主体が一致しません")
	}
	return sc.User, nil
}
