// Package token はRS256署名のアクセストークンの発行と検証を提供する。
//
// 発行側（resourceサービス）は秘密鍵のみ、検証側（gateway）は公開鍵のみを
// 保持する。サーバー側にセッション状態は持たず、検証はトークンと公開鍵だけで
// 完結する。
package token

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/nao1215/taskhub/pkg/identity"
)

const (
	// DefaultTTL はアクセストークンの有効期間。
	DefaultTTL = time.Hour
	// DefaultIssuer はトークンの発行者名。
	DefaultIssuer = "taskhub-resource"
	// Algorithm は署名アルゴリズム。検証側もこの値に固定する。
	Algorithm = "RS256"
)

// tokenClaims はアクセストークンのペイロード。
type tokenClaims struct {
	jwt.RegisteredClaims
	// UserID はユーザーの一意識別子。
	UserID string `json:"id"`
	// Name はユーザーの表示名。
	Name string `json:"name"`
	// Role はユーザーのロール。
	Role string `json:"role"`
	// TeamID は所属チームの識別子。
	TeamID string `json:"teamId"`
}

// Issuer は秘密鍵でアクセストークンを署名する。
type Issuer struct {
	key    *rsa.PrivateKey
	ttl    time.Duration
	issuer string
	now    func() time.Time
}

// IssuerOption はIssuerの設定を変更する。
type IssuerOption func(*Issuer)

// WithTTL はトークンの有効期間を変更する。
func WithTTL(ttl time.Duration) IssuerOption {
	return func(i *Issuer) {
		if ttl > 0 {
			i.ttl = ttl
		}
	}
}

// WithIssuerClock は現在時刻の取得関数を差し替える。
func WithIssuerClock(now func() time.Time) IssuerOption {
	return func(i *Issuer) {
		i.now = now
	}
}

// NewIssuer は新しいIssuerを生成する。
func NewIssuer(key *rsa.PrivateKey, opts ...IssuerOption) (*Issuer, error) {
	if key == nil {
		return nil, errors.New("秘密鍵が指定されていません")
	}
	i := &Issuer{
		key:    key,
		ttl:    DefaultTTL,
		issuer: DefaultIssuer,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i, nil
}

// Issue はクレームを埋め込んだ署名済みトークンを返す。
// 戻り値のクレームには実際にトークンへ書き込まれた有効期限が入る。
func (i *Issuer) Issue(c identity.Claims) (string, identity.Claims, error) {
	if c.SubjectID == "" {
		return "", identity.Claims{}, errors.New("主体IDが空のクレームは発行できません")
	}

	now := i.now().UTC().Truncate(time.Second)
	c.ExpiresAt = now.Add(i.ttl)

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, tokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.issuer,
			Subject:   c.SubjectID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(c.ExpiresAt),
		},
		UserID: c.SubjectID,
		Name:   c.DisplayName,
		Role:   c.Role,
		TeamID: c.TeamID,
	})
	signed, err := token.SignedString(i.key)
	if err != nil {
		return "", identity.Claims{}, fmt.Errorf("トークンの署名に失敗: %w", err)
	}
	return signed, c, nil
}
