package token

import (
	"crypto/rsa"
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/nao1215/taskhub/pkg/apperror"
	"github.com/nao1215/taskhub/pkg/identity"
)

// BearerPrefix はAuthorizationヘッダーに必須のスキーム接頭辞。
const BearerPrefix = "Bearer "

// Verifier は公開鍵でアクセストークンを検証する。
// 公開鍵は起動後に変更しないため、複数のgoroutineから同時に使用できる。
type Verifier struct {
	key    *rsa.PublicKey
	issuer string
	now    func() time.Time
}

// VerifierOption はVerifierの設定を変更する。
type VerifierOption func(*Verifier)

// WithVerifierClock は現在時刻の取得関数を差し替える。
func WithVerifierClock(now func() time.Time) VerifierOption {
	return func(v *Verifier) {
		v.now = now
	}
}

// NewVerifier は新しいVerifierを生成する。
func NewVerifier(key *rsa.PublicKey, opts ...VerifierOption) (*Verifier, error) {
	if key == nil {
		return nil, errors.New("公開鍵が指定されていません")
	}
	v := &Verifier{
		key:    key,
		issuer: DefaultIssuer,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

// VerifyHeader はAuthorizationヘッダーの値からトークンを取り出して検証する。
// ヘッダーが無い、または "Bearer " で始まらない場合は MissingCredential を返す。
func (v *Verifier) VerifyHeader(authorization string) (identity.Claims, error) {
	raw, found := strings.CutPrefix(authorization, BearerPrefix)
	if !found || strings.TrimSpace(raw) == "" {
		return identity.Claims{}, apperror.ErrMissingCredential
	}
	return v.Verify(raw)
}

// Verify はトークンの署名・アルゴリズム・有効期限を検証し、クレームを返す。
// いずれかの検証に失敗した場合は InvalidCredential を返し、クレームは返さない。
func (v *Verifier) Verify(raw string) (identity.Claims, error) {
	if raw == "" {
		return identity.Claims{}, apperror.ErrMissingCredential
	}

	tc := &tokenClaims{}
	_, err := jwt.ParseWithClaims(raw, tc, func(t *jwt.Token) (any, error) {
		// WithValidMethodsで拒否されるが、鍵の型も合わせて確認する
		if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return v.key, nil
	},
		jwt.WithValidMethods([]string{Algorithm}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuer(v.issuer),
		jwt.WithTimeFunc(v.now),
	)
	if err != nil {
		return identity.Claims{}, apperror.New(apperror.KindInvalidCredential, apperror.ErrInvalidCredential.Message, err)
	}
	if tc.UserID == "" || tc.UserID != tc.Subject {
		return identity.Claims{}, apperror.New(apperror.KindInvalidCredential, apperror.ErrInvalidCredential.Message, errors.New("subject mismatch"))
	}

	return identity.Claims{
		SubjectID:   tc.UserID,
		DisplayName: tc.Name,
		Role:        tc.Role,
		TeamID:      tc.TeamID,
		ExpiresAt:   tc.ExpiresAt.Time.UTC(),
	}, nil
}
