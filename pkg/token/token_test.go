package token

import (
	"crypto/rsa"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/nao1215/taskhub/pkg/apperror"
	"github.com/nao1215/taskhub/pkg/identity"
)

var (
	keyOnce   sync.Once
	keyA      *rsa.PrivateKey
	keyB      *rsa.PrivateKey
	errKeyGen error
)

// testKeys はテスト全体で共有するRSA鍵ペアを2組返す。
// 鍵生成は遅いため一度だけ行う。
func testKeys(t *testing.T) (*rsa.PrivateKey, *rsa.PrivateKey) {
	t.Helper()

	keyOnce.Do(func() {
		keyA, errKeyGen = GenerateKey(2048)
		if errKeyGen != nil {
			return
		}
		keyB, errKeyGen = GenerateKey(2048)
	})
	if errKeyGen != nil {
		t.Fatalf("テスト用鍵の生成に失敗: %v", errKeyGen)
	}
	return keyA, keyB
}

// johnClaims はテスト用のクレーム。
func johnClaims() identity.Claims {
	return identity.Claims{
		SubjectID:   "1",
		DisplayName: "John Doe",
		Role:        "admin",
		TeamID:      "team-A",
	}
}

// newPair はテスト用のIssuerとVerifierを生成する。
func newPair(t *testing.T, key *rsa.PrivateKey, opts ...IssuerOption) (*Issuer, *Verifier) {
	t.Helper()

	issuer, err := NewIssuer(key, opts...)
	if err != nil {
		t.Fatalf("NewIssuer()でエラーが発生: %v", err)
	}
	verifier, err := NewVerifier(&key.PublicKey)
	if err != nil {
		t.Fatalf("NewVerifier()でエラーが発生: %v", err)
	}
	return issuer, verifier
}

// TestIssueAndVerify は発行と検証の往復でクレームが保たれることを検証する。
func TestIssueAndVerify(t *testing.T) {
	t.Parallel()

	key, _ := testKeys(t)

	t.Run("発行直後に検証すると同じクレームが返ること", func(t *testing.T) {
		t.Parallel()

		issuer, verifier := newPair(t, key)
		raw, issued, err := issuer.Issue(johnClaims())
		if err != nil {
			t.Fatalf("Issue()でエラーが発生: %v", err)
		}

		got, err := verifier.Verify(raw)
		if err != nil {
			t.Fatalf("Verify()でエラーが発生: %v", err)
		}
		if got.SubjectID != issued.SubjectID || got.DisplayName != issued.DisplayName ||
			got.Role != issued.Role || got.TeamID != issued.TeamID {
			t.Errorf("Verify() = %+v, want %+v", got, issued)
		}
		if !got.ExpiresAt.Equal(issued.ExpiresAt) {
			t.Errorf("ExpiresAt = %v, want %v", got.ExpiresAt, issued.ExpiresAt)
		}
	})

	t.Run("有効期限が1時間後であること", func(t *testing.T) {
		t.Parallel()

		fixed := time.Date(2026, 10, 18, 9, 0, 0, 0, time.UTC)
		issuer, _ := newPair(t, key, WithIssuerClock(func() time.Time { return fixed }))
		_, issued, err := issuer.Issue(johnClaims())
		if err != nil {
			t.Fatalf("Issue()でエラーが発生: %v", err)
		}
		if want := fixed.Add(time.Hour); !issued.ExpiresAt.Equal(want) {
			t.Errorf("ExpiresAt = %v, want %v", issued.ExpiresAt, want)
		}
	})

	t.Run("署名アルゴリズムがRS256であること", func(t *testing.T) {
		t.Parallel()

		issuer, _ := newPair(t, key)
		raw, _, err := issuer.Issue(johnClaims())
		if err != nil {
			t.Fatalf("Issue()でエラーが発生: %v", err)
		}
		parsed, _, err := jwt.NewParser().ParseUnverified(raw, &tokenClaims{})
		if err != nil {
			t.Fatalf("トークンのパースに失敗: %v", err)
		}
		if parsed.Method.Alg() != "RS256" {
			t.Errorf("署名アルゴリズム = %q, want %q", parsed.Method.Alg(), "RS256")
		}
	})

	t.Run("主体IDが空の場合は発行できないこと", func(t *testing.T) {
		t.Parallel()

		issuer, _ := newPair(t, key)
		if _, _, err := issuer.Issue(identity.Claims{Role: "admin"}); err == nil {
			t.Error("Issue()がエラーを返すべき")
		}
	})
}

// TestVerifyRejects は不正なトークンがすべて拒否されることを検証する。
func TestVerifyRejects(t *testing.T) {
	t.Parallel()

	key, other := testKeys(t)
	_, verifier := newPair(t, key)

	// 正しい鍵で署名した有効なトークンのペイロード
	validClaims := func() tokenClaims {
		now := time.Now()
		return tokenClaims{
			RegisteredClaims: jwt.RegisteredClaims{
				Issuer:    DefaultIssuer,
				Subject:   "1",
				IssuedAt:  jwt.NewNumericDate(now),
				ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
			},
			UserID: "1",
			Name:   "John Doe",
			Role:   "admin",
			TeamID: "team-A",
		}
	}

	sign := func(t *testing.T, method jwt.SigningMethod, claims tokenClaims, k any) string {
		t.Helper()
		raw, err := jwt.NewWithClaims(method, claims).SignedString(k)
		if err != nil {
			t.Fatalf("テスト用トークンの署名に失敗: %v", err)
		}
		return raw
	}

	publicPEM, err := EncodePublicKey(&key.PublicKey)
	if err != nil {
		t.Fatalf("公開鍵のエンコードに失敗: %v", err)
	}

	expired := validClaims()
	expired.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Minute))

	noExpiry := validClaims()
	noExpiry.ExpiresAt = nil

	wrongIssuer := validClaims()
	wrongIssuer.Issuer = "someone-else"

	valid := sign(t, jwt.SigningMethodRS256, validClaims(), key)
	parts := strings.Split(valid, ".")
	tamperedPayload := validClaims()
	tamperedPayload.Role = "superuser"
	forged := sign(t, jwt.SigningMethodRS256, tamperedPayload, other)
	forgedParts := strings.Split(forged, ".")

	tests := []struct {
		name string
		raw  string
	}{
		{"別の鍵で署名されたトークン", sign(t, jwt.SigningMethodRS256, validClaims(), other)},
		{"公開鍵をHMACシークレットとして使ったHS256トークン", sign(t, jwt.SigningMethodHS256, validClaims(), publicPEM)},
		{"RS512で署名されたトークン", sign(t, jwt.SigningMethodRS512, validClaims(), key)},
		{"PS256で署名されたトークン", sign(t, jwt.SigningMethodPS256, validClaims(), key)},
		{"alg=noneのトークン", sign(t, jwt.SigningMethodNone, validClaims(), jwt.UnsafeAllowNoneSignatureType)},
		{"期限切れのトークン", sign(t, jwt.SigningMethodRS256, expired, key)},
		{"有効期限の無いトークン", sign(t, jwt.SigningMethodRS256, noExpiry, key)},
		{"発行者が異なるトークン", sign(t, jwt.SigningMethodRS256, wrongIssuer, key)},
		{"ペイロードを差し替えたトークン", parts[0] + "." + forgedParts[1] + "." + parts[2]},
		{"署名を削ったトークン", parts[0] + "." + parts[1] + "."},
		{"JWT形式でない文字列", "invalid-token-string"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := verifier.Verify(tt.raw)
			if err == nil {
				t.Fatalf("Verify()が成功してしまった: %+v", got)
			}
			if !errors.Is(err, apperror.ErrInvalidCredential) {
				t.Errorf("Verify()のエラー = %v, want InvalidCredential", err)
			}
			if got != (identity.Claims{}) {
				t.Errorf("検証失敗時にクレームが返された: %+v", got)
			}
		})
	}
}

// TestVerifyClock は有効期限の判定に注入した時刻を使うことを検証する。
func TestVerifyClock(t *testing.T) {
	t.Parallel()

	key, _ := testKeys(t)
	issued := time.Date(2026, 10, 18, 9, 0, 0, 0, time.UTC)
	issuer, err := NewIssuer(key, WithIssuerClock(func() time.Time { return issued }))
	if err != nil {
		t.Fatalf("NewIssuer()でエラーが発生: %v", err)
	}
	raw, _, err := issuer.Issue(johnClaims())
	if err != nil {
		t.Fatalf("Issue()でエラーが発生: %v", err)
	}

	t.Run("有効期限内は受理されること", func(t *testing.T) {
		t.Parallel()

		v, err := NewVerifier(&key.PublicKey, WithVerifierClock(func() time.Time { return issued.Add(59 * time.Minute) }))
		if err != nil {
			t.Fatalf("NewVerifier()でエラーが発生: %v", err)
		}
		if _, err := v.Verify(raw); err != nil {
			t.Errorf("Verify()でエラーが発生: %v", err)
		}
	})

	t.Run("有効期限後は拒否されること", func(t *testing.T) {
		t.Parallel()

		v, err := NewVerifier(&key.PublicKey, WithVerifierClock(func() time.Time { return issued.Add(61 * time.Minute) }))
		if err != nil {
			t.Fatalf("NewVerifier()でエラーが発生: %v", err)
		}
		if _, err := v.Verify(raw); !errors.Is(err, apperror.ErrInvalidCredential) {
			t.Errorf("Verify()のエラー = %v, want InvalidCredential", err)
		}
	})
}

// TestVerifyHeader はAuthorizationヘッダーの形式チェックを検証する。
func TestVerifyHeader(t *testing.T) {
	t.Parallel()

	key, _ := testKeys(t)
	issuer, verifier := newPair(t, key)
	raw, _, err := issuer.Issue(johnClaims())
	if err != nil {
		t.Fatalf("Issue()でエラーが発生: %v", err)
	}

	tests := []struct {
		name    string
		header  string
		wantErr error
	}{
		{"正しいBearerヘッダー", "Bearer " + raw, nil},
		{"ヘッダーが空", "", apperror.ErrMissingCredential},
		{"Bearer接頭辞が無い", raw, apperror.ErrMissingCredential},
		{"小文字のbearer", "bearer " + raw, apperror.ErrMissingCredential},
		{"Basic認証", "Basic dXNlcjpwYXNz", apperror.ErrMissingCredential},
		{"トークンが空", "Bearer ", apperror.ErrMissingCredential},
		{"壊れたトークン", "Bearer " + raw + "x", apperror.ErrInvalidCredential},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := verifier.VerifyHeader(tt.header)
			if tt.wantErr == nil {
				if err != nil {
					t.Errorf("VerifyHeader()でエラーが発生: %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("VerifyHeader()のエラー = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

// TestLoadKeys はPEMファイルからの鍵読み込みを検証する。
func TestLoadKeys(t *testing.T) {
	t.Parallel()

	key, _ := testKeys(t)
	dir := t.TempDir()

	privPEM, err := EncodePrivateKey(key)
	if err != nil {
		t.Fatalf("EncodePrivateKey()でエラーが発生: %v", err)
	}
	pubPEM, err := EncodePublicKey(&key.PublicKey)
	if err != nil {
		t.Fatalf("EncodePublicKey()でエラーが発生: %v", err)
	}
	privPath := filepath.Join(dir, "private.key")
	pubPath := filepath.Join(dir, "public.key")
	if err := os.WriteFile(privPath, privPEM, 0o600); err != nil {
		t.Fatalf("秘密鍵の書き込みに失敗: %v", err)
	}
	if err := os.WriteFile(pubPath, pubPEM, 0o600); err != nil {
		t.Fatalf("公開鍵の書き込みに失敗: %v", err)
	}

	priv, err := LoadPrivateKey(privPath)
	if err != nil {
		t.Fatalf("LoadPrivateKey()でエラーが発生: %v", err)
	}
	pub, err := LoadPublicKey(pubPath)
	if err != nil {
		t.Fatalf("LoadPublicKey()でエラーが発生: %v", err)
	}
	if !priv.PublicKey.Equal(pub) {
		t.Error("読み込んだ鍵ペアが一致しない")
	}

	if _, err := LoadPublicKey(filepath.Join(dir, "missing.key")); err == nil {
		t.Error("存在しないファイルでLoadPublicKey()がエラーを返すべき")
	}
	if _, err := LoadPrivateKey(pubPath); err == nil {
		t.Error("公開鍵ファイルでLoadPrivateKey()がエラーを返すべき")
	}
}
