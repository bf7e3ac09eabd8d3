package token

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultKeyBits は鍵生成時のRSA鍵長。
const DefaultKeyBits = 2048

// LoadPrivateKey はPEM形式のRSA秘密鍵ファイルを読み込む。
// 秘密鍵はトークンを発行するresourceサービスだけが保持する。
func LoadPrivateKey(path string) (*rsa.PrivateKey, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("秘密鍵ファイルの読み込みに失敗: %w", err)
	}
	key, err := jwt.ParseRSAPrivateKeyFromPEM(b)
	if err != nil {
		return nil, fmt.Errorf("秘密鍵のパースに失敗: %w", err)
	}
	return key, nil
}

// LoadPublicKey はPEM形式のRSA公開鍵ファイルを読み込む。
func LoadPublicKey(path string) (*rsa.PublicKey, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("公開鍵ファイルの読み込みに失敗: %w", err)
	}
	key, err := jwt.ParseRSAPublicKeyFromPEM(b)
	if err != nil {
		return nil, fmt.Errorf("公開鍵のパースに失敗: %w", err)
	}
	return key, nil
}

// GenerateKey は新しいRSA鍵ペアを生成する。
func GenerateKey(bits int) (*rsa.PrivateKey, error) {
	if bits <= 0 {
		bits = DefaultKeyBits
	}
	key, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, fmt.Errorf("RSA鍵の生成に失敗: %w", err)
	}
	return key, nil
}

// EncodePrivateKey は秘密鍵をPKCS#8のPEMに変換する。
func EncodePrivateKey(key *rsa.PrivateKey) ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("秘密鍵のエンコードに失敗: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
}

// EncodePublicKey は公開鍵をPKIXのPEMに変換する。
func EncodePublicKey(key *rsa.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(key)
	if err != nil {
		return nil, fmt.Errorf("公開鍵のエンコードに失敗: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), nil
}
