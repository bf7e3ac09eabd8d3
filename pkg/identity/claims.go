// Package identity はサービス間で伝播するユーザーの識別情報（クレーム）を定義する。
//
// gatewayはアクセストークンを検証した後、デコードしたクレームを
// X-User-Data ヘッダー（JSON）としてバックエンドに転送する。バックエンドは
// gatewayが唯一の入口であることを前提にこのヘッダーを信頼する。
// 共有シークレットを設定した場合は、短命のHS256トークン（X-User-Assertion）を
// 併せて付与し、バックエンド側で署名を検証できるようにする。
package identity

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

const (
	// HeaderUserData はデコード済みクレームをJSONで運ぶHTTPヘッダーキー。
	HeaderUserData = "X-User-Data"
	// HeaderUserAssertion は署名付きのクレームを運ぶHTTPヘッダーキー。
	HeaderUserAssertion = "X-User-Assertion"
)

// RoleAdmin は特権ロール。タスク削除などの操作に必要となる。
const RoleAdmin = "admin"

// Claims は認証済みユーザーの識別情報。発行後は変更しない。
type Claims struct {
	// SubjectID はユーザーの一意識別子。
	SubjectID string `json:"id"`
	// DisplayName はユーザーの表示名。
	DisplayName string `json:"name"`
	// Role はユーザーのロール（admin / user）。
	Role string `json:"role"`
	// TeamID はユーザーが所属するチームの識別子。
	TeamID string `json:"teamId"`
	// ExpiresAt はクレームを包むトークンの有効期限。
	ExpiresAt time.Time `json:"exp"`
}

// IsAdmin は特権ロールを持つかどうかを返す。
func (c Claims) IsAdmin() bool {
	return c.Role == RoleAdmin
}

// Expired は指定時刻の時点で有効期限を過ぎているかどうかを返す。
func (c Claims) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && !now.Before(c.ExpiresAt)
}

// Encode はクレームを X-User-Data ヘッダー用のJSON文字列に変換する。
func Encode(c Claims) (string, error) {
	b, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("クレームのシリアライズに失敗: %w", err)
	}
	return string(b), nil
}

// Decode は X-User-Data ヘッダーの値をクレームに変換する。
// 主体IDが無いものは不正なクレームとして扱う。
func Decode(value string) (Claims, error) {
	var c Claims
	if err := json.Unmarshal([]byte(value), &c); err != nil {
		return Claims{}, fmt.Errorf("クレームのデシリアライズに失敗: %w", err)
	}
	if strings.TrimSpace(c.SubjectID) == "" {
		return Claims{}, fmt.Errorf("クレームに主体IDがありません")
	}
	return c, nil
}
