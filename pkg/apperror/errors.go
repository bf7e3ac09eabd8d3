// Package apperror は全サービス共通のエラー分類とHTTPレスポンスへの変換を提供する。
//
// 認証・ルーティングの失敗はgatewayで完結させ、バックエンド由来のエラーは
// そのまま中継する。ここではgateway・各バックエンドが返すエラーの種類を
// 統一し、HTTPステータスとJSONボディへの対応付けを一箇所にまとめる。
package apperror

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Kind はエラーの種類を表す。
type Kind string

const (
	// KindMissingCredential は認証情報が提示されていないことを表す。
	KindMissingCredential Kind = "MissingCredential"
	// KindInvalidCredential は署名・アルゴリズム・有効期限のいずれかの検証に失敗したことを表す。
	KindInvalidCredential Kind = "InvalidCredential"
	// KindRouteNotFound はルートテーブルに一致するエントリが無いことを表す。
	KindRouteNotFound Kind = "RouteNotFound"
	// KindBackendUnavailable は転送先バックエンドに到達できない、または応答を完了できなかったことを表す。
	KindBackendUnavailable Kind = "BackendUnavailable"
	// KindAuthorizationDenied は認証済みだが権限が不足していることを表す。
	KindAuthorizationDenied Kind = "AuthorizationDenied"
	// KindMalformedForwardedClaims は転送されたユーザー情報ヘッダーを解釈できないことを表す。
	KindMalformedForwardedClaims Kind = "MalformedForwardedClaims"
	// KindNotFound はリソースが存在しないことを表す。
	KindNotFound Kind = "NotFound"
	// KindConflict はリソースが既に存在することを表す。
	KindConflict Kind = "Conflict"
	// KindValidation は入力値が不正であることを表す。
	KindValidation Kind = "Validation"
)

// Error は種類付きのエラー。errors.Is で種類ごとのセンチネルと比較できる。
type Error struct {
	// Kind はエラーの種類。
	Kind Kind
	// Message はクライアントに返してよいメッセージ。
	Message string
	// Err は原因となったエラー。開発モード以外ではクライアントに返さない。
	Err error
}

// Error はerrorインターフェースを実装する。
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap は原因となったエラーを返す。
func (e *Error) Unwrap() error {
	return e.Err
}

// Is は同じ種類の *Error と一致する。
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// センチネルエラー。errors.Is(err, apperror.ErrInvalidCredential) のように使う。
var (
	ErrMissingCredential        = &Error{Kind: KindMissingCredential, Message: "Access denied. No valid token provided."}
	ErrInvalidCredential        = &Error{Kind: KindInvalidCredential, Message: "Invalid or expired token."}
	ErrRouteNotFound            = &Error{Kind: KindRouteNotFound, Message: "Route not found"}
	ErrBackendUnavailable       = &Error{Kind: KindBackendUnavailable, Message: "service unavailable"}
	ErrAuthorizationDenied      = &Error{Kind: KindAuthorizationDenied, Message: "insufficient role for this operation"}
	ErrMalformedForwardedClaims = &Error{Kind: KindMalformedForwardedClaims, Message: "malformed forwarded claims"}
	ErrNotFound                 = &Error{Kind: KindNotFound, Message: "resource not found"}
	ErrConflict                 = &Error{Kind: KindConflict, Message: "resource already exists"}
	ErrValidation               = &Error{Kind: KindValidation, Message: "validation failed"}
)

// New は指定した種類のエラーを生成する。
func New(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf はエラーの種類を返す。*Error を含まない場合は空文字列を返す。
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Status はエラーに対応するHTTPステータスコードを返す。
func Status(err error) int {
	switch KindOf(err) {
	case KindMissingCredential:
		return http.StatusUnauthorized
	case KindInvalidCredential, KindAuthorizationDenied:
		return http.StatusForbidden
	case KindRouteNotFound, KindNotFound:
		return http.StatusNotFound
	case KindBackendUnavailable:
		return http.StatusBadGateway
	case KindConflict:
		return http.StatusConflict
	case KindValidation:
		return http.StatusBadRequest
	case KindMalformedForwardedClaims:
		// 未認証として扱うため、単独でレスポンスになることは無い
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

// title はレスポンスの "error" フィールドに入れる短い見出し。
func title(kind Kind) string {
	switch kind {
	case KindMissingCredential:
		return "Unauthorized"
	case KindInvalidCredential, KindAuthorizationDenied:
		return "Forbidden"
	case KindRouteNotFound:
		return "Route not found"
	case KindBackendUnavailable:
		return "Service unavailable"
	case KindNotFound:
		return "Not found"
	case KindConflict:
		return "Conflict"
	case KindValidation:
		return "Validation failed"
	default:
		return "Internal server error"
	}
}

// Respond はエラーをJSONレスポンスとして書き込み、後続ハンドラを中断する。
// development が false の場合、原因エラーの詳細はメッセージに含めない。
func Respond(c *gin.Context, err error, development bool) {
	RespondStatus(c, Status(err), err, development)
}

// RespondStatus はステータスコードを明示してエラーレスポンスを書き込む。
func RespondStatus(c *gin.Context, status int, err error, development bool) {
	var e *Error
	if !errors.As(err, &e) {
		msg := "Something went wrong"
		if development {
			msg = err.Error()
		}
		c.AbortWithStatusJSON(status, gin.H{"error": title(""), "message": msg})
		return
	}

	msg := e.Message
	if development && e.Err != nil {
		msg = fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	c.AbortWithStatusJSON(status, gin.H{"error": title(e.Kind), "message": msg})
}
