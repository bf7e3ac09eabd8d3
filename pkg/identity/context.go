package identity

import "context"

type contextKey struct{}

// NewContext はクレームを格納したコンテキストを返す。
func NewContext(ctx context.Context, c Claims) context.Context {
	return context.WithValue(ctx, contextKey{}, c)
}

// FromContext はコンテキストからクレームを取り出す。
// 未認証のリクエストでは ok が false になる。
func FromContext(ctx context.Context) (Claims, bool) {
	c, ok := ctx.Value(contextKey{}).(Claims)
	return c, ok
}
