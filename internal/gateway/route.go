package gateway

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// RewriteFunc は転送先に送るパスを組み立てる。
type RewriteFunc func(path string) string

// KeepPath はパスをそのまま転送する。
func KeepPath(path string) string {
	return path
}

// StripPrefix は接頭辞を取り除いたパスを返すRewriteFuncを生成する。
func StripPrefix(prefix string) RewriteFunc {
	return ReplacePrefix(prefix, "/")
}

// ReplacePrefix は接頭辞を置き換えたパスを返すRewriteFuncを生成する。
func ReplacePrefix(oldPrefix, newPrefix string) RewriteFunc {
	return func(path string) string {
		rest, ok := strings.CutPrefix(path, oldPrefix)
		if !ok {
			return path
		}
		if newPrefix == "/" {
			if rest == "" {
				return "/"
			}
			if !strings.HasPrefix(rest, "/") {
				rest = "/" + rest
			}
			return rest
		}
		return newPrefix + rest
	}
}

// Route はルートテーブルの1エントリ。構築後は変更しない。
type Route struct {
	// Name はバックエンドの名前。エラーメッセージとヘルスチェックに使用する。
	Name string
	// Prefix は一致させるパスの接頭辞。セグメント単位で比較する。
	Prefix string
	// Target は転送先のベースURL。
	Target string
	// Rewrite は転送先に送るパスを組み立てる。nilの場合はパスをそのまま使う。
	Rewrite RewriteFunc
	// Upgradeable はWebSocketへのアップグレードを許可するかどうか。
	Upgradeable bool
	// AuthRequired はアクセストークンの検証が必要かどうか。
	AuthRequired bool
	// Description はルートの説明。
	Description string

	target *url.URL
}

// TargetURL は解析済みの転送先URLを返す。
func (r Route) TargetURL() *url.URL {
	return r.target
}

// RewritePath はリクエストパスを転送先のパスに変換する。
func (r Route) RewritePath(path string) string {
	if r.Rewrite == nil {
		return path
	}
	return r.Rewrite(path)
}

// matches はパスがルートの接頭辞にセグメント単位で一致するかどうかを返す。
// "/api" は "/api" と "/api/..." に一致し、"/apix" には一致しない。
func (r Route) matches(path string) bool {
	if r.Prefix == "/" {
		return true
	}
	rest, ok := strings.CutPrefix(path, r.Prefix)
	return ok && (rest == "" || rest[0] == '/')
}

// RouteTable はパス接頭辞から転送先を引くテーブル。
// 構築後は読み取り専用のため、複数のgoroutineから同時に参照してよい。
type RouteTable struct {
	// routes は接頭辞の長い順に並ぶ。
	routes []Route
}

// NewRouteTable はルートを検証してテーブルを構築する。
func NewRouteTable(routes ...Route) (*RouteTable, error) {
	seen := make(map[string]struct{}, len(routes))
	table := make([]Route, 0, len(routes))
	for _, r := range routes {
		if r.Prefix == "" || !strings.HasPrefix(r.Prefix, "/") {
			return nil, fmt.Errorf("ルートの接頭辞が不正です: %q", r.Prefix)
		}
		if r.Prefix != "/" {
			r.Prefix = strings.TrimRight(r.Prefix, "/")
		}
		if _, dup := seen[r.Prefix]; dup {
			return nil, fmt.Errorf("ルートの接頭辞が重複しています: %q", r.Prefix)
		}
		seen[r.Prefix] = struct{}{}

		u, err := url.Parse(r.Target)
		if err != nil {
			return nil, fmt.Errorf("ルート %q の転送先URLの解析に失敗: %w", r.Prefix, err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return nil, fmt.Errorf("ルート %q の転送先URLのスキームが不正です: %q", r.Prefix, r.Target)
		}
		if u.Host == "" {
			return nil, fmt.Errorf("ルート %q の転送先URLにホストがありません", r.Prefix)
		}
		r.target = u
		if r.Name == "" {
			r.Name = u.Host
		}
		table = append(table, r)
	}

	sort.SliceStable(table, func(i, j int) bool {
		return len(table[i].Prefix) > len(table[j].Prefix)
	})
	return &RouteTable{routes: table}, nil
}

// Match はパスに最長一致するルートを返す。
func (t *RouteTable) Match(path string) (Route, bool) {
	for _, r := range t.routes {
		if r.matches(path) {
			return r, true
		}
	}
	return Route{}, false
}

// Prefixes は登録されている接頭辞を辞書順で返す。
func (t *RouteTable) Prefixes() []string {
	out := make([]string, 0, len(t.routes))
	for _, r := range t.routes {
		out = append(out, r.Prefix)
	}
	sort.Strings(out)
	return out
}

// Routes は登録されているルートを接頭辞の長い順で返す。
func (t *RouteTable) Routes() []Route {
	out := make([]Route, len(t.routes))
	copy(out, t.routes)
	return out
}

// DefaultRoutes は既定のルート構成を返す。
//
//	/api     → リソースAPI（認証不要、ログインを含む）
//	/graphql → タスクAPI（認証必須、WebSocket可）
func DefaultRoutes(cfg Config) []Route {
	return []Route{
		{
			Name:        "rest-api",
			Prefix:      "/api",
			Target:      cfg.ResourceAPIURL,
			Rewrite:     KeepPath,
			Description: "users and login",
		},
		{
			Name:         "graphql-api",
			Prefix:       "/graphql",
			Target:       cfg.TaskAPIURL,
			Rewrite:      KeepPath,
			Upgradeable:  true,
			AuthRequired: true,
			Description:  "tasks, queries, mutations and subscriptions",
		},
	}
}
