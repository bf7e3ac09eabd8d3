// Package middleware はGinベースのHTTP APIで使用する共通ミドルウェアを提供する。
//
// gatewayでのBearerトークン検証、バックエンドでの転送ユーザー情報の復元、
// 構造化リクエストログ、パニックリカバリ、CORS設定など、
// 全サービスで共通して使用するミドルウェアを含む。
package middleware
