// Package httpclient はサービス間のHTTP通信を行うクライアントを提供する。
//
// gatewayがバックエンドのヘルスチェックを行う際などに使用する。
// コンテキストに認証済みユーザーのクレームがあれば X-User-Data ヘッダーとして
// 伝播し、サービス間の通信パターンを統一する。
package httpclient
