// Package gateway はエッジゲートウェイサービスを実装する。
//
// 外部からアクセス可能な唯一のサービスであり、セキュリティの境界線となる。
// ルートテーブルの最長一致でリクエストの転送先を決め、認証が必要なルートでは
// RS256のアクセストークンを検証してから、デコードしたクレームを
// X-User-Data ヘッダーとしてバックエンドへ転送する。
// 通常のHTTPに加えて、WebSocketへのアップグレード要求もフレーム単位で中継する。
package gateway
