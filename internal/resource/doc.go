// Package resource はリソースAPI（ユーザー管理とログイン）を実装する。
//
// ログインに成功するとRS256で署名したアクセストークンを発行する。
// 秘密鍵を持つのはこのサービスだけで、gatewayは公開鍵で検証する。
// ユーザーはSQLiteに保存し、既定ではインメモリで動作するため
// プロセスの再起動で初期データに戻る。
package resource
