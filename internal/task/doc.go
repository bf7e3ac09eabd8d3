// Package task はタスクAPI（GraphQL）と購読ブリッジを実装する。
//
// クエリとミューテーションは POST /graphql と GET /graphql で受け付ける。
// ミューテーションは1回ごとにイベントバスへイベントを発行し、
// 同じパスへのWebSocket接続（graphql-transport-ws）で購読している
// クライアントへ配信する。
//
// ユーザー情報はgatewayが転送したヘッダーから復元する。タスクの削除は
// adminロールだけが行える。
package task
