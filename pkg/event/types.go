// Package event はイベントバスに流すミューテーションイベントの形式を定義する。
//
// イベントバス自体はペイロードを解釈しない。発行側（タスクAPI）が
// Envelope をJSONにシリアライズして流し、購読側が Parse と DecodeData で
// 取り出す。
package event

import (
	"encoding/json"
	"time"
)

// Topic はイベントバス上のトピック名を表す。
type Topic string

const (
	// TopicTaskCreated はタスクが作成されたことを表す。
	TopicTaskCreated Topic = "task.created"
	// TopicTaskUpdated はタスクが更新されたことを表す。
	TopicTaskUpdated Topic = "task.updated"
	// TopicTaskDeleted はタスクが削除されたことを表す。
	TopicTaskDeleted Topic = "task.deleted"
)

// Topics は定義済みのトピック一覧を返す。
func Topics() []Topic {
	return []Topic{TopicTaskCreated, TopicTaskUpdated, TopicTaskDeleted}
}

// Valid は定義済みのトピックかどうかを返す。
func (t Topic) Valid() bool {
	for _, known := range Topics() {
		if t == known {
			return true
		}
	}
	return false
}

// String はトピック名を返す。
func (t Topic) String() string {
	return string(t)
}

// Envelope はイベントバスに流すミューテーションイベント。
// 発行後に変更することは無い。
type Envelope struct {
	// ID はイベントの一意識別子（UUID）。
	ID string `json:"id"`
	// Topic はイベントを流したトピック。
	Topic Topic `json:"topic"`
	// Data はイベント固有のデータ（JSON形式）。
	Data json.RawMessage `json:"data"`
	// CreatedAt はイベントが作成された日時。
	CreatedAt time.Time `json:"created_at"`
}

// TaskDeletedData はtask.deletedイベントのデータ。
type TaskDeletedData struct {
	// ID は削除されたタスクのID。
	ID string `json:"id"`
}
