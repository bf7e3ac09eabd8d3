package task

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ステータスの既定値。
const DefaultStatus = "TODO"

// ErrTaskNotFound は指定したタスクが存在しないことを表す。
var ErrTaskNotFound = errors.New("task not found")

// Task はタスク。イベントバスにはこの形式のJSONが流れる。
type Task struct {
	// ID はタスクの一意識別子。
	ID string `json:"id"`
	// Title はタイトル。
	Title string `json:"title"`
	// Description は説明。
	Description string `json:"description"`
	// Status は進捗状況（TODO / IN_PROGRESS / DONE など）。
	Status string `json:"status"`
	// AssignedTo は担当ユーザーのID。未割り当ての場合はnil。
	AssignedTo *string `json:"assignedTo"`
	// TeamID は所属チームの識別子。
	TeamID string `json:"teamId"`
	// CreatedAt は作成日時。
	CreatedAt time.Time `json:"createdAt"`
}

// Store はタスクの保存先。
type Store interface {
	// List はすべてのタスクを作成順に返す。
	List(ctx context.Context) ([]Task, error)
	// Get はIDでタスクを取得する。存在しない場合は ErrTaskNotFound を返す。
	Get(ctx context.Context, id string) (Task, error)
	// Put はタスクを追加する。同じIDがあれば位置を保ったまま置き換える。
	Put(ctx context.Context, t Task) error
	// Delete はタスクを削除する。存在しなかった場合は false を返す。
	Delete(ctx context.Context, id string) (bool, error)
}

// MemoryStore はプロセス内にタスクを保持するStore。プロセスの再起動で初期状態に戻る。
type MemoryStore struct {
	mu    sync.RWMutex
	tasks []Task
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore は初期タスクを登録したMemoryStoreを生成する。
func NewMemoryStore(seed ...Task) *MemoryStore {
	return &MemoryStore{tasks: append([]Task(nil), seed...)}
}

// List はすべてのタスクを作成順に返す。
func (s *MemoryStore) List(_ context.Context) ([]Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Task{}, s.tasks...), nil
}

// Get はIDでタスクを取得する。
func (s *MemoryStore) Get(_ context.Context, id string) (Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if i := s.indexOf(id); i >= 0 {
		return s.tasks[i], nil
	}
	return Task{}, ErrTaskNotFound
}

// Put はタスクを追加または置き換える。
func (s *MemoryStore) Put(_ context.Context, t Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := s.indexOf(t.ID); i >= 0 {
		s.tasks[i] = t
		return nil
	}
	s.tasks = append(s.tasks, t)
	return nil
}

// Delete はタスクを削除する。
func (s *MemoryStore) Delete(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.indexOf(id)
	if i < 0 {
		return false, nil
	}
	s.tasks = append(s.tasks[:i], s.tasks[i+1:]...)
	return true, nil
}

// Len は登録されているタスク数を返す。
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tasks)
}

// indexOf はIDの位置を返す。呼び出し側でロックを取ること。
func (s *MemoryStore) indexOf(id string) int {
	for i, t := range s.tasks {
		if t.ID == id {
			return i
		}
	}
	return -1
}

// SeedTasks は起動時に登録するタスクを返す。
func SeedTasks(now time.Time) []Task {
	john, jane := "1", "2"
	return []Task{
		{
			ID:          "1",
			Title:       "Bikin Laporan UTS",
			Description: "Laporan harus selesai hari Jumat",
			Status:      "IN_PROGRESS",
			AssignedTo:  &john,
			TeamID:      "team-A",
			CreatedAt:   now,
		},
		{
			ID:          "2",
			Title:       "Fix Bug GraphQL",
			Description: "Subscription masih error nih",
			Status:      "TODO",
			AssignedTo:  &jane,
			TeamID:      "team-A",
			CreatedAt:   now,
		},
	}
}
