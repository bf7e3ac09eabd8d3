package task

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nao1215/taskhub/pkg/event"
	"github.com/nao1215/taskhub/pkg/eventbus"
	"github.com/nao1215/taskhub/pkg/identity"
	"go.uber.org/zap"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// testConfig はテスト用の設定を返す。
func testConfig() Config {
	return Config{
		Port:            "0",
		EventBus:        EventBusMemory,
		AllowedOrigins:  []string{"*"},
		InitTimeout:     2 * time.Second,
		WriteTimeout:    time.Second,
		ShutdownTimeout: 5 * time.Second,
	}
}

// testEnv はテスト用のサーバー一式。
type testEnv struct {
	server *Server
	store  *MemoryStore
	broker *eventbus.MemoryBroker
}

// newTestEnv は初期タスクを登録したサーバーを生成する。
func newTestEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()

	store := NewMemoryStore(SeedTasks(time.Now().UTC())...)
	broker := eventbus.NewMemoryBroker()
	t.Cleanup(func() { _ = broker.Close() })

	s, err := NewServer(cfg, store, broker, zap.NewNop())
	if err != nil {
		t.Fatalf("NewServer()でエラーが発生: %v", err)
	}
	return &testEnv{server: s, store: store, broker: broker}
}

// gqlResponse はGraphQLのレスポンス。
type gqlResponse struct {
	Data   map[string]json.RawMessage `json:"data"`
	Errors []struct {
		Message    string         `json:"message"`
		Extensions map[string]any `json:"extensions"`
	} `json:"errors"`
}

// userHeader はgatewayが付与するユーザー情報ヘッダーを返す。
func userHeader(t *testing.T, c identity.Claims) http.Header {
	t.Helper()

	v, err := identity.Encode(c)
	if err != nil {
		t.Fatalf("Encode()でエラーが発生: %v", err)
	}
	h := http.Header{}
	h.Set(identity.HeaderUserData, v)
	return h
}

func adminClaims() identity.Claims {
	return identity.Claims{SubjectID: "1", DisplayName: "John Doe", Role: "admin", TeamID: "team-A"}
}

func userClaims() identity.Claims {
	return identity.Claims{SubjectID: "2", DisplayName: "Jane Smith", Role: "user", TeamID: "team-b"}
}

// postGraphQL はGraphQLリクエストをPOSTで送信する。
func postGraphQL(t *testing.T, s *Server, header http.Header, query string, vars map[string]any) (int, gqlResponse) {
	t.Helper()

	body, err := json.Marshal(map[string]any{"query": query, "variables": vars})
	if err != nil {
		t.Fatalf("リクエストのエンコードに失敗: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/graphql", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header[k] = v
	}
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	var resp gqlResponse
	if w.Code == http.StatusOK {
		if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
			t.Fatalf("レスポンスのデコードに失敗: %v (body=%s)", err, w.Body.String())
		}
	}
	return w.Code, resp
}

func TestQueries(t *testing.T) {
	t.Parallel()

	t.Run("tasksで初期タスクが返ること", func(t *testing.T) {
		t.Parallel()

		env := newTestEnv(t, testConfig())
		code, resp := postGraphQL(t, env.server, nil, `{ tasks { id title status assignedTo teamId createdAt } }`, nil)
		if code != http.StatusOK || len(resp.Errors) > 0 {
			t.Fatalf("code=%d errors=%v", code, resp.Errors)
		}
		var tasks []map[string]any
		if err := json.Unmarshal(resp.Data["tasks"], &tasks); err != nil {
			t.Fatalf("tasksのデコードに失敗: %v", err)
		}
		if len(tasks) != 2 || tasks[0]["title"] != "Bikin Laporan UTS" || tasks[1]["assignedTo"] != "2" {
			t.Errorf("tasks = %v", tasks)
		}
		if _, err := time.Parse(time.RFC3339, tasks[0]["createdAt"].(string)); err != nil {
			t.Errorf("createdAtの書式が不正: %v", err)
		}
	})

	t.Run("taskで存在しないIDはnullを返すこと", func(t *testing.T) {
		t.Parallel()

		env := newTestEnv(t, testConfig())
		_, resp := postGraphQL(t, env.server, nil, `query($id: ID!) { task(id: $id) { id } }`, map[string]any{"id": "nope"})
		if len(resp.Errors) > 0 || string(resp.Data["task"]) != "null" {
			t.Errorf("task = %s errors=%v", resp.Data["task"], resp.Errors)
		}
	})

	t.Run("myTeamTasksでチームのタスクだけが返ること", func(t *testing.T) {
		t.Parallel()

		env := newTestEnv(t, testConfig())
		_, resp := postGraphQL(t, env.server, nil, `{ myTeamTasks(teamId: "team-b") { id } }`, nil)
		if string(resp.Data["myTeamTasks"]) != "[]" {
			t.Errorf("myTeamTasks = %s", resp.Data["myTeamTasks"])
		}
	})

	t.Run("GETでクエリを実行できること", func(t *testing.T) {
		t.Parallel()

		env := newTestEnv(t, testConfig())
		req := httptest.NewRequest(http.MethodGet, "/graphql?query="+url.QueryEscape(`{ tasks { id } }`), nil)
		w := httptest.NewRecorder()
		env.server.Handler().ServeHTTP(w, req)
		if w.Code != http.StatusOK {
			t.Fatalf("ステータスコード = %d, want %d", w.Code, http.StatusOK)
		}
	})

	t.Run("GETでのミューテーションは405を返すこと", func(t *testing.T) {
		t.Parallel()

		env := newTestEnv(t, testConfig())
		q := url.QueryEscape(`mutation { createTask(title: "x", teamId: "t") { id } }`)
		w := httptest.NewRecorder()
		env.server.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/graphql?query="+q, nil))
		if w.Code != http.StatusMethodNotAllowed {
			t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusMethodNotAllowed)
		}
		if env.store.Len() != 2 {
			t.Errorf("タスク数 = %d, want 2", env.store.Len())
		}
	})

	t.Run("HTTPでの購読は400を返すこと", func(t *testing.T) {
		t.Parallel()

		env := newTestEnv(t, testConfig())
		code, _ := postGraphQL(t, env.server, nil, `subscription { taskCreated { id } }`, nil)
		if code != http.StatusBadRequest {
			t.Errorf("ステータスコード = %d, want %d", code, http.StatusBadRequest)
		}
	})
}

func TestMutations(t *testing.T) {
	t.Parallel()

	t.Run("createTaskでタスクが追加されイベントが1件発行されること", func(t *testing.T) {
		t.Parallel()

		env := newTestEnv(t, testConfig())
		sub, err := env.broker.Subscribe(t.Context(), event.TopicTaskCreated.String())
		if err != nil {
			t.Fatalf("Subscribe()でエラーが発生: %v", err)
		}
		defer sub.Close()

		_, resp := postGraphQL(t, env.server, userHeader(t, userClaims()),
			`mutation { createTask(title: "Write docs", teamId: "team-b") { id title status } }`, nil)
		if len(resp.Errors) > 0 {
			t.Fatalf("errors = %v", resp.Errors)
		}
		var created Task
		if err := json.Unmarshal(resp.Data["createTask"], &created); err != nil {
			t.Fatalf("createTaskのデコードに失敗: %v", err)
		}
		if created.Status != DefaultStatus || created.ID == "" {
			t.Errorf("createTask = %+v", created)
		}
		if env.store.Len() != 3 {
			t.Errorf("タスク数 = %d, want 3", env.store.Len())
		}

		select {
		case msg := <-sub.Messages():
			ev, err := event.Parse(msg)
			if err != nil {
				t.Fatalf("Parse()でエラーが発生: %v", err)
			}
			got, err := event.DecodeData[Task](ev)
			if err != nil {
				t.Fatalf("DecodeData()でエラーが発生: %v", err)
			}
			if got.ID != created.ID {
				t.Errorf("イベントのタスクID = %q, want %q", got.ID, created.ID)
			}
		case <-time.After(time.Second):
			t.Fatal("task.createdイベントが届かない")
		}
		select {
		case msg := <-sub.Messages():
			t.Errorf("余分なイベントを受信した: %s", msg)
		case <-time.After(50 * time.Millisecond):
		}
	})

	t.Run("updateTaskは空でない引数だけを反映すること", func(t *testing.T) {
		t.Parallel()

		env := newTestEnv(t, testConfig())
		_, resp := postGraphQL(t, env.server, nil,
			`mutation { updateTask(id: "2", status: "DONE", title: "") { id title status } }`, nil)
		if len(resp.Errors) > 0 {
			t.Fatalf("errors = %v", resp.Errors)
		}
		got, _ := env.store.Get(t.Context(), "2")
		if got.Status != "DONE" || got.Title != "Fix Bug GraphQL" {
			t.Errorf("更新後のタスク = %+v", got)
		}
	})

	t.Run("updateTaskで存在しないIDはNOT_FOUNDを返すこと", func(t *testing.T) {
		t.Parallel()

		env := newTestEnv(t, testConfig())
		_, resp := postGraphQL(t, env.server, nil, `mutation { updateTask(id: "404", status: "DONE") { id } }`, nil)
		if len(resp.Errors) != 1 || resp.Errors[0].Message != "Task not found" || resp.Errors[0].Extensions["code"] != CodeNotFound {
			t.Errorf("errors = %+v", resp.Errors)
		}
	})
}

// TestDeleteTaskAuthorization はタスク削除がadminロールに限られることを検証する。
func TestDeleteTaskAuthorization(t *testing.T) {
	t.Parallel()

	const mutation = `mutation($id: ID!) { deleteTask(id: $id) }`

	tests := []struct {
		name   string
		header func(t *testing.T) http.Header
	}{
		{name: "ユーザー情報が無い", header: func(*testing.T) http.Header { return nil }},
		{name: "userロールの", header: func(t *testing.T) http.Header { return userHeader(t, userClaims()) }},
		{name: "ユーザー情報が壊れている", header: func(*testing.T) http.Header {
			h := http.Header{}
			h.Set(identity.HeaderUserData, "{not json")
			return h
		}},
		{name: "ユーザー情報が期限切れの", header: func(t *testing.T) http.Header {
			c := adminClaims()
			c.ExpiresAt = time.Now().Add(-time.Minute)
			return userHeader(t, c)
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name+"場合はFORBIDDENでストアが変わらないこと", func(t *testing.T) {
			t.Parallel()

			env := newTestEnv(t, testConfig())
			sub, err := env.broker.Subscribe(t.Context(), event.TopicTaskDeleted.String())
			if err != nil {
				t.Fatalf("Subscribe()でエラーが発生: %v", err)
			}
			defer sub.Close()

			_, resp := postGraphQL(t, env.server, tt.header(t), mutation, map[string]any{"id": "1"})
			if len(resp.Errors) != 1 {
				t.Fatalf("errors = %+v, want 1 error", resp.Errors)
			}
			if got := resp.Errors[0].Extensions["code"]; got != CodeForbidden {
				t.Errorf("extensions.code = %v, want %q", got, CodeForbidden)
			}
			if env.store.Len() != 2 {
				t.Errorf("タスク数 = %d, want 2", env.store.Len())
			}
			select {
			case msg := <-sub.Messages():
				t.Errorf("拒否された削除でイベントが発行された: %s", msg)
			case <-time.After(50 * time.Millisecond):
			}
		})
	}

	t.Run("adminロールは削除できイベントが発行されること", func(t *testing.T) {
		t.Parallel()

		env := newTestEnv(t, testConfig())
		sub, err := env.broker.Subscribe(t.Context(), event.TopicTaskDeleted.String())
		if err != nil {
			t.Fatalf("Subscribe()でエラーが発生: %v", err)
		}
		defer sub.Close()

		_, resp := postGraphQL(t, env.server, userHeader(t, adminClaims()), mutation, map[string]any{"id": "1"})
		if len(resp.Errors) > 0 || string(resp.Data["deleteTask"]) != "true" {
			t.Fatalf("deleteTask = %s errors=%v", resp.Data["deleteTask"], resp.Errors)
		}
		if _, err := env.store.Get(t.Context(), "1"); err == nil {
			t.Error("削除したタスクが残っている")
		}
		select {
		case msg := <-sub.Messages():
			ev, err := event.Parse(msg)
			if err != nil {
				t.Fatalf("Parse()でエラーが発生: %v", err)
			}
			data, err := event.DecodeData[event.TaskDeletedData](ev)
			if err != nil || data.ID != "1" {
				t.Errorf("削除イベント = %+v, %v", data, err)
			}
		case <-time.After(time.Second):
			t.Fatal("task.deletedイベントが届かない")
		}
	})

	t.Run("adminロールでも存在しないIDはfalseを返すこと", func(t *testing.T) {
		t.Parallel()

		env := newTestEnv(t, testConfig())
		_, resp := postGraphQL(t, env.server, userHeader(t, adminClaims()), mutation, map[string]any{"id": "404"})
		if len(resp.Errors) > 0 || string(resp.Data["deleteTask"]) != "false" {
			t.Errorf("deleteTask = %s errors=%v", resp.Data["deleteTask"], resp.Errors)
		}
	})
}

func TestHandleHealth(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, testConfig())
	w := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("ステータスコード = %d, want %d", w.Code, http.StatusOK)
	}
	var body struct {
		Status  string `json:"status"`
		Service string `json:"service"`
		Data    struct {
			Tasks int `json:"tasks"`
		} `json:"data"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("レスポンスのデコードに失敗: %v", err)
	}
	if body.Status != "OK" || body.Service != "task-api" || body.Data.Tasks != 2 {
		t.Errorf("body = %+v", body)
	}
}
