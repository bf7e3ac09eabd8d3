package task

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/graphql-go/graphql"
	"github.com/graphql-go/graphql/language/ast"
	"github.com/graphql-go/graphql/language/parser"
	"github.com/nao1215/taskhub/pkg/apperror"
	"github.com/nao1215/taskhub/pkg/event"
	"github.com/nao1215/taskhub/pkg/eventbus"
	"github.com/nao1215/taskhub/pkg/identity"
	"go.uber.org/zap"
)

// timeLayout はcreatedAtの書式。ミリ秒まで出力する。
const timeLayout = "2006-01-02T15:04:05.000Z07:00"

// GraphQLのエラーコード。extensions.code に入る。
const (
	CodeForbidden = "FORBIDDEN"
	CodeNotFound  = "NOT_FOUND"
)

// codedError はextensions.codeを持つGraphQLエラー。
type codedError struct {
	message string
	code    string
	err     error
}

func (e *codedError) Error() string {
	return e.message
}

func (e *codedError) Unwrap() error {
	return e.err
}

// Extensions はGraphQLレスポンスのextensionsに入る値を返す。
func (e *codedError) Extensions() map[string]any {
	return map[string]any{"code": e.code}
}

// resolver はスキーマのリゾルバが共有する依存。
type resolver struct {
	store  Store
	broker eventbus.Broker
	logger *zap.Logger
}

// NewSchema はタスクAPIのGraphQLスキーマを構築する。
func NewSchema(store Store, broker eventbus.Broker, logger *zap.Logger) (graphql.Schema, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &resolver{store: store, broker: broker, logger: logger}

	taskType := graphql.NewObject(graphql.ObjectConfig{
		Name: "Task",
		Fields: graphql.Fields{
			"id":          &graphql.Field{Type: graphql.NewNonNull(graphql.ID)},
			"title":       &graphql.Field{Type: graphql.NewNonNull(graphql.String)},
			"description": &graphql.Field{Type: graphql.String},
			"status":      &graphql.Field{Type: graphql.NewNonNull(graphql.String)},
			"assignedTo": &graphql.Field{
				Type: graphql.String,
				Resolve: func(p graphql.ResolveParams) (any, error) {
					t, ok := p.Source.(Task)
					if !ok || t.AssignedTo == nil {
						return nil, nil
					}
					return *t.AssignedTo, nil
				},
			},
			"teamId": &graphql.Field{Type: graphql.String},
			"createdAt": &graphql.Field{
				Type: graphql.NewNonNull(graphql.String),
				Resolve: func(p graphql.ResolveParams) (any, error) {
					t, ok := p.Source.(Task)
					if !ok {
						return nil, nil
					}
					return t.CreatedAt.UTC().Format(timeLayout), nil
				},
			},
		},
	})
	nonNullTasks := graphql.NewNonNull(graphql.NewList(graphql.NewNonNull(taskType)))

	query := graphql.NewObject(graphql.ObjectConfig{
		Name: "Query",
		Fields: graphql.Fields{
			"tasks": &graphql.Field{
				Type:    nonNullTasks,
				Resolve: r.tasks,
			},
			"task": &graphql.Field{
				Type: taskType,
				Args: graphql.FieldConfigArgument{
					"id": &graphql.ArgumentConfig{Type: graphql.NewNonNull(graphql.ID)},
				},
				Resolve: r.task,
			},
			"myTeamTasks": &graphql.Field{
				Type: nonNullTasks,
				Args: graphql.FieldConfigArgument{
					"teamId": &graphql.ArgumentConfig{Type: graphql.NewNonNull(graphql.String)},
				},
				Resolve: r.myTeamTasks,
			},
		},
	})

	mutation := graphql.NewObject(graphql.ObjectConfig{
		Name: "Mutation",
		Fields: graphql.Fields{
			"createTask": &graphql.Field{
				Type: graphql.NewNonNull(taskType),
				Args: graphql.FieldConfigArgument{
					"title":       &graphql.ArgumentConfig{Type: graphql.NewNonNull(graphql.String)},
					"description": &graphql.ArgumentConfig{Type: graphql.String},
					"status":      &graphql.ArgumentConfig{Type: graphql.String},
					"assignedTo":  &graphql.ArgumentConfig{Type: graphql.String},
					"teamId":      &graphql.ArgumentConfig{Type: graphql.NewNonNull(graphql.String)},
				},
				Resolve: r.createTask,
			},
			"updateTask": &graphql.Field{
				Type: graphql.NewNonNull(taskType),
				Args: graphql.FieldConfigArgument{
					"id":          &graphql.ArgumentConfig{Type: graphql.NewNonNull(graphql.ID)},
					"title":       &graphql.ArgumentConfig{Type: graphql.String},
					"description": &graphql.ArgumentConfig{Type: graphql.String},
					"status":      &graphql.ArgumentConfig{Type: graphql.String},
					"assignedTo":  &graphql.ArgumentConfig{Type: graphql.String},
				},
				Resolve: r.updateTask,
			},
			"deleteTask": &graphql.Field{
				Type: graphql.NewNonNull(graphql.Boolean),
				Args: graphql.FieldConfigArgument{
					"id": &graphql.ArgumentConfig{Type: graphql.NewNonNull(graphql.ID)},
				},
				Resolve: r.deleteTask,
			},
		},
	})

	subscription := graphql.NewObject(graphql.ObjectConfig{
		Name: "Subscription",
		Fields: graphql.Fields{
			"taskCreated": &graphql.Field{
				Type:      graphql.NewNonNull(taskType),
				Subscribe: r.subscribe(event.TopicTaskCreated, decodeTask),
				Resolve:   passSource,
			},
			"taskUpdated": &graphql.Field{
				Type:      graphql.NewNonNull(taskType),
				Subscribe: r.subscribe(event.TopicTaskUpdated, decodeTask),
				Resolve:   passSource,
			},
			"taskDeleted": &graphql.Field{
				Type:      graphql.NewNonNull(graphql.ID),
				Subscribe: r.subscribe(event.TopicTaskDeleted, decodeDeletedID),
				Resolve:   passSource,
			},
		},
	})

	schema, err := graphql.NewSchema(graphql.SchemaConfig{
		Query:        query,
		Mutation:     mutation,
		Subscription: subscription,
	})
	if err != nil {
		return graphql.Schema{}, fmt.Errorf("GraphQLスキーマの構築に失敗: %w", err)
	}
	return schema, nil
}

func (r *resolver) tasks(p graphql.ResolveParams) (any, error) {
	return r.store.List(p.Context)
}

func (r *resolver) task(p graphql.ResolveParams) (any, error) {
	id, _ := p.Args["id"].(string)
	t, err := r.store.Get(p.Context, id)
	if errors.Is(err, ErrTaskNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (r *resolver) myTeamTasks(p graphql.ResolveParams) (any, error) {
	teamID, _ := p.Args["teamId"].(string)
	all, err := r.store.List(p.Context)
	if err != nil {
		return nil, err
	}
	out := make([]Task, 0, len(all))
	for _, t := range all {
		if t.TeamID == teamID {
			out = append(out, t)
		}
	}
	return out, nil
}

func (r *resolver) createTask(p graphql.ResolveParams) (any, error) {
	t := Task{
		ID:        uuid.NewString(),
		Status:    DefaultStatus,
		CreatedAt: time.Now().UTC(),
	}
	t.Title, _ = p.Args["title"].(string)
	t.TeamID, _ = p.Args["teamId"].(string)
	if v, ok := p.Args["description"].(string); ok {
		t.Description = v
	}
	if v, ok := p.Args["status"].(string); ok && v != "" {
		t.Status = v
	}
	if v, ok := p.Args["assignedTo"].(string); ok && v != "" {
		t.AssignedTo = &v
	}

	if err := r.store.Put(p.Context, t); err != nil {
		return nil, err
	}
	r.publish(p.Context, event.TopicTaskCreated, t)
	return t, nil
}

// updateTask は空でない引数だけを反映する。
func (r *resolver) updateTask(p graphql.ResolveParams) (any, error) {
	id, _ := p.Args["id"].(string)
	t, err := r.store.Get(p.Context, id)
	if errors.Is(err, ErrTaskNotFound) {
		return nil, &codedError{message: "Task not found", code: CodeNotFound, err: apperror.ErrNotFound}
	}
	if err != nil {
		return nil, err
	}

	if v, ok := p.Args["title"].(string); ok && v != "" {
		t.Title = v
	}
	if v, ok := p.Args["description"].(string); ok && v != "" {
		t.Description = v
	}
	if v, ok := p.Args["status"].(string); ok && v != "" {
		t.Status = v
	}
	if v, ok := p.Args["assignedTo"].(string); ok && v != "" {
		t.AssignedTo = &v
	}

	if err := r.store.Put(p.Context, t); err != nil {
		return nil, err
	}
	r.publish(p.Context, event.TopicTaskUpdated, t)
	return t, nil
}

// deleteTask はadminロールのユーザーだけが実行できる。
func (r *resolver) deleteTask(p graphql.ResolveParams) (any, error) {
	claims, ok := identity.FromContext(p.Context)
	if !ok || !claims.IsAdmin() {
		return nil, &codedError{
			message: "Unauthorized! Only admins can delete tasks.",
			code:    CodeForbidden,
			err:     apperror.ErrAuthorizationDenied,
		}
	}

	id, _ := p.Args["id"].(string)
	deleted, err := r.store.Delete(p.Context, id)
	if err != nil {
		return nil, err
	}
	if deleted {
		r.publish(p.Context, event.TopicTaskDeleted, event.TaskDeletedData{ID: id})
	}
	return deleted, nil
}

// publish はイベントを発行する。発行に失敗してもミューテーションは成功として扱う。
func (r *resolver) publish(ctx context.Context, topic event.Topic, data any) {
	env, err := event.New(topic, data)
	if err != nil {
		r.logger.Error("イベントの生成に失敗しました", zap.String("topic", topic.String()), zap.Error(err))
		return
	}
	b, err := env.Marshal()
	if err != nil {
		r.logger.Error("イベントのシリアライズに失敗しました", zap.String("topic", topic.String()), zap.Error(err))
		return
	}
	if err := r.broker.Publish(ctx, topic.String(), b); err != nil {
		r.logger.Warn("イベントの発行に失敗しました",
			zap.String("topic", topic.String()), zap.String("event_id", env.ID), zap.Error(err))
	}
}

// subscribe はトピックを購読し、受信したイベントを decode した値を流すチャネルを返す
// リゾルバを生成する。購読はオペレーションのコンテキストが終わると解除される。
func (r *resolver) subscribe(topic event.Topic, decode func(*event.Envelope) (any, error)) graphql.FieldResolveFn {
	return func(p graphql.ResolveParams) (any, error) {
		sub, err := r.broker.Subscribe(p.Context, topic.String())
		if err != nil {
			return nil, fmt.Errorf("イベントの購読に失敗: %w", err)
		}
		if reg, ok := registrationsFrom(p.Context); ok {
			reg.add(sub)
		}

		out := make(chan any)
		go func() {
			defer close(out)
			defer func() { _ = sub.Close() }()
			for {
				select {
				case <-p.Context.Done():
					return
				case msg, ok := <-sub.Messages():
					if !ok {
						return
					}
					env, err := event.Parse(msg)
					if err != nil {
						r.logger.Warn("解釈できないイベントを読み飛ばしました", zap.String("topic", topic.String()), zap.Error(err))
						continue
					}
					v, err := decode(env)
					if err != nil {
						r.logger.Warn("イベントデータを読み飛ばしました", zap.String("event_id", env.ID), zap.Error(err))
						continue
					}
					select {
					case out <- v:
					case <-p.Context.Done():
						return
					}
				}
			}
		}()
		return out, nil
	}
}

func passSource(p graphql.ResolveParams) (any, error) {
	return p.Source, nil
}

func decodeTask(env *event.Envelope) (any, error) {
	t, err := event.DecodeData[Task](env)
	if err != nil {
		return nil, err
	}
	return *t, nil
}

func decodeDeletedID(env *event.Envelope) (any, error) {
	d, err := event.DecodeData[event.TaskDeletedData](env)
	if err != nil {
		return nil, err
	}
	return d.ID, nil
}

// registrations はオペレーションが登録した購読の一覧。
// オペレーション終了時に release でまとめて解除する。
type registrations struct {
	mu   sync.Mutex
	subs []eventbus.Subscription
}

func (r *registrations) add(sub eventbus.Subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subs = append(r.subs, sub)
}

func (r *registrations) release() {
	r.mu.Lock()
	subs := r.subs
	r.subs = nil
	r.mu.Unlock()
	for _, sub := range subs {
		_ = sub.Close()
	}
}

type registrationsKey struct{}

func withRegistrations(ctx context.Context, reg *registrations) context.Context {
	return context.WithValue(ctx, registrationsKey{}, reg)
}

func registrationsFrom(ctx context.Context) (*registrations, bool) {
	reg, ok := ctx.Value(registrationsKey{}).(*registrations)
	return reg, ok
}

// operationType はドキュメントから実行するオペレーションの種類を返す。
// operationName が空の場合はドキュメント内の唯一のオペレーションを使う。
func operationType(query, operationName string) (string, error) {
	doc, err := parser.Parse(parser.ParseParams{Source: query})
	if err != nil {
		return "", err
	}

	var found *ast.OperationDefinition
	for _, def := range doc.Definitions {
		op, ok := def.(*ast.OperationDefinition)
		if !ok {
			continue
		}
		if operationName == "" {
			if found != nil {
				return "", errors.New("must provide operation name if query contains multiple operations")
			}
			found = op
			continue
		}
		if op.Name != nil && op.Name.Value == operationName {
			found = op
		}
	}
	if found == nil {
		if operationName != "" {
			return "", fmt.Errorf("unknown operation named %q", operationName)
		}
		return "", errors.New("must provide an operation")
	}
	return found.Operation, nil
}
