package resource

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// ロール。
const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

var (
	// ErrUserNotFound は指定したユーザーが存在しないことを表す。
	ErrUserNotFound = errors.New("user not found")
	// ErrEmailExists はメールアドレスが既に使われていることを表す。
	ErrEmailExists = errors.New("email already exists")
)

// User はユーザーの情報。
type User struct {
	// ID はユーザーの一意識別子。
	ID string `json:"id"`
	// Name は表示名。
	Name string `json:"name"`
	// Email はメールアドレス。ログインIDとして使う。
	Email string `json:"email"`
	// Age は年齢。
	Age int `json:"age"`
	// Role はロール（user / admin）。
	Role string `json:"role"`
	// TeamID は所属チームの識別子。
	TeamID string `json:"teamId"`
	// PasswordHash はbcryptでハッシュ化したパスワード。レスポンスには含めない。
	PasswordHash string `json:"-"`
	// CreatedAt は作成日時。
	CreatedAt time.Time `json:"createdAt"`
	// UpdatedAt は更新日時。
	UpdatedAt time.Time `json:"updatedAt"`
}

// CheckPassword はパスワードがハッシュと一致するかどうかを返す。
func (u User) CheckPassword(password string) bool {
	if u.PasswordHash == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)) == nil
}

// UserFilter は一覧取得の絞り込み条件。
type UserFilter struct {
	// Role が空でなければロールが一致するユーザーに絞り込む。
	Role string
	// Search が空でなければ名前かメールアドレスに含むユーザーに絞り込む（大文字小文字を区別しない）。
	Search string
}

// UserStore はユーザーの永続化を行う。
type UserStore interface {
	// List は条件に一致するユーザーを作成順に返す。
	List(ctx context.Context, filter UserFilter) ([]User, error)
	// Get はIDでユーザーを取得する。存在しない場合は ErrUserNotFound を返す。
	Get(ctx context.Context, id string) (User, error)
	// GetByEmail はメールアドレスでユーザーを取得する。存在しない場合は ErrUserNotFound を返す。
	GetByEmail(ctx context.Context, email string) (User, error)
	// Create はユーザーを追加する。メールアドレスが重複する場合は ErrEmailExists を返す。
	Create(ctx context.Context, u User) error
	// Update はユーザーを更新する。
	Update(ctx context.Context, u User) error
	// Delete はユーザーを削除し、削除したユーザーを返す。
	Delete(ctx context.Context, id string) (User, error)
	// Count は登録されているユーザー数を返す。
	Count(ctx context.Context) (int, error)
}

// seedUser は初期データのユーザー。
type seedUser struct {
	User
	password string
}

// seedUsers は起動時に登録するユーザー。パスワードはどちらも adminpassword。
var seedUsers = []seedUser{
	{User: User{ID: "1", Name: "John Doe", Email: "john@example.com", Age: 30, Role: RoleAdmin, TeamID: "team-A"}, password: "adminpassword"},
	{User: User{ID: "2", Name: "Jane Smith", Email: "jane@example.com", Age: 25, Role: RoleUser, TeamID: "team-b"}, password: "adminpassword"},
}

// Seed はユーザーが1人もいない場合に初期データを登録する。
func Seed(ctx context.Context, store UserStore, cost int) error {
	n, err := store.Count(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}

	now := time.Now().UTC()
	for _, s := range seedUsers {
		hash, err := hashPassword(s.password, cost)
		if err != nil {
			return err
		}
		u := s.User
		u.PasswordHash = hash
		u.CreatedAt = now
		u.UpdatedAt = now
		if err := store.Create(ctx, u); err != nil {
			return fmt.Errorf("初期ユーザー %s の登録に失敗: %w", u.Email, err)
		}
	}
	return nil
}

// newUserID は新しいユーザーIDを生成する。
func newUserID() string {
	return uuid.NewString()
}

// hashPassword はパスワードをbcryptでハッシュ化する。
func hashPassword(password string, cost int) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return "", fmt.Errorf("パスワードのハッシュ化に失敗: %w", err)
	}
	return string(hash), nil
}
