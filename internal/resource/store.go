package resource

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nao1215/taskhub/pkg/migration"
	"go.uber.org/zap"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DefaultDSN はプロセス内でのみ有効なインメモリデータベース。
const DefaultDSN = "file::memory:?cache=shared"

// userColumns はSELECTする列。scanUser と順序を合わせる。
const userColumns = "id, name, email, age, role, team_id, password_hash, created_at, updated_at"

// SQLiteStore はSQLiteを使うUserStore。
type SQLiteStore struct {
	db *sql.DB
}

var _ UserStore = (*SQLiteStore)(nil)

// OpenSQLiteStore はデータベースに接続し、マイグレーションを適用する。
func OpenSQLiteStore(ctx context.Context, dsn string, logger *zap.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("データベース接続に失敗: %w", err)
	}
	// インメモリデータベースは接続ごとに別物になるため1本に絞る。
	db.SetMaxOpenConns(1)

	if err := migration.Run(ctx, db, migrationsFS, "migrations", migration.WithLogger(logger)); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("スキーマ初期化に失敗: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close はデータベース接続をクローズする。
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// List は条件に一致するユーザーを作成順に返す。
func (s *SQLiteStore) List(ctx context.Context, filter UserFilter) ([]User, error) {
	var (
		where []string
		args  []any
	)
	if filter.Role != "" {
		where = append(where, "role = ?")
		args = append(args, filter.Role)
	}
	if filter.Search != "" {
		where = append(where, "(instr(lower(name), ?) > 0 OR instr(lower(email), ?) > 0)")
		term := strings.ToLower(filter.Search)
		args = append(args, term, term)
	}

	query := "SELECT " + userColumns + " FROM users"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY seq"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ユーザー一覧の取得に失敗: %w", err)
	}
	defer func() { _ = rows.Close() }()

	users := make([]User, 0)
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ユーザー一覧の読み込みに失敗: %w", err)
	}
	return users, nil
}

// Get はIDでユーザーを取得する。
func (s *SQLiteStore) Get(ctx context.Context, id string) (User, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+userColumns+" FROM users WHERE id = ?", id)
	return scanOne(row)
}

// GetByEmail はメールアドレスでユーザーを取得する。大文字小文字は区別しない。
func (s *SQLiteStore) GetByEmail(ctx context.Context, email string) (User, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+userColumns+" FROM users WHERE email = ?", email)
	return scanOne(row)
}

// Create はユーザーを追加する。
func (s *SQLiteStore) Create(ctx context.Context, u User) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, name, email, age, role, team_id, password_hash, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		u.ID, u.Name, u.Email, u.Age, u.Role, u.TeamID, u.PasswordHash,
		formatTime(u.CreatedAt), formatTime(u.UpdatedAt),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrEmailExists
		}
		return fmt.Errorf("ユーザーの作成に失敗: %w", err)
	}
	return nil
}

// Update はユーザーを更新する。
func (s *SQLiteStore) Update(ctx context.Context, u User) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET name = ?, email = ?, age = ?, role = ?, team_id = ?, password_hash = ?, updated_at = ?
		 WHERE id = ?`,
		u.Name, u.Email, u.Age, u.Role, u.TeamID, u.PasswordHash, formatTime(u.UpdatedAt), u.ID,
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrEmailExists
		}
		return fmt.Errorf("ユーザーの更新に失敗: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("更新件数の取得に失敗: %w", err)
	}
	if n == 0 {
		return ErrUserNotFound
	}
	return nil
}

// Delete はユーザーを削除し、削除したユーザーを返す。
func (s *SQLiteStore) Delete(ctx context.Context, id string) (User, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return User{}, fmt.Errorf("トランザクション開始に失敗: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	u, err := scanOne(tx.QueryRowContext(ctx, "SELECT "+userColumns+" FROM users WHERE id = ?", id))
	if err != nil {
		return User{}, err
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM users WHERE id = ?", id); err != nil {
		return User{}, fmt.Errorf("ユーザーの削除に失敗: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return User{}, fmt.Errorf("トランザクションのコミットに失敗: %w", err)
	}
	return u, nil
}

// Count は登録されているユーザー数を返す。
func (s *SQLiteStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM users").Scan(&n); err != nil {
		return 0, fmt.Errorf("ユーザー数の取得に失敗: %w", err)
	}
	return n, nil
}

// Ping はデータベースへの疎通を確認する。
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanOne(row *sql.Row) (User, error) {
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrUserNotFound
	}
	return u, err
}

func scanUser(sc scanner) (User, error) {
	var (
		u                    User
		createdAt, updatedAt string
	)
	if err := sc.Scan(&u.ID, &u.Name, &u.Email, &u.Age, &u.Role, &u.TeamID, &u.PasswordHash, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return User{}, err
		}
		return User{}, fmt.Errorf("ユーザーの読み込みに失敗: %w", err)
	}

	var err error
	if u.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return User{}, fmt.Errorf("作成日時の解析に失敗: %w", err)
	}
	if u.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return User{}, fmt.Errorf("更新日時の解析に失敗: %w", err)
	}
	return u, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// isConstraintViolation はUNIQUE制約などの制約違反かどうかを返す。
func isConstraintViolation(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.Code()&0xff == sqlite3.SQLITE_CONSTRAINT
}
