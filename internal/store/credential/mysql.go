// Package credential persists users and their password hashes in MySQL.
package credential

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/pressly/goose/v3"

	"github.com/traffic-tacos/profile-api/internal/config"
	"github.com/traffic-tacos/profile-api/internal/metrics"
	"github.com/traffic-tacos/profile-api/internal/models"
	"github.com/traffic-tacos/profile-api/internal/store/credential/migrations"
)

const storeName = "credential"

// mysqlDuplicateEntry is ER_DUP_ENTRY
const mysqlDuplicateEntry = 1062

var (
	ErrNotFound  = errors.New("user not found")
	ErrDuplicate = errors.New("username or email already exists")
)

// Store is the relational credential store used by the auth service
type Store interface {
	ExistsByUsernameOrEmail(ctx context.Context, username, email string) (bool, error)
	Create(ctx context.Context, user *models.User) (int64, error)
	GetByUsername(ctx context.Context, username string) (*models.User, error)
	Ping(ctx context.Context) error
}

// Open connects to MySQL and verifies the connection.
func Open(ctx context.Context, cfg config.MySQLConfig) (*sql.DB, error) {
	db, err := sql.Open("mysql", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open mysql: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to mysql: %w", err)
	}
	return db, nil
}

// gooseUpContext is a seam for testing goose.UpContext.
var gooseUpContext = func(ctx context.Context, db *sql.DB, dir string, opts ...goose.OptionsFunc) error {
	return goose.UpContext(ctx, db, dir, opts...)
}

// Migrate applies the embedded schema migrations.
func Migrate(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(migrations.FS)
	if err := goose.SetDialect("mysql"); err != nil {
		return fmt.Errorf("goose dialect: %w", err)
	}
	if err := gooseUpContext(ctx, db, "."); err != nil {
		return fmt.Errorf("migrate users: %w", err)
	}
	return nil
}

type MySQLStore struct {
	db *sql.DB
}

func NewMySQLStore(db *sql.DB) *MySQLStore {
	return &MySQLStore{db: db}
}

// ExistsByUsernameOrEmail reports whether either identifier is already taken.
func (s *MySQLStore) ExistsByUsernameOrEmail(ctx context.Context, username, email string) (exists bool, err error) {
	defer observe("exists", time.Now(), &err)

	var id int64
	err = s.db.QueryRowContext(ctx,
		"SELECT id FROM users WHERE username = ? OR email = ? LIMIT 1",
		username, email).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("db error: %w", err)
	}
	return true, nil
}

// Create inserts user and returns its ID.
func (s *MySQLStore) Create(ctx context.Context, user *models.User) (id int64, err error) {
	defer observe("create", time.Now(), &err)

	res, err := s.db.ExecContext(ctx,
		"INSERT INTO users (username, email, password_hash, created_at) VALUES (?, ?, ?, ?)",
		user.Username, user.Email, user.PasswordHash, user.CreatedAt.UTC())
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if errors.As(err, &mysqlErr) && mysqlErr.Number == mysqlDuplicateEntry {
			return 0, ErrDuplicate
		}
		return 0, fmt.Errorf("db error: %w", err)
	}

	id, err = res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	user.ID = id
	return id, nil
}

// GetByUsername fetches a user by exact username.
func (s *MySQLStore) GetByUsername(ctx context.Context, username string) (user *models.User, err error) {
	defer observe("get_by_username", time.Now(), &err)

	u := &models.User{}
	err = s.db.QueryRowContext(ctx,
		"SELECT id, username, email, password_hash, created_at FROM users WHERE username = ? LIMIT 1",
		username).Scan(&u.ID, &u.Username, &u.Email, &u.PasswordHash, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return u, nil
}

func (s *MySQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// observe records the call; not-found is an answer, not a failure.
func observe(operation string, start time.Time, errp *error) {
	err := *errp
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrDuplicate) {
		err = nil
	}
	metrics.RecordStoreOperation(storeName, operation, err, time.Since(start))
}
