package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SQLiteMigrations returns the operators table for single-node deployments.
func SQLiteMigrations() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS operators (
			id            TEXT PRIMARY KEY,
			email         TEXT NOT NULL UNIQUE,
			password_hash TEXT NOT NULL,
			role          TEXT NOT NULL DEFAULT 'operator' CHECK (role IN ('operator', 'admin')),
			created_at    TEXT NOT NULL
		)`,
	}
}

// SQLiteRepository implements Repository on an embedded SQLite database.
type SQLiteRepository struct {
	db *sql.DB
}

func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

func (r *SQLiteRepository) Migrate(ctx context.Context) error {
	for _, stmt := range SQLiteMigrations() {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("auth: migrate sqlite: %w", err)
		}
	}
	return nil
}

func (r *SQLiteRepository) CreateOperator(ctx context.Context, params CreateOperatorParams) (Operator, error) {
	op := Operator{
		ID:           uuid.NewString(),
		Email:        params.Email,
		PasswordHash: params.PasswordHash,
		Role:         params.Role,
		CreatedAt:    time.Now().UTC(),
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO operators (id, email, password_hash, role, created_at) VALUES (?, ?, ?, ?, ?)`,
		op.ID, op.Email, op.PasswordHash, string(op.Role), op.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return Operator{}, ErrDuplicateEmail
		}
		return Operator{}, fmt.Errorf("auth: create operator: %w", err)
	}
	return op, nil
}

func (r *SQLiteRepository) GetOperatorByEmail(ctx context.Context, email string) (Operator, error) {
	return r.get(ctx, "get operator by email", `SELECT id, email, password_hash, role, created_at FROM operators WHERE email = ?`, email)
}

func (r *SQLiteRepository) GetOperatorByID(ctx context.Context, id string) (Operator, error) {
	return r.get(ctx, "get operator by id", `SELECT id, email, password_hash, role, created_at FROM operators WHERE id = ?`, id)
}

func (r *SQLiteRepository) get(ctx context.Context, op, query string, arg string) (Operator, error) {
	var (
		o         Operator
		role      string
		createdAt string
	)
	err := r.db.QueryRowContext(ctx, query, arg).Scan(&o.ID, &o.Email, &o.PasswordHash, &role, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Operator{}, ErrOperatorNotFound
		}
		return Operator{}, fmt.Errorf("auth: %s: %w", op, err)
	}
	o.Role = Role(role)
	if o.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return Operator{}, fmt.Errorf("auth: %s: parse created_at: %w", op, err)
	}
	return o, nil
}
