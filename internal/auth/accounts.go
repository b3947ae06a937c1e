package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/mail"
	"strconv"
	"strings"

	"docflow/internal/models"

	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrEmailTaken         = errors.New("email already registered")
	ErrUserNotFound       = errors.New("user not found")
	ErrInvalidEmail       = errors.New("invalid email")
	ErrWeakPassword       = errors.New("password too short")
)

const minPasswordLength = 8

// Register creates a pending account. The very first account is approved
// and made admin so a fresh install can be bootstrapped.
func (s *Service) Register(ctx context.Context, email, password string) (*models.User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if _, err := mail.ParseAddress(email); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEmail, err)
	}
	if len(password) < minPasswordLength {
		return nil, fmt.Errorf("%w: need at least %d characters", ErrWeakPassword, minPasswordLength)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM users WHERE email = ?`, email).Scan(&exists); err != nil {
		return nil, fmt.Errorf("check email: %w", err)
	}
	if exists > 0 {
		return nil, ErrEmailTaken
	}
	var total int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&total); err != nil {
		return nil, fmt.Errorf("count users: %w", err)
	}
	user := &models.User{
		Email:        email,
		PasswordHash: string(hash),
		Status:       models.StatusPending,
		CreatedAt:    s.now().UTC(),
	}
	if total == 0 {
		user.Status = models.StatusApproved
		user.IsAdmin = true
	}
	res, err := tx.ExecContext(ctx,
		`INSERT INTO users (email, password_hash, status, is_admin, created_at) VALUES (?, ?, ?, ?, ?)`,
		user.Email, user.PasswordHash, user.Status, user.IsAdmin, user.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("create user: %w", err)
	}
	if user.ID, err = res.LastInsertId(); err != nil {
		return nil, fmt.Errorf("user id: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit user: %w", err)
	}
	return user, nil
}

// Login validates credentials and returns the user profile.
func (s *Service) Login(ctx context.Context, email, password string) (*models.User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || password == "" {
		return nil, ErrInvalidCredentials
	}
	user, err := s.queryUser(ctx, `WHERE email = ?`, email)
	if errors.Is(err, ErrUserNotFound) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) != nil {
		return nil, ErrInvalidCredentials
	}
	return user, nil
}

// User loads an account, served from the in-process cache when fresh.
func (s *Service) User(ctx context.Context, userID int64) (*models.User, error) {
	key := strconv.FormatInt(userID, 10)
	if cached, ok := s.accounts.Get(key); ok {
		u := *cached.(*models.User)
		return &u, nil
	}
	user, err := s.queryUser(ctx, `WHERE id = ?`, userID)
	if err != nil {
		return nil, err
	}
	s.accounts.Set(key, user, gocache.DefaultExpiration)
	u := *user
	return &u, nil
}

// UserByEmail loads an account by its email address.
func (s *Service) UserByEmail(ctx context.Context, email string) (*models.User, error) {
	return s.queryUser(ctx, `WHERE email = ?`, strings.ToLower(strings.TrimSpace(email)))
}

// SetStatus changes the approval status of an account.
func (s *Service) SetStatus(ctx context.Context, userID int64, status models.UserStatus) error {
	switch status {
	case models.StatusPending, models.StatusApproved, models.StatusRejected:
	default:
		return fmt.Errorf("unknown status %q", status)
	}
	return s.updateUser(ctx, userID, `UPDATE users SET status = ? WHERE id = ?`, status, userID)
}

// SetAdmin grants or removes the admin flag.
func (s *Service) SetAdmin(ctx context.Context, userID int64, admin bool) error {
	return s.updateUser(ctx, userID, `UPDATE users SET is_admin = ? WHERE id = ?`, admin, userID)
}

func (s *Service) updateUser(ctx context.Context, userID int64, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update user: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("user rows affected: %w", err)
	}
	if affected == 0 {
		return ErrUserNotFound
	}
	s.forgetUser(userID)
	s.publishInvalidation(ctx, userID)
	return nil
}

func (s *Service) forgetUser(userID int64) {
	s.accounts.Delete(strconv.FormatInt(userID, 10))
}

func (s *Service) queryUser(ctx context.Context, where string, arg any) (*models.User, error) {
	var user models.User
	err := s.db.QueryRowContext(ctx,
		`SELECT id, email, password_hash, status, is_admin, created_at FROM users `+where, arg,
	).Scan(&user.ID, &user.Email, &user.PasswordHash, &user.Status, &user.IsAdmin, &user.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("query user: %w", err)
	}
	return &user, nil
}
