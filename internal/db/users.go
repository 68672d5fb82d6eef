package db

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kasapahq/kasapa/internal/models"
)

type UserStore struct {
	pool *pgxpool.Pool
}

func NewUserStore(pool *pgxpool.Pool) *UserStore {
	return &UserStore{pool: pool}
}

func (s *UserStore) GetByID(ctx context.Context, id uuid.UUID) (*models.User, error) {
	return s.getUser(ctx, "id = $1", id)
}

func (s *UserStore) GetByEmail(ctx context.Context, email string) (*models.User, error) {
	return s.getUser(ctx, "LOWER(email) = LOWER($1)", strings.TrimSpace(email))
}

// EnsureGuest creates a minimal guest user, or returns the existing user when
// the email is already registered. Safe under concurrent verification calls.
func (s *UserStore) EnsureGuest(ctx context.Context, email, name string) (*models.User, error) {
	user := &models.User{
		Email:   strings.ToLower(strings.TrimSpace(email)),
		Name:    strings.TrimSpace(name),
		IsGuest: true,
	}

	err := s.pool.QueryRow(ctx, `
		INSERT INTO users (id, email, name, is_guest)
		VALUES ($1, $2, $3, TRUE)
		ON CONFLICT (email) DO UPDATE SET email = EXCLUDED.email
		RETURNING id, is_guest, created_at
	`, uuid.New(), user.Email, textOrNull(user.Name)).Scan(&user.ID, &user.IsGuest, &user.CreatedAt)
	if err != nil {
		return nil, err
	}

	return user, nil
}

// GetAddress loads a stored address-book entry referenced by checkout metadata.
func (s *UserStore) GetAddress(ctx context.Context, id uuid.UUID) (*models.Address, error) {
	address := &models.Address{}
	var state, zip, country, phone pgtype.Text

	err := s.pool.QueryRow(ctx, `
		SELECT id, user_id, full_name, street, city, state, zip, country, phone
		FROM addresses WHERE id = $1
	`, id).Scan(&address.ID, &address.UserID, &address.FullName, &address.Street,
		&address.City, &state, &zip, &country, &phone)
	if err != nil {
		return nil, err
	}

	address.State = state.String
	address.Zip = zip.String
	address.Country = country.String
	address.Phone = phone.String
	return address, nil
}

func (s *UserStore) getUser(ctx context.Context, where string, arg any) (*models.User, error) {
	user := &models.User{}
	var name pgtype.Text

	err := s.pool.QueryRow(ctx,
		"SELECT id, email, name, is_guest, created_at FROM users WHERE "+where,
		arg).Scan(&user.ID, &user.Email, &name, &user.IsGuest, &user.CreatedAt)
	if err != nil {
		return nil, err
	}

	user.Name = name.String
	return user, nil
}
