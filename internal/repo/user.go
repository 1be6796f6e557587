package repo

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/sgurov/authsvc/internal/models"
)

var (
	ErrUserNotFound = errors.New("user not found")
	ErrUserExists   = errors.New("user already exists")
)

// UserRepo translates gorm results into plain User values. Lookups by
// username are case-insensitive.
type UserRepo struct {
	DB *gorm.DB
}

func (r *UserRepo) FindByUsername(ctx context.Context, username string) (*models.User, error) {
	var user models.User
	err := r.DB.WithContext(ctx).
		Where("lower(username) = lower(?)", username).
		First(&user).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return &user, nil
}

func (r *UserRepo) FindByID(ctx context.Context, id string) (*models.User, error) {
	uid, err := uuid.Parse(id)
	if err != nil {
		return nil, ErrUserNotFound
	}
	var user models.User
	if err := r.DB.WithContext(ctx).First(&user, "id = ?", uid).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return &user, nil
}

// Create inserts the user and reads the row back so the caller gets the
// server-generated fields. A unique-constraint violation, including one
// raised by a concurrent insert, surfaces as ErrUserExists.
func (r *UserRepo) Create(ctx context.Context, username, passwordHash, totpSecret string) (*models.User, error) {
	user := models.User{
		ID:           uuid.New(),
		Username:     username,
		PasswordHash: passwordHash,
		TOTPSecret:   totpSecret,
	}
	if err := r.DB.WithContext(ctx).Create(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, ErrUserExists
		}
		return nil, fmt.Errorf("db error: %w", err)
	}

	var created models.User
	if err := r.DB.WithContext(ctx).First(&created, "id = ?", user.ID).Error; err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return &created, nil
}
