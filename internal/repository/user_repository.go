package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"taskflow/internal/model"
)

type userRow struct {
	ID        string `gorm:"primaryKey"`
	Name      string `gorm:"uniqueIndex"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (userRow) TableName() string { return "users" }

func (u userRow) toModel() model.User {
	return model.User{ID: u.ID, Name: u.Name, CreatedAt: u.CreatedAt}
}

// UserRepository handles CRUD for users.
type UserRepository struct {
	db *gorm.DB
}

func NewUserRepository(db *gorm.DB) *UserRepository {
	return &UserRepository{db: db}
}

// EnsureByName finds or creates the user with the given name.
func (r *UserRepository) EnsureByName(ctx context.Context, name string) (model.User, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return model.User{}, fmt.Errorf("user name is required")
	}

	var row userRow
	db := r.db.WithContext(ctx)
	err := db.Where("name = ?", name).First(&row).Error
	switch {
	case err == nil:
		return row.toModel(), nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		row = userRow{ID: uuid.NewString(), Name: name}
		if err := db.Create(&row).Error; err != nil {
			return model.User{}, fmt.Errorf("create user: %w", err)
		}
		return row.toModel(), nil
	default:
		return model.User{}, fmt.Errorf("find user: %w", err)
	}
}

func (r *UserRepository) FindByID(ctx context.Context, id string) (model.User, error) {
	var row userRow
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return model.User{}, model.ErrNotFound
		}
		return model.User{}, fmt.Errorf("find user: %w", err)
	}
	return row.toModel(), nil
}
