package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"taskflow/internal/model"
)

type categoryRow struct {
	ID        uint   `gorm:"primaryKey"`
	UserID    string `gorm:"index:idx_user_category_name,unique"`
	Name      string `gorm:"index:idx_user_category_name,unique"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (categoryRow) TableName() string { return "categories" }

func (c categoryRow) toModel() model.Category {
	return model.Category{ID: c.ID, UserID: c.UserID, Name: c.Name}
}

// CategoryRepository manages task categories.
type CategoryRepository struct {
	db *gorm.DB
}

func NewCategoryRepository(db *gorm.DB) *CategoryRepository {
	return &CategoryRepository{db: db}
}

func (r *CategoryRepository) GetOrCreate(ctx context.Context, userID string, name string) (*model.Category, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, nil
	}

	var row categoryRow
	db := r.db.WithContext(ctx)
	err := db.Where("user_id = ? AND name = ?", userID, name).First(&row).Error
	switch {
	case err == nil:
		c := row.toModel()
		return &c, nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		row = categoryRow{UserID: userID, Name: name}
		if err := db.Create(&row).Error; err != nil {
			return nil, fmt.Errorf("create category: %w", err)
		}
		c := row.toModel()
		return &c, nil
	default:
		return nil, fmt.Errorf("find category: %w", err)
	}
}

func (r *CategoryRepository) ListByUser(ctx context.Context, userID string) ([]model.Category, error) {
	var rows []categoryRow
	if err := r.db.WithContext(ctx).Where("user_id = ?", userID).Order("name ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list categories: %w", err)
	}
	categories := make([]model.Category, 0, len(rows))
	for _, row := range rows {
		categories = append(categories, row.toModel())
	}
	return categories, nil
}

// Delete removes a category by name. Tasks keep the label they already carry.
func (r *CategoryRepository) Delete(ctx context.Context, userID string, name string) error {
	res := r.db.WithContext(ctx).Where("user_id = ? AND name = ?", userID, strings.TrimSpace(name)).Delete(&categoryRow{})
	if res.Error != nil {
		return fmt.Errorf("delete category: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return model.ErrNotFound
	}
	return nil
}
