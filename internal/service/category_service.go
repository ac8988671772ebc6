package service

import (
	"context"
	"fmt"
	"strings"

	"taskflow/internal/model"
	"taskflow/internal/repository"
)

// CategoryService provides helpers around categories.
type CategoryService struct {
	repo *repository.CategoryRepository
}

func NewCategoryService(repo *repository.CategoryRepository) *CategoryService {
	return &CategoryService{repo: repo}
}

// List returns the user's categories, seeding the defaults for a user who
// has none yet.
func (s *CategoryService) List(ctx context.Context, userID string) ([]model.Category, error) {
	categories, err := s.repo.ListByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if len(categories) > 0 {
		return categories, nil
	}

	for _, name := range model.DefaultCategories {
		if _, err := s.repo.GetOrCreate(ctx, userID, name); err != nil {
			return nil, fmt.Errorf("seed category %q: %w", name, err)
		}
	}
	return s.repo.ListByUser(ctx, userID)
}

// Names returns the category names of a user.
func (s *CategoryService) Names(ctx context.Context, userID string) ([]string, error) {
	categories, err := s.List(ctx, userID)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(categories))
	for _, c := range categories {
		names = append(names, c.Name)
	}
	return names, nil
}

func (s *CategoryService) Add(ctx context.Context, userID, name string) (model.Category, error) {
	if strings.TrimSpace(name) == "" {
		return model.Category{}, fmt.Errorf("category name is required")
	}
	c, err := s.repo.GetOrCreate(ctx, userID, name)
	if err != nil {
		return model.Category{}, err
	}
	return *c, nil
}

func (s *CategoryService) Remove(ctx context.Context, userID, name string) error {
	return s.repo.Delete(ctx, userID, name)
}
