package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"taskflow/internal/model"
)

type reportRow struct {
	ID          string `gorm:"primaryKey"`
	UserID      string `gorm:"index"`
	Title       string
	PeriodStart time.Time
	PeriodEnd   time.Time
	Content     string
	Stats       model.ReportStats `gorm:"serializer:json"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (reportRow) TableName() string { return "reports" }

func reportToRow(r model.Report) reportRow {
	return reportRow{
		ID:          r.ID,
		UserID:      r.UserID,
		Title:       r.Title,
		PeriodStart: r.PeriodStart,
		PeriodEnd:   r.PeriodEnd,
		Content:     r.Content,
		Stats:       r.Stats,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
}

func (row reportRow) toModel() model.Report {
	return model.Report{
		ID:          row.ID,
		UserID:      row.UserID,
		Title:       row.Title,
		PeriodStart: row.PeriodStart,
		PeriodEnd:   row.PeriodEnd,
		Content:     row.Content,
		Stats:       row.Stats,
		CreatedAt:   row.CreatedAt,
		UpdatedAt:   row.UpdatedAt,
	}
}

// ReportRepository stores generated productivity reports.
type ReportRepository struct {
	db *gorm.DB
}

func NewReportRepository(db *gorm.DB) *ReportRepository {
	return &ReportRepository{db: db}
}

func (r *ReportRepository) Create(ctx context.Context, report model.Report) (model.Report, error) {
	if report.ID == "" {
		report.ID = uuid.NewString()
	}
	row := reportToRow(report)
	if err := r.db.WithContext(ctx).Create(&row).Error; err != nil {
		return model.Report{}, fmt.Errorf("create report: %w", err)
	}
	return row.toModel(), nil
}

// ListByUser returns reports newest first.
func (r *ReportRepository) ListByUser(ctx context.Context, userID string) ([]model.Report, error) {
	var rows []reportRow
	if err := r.db.WithContext(ctx).Where("user_id = ?", userID).Order("created_at DESC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list reports: %w", err)
	}
	reports := make([]model.Report, 0, len(rows))
	for _, row := range rows {
		reports = append(reports, row.toModel())
	}
	return reports, nil
}

func (r *ReportRepository) FindByID(ctx context.Context, userID, id string) (model.Report, error) {
	var row reportRow
	if err := r.db.WithContext(ctx).Where("user_id = ? AND id = ?", userID, id).First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return model.Report{}, model.ErrNotFound
		}
		return model.Report{}, fmt.Errorf("find report: %w", err)
	}
	return row.toModel(), nil
}

// Update overwrites the editable fields of a report.
func (r *ReportRepository) Update(ctx context.Context, report model.Report) (model.Report, error) {
	row := reportToRow(report)
	res := r.db.WithContext(ctx).Model(&reportRow{}).
		Where("user_id = ? AND id = ?", report.UserID, report.ID).
		Updates(map[string]interface{}{
			"title":      row.Title,
			"content":    row.Content,
			"updated_at": time.Now(),
		})
	if res.Error != nil {
		return model.Report{}, fmt.Errorf("update report: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return model.Report{}, model.ErrNotFound
	}
	return r.FindByID(ctx, report.UserID, report.ID)
}

func (r *ReportRepository) Delete(ctx context.Context, userID, id string) error {
	res := r.db.WithContext(ctx).Where("user_id = ? AND id = ?", userID, id).Delete(&reportRow{})
	if res.Error != nil {
		return fmt.Errorf("delete report: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return model.ErrNotFound
	}
	return nil
}
