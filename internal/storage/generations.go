package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// GenerationRepository persists image generation records. Every status change
// is a conditional update on the expected current status, so a record that is
// already terminal can never be moved again.
type GenerationRepository struct {
	db *gorm.DB
}

func NewGenerationRepository(db *gorm.DB) *GenerationRepository {
	return &GenerationRepository{db: db}
}

// Create inserts the record in PENDING.
func (r *GenerationRepository) Create(ctx context.Context, gen *ImageGeneration) error {
	gen.Status = GenerationPending
	if err := Conn(ctx, r.db).Create(gen).Error; err != nil {
		return fmt.Errorf("create generation: %w", err)
	}
	return nil
}

func (r *GenerationRepository) FindByID(ctx context.Context, id string) (*ImageGeneration, error) {
	var gen ImageGeneration
	err := Conn(ctx, r.db).Where("id = ?", id).First(&gen).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrGenerationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query generation: %w", err)
	}
	return &gen, nil
}

// ListByUser returns a page of the user's generations, newest first, plus the total count.
func (r *GenerationRepository) ListByUser(ctx context.Context, userID string, offset, limit int) ([]ImageGeneration, int64, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	var total int64
	q := Conn(ctx, r.db).Model(&ImageGeneration{}).Where("user_id = ?", userID)
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("count generations: %w", err)
	}
	var gens []ImageGeneration
	err := Conn(ctx, r.db).Where("user_id = ?", userID).
		Order("created_at DESC").Offset(offset).Limit(limit).Find(&gens).Error
	if err != nil {
		return nil, 0, fmt.Errorf("list generations: %w", err)
	}
	return gens, total, nil
}

func (r *GenerationRepository) MarkProcessing(ctx context.Context, id string) error {
	return r.transition(ctx, id, []GenerationStatus{GenerationPending}, map[string]any{
		"status": GenerationProcessing,
	})
}

func (r *GenerationRepository) Complete(ctx context.Context, id string, urls []string, revisedPrompt string) error {
	now := time.Now().UTC()
	return r.transition(ctx, id, []GenerationStatus{GenerationPending, GenerationProcessing}, map[string]any{
		"status":         GenerationCompleted,
		"output_urls":    datatypes.NewJSONSlice(urls),
		"revised_prompt": revisedPrompt,
		"completed_at":   &now,
	})
}

func (r *GenerationRepository) Fail(ctx context.Context, id, message string) error {
	now := time.Now().UTC()
	return r.transition(ctx, id, []GenerationStatus{GenerationPending, GenerationProcessing}, map[string]any{
		"status":        GenerationFailed,
		"error_message": message,
		"completed_at":  &now,
	})
}

// MarkRefunded flags a failed generation whose credits were returned. It only
// succeeds once per record.
func (r *GenerationRepository) MarkRefunded(ctx context.Context, id string) error {
	result := Conn(ctx, r.db).Model(&ImageGeneration{}).
		Where("id = ? AND status = ? AND refunded = ?", id, GenerationFailed, false).
		Update("refunded", true)
	if result.Error != nil {
		return fmt.Errorf("mark generation refunded: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrInvalidTransition
	}
	return nil
}

// FailInterrupted fails every record left non-terminal by a previous process
// and returns them.
func (r *GenerationRepository) FailInterrupted(ctx context.Context, message string) ([]ImageGeneration, error) {
	var stale []ImageGeneration
	err := Atomic(ctx, r.db, func(ctx context.Context) error {
		err := Conn(ctx, r.db).
			Where("status IN ?", []GenerationStatus{GenerationPending, GenerationProcessing}).
			Find(&stale).Error
		if err != nil {
			return fmt.Errorf("query interrupted generations: %w", err)
		}
		for i := range stale {
			if err := r.Fail(ctx, stale[i].ID, message); err != nil && !errors.Is(err, ErrInvalidTransition) {
				return err
			}
			stale[i].Status = GenerationFailed
			stale[i].ErrorMessage = message
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stale, nil
}

func (r *GenerationRepository) transition(ctx context.Context, id string, from []GenerationStatus, fields map[string]any) error {
	result := Conn(ctx, r.db).Model(&ImageGeneration{}).
		Where("id = ? AND status IN ?", id, from).
		Updates(fields)
	if result.Error != nil {
		return fmt.Errorf("update generation: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		var count int64
		if err := Conn(ctx, r.db).Model(&ImageGeneration{}).Where("id = ?", id).Count(&count).Error; err != nil {
			return fmt.Errorf("query generation: %w", err)
		}
		if count == 0 {
			return ErrGenerationNotFound
		}
		return ErrInvalidTransition
	}
	return nil
}
