package repositories

import (
	"context"

	"gorm.io/gorm"

	"intoview/internal/models"
)

type ChallengeRepository struct {
	DB *gorm.DB
}

func (r *ChallengeRepository) Create(ctx context.Context, challenge *models.Challenge) error {
	return r.DB.WithContext(ctx).Create(challenge).Error
}

func (r *ChallengeRepository) Get(ctx context.Context, id string) (*models.Challenge, error) {
	var challenge models.Challenge
	if err := r.DB.WithContext(ctx).First(&challenge, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &challenge, nil
}

type RubricRepository struct {
	DB *gorm.DB
}

// Create validates criteria before anything is written.
func (r *RubricRepository) Create(ctx context.Context, rubric *models.Rubric) error {
	if err := models.ValidateCriteria(rubric.Criteria); err != nil {
		return err
	}
	return r.DB.WithContext(ctx).Create(rubric).Error
}

func (r *RubricRepository) Get(ctx context.Context, id string) (*models.Rubric, error) {
	var rubric models.Rubric
	if err := r.DB.WithContext(ctx).First(&rubric, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &rubric, nil
}
