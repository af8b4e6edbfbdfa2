package repo

import (
	"context"

	"gorm.io/gorm/clause"

	"github.com/Skotchmaster/pdf_translator/internal/models"
)

func (r *GormRepo) GetConfig(ctx context.Context, ownerID string) (*models.UserConfig, error) {
	var c models.UserConfig
	if err := r.DB.WithContext(ctx).First(&c, "owner_id = ?", ownerID).Error; err != nil {
		return nil, err
	}
	return &c, nil
}

// SaveConfig replaces the stored document in a single statement.
func (r *GormRepo) SaveConfig(ctx context.Context, ownerID, data string) error {
	c := models.UserConfig{OwnerID: ownerID, Data: data}
	return r.DB.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "owner_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"data", "updated_at"}),
	}).Create(&c).Error
}
