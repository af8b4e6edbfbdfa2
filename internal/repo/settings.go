package repo

import (
	"context"

	"github.com/Skotchmaster/pdf_translator/internal/models"
)

// EnsureSettings creates the singleton row on first start.
func (r *GormRepo) EnsureSettings(ctx context.Context) (*models.SystemSettings, error) {
	s := models.SystemSettings{ID: models.SystemSettingsID}
	err := r.DB.WithContext(ctx).
		Attrs(models.SystemSettings{RegistrationEnabled: true}).
		FirstOrCreate(&s, models.SystemSettings{ID: models.SystemSettingsID}).Error
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *GormRepo) GetSettings(ctx context.Context) (*models.SystemSettings, error) {
	var s models.SystemSettings
	if err := r.DB.WithContext(ctx).First(&s, models.SystemSettingsID).Error; err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *GormRepo) SetRegistrationEnabled(ctx context.Context, enabled bool) (*models.SystemSettings, error) {
	err := r.DB.WithContext(ctx).Model(&models.SystemSettings{}).
		Where("id = ?", models.SystemSettingsID).
		Update("registration_enabled", enabled).Error
	if err != nil {
		return nil, err
	}
	return r.GetSettings(ctx)
}
