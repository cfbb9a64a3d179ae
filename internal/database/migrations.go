package database

import (
	"accesswatch/internal/database/models"

	"gorm.io/gorm"
)

func RunMigrations(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.ReportRun{},
		&models.Offender{},
	)
}
