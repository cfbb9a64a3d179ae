// MIT License
//
// Copyright (c) 2026 Kolin
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.
//
package repositories

import (
	"time"

	"accesswatch/internal/database/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type OffenderRepository interface {
	Upsert(offender *models.Offender) error
	FindByIP(ip string) (*models.Offender, error)
	FindTop(limit int) ([]*models.Offender, error)
	Count() (int64, error)
	DeleteNotSeenSince(cutoff time.Time) (int64, error)
}

type offenderRepo struct {
	db *gorm.DB
}

func NewOffenderRepository(db *gorm.DB) OffenderRepository {
	return &offenderRepo{db: db}
}

// Upsert inserts a newly flagged IP or folds one more flag into its history.
// Empty GeoIP fields never overwrite known ones.
func (r *offenderRepo) Upsert(offender *models.Offender) error {
	if offender.FirstSeen.IsZero() {
		offender.FirstSeen = offender.LastSeen
	}
	offender.FirstSeen = offender.FirstSeen.UTC()
	offender.LastSeen = offender.LastSeen.UTC()
	offender.TimesFlagged = 1

	return r.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "ip_address"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"last_seen":       gorm.Expr("MAX(offenders.last_seen, excluded.last_seen)"),
			"times_flagged":   gorm.Expr("offenders.times_flagged + 1"),
			"peak_per_minute": gorm.Expr("MAX(offenders.peak_per_minute, excluded.peak_per_minute)"),
			"total_requests":  gorm.Expr("offenders.total_requests + excluded.total_requests"),
			"total_bytes":     gorm.Expr("offenders.total_bytes + excluded.total_bytes"),
			"last_reasons":    gorm.Expr("excluded.last_reasons"),
			"country":         gorm.Expr("COALESCE(NULLIF(excluded.country, ''), offenders.country)"),
			"country_name":    gorm.Expr("COALESCE(NULLIF(excluded.country_name, ''), offenders.country_name)"),
			"city":            gorm.Expr("COALESCE(NULLIF(excluded.city, ''), offenders.city)"),
			"asn":             gorm.Expr("COALESCE(NULLIF(excluded.asn, 0), offenders.asn)"),
			"asn_org":         gorm.Expr("COALESCE(NULLIF(excluded.asn_org, ''), offenders.asn_org)"),
			"updated_at":      gorm.Expr("excluded.updated_at"),
		}),
	}).Create(offender).Error
}

func (r *offenderRepo) FindByIP(ip string) (*models.Offender, error) {
	var offender models.Offender
	err := r.db.Where("ip_address = ?", ip).First(&offender).Error
	if err != nil {
		return nil, err
	}
	return &offender, nil
}

func (r *offenderRepo) FindTop(limit int) ([]*models.Offender, error) {
	if limit <= 0 {
		limit = -1
	}
	var offenders []*models.Offender
	err := r.db.Order("times_flagged DESC").
		Order("last_seen DESC").
		Order("ip_address").
		Limit(limit).
		Find(&offenders).Error
	return offenders, err
}

func (r *offenderRepo) Count() (int64, error) {
	var count int64
	err := r.db.Model(&models.Offender{}).Count(&count).Error
	return count, err
}

func (r *offenderRepo) DeleteNotSeenSince(cutoff time.Time) (int64, error) {
	result := r.db.Where("last_seen < ?", cutoff.UTC()).Delete(&models.Offender{})
	return result.RowsAffected, result.Error
}
