package postgres

import (
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ServiceScope returns a GORM scope that filters by service_id.
// Must be applied to every query in every repository method so actions and
// their execution log never leak across services.
func ServiceScope(serviceID uuid.UUID) func(*gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		return db.Where("service_id = ?", serviceID)
	}
}
