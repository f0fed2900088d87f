package observability

import (
	"errors"
	"time"

	"gorm.io/gorm"
)

const dbStartKey = "observability:start"

// InstrumentGorm records every create, query, update, delete and raw
// statement of db as a database operation
func InstrumentGorm(db *gorm.DB, mp *MetricsProvider) error {
	before := func(tx *gorm.DB) {
		tx.InstanceSet(dbStartKey, time.Now())
	}
	after := func(operation string) func(*gorm.DB) {
		return func(tx *gorm.DB) {
			v, ok := tx.InstanceGet(dbStartKey)
			if !ok {
				return
			}
			start, _ := v.(time.Time)
			success := tx.Error == nil || errors.Is(tx.Error, gorm.ErrRecordNotFound)
			mp.RecordDBOperation(tx.Statement.Context, operation, tx.Statement.Table, success, time.Since(start))
		}
	}

	cb := db.Callback()
	steps := []struct {
		operation string
		before    func(string, func(*gorm.DB)) error
		after     func(string, func(*gorm.DB)) error
	}{
		{"create", cb.Create().Before("gorm:create").Register, cb.Create().After("gorm:create").Register},
		{"query", cb.Query().Before("gorm:query").Register, cb.Query().After("gorm:query").Register},
		{"update", cb.Update().Before("gorm:update").Register, cb.Update().After("gorm:update").Register},
		{"delete", cb.Delete().Before("gorm:delete").Register, cb.Delete().After("gorm:delete").Register},
		{"row", cb.Row().Before("gorm:row").Register, cb.Row().After("gorm:row").Register},
		{"raw", cb.Raw().Before("gorm:raw").Register, cb.Raw().After("gorm:raw").Register},
	}
	for _, s := range steps {
		if err := s.before("observability:before_"+s.operation, before); err != nil {
			return err
		}
		if err := s.after("observability:after_"+s.operation, after(s.operation)); err != nil {
			return err
		}
	}
	return nil
}
