package orm

import (
	"github.com/kasuganosora/dbscope/pkg/engine"
	"gorm.io/gorm"
	"gorm.io/gorm/migrator"
)

// Migrator 在通用迁移器上补充各引擎的元数据查询
// Migrating an existing table is only supported on MySQL.
type Migrator struct {
	migrator.Migrator
	driver string
}

// CurrentDatabase 返回当前数据库名
func (m Migrator) CurrentDatabase() (name string) {
	switch m.driver {
	case engine.DriverSQLite:
		return "main"
	case engine.DriverPostgres:
		m.DB.Raw("SELECT CURRENT_DATABASE()").Row().Scan(&name)
		return name
	default:
		return m.Migrator.CurrentDatabase()
	}
}

// HasTable reports whether the model's table exists.
func (m Migrator) HasTable(value interface{}) bool {
	var count int64
	var query string

	switch m.driver {
	case engine.DriverSQLite:
		query = "SELECT count(*) FROM sqlite_master WHERE type = 'table' AND name = ?"
	case engine.DriverPostgres:
		query = "SELECT count(*) FROM information_schema.tables WHERE table_schema = CURRENT_SCHEMA() AND table_name = ? AND table_type = 'BASE TABLE'"
	default:
		return m.Migrator.HasTable(value)
	}

	m.RunWithValue(value, func(stmt *gorm.Statement) error {
		return m.DB.Raw(query, stmt.Table).Row().Scan(&count)
	})
	return count > 0
}

// HasColumn reports whether the model's table has the named column.
func (m Migrator) HasColumn(value interface{}, field string) bool {
	if m.driver != engine.DriverSQLite {
		return m.Migrator.HasColumn(value, field)
	}

	var count int64
	m.RunWithValue(value, func(stmt *gorm.Statement) error {
		name := field
		if stmt.Schema != nil {
			if f := stmt.Schema.LookUpField(field); f != nil {
				name = f.DBName
			}
		}
		return m.DB.Raw("SELECT count(*) FROM pragma_table_info(?) WHERE name = ?", stmt.Table, name).Row().Scan(&count)
	})
	return count > 0
}
