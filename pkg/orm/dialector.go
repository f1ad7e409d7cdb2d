// Package orm bridges gorm to the session registry: every statement a
// *gorm.DB issues runs on the session of its context, so writes reach
// the writer engine and plain reads reach the reader.
package orm

import (
	"regexp"
	"strconv"

	"github.com/kasuganosora/dbscope/pkg/engine"
	"github.com/kasuganosora/dbscope/pkg/logging"
	"github.com/kasuganosora/dbscope/pkg/session"
	"gorm.io/gorm"
	"gorm.io/gorm/callbacks"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
	"gorm.io/gorm/migrator"
	"gorm.io/gorm/schema"
)

var numericPlaceholder = regexp.MustCompile(`\$(\d+)`)

// Dialector 以会话表为连接池的 gorm 驱动
// SQL 方言取自 writer 引擎的驱动
type Dialector struct {
	Registry *session.Registry
	Logger   logging.Logger
}

// New creates a dialector over reg.
func New(reg *session.Registry, logger logging.Logger) *Dialector {
	if logger == nil {
		logger = logging.NewNoOpLogger()
	}
	return &Dialector{Registry: reg, Logger: logger}
}

// Open opens a *gorm.DB over reg. gorm's implicit per-write transaction
// is disabled; the session owns the transaction.
func Open(reg *session.Registry, logger logging.Logger, cfg *gorm.Config) (*gorm.DB, error) {
	if cfg == nil {
		cfg = &gorm.Config{}
	}
	cfg.SkipDefaultTransaction = true
	if cfg.Logger == nil {
		cfg.Logger = NewLogger(logger)
	}
	return gorm.Open(New(reg, logger), cfg)
}

func (d *Dialector) driver() string {
	return d.Registry.Pair().Writer.Driver()
}

// Name 返回方言名
func (d *Dialector) Name() string {
	return d.driver()
}

// Initialize 注册默认回调并挂载会话连接池
func (d *Dialector) Initialize(db *gorm.DB) error {
	cbConfig := &callbacks.Config{}
	if d.driver() == engine.DriverPostgres {
		// pq 不支持 LastInsertId，主键通过 RETURNING 回填
		cbConfig.CreateClauses = []string{"INSERT", "VALUES", "ON CONFLICT", "RETURNING"}
		cbConfig.UpdateClauses = []string{"UPDATE", "SET", "FROM", "WHERE", "RETURNING"}
		cbConfig.DeleteClauses = []string{"DELETE", "FROM", "WHERE", "RETURNING"}
	}
	callbacks.RegisterDefaultCallbacks(db, cbConfig)
	db.ConnPool = &ConnPool{reg: d.Registry, logger: d.Logger}
	return nil
}

// Migrator returns a migrator that understands the engine's catalog.
func (d *Dialector) Migrator(db *gorm.DB) gorm.Migrator {
	return Migrator{
		Migrator: migrator.Migrator{Config: migrator.Config{
			DB:                          db,
			Dialector:                   d,
			CreateIndexAfterCreateTable: true,
		}},
		driver: d.driver(),
	}
}

// DataTypeOf 字段到列类型的映射
func (d *Dialector) DataTypeOf(field *schema.Field) string {
	switch d.driver() {
	case engine.DriverSQLite:
		return sqliteTypeOf(field)
	case engine.DriverPostgres:
		return postgresTypeOf(field)
	default:
		return mysqlTypeOf(field)
	}
}

func mysqlTypeOf(field *schema.Field) string {
	switch field.DataType {
	case schema.Bool:
		return "boolean"
	case schema.Int, schema.Uint:
		t := "bigint"
		switch {
		case field.Size <= 8:
			t = "tinyint"
		case field.Size <= 16:
			t = "smallint"
		case field.Size <= 32:
			t = "int"
		}
		if field.DataType == schema.Uint {
			t += " unsigned"
		}
		if field.AutoIncrement {
			t += " AUTO_INCREMENT"
		}
		return t
	case schema.Float:
		if field.Size <= 32 {
			return "float"
		}
		return "double"
	case schema.String:
		size := field.Size
		if size == 0 {
			if field.PrimaryKey || field.HasDefaultValue {
				size = 191
			} else {
				return "longtext"
			}
		}
		return "varchar(" + strconv.Itoa(size) + ")"
	case schema.Time:
		return "datetime(3)"
	case schema.Bytes:
		return "longblob"
	}
	return string(field.DataType)
}

func sqliteTypeOf(field *schema.Field) string {
	switch field.DataType {
	case schema.Bool:
		return "numeric"
	case schema.Int, schema.Uint:
		// 单列 INTEGER 主键即 rowid 别名，自增
		return "integer"
	case schema.Float:
		return "real"
	case schema.String:
		return "text"
	case schema.Time:
		return "datetime"
	case schema.Bytes:
		return "blob"
	}
	return string(field.DataType)
}

func postgresTypeOf(field *schema.Field) string {
	switch field.DataType {
	case schema.Bool:
		return "boolean"
	case schema.Int, schema.Uint:
		if field.AutoIncrement {
			if field.Size <= 32 {
				return "serial"
			}
			return "bigserial"
		}
		if field.Size <= 16 {
			return "smallint"
		} else if field.Size <= 32 {
			return "integer"
		}
		return "bigint"
	case schema.Float:
		if field.Size <= 32 {
			return "real"
		}
		return "double precision"
	case schema.String:
		if field.Size > 0 {
			return "varchar(" + strconv.Itoa(field.Size) + ")"
		}
		return "text"
	case schema.Time:
		return "timestamptz"
	case schema.Bytes:
		return "bytea"
	}
	return string(field.DataType)
}

// DefaultValueOf 无字段插入时的默认值表达式
func (d *Dialector) DefaultValueOf(field *schema.Field) clause.Expression {
	if d.driver() == engine.DriverSQLite {
		return clause.Expr{SQL: "NULL"}
	}
	return clause.Expr{SQL: "DEFAULT"}
}

// BindVarTo writes the placeholder for the next statement variable.
func (d *Dialector) BindVarTo(writer clause.Writer, stmt *gorm.Statement, v interface{}) {
	if d.driver() == engine.DriverPostgres {
		writer.WriteByte('$')
		writer.WriteString(strconv.Itoa(len(stmt.Vars)))
		return
	}
	writer.WriteByte('?')
}

// QuoteTo 标识符加引号，支持 table.column 形式
func (d *Dialector) QuoteTo(writer clause.Writer, str string) {
	quote := byte('`')
	if d.driver() == engine.DriverPostgres {
		quote = '"'
	}

	writer.WriteByte(quote)
	for i := 0; i < len(str); i++ {
		switch c := str[i]; {
		case c == '.':
			writer.WriteByte(quote)
			writer.WriteByte('.')
			writer.WriteByte(quote)
		case c == quote:
			writer.WriteByte(quote)
			writer.WriteByte(quote)
		default:
			writer.WriteByte(c)
		}
	}
	writer.WriteByte(quote)
}

// Explain 把变量内联进 SQL，仅用于日志
func (d *Dialector) Explain(sql string, vars ...interface{}) string {
	if d.driver() == engine.DriverPostgres {
		return gormlogger.ExplainSQL(sql, numericPlaceholder, `'`, vars...)
	}
	return gormlogger.ExplainSQL(sql, nil, `'`, vars...)
}
