package config

import (
	"errors"
	"strings"

	"gorm.io/gorm"
)

var ErrAppendOnlyTable = errors.New("append-only table: update and delete are not allowed")

// AppendOnlyGuardPlugin rejects UPDATE and DELETE statements issued through
// gorm against the configured tables.
//
// NOTE:
// - This does NOT apply to Raw/Exec SQL. Audit tables must only be written with Create.
type AppendOnlyGuardPlugin struct {
	tables map[string]bool
}

func NewAppendOnlyGuardPlugin(tables ...string) *AppendOnlyGuardPlugin {
	p := &AppendOnlyGuardPlugin{tables: make(map[string]bool, len(tables))}
	for _, t := range tables {
		p.tables[strings.ToLower(t)] = true
	}
	return p
}

func (p *AppendOnlyGuardPlugin) Name() string { return "append_only_guard" }

func (p *AppendOnlyGuardPlugin) Initialize(db *gorm.DB) error {
	if err := db.Callback().Update().Before("gorm:update").Register("append_only_guard:update", p.guard); err != nil {
		return err
	}
	if err := db.Callback().Delete().Before("gorm:delete").Register("append_only_guard:delete", p.guard); err != nil {
		return err
	}
	return nil
}

func (p *AppendOnlyGuardPlugin) guard(db *gorm.DB) {
	if db == nil || db.Statement == nil {
		return
	}
	if p.tables[strings.ToLower(db.Statement.Table)] {
		db.AddError(ErrAppendOnlyTable)
	}
}
