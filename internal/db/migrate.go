package db

import (
	"context"
	_ "embed"
	"fmt"
	"strings"
)

// pre_automigrate.sql runs before gorm creates tables, so it only holds
// extensions. Indexes and constraints that need the tables live in
// post_automigrate.sql.
//
//go:embed sql/pre_automigrate.sql
var preAutoMigrateSQL string

//go:embed sql/post_automigrate.sql
var postAutoMigrateSQL string

type migrationStep struct {
	name string
	run  func(ctx context.Context) error
}

func (p *Pool) autoMigrate(ctx context.Context) error {
	if p == nil || p.gdb == nil {
		return fmt.Errorf("database pool is not initialized")
	}

	steps := []migrationStep{
		{name: "extensions", run: p.sqlStep(preAutoMigrateSQL)},
		{name: "models", run: func(ctx context.Context) error {
			return p.gdb.WithContext(ctx).AutoMigrate(autoMigrateModels()...)
		}},
		{name: "indexes and constraints", run: p.sqlStep(postAutoMigrateSQL)},
	}

	for _, step := range steps {
		if err := step.run(ctx); err != nil {
			return fmt.Errorf("migrate %s: %w", step.name, err)
		}
	}
	return nil
}

func (p *Pool) sqlStep(sqlText string) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		trimmed := strings.TrimSpace(sqlText)
		if trimmed == "" {
			return nil
		}
		return p.gdb.WithContext(ctx).Exec(trimmed).Error
	}
}
