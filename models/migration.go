package models

import (
	"context"
	"os"

	"bitbucket.org/vendhubdata/recon_backend/config"
)

// MigrateTable runs AutoMigrate for every table the engine owns and seeds
// the classifier templates. Set SKIP_MIGRATIONS=true on instances that
// must not touch the schema.
func MigrateTable() error {
	if os.Getenv("SKIP_MIGRATIONS") == "true" {
		return nil
	}
	db := config.GetDB()
	err := db.AutoMigrate(
		&SourceFile{},
		&SourceRecord{},
		&UnifiedOrder{},
		&OrderChange{},
		&OrderError{},
		&FileTypeTemplate{},
	)
	if err != nil {
		return err
	}
	return SeedFileTypeTemplates(context.Background())
}
