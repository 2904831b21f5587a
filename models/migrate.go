package models

import (
	"log"

	"bitbucket.org/mmdatafocus/entitlements_backend/config"
)

func MigrateTable() {
	db := config.GetDB()
	if db == nil {
		log.Printf("skipping migrations: database not connected")
		return
	}

	err := db.AutoMigrate(
		&AsyncValidationResult{},
		&ProcessingLog{},
	)
	if err != nil {
		log.Printf("auto-migrate failed: %v", err)
	}
}
