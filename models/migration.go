package models

import (
	"log"

	"github.com/mmdatafocus/clearance_backend/config"
)

func MigrateTable() {
	db := config.GetDB()

	err := db.AutoMigrate(
		&Tenant{},
		&ClearanceDocument{},
	)
	if err != nil {
		log.Fatal(err)
	}
}
