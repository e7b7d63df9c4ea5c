package versions

import (
	"scanbench/workbench/schema"

	"gorm.io/gorm"
)

func Migration_1_initial_schema(txn *gorm.DB) error {
	return txn.AutoMigrate(
		&schema.Device{}, &schema.Study{}, &schema.Series{},
		&schema.Image{}, &schema.Task{}, &schema.Report{},
	)
}

// Deployments created before jobs became durable rows have no job table.
func Migration_2_durable_jobs(txn *gorm.DB) error {
	if txn.Migrator().HasTable(&schema.Job{}) {
		return nil
	}
	return txn.AutoMigrate(&schema.Job{})
}
