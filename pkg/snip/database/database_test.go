package database

import (
	"testing"

	"gorm.io/gorm/logger"
)

func TestConnectSQLiteMemory(t *testing.T) {
	db, err := Connect(DriverSQLite, ":memory:", logger.Silent)
	if err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}
	defer Close(db)

	if err := db.Exec("CREATE TABLE probe (id INTEGER)").Error; err != nil {
		t.Fatalf("Failed to create table: %v", err)
	}
	// A second statement must see the same in-memory database
	if !db.Migrator().HasTable("probe") {
		t.Error("Expected table to be visible on the shared connection")
	}

	sqlDB, _ := db.DB()
	if got := sqlDB.Stats().MaxOpenConnections; got != 1 {
		t.Errorf("Expected a single sqlite connection, got %d", got)
	}
}

func TestConnectUnknownDriver(t *testing.T) {
	if _, err := Connect("oracle", "whatever", logger.Silent); err == nil {
		t.Error("Expected error for unsupported driver")
	}
}
