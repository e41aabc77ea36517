package service

import (
	"path/filepath"
	"testing"

	"demeet/internal/db"
	"demeet/internal/models"

	"gorm.io/gorm"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	gdb, err := db.OpenSQLite(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := db.Migrate(gdb); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := gdb.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return gdb
}

func mustUser(t *testing.T, gdb *gorm.DB, name string) models.User {
	t.Helper()
	u := models.User{
		Name:         name,
		Email:        name + "@example.com",
		PhoneNumber:  "+1555-" + name,
		PasswordHash: "x",
	}
	if err := gdb.Create(&u).Error; err != nil {
		t.Fatalf("create user %s: %v", name, err)
	}
	return u
}
