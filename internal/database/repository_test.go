package database

import (
	"database/sql"
	"testing"
)

func TestNewRepository(t *testing.T) {
	db := &DB{}
	repo := NewRepository(db)

	if repo == nil {
		t.Fatal("expected repository to be created, got nil")
	}
	if repo.db != db {
		t.Error("expected repository to hold reference to DB")
	}
}

func TestNullStringPtr(t *testing.T) {
	if got := nullStringPtr(sql.NullString{Valid: false}); got != nil {
		t.Errorf("expected nil for invalid NullString, got %v", *got)
	}

	got := nullStringPtr(sql.NullString{String: "abc", Valid: true})
	if got == nil || *got != "abc" {
		t.Errorf("expected pointer to %q, got %v", "abc", got)
	}
}
