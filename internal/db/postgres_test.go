package db_test

import (
	"testing"

	"github.com/notifyhub/eventsourcing-pg/internal/db"
)

func TestMigrationURL(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"postgres://u:p@localhost:5432/events", "pgx5://u:p@localhost:5432/events"},
		{"postgresql://u:p@localhost/events?sslmode=disable", "pgx5://u:p@localhost/events?sslmode=disable"},
		{"u:p@localhost/events", "pgx5://u:p@localhost/events"},
	}

	for _, tc := range tests {
		if got := db.MigrationURL(tc.in); got != tc.want {
			t.Fatalf("MigrationURL(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
