package database

import "testing"

func TestEmbeddedMigrations(t *testing.T) {
	names, err := migrationNames()
	if err != nil {
		t.Fatalf("migrationNames() error = %v", err)
	}
	if len(names) == 0 || names[0] != "001_quiz_index.sql" {
		t.Fatalf("names = %v", names)
	}
	for _, n := range names {
		if migrationVersion(n) == 0 {
			t.Errorf("migration %q has no version prefix", n)
		}
	}
}

func TestMigrationVersion(t *testing.T) {
	tests := map[string]int{
		"001_quiz_index.sql": 1,
		"012_more.sql":       12,
		"abc.sql":            0,
		"x":                  0,
	}
	for name, want := range tests {
		if got := migrationVersion(name); got != want {
			t.Errorf("migrationVersion(%q) = %d, want %d", name, got, want)
		}
	}
}
