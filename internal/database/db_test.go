package database

import (
	"io/fs"
	"strings"
	"testing"
)

func TestEnsureTimezoneUTC(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "adds timezone",
			in:   "postgres://app:pw@localhost:5432/assets?sslmode=disable",
			want: "postgres://app:pw@localhost:5432/assets?TimeZone=UTC&sslmode=disable",
		},
		{
			name: "keeps explicit timezone",
			in:   "postgres://app:pw@localhost:5432/assets?TimeZone=Asia%2FSeoul",
			want: "postgres://app:pw@localhost:5432/assets?TimeZone=Asia%2FSeoul",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ensureTimezoneUTC(tt.in)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestInitRequiresURL(t *testing.T) {
	if _, err := Init(""); err == nil {
		t.Fatal("expected error for empty database URL")
	}
}

func TestMigrationsArePaired(t *testing.T) {
	names, err := fs.Glob(migrationsFS, "migrations/*.sql")
	if err != nil {
		t.Fatal(err)
	}
	if len(names) == 0 {
		t.Fatal("no migrations embedded")
	}

	ups := map[string]bool{}
	downs := map[string]bool{}
	for _, name := range names {
		base := strings.TrimPrefix(name, "migrations/")
		switch {
		case strings.HasSuffix(base, ".up.sql"):
			ups[strings.TrimSuffix(base, ".up.sql")] = true
		case strings.HasSuffix(base, ".down.sql"):
			downs[strings.TrimSuffix(base, ".down.sql")] = true
		default:
			t.Errorf("unexpected migration file %s", name)
		}
	}
	for version := range ups {
		if !downs[version] {
			t.Errorf("migration %s has no down file", version)
		}
	}
	if len(ups) != len(downs) {
		t.Errorf("expected matching up/down counts, got %d/%d", len(ups), len(downs))
	}
}
