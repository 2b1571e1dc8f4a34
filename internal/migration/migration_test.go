package migration

import (
	"io/fs"
	"strings"
	"testing"

	apikeydomain "github.com/smallbiznis/claudeauth/internal/apikey/domain"
	"github.com/smallbiznis/claudeauth/internal/auth/domain"
	"github.com/smallbiznis/claudeauth/pkg/db"
)

func TestEmbeddedMigrationsPaired(t *testing.T) {
	entries, err := fs.ReadDir(embeddedMigrations, migrationsDir)
	if err != nil {
		t.Fatalf("read embedded migrations: %v", err)
	}
	ups, downs := 0, 0
	for _, e := range entries {
		switch {
		case strings.HasSuffix(e.Name(), ".up.sql"):
			ups++
		case strings.HasSuffix(e.Name(), ".down.sql"):
			downs++
		}
	}
	if ups == 0 || ups != downs {
		t.Fatalf("expected paired up/down migrations, got %d up and %d down", ups, downs)
	}
}

func TestAutoMigrateCreatesTokenTable(t *testing.T) {
	conn := db.NewTest(t)
	if err := AutoMigrate(conn); err != nil {
		t.Fatalf("auto migrate: %v", err)
	}
	if !conn.Migrator().HasTable(&domain.TokenRecord{}) {
		t.Fatalf("expected %s table", domain.TokenRecord{}.TableName())
	}
	if !conn.Migrator().HasIndex(&domain.TokenRecord{}, "UserID") {
		t.Fatalf("expected unique index on user_id")
	}
	if !conn.Migrator().HasTable(&apikeydomain.APIKey{}) {
		t.Fatalf("expected %s table", apikeydomain.APIKey{}.TableName())
	}
}
