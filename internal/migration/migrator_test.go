package migration

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDatabaseType(t *testing.T) {
	tests := []struct {
		in      string
		want    DatabaseType
		wantErr bool
	}{
		{"postgres", DatabaseTypePostgres, false},
		{"postgresql", DatabaseTypePostgres, false},
		{"PG", DatabaseTypePostgres, false},
		{"mysql", DatabaseTypeMySQL, false},
		{"mariadb", DatabaseTypeMySQL, false},
		{"sqlite", DatabaseTypeSQLite, false},
		{"sqlite3", DatabaseTypeSQLite, false},
		{"mongodb", "", true},
		{"", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseDatabaseType(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestBuildDatabaseURL(t *testing.T) {
	assert.Equal(t,
		"postgres://u:p@db:5432/gate?sslmode=disable",
		BuildDatabaseURL(DatabaseTypePostgres, "db", 5432, "gate", "u", "p", "disable"),
	)
	// SSL mode defaults to require for postgres.
	assert.Equal(t,
		"postgres://u:p@db:5432/gate?sslmode=require",
		BuildDatabaseURL(DatabaseTypePostgres, "db", 5432, "gate", "u", "p", ""),
	)
	assert.Equal(t,
		"u:p@tcp(db:3306)/gate?parseTime=true&multiStatements=true",
		BuildDatabaseURL(DatabaseTypeMySQL, "db", 3306, "gate", "u", "p", ""),
	)
	assert.Equal(t,
		"file:gate.db?mode=rwc&_foreign_keys=on",
		BuildDatabaseURL(DatabaseTypeSQLite, "", 0, "gate.db", "", "", ""),
	)
	assert.Empty(t, BuildDatabaseURL("oracle", "", 0, "", "", "", ""))
}

func TestNewMigratorValidation(t *testing.T) {
	_, err := NewMigrator(nil)
	assert.Error(t, err)

	_, err = NewMigrator(&Config{DatabaseType: DatabaseTypePostgres})
	assert.Error(t, err)
}

func TestEmbeddedMigrationsPresent(t *testing.T) {
	for _, dt := range []DatabaseType{DatabaseTypePostgres, DatabaseTypeMySQL, DatabaseTypeSQLite} {
		m := &DefaultMigrator{config: &Config{DatabaseType: dt}}
		migs, err := m.availableMigrations()
		require.NoError(t, err, string(dt))
		require.NotEmpty(t, migs, string(dt))
		assert.EqualValues(t, 1, migs[0].version)
		assert.Equal(t, "init_schema", migs[0].name)
	}
}
