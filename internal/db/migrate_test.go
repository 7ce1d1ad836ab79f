package db

import (
	"io/fs"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/caregiver-scheduling/migrations"
)

func TestEmbeddedMigrationsArePaired(t *testing.T) {
	entries, err := fs.ReadDir(migrations.FS, ".")
	require.NoError(t, err)

	ups, downs := map[string]bool{}, map[string]bool{}
	for _, e := range entries {
		name := e.Name()
		switch {
		case strings.HasSuffix(name, ".up.sql"):
			ups[strings.TrimSuffix(name, ".up.sql")] = true
		case strings.HasSuffix(name, ".down.sql"):
			downs[strings.TrimSuffix(name, ".down.sql")] = true
		}
	}
	require.NotEmpty(t, ups)
	assert.Equal(t, ups, downs)
}

func TestSchemaGuardsSlotInvariants(t *testing.T) {
	raw, err := fs.ReadFile(migrations.FS, "000001_init_schema.up.sql")
	require.NoError(t, err)
	schema := string(raw)

	assert.Contains(t, schema, "UNIQUE (caregiver_id, start_time)")
	assert.Contains(t, schema, "ON appointments (time_slot_id) WHERE status <> 'cancelled'")
	assert.Contains(t, schema, "external_reference  TEXT NOT NULL UNIQUE")
	assert.Contains(t, schema, "appointment_id  UUID NOT NULL UNIQUE REFERENCES appointments(id)")
}
