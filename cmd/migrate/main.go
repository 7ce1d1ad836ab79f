package main

import (
	"flag"
	"os"

	"github.com/hackgods/caregiver-scheduling/internal/db"
	"github.com/hackgods/caregiver-scheduling/internal/logging"
)

func main() {
	dir := flag.String("dir", "up", "migration direction: up or down")
	force := flag.Int("force", -1, "force the schema version before migrating (clears dirty state)")
	flag.Parse()

	log := logging.New(os.Getenv("LOG_LEVEL"), os.Getenv("LOG_PRETTY") == "true").With().Str("service", "migrate").Logger()

	dsn := os.Getenv("POSTGRES_DSN")
	if dsn == "" {
		log.Fatal().Msg("POSTGRES_DSN is required")
	}

	if err := db.Migrate(dsn, db.MigrateCommand(*dir), *force, log); err != nil {
		log.Fatal().Err(err).Msg("migrate failed")
	}
}
