package main

import (
	"flag"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/example/nilesession/internal/config"
	"github.com/example/nilesession/internal/store"
)

func main() {
	var (
		command = flag.String("command", "up", "Migration command: up, down, version, force")
		steps   = flag.Int("steps", 0, "Number of migration steps (for up/down)")
		version = flag.Uint("version", 0, "Target version (for force command)")
		dir     = flag.String("dir", "", "Migrations directory (defaults to MIGRATIONS_DIR)")
	)
	flag.Parse()

	log := logrus.New()

	cfg, err := config.New()
	if err != nil {
		log.WithError(err).Fatal("config error")
	}
	if cfg.DBAdapter != "postgres" {
		log.Fatalf("migrations only work with PostgreSQL, current adapter: %s", cfg.DBAdapter)
	}
	dsn, err := cfg.BuildPostgresDSN()
	if err != nil {
		log.WithError(err).Fatal("postgres config error")
	}
	migrationsDir := cfg.MigrationsDir
	if *dir != "" {
		migrationsDir = *dir
	}

	m, err := store.NewMigrator(migrationsDir, dsn, log)
	if err != nil {
		log.WithError(err).Fatal("migrator init failed")
	}
	defer m.Close()

	switch *command {
	case "up":
		if *steps > 0 {
			err = m.Steps(*steps)
		} else {
			err = m.Up()
		}
		if err != nil {
			log.WithError(err).Fatal("migration up failed")
		}
		log.Info("migrations applied")
	case "down":
		if *steps > 0 {
			err = m.Steps(-*steps)
		} else {
			err = m.Down()
		}
		if err != nil {
			log.WithError(err).Fatal("migration down failed")
		}
		log.Info("migrations rolled back")
	case "version":
		v, dirty, err := m.Version()
		if err != nil {
			log.WithError(err).Fatal("failed to get version")
		}
		if dirty {
			log.WithField("version", v).Error("database is in a dirty state")
			m.Close()
			os.Exit(1)
		}
		log.WithField("version", v).Info("current migration version")
	case "force":
		if *version == 0 {
			log.Fatal("version required for force command (use -version flag)")
		}
		if err := m.Force(int(*version)); err != nil {
			log.WithError(err).Fatal("force migration failed")
		}
		log.WithField("version", *version).Info("forced database version")
	default:
		log.Fatalf("unknown command: %s (supported: up, down, version, force)", *command)
	}
}
