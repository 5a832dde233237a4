// migrate applies the embedded telemetry schema: go run ./cmd/migrate -direction up|down|+N|-N.
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"

	"simlab-telemetry/internal/config"
	"simlab-telemetry/internal/db/migrate"
)

func main() {
	direction := flag.String("direction", "up", "Migration direction: up, down, or a signed step count")
	version := flag.Bool("version", false, "Print the applied schema version and exit")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	if cfg.DatabaseURL == "" {
		fmt.Fprintln(os.Stderr, "DATABASE_URL is not set; create a .env from .env.example or set DATABASE_URL")
		os.Exit(1)
	}

	if *version {
		v, dirty, ok, err := migrate.Version(cfg.DatabaseURL)
		switch {
		case err != nil:
			fmt.Fprintln(os.Stderr, "migrate:", err)
			os.Exit(1)
		case !ok:
			fmt.Println("no migrations applied")
		default:
			fmt.Printf("version %d (dirty=%v)\n", v, dirty)
		}
		return
	}

	dir, steps, err := migrate.ParseDirection(*direction)
	if err != nil {
		fmt.Fprintln(os.Stderr, "migrate:", err)
		os.Exit(2)
	}
	if steps != 0 {
		err = migrate.Steps(cfg.DatabaseURL, steps)
	} else {
		err = migrate.Run(cfg.DatabaseURL, dir)
	}
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		fmt.Fprintln(os.Stderr, "migrate:", err)
		os.Exit(1)
	}
}
