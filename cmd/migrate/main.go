// migrate applies the embedded session store migrations to DATABASE_URL.
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"

	"wa-session-server/internal/config"
	"wa-session-server/internal/store"
)

func main() {
	direction := flag.String("direction", "up", "Migration direction: up or down")
	dsn := flag.String("database", "", "Database URL (defaults to DATABASE_URL)")
	flag.Parse()

	url := *dsn
	if url == "" {
		url = config.DatabaseURL()
	}
	if url == "" {
		fmt.Fprintln(os.Stderr, "DATABASE_URL is not set")
		os.Exit(1)
	}

	if err := store.Migrate(url, *direction); err != nil {
		if errors.Is(err, store.ErrNoChange) {
			fmt.Println("migrate: already at target version")
			return
		}
		fmt.Fprintln(os.Stderr, "migrate:", err)
		os.Exit(1)
	}
	fmt.Printf("migrate: %s complete\n", *direction)
}
