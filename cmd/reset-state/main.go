// Command reset-state wipes a signature's persisted state: the risk
// governor's risk_management.json and the momentum hot/archive SQLite
// caches. Intended for starting a paper-trading signature over from a
// clean slate; requires --confirm, matching the two-factor spirit of the
// live-mode safety gate in cmd/daemon.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/duskline/traderd/internal/config"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to configuration file")
	confirm := flag.Bool("confirm", false, "confirm deletion (must be explicit)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	root := cfg.LogPath + "/" + cfg.Signature
	targets := []string{
		root + "/risk_management.json",
		root + "/momentum_cache.db",
		root + "/momentum_history.db",
	}

	if !*confirm {
		fmt.Println("SAFETY CHECK - must confirm deletion")
		fmt.Println()
		fmt.Printf("This will permanently delete the following state for signature %q:\n", cfg.Signature)
		for _, t := range targets {
			fmt.Printf("  %s\n", t)
		}
		fmt.Println()
		fmt.Println("To proceed, run:")
		fmt.Printf("  go run ./cmd/reset-state --config %s --confirm\n", *configPath)
		fmt.Println()
		return
	}

	fmt.Printf("resetting state for signature %q\n", cfg.Signature)
	for _, t := range targets {
		if err := os.Remove(t); err != nil {
			if os.IsNotExist(err) {
				fmt.Printf("  (absent) %s\n", t)
				continue
			}
			fmt.Fprintf(os.Stderr, "  failed to remove %s: %v\n", t, err)
			os.Exit(1)
		}
		fmt.Printf("  deleted %s\n", t)
	}

	fmt.Println()
	fmt.Println("clean slate ready")
}
