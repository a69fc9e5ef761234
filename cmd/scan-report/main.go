// Command scan-report prints the latest (or a given date's) momentum scan
// from a signature's hot cache: the ranked gainer/loser watchlist, the
// broad-market regime read, and the scan's summary statistics.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/duskline/traderd/internal/config"
	"github.com/duskline/traderd/internal/momentum"
)

const (
	Reset  = "\033[0m"
	Red    = "\033[0;31m"
	Green  = "\033[0;32m"
	Yellow = "\033[1;33m"
	Blue   = "\033[0;34m"
	Cyan   = "\033[0;36m"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to configuration file")
	dateFlag := flag.String("date", "", "scan date in YYYY-MM-DD format (defaults to the latest scan on record)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	if *dateFlag != "" {
		if _, err := time.Parse("2006-01-02", *dateFlag); err != nil {
			fmt.Fprintf(os.Stderr, "invalid -date, want YYYY-MM-DD: %v\n", err)
			os.Exit(1)
		}
	}

	hotPath := cfg.LogPath + "/" + cfg.Signature + "/momentum_cache.db"
	archivePath := cfg.LogPath + "/" + cfg.Signature + "/momentum_history.db"
	cache, err := momentum.New(hotPath, archivePath, log.New(os.Stderr, "[scan-report] ", log.LstdFlags))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open momentum cache: %v\n", err)
		os.Exit(1)
	}
	defer cache.Close()

	ctx := context.Background()
	hot := cache.Hot()

	scanDate := *dateFlag
	if scanDate == "" {
		scanDate, err = hot.LatestScanDate(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to find latest scan date: %v\n", err)
			os.Exit(1)
		}
		if scanDate == "" {
			fmt.Println("no scans recorded yet")
			return
		}
	} else {
		has, err := hot.HasScanDate(ctx, scanDate)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to check scan date: %v\n", err)
			os.Exit(1)
		}
		if !has {
			fmt.Printf("no scan recorded for %s\n", scanDate)
			return
		}
	}

	stats, err := hot.Stats(ctx, scanDate)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load scan stats: %v\n", err)
		os.Exit(1)
	}
	regime, err := hot.Regime(ctx, scanDate)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load market regime: %v\n", err)
		os.Exit(1)
	}
	watchlist, err := hot.Watchlist(ctx, scanDate)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load watchlist: %v\n", err)
		os.Exit(1)
	}

	displayReport(scanDate, stats, regime, watchlist)
}

func displayReport(scanDate string, stats momentum.ScanStats, regime momentum.MarketRegime, watchlist []momentum.WatchlistEntry) {
	fmt.Printf("\n%s=== Scan Report: %s ===%s\n\n", Cyan, scanDate, Reset)

	regimeColor := Yellow
	switch regime.Regime {
	case momentum.Bullish:
		regimeColor = Green
	case momentum.Bearish:
		regimeColor = Red
	}
	fmt.Printf("%sMarket regime:%s %s%s%s  (SPY %.2f%%, QQQ %.2f%%, score %.2f)\n\n",
		Blue, Reset, regimeColor, regime.Regime, Reset, regime.SPYChangePct, regime.QQQChangePct, regime.MarketScore)

	fmt.Printf("%sScanned %d symbols in %.1fs%s — %d high-volume, %d gainers, %d losers\n",
		Blue, stats.TotalScanned, stats.ScanDurationSeconds, Reset, stats.HighVolumeCount, stats.GainersCount, stats.LosersCount)
	fmt.Printf("avg change %.2f%%  max %.2f%%  min %.2f%%\n\n", stats.AvgChangePct, stats.MaxChangePct, stats.MinChangePct)

	displayDirection(watchlist, momentum.Gainer, Green, "Gainers")
	displayDirection(watchlist, momentum.Loser, Red, "Losers")
}

func displayDirection(watchlist []momentum.WatchlistEntry, dir momentum.Direction, color, label string) {
	fmt.Printf("%s%s%s%s\n", color, label, Reset, ":")
	fmt.Printf("%-4s %-8s %10s %10s %12s %14s\n", "#", "Symbol", "Close", "Chg%", "Volume", "Momentum")

	found := false
	for _, e := range watchlist {
		if e.Direction != dir {
			continue
		}
		found = true
		fmt.Printf("%-4d %-8s %10.2f %9.2f%% %12d %14.2f\n",
			e.Rank, e.Symbol, e.Close, e.ChangePct, e.Volume, e.MomentumScore)
	}
	if !found {
		fmt.Println("  (none)")
	}
	fmt.Println()
}
