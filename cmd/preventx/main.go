package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/gmsas95/preventx/internal/app"
	"github.com/gmsas95/preventx/internal/config"
	"github.com/gmsas95/preventx/internal/logging"
	"github.com/gmsas95/preventx/internal/ruleset"
	"github.com/gmsas95/preventx/internal/store"
	"go.uber.org/zap"
)

var (
	configPath = flag.String("config", "", "Path to config file")
	dataDir    = flag.String("data", "", "Path to data directory")
	version    = "dev"
)

func main() {
	flag.Usage = printHelp
	flag.Parse()

	args := flag.Args()
	cmd := "serve"
	if len(args) > 0 {
		cmd = args[0]
	}

	switch cmd {
	case "serve":
		application := initApp()
		defer closeApp(application)
		application.RunServer()
	case "sweep":
		runSweep(args[1:])
	case "ruleset":
		os.Exit(handleRulesetCommand(args[1:]))
	case "version", "--version", "-v":
		fmt.Printf("PreventX version %s\n", version)
	case "help", "--help", "-h":
		printHelp()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printHelp()
		os.Exit(2)
	}
}

func initApp() *app.App {
	cfg, err := config.Load(*configPath, *dataDir)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}

	logger.Info("Starting PreventX",
		zap.String("version", version),
		zap.String("storage", cfg.Storage.Driver),
	)

	st, err := store.New(&cfg.Storage, logger.Named("store"))
	if err != nil {
		logger.Fatal("Failed to initialize store", zap.Error(err))
	}

	application, err := app.New(cfg, st, logger, version)
	if err != nil {
		st.Close()
		logger.Fatal("Failed to initialize engine", zap.Error(err))
	}
	return application
}

func closeApp(application *app.App) {
	if err := application.Close(); err != nil {
		application.Logger.Error("Shutdown error", zap.Error(err))
	}
	_ = application.Logger.Sync()
}

func runSweep(args []string) {
	application := initApp()
	defer closeApp(application)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if len(args) > 0 && args[0] == "missed" {
		n, err := application.RunMissedSweep(ctx)
		if err != nil {
			application.Logger.Error("Missed-dose sweep failed", zap.Error(err))
			return
		}
		fmt.Printf("Marked %d dose(s) missed\n", n)
		return
	}

	summary, err := application.RunSweep(ctx)
	if err != nil {
		application.Logger.Error("Sweep failed", zap.Error(err))
		return
	}

	out, _ := json.MarshalIndent(summary, "", "  ")
	fmt.Println(string(out))
}

func handleRulesetCommand(args []string) int {
	if len(args) < 2 || args[0] != "validate" {
		fmt.Println("Usage: preventx ruleset validate <file>")
		return 2
	}

	rs, err := ruleset.Load(args[1])
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ %v\n", err)
		return 1
	}

	fmt.Printf("✅ Ruleset %s is valid (%d metrics, %d factors, %d conditions)\n",
		rs.Version, len(rs.Metrics), len(rs.Factors), len(rs.Conditions))
	return 0
}

func printHelp() {
	fmt.Println(`PreventX - health risk and adherence engine

Usage:
  preventx [flags] [command]

Commands:
  serve                      Run the API, scheduler and adapters (default)
  sweep                      Run one missed-dose sweep and rescore pass, then exit
  sweep missed               Only move elapsed doses to Missed, then exit
  ruleset validate <file>    Check a ruleset file
  version                    Print the version

Flags:
  -config string   Path to config file
  -data string     Path to data directory`)
}
