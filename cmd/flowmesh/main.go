// Command flowmesh runs the workflow orchestration engine.
//
//	flowmesh serve                        # start the engine
//	flowmesh serve --config config.yaml   # with a config file
//	flowmesh migrate up|down|status       # manage the database schema
//	flowmesh version                      # print build info
package main

import (
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/flowmesh/flowmesh/config"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		runServe(os.Args[2:])
	case "migrate":
		runMigrate(os.Args[2:])
	case "version":
		fmt.Printf("flowmesh %s (built %s, commit %s)\n", Version, BuildTime, GitCommit)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`flowmesh - multi-agent workflow orchestration engine

Usage:
  flowmesh serve [--config path]    Start the engine and HTTP surface
  flowmesh migrate <up|down|status> Apply or roll back schema migrations
  flowmesh version                  Print version information`)
}

func loadConfig(args []string, cmd string) *config.Config {
	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	_ = fs.Parse(args)

	loader := config.NewLoader()
	if *configPath != "" {
		loader = loader.WithConfigPath(*configPath)
	}

	cfg, err := loader.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

func buildLogger(cfg *config.Config) *zap.Logger {
	level := zapcore.InfoLevel
	_ = level.Set(cfg.Log.Level)

	zc := zap.NewProductionConfig()
	if cfg.Log.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)

	logger, err := zc.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to build logger: %v\n", err)
		os.Exit(1)
	}
	return logger
}
