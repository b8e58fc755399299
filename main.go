package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"storepulse/internal/config"
)

const usageText = `Usage: storepulse [-config path] <command> [options]

Commands:
  watch <schema.table>   mirror a table and stream its change events
  metrics                daily KPIs and summary for a date range
  cohorts                retention cohort matrix for a date range
  accounts               linked financial accounts
  transactions           transactions for a date range
  margin                 margin breakdown for a date range
  sync                   pipeline status (-now to trigger a sync)
  link                   bank-link token plumbing (-exchange <public_token>)
  check                  verify backend, store and channel connectivity
`

func main() {
	// Setup logger
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})
	logger.SetLevel(logrus.InfoLevel)

	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Usage = func() {
		fmt.Fprint(os.Stderr, usageText)
	}
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(2)
	}
	command := args[0]

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		logger.Fatalf("Failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatalf("Invalid config: %v", err)
	}

	// Set log level from config
	if level, err := logrus.ParseLevel(cfg.Logging.Level); err == nil {
		logger.SetLevel(level)
	}

	// Setup graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Infof("Received signal: %v, shutting down...", sig)
		cancel()
	}()

	var cmdErr error
	switch command {
	case "watch":
		cmdErr = watchCommand(ctx, cfg, logger, args[1:])
	case "metrics":
		cmdErr = metricsCommand(ctx, cfg, logger, args[1:])
	case "cohorts":
		cmdErr = cohortsCommand(ctx, cfg, logger, args[1:])
	case "accounts":
		cmdErr = accountsCommand(ctx, cfg, logger, args[1:])
	case "transactions":
		cmdErr = transactionsCommand(ctx, cfg, logger, args[1:])
	case "margin":
		cmdErr = marginCommand(ctx, cfg, logger, args[1:])
	case "sync":
		cmdErr = syncCommand(ctx, cfg, logger, args[1:])
	case "link":
		cmdErr = linkCommand(ctx, cfg, logger, args[1:])
	case "check":
		cmdErr = checkCommand(ctx, cfg, logger)
	default:
		flag.Usage()
		os.Exit(2)
	}

	if cmdErr != nil {
		logger.Fatalf("Command %s failed: %v", command, cmdErr)
	}
}
