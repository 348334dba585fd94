// Package main is the mirip CLI entry point.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/hyperjump/mirip/internal/config"
	"github.com/hyperjump/mirip/internal/server"
	"github.com/hyperjump/mirip/pkg/utils"
	"go.uber.org/zap"
)

var version = "dev"

const defaultConfigPath = "/usr/local/etc/mirip/config.yaml"

// errUsage is returned after usage has been printed.
var errUsage = errors.New("usage")

// loadConfig loads config from path. When path is the default, config.yaml in the current
// directory takes precedence (for development). A missing file is not an error: defaults and
// environment overrides apply. Returns the config and the path it belongs to.
func loadConfig(path string) (*config.Config, string, error) {
	if path == defaultConfigPath {
		if cwd, err := os.Getwd(); err == nil {
			fallback := filepath.Join(cwd, "config.yaml")
			if _, err := os.Stat(fallback); err == nil {
				cfg, err := config.Load(fallback)
				if err != nil {
					return nil, "", err
				}
				return cfg, fallback, nil
			}
		}
	}
	cfg, err := config.LoadOrDefault(path)
	if err != nil {
		return nil, "", err
	}
	return cfg, path, nil
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

type command func(args []string, stdout io.Writer) error

func commands() map[string]command {
	return map[string]command{
		"server": runServer,
		"upload": runUpload,
		"load":   runLoad,
		"search": runSearch,
		"count":  runCount,
		"drop":   runDrop,
		"delete": runDelete,
		"get":    runGet,
		"list":   runList,
		"groups": runGroups,
		"status": runStatus,
		"init":   runInit,
	}
}

// run dispatches a subcommand and returns the process exit code.
func run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		printUsage(stderr)
		return 1
	}
	name := args[0]
	switch name {
	case "version", "--version", "-v":
		fmt.Fprintf(stdout, "mirip version %s\n", version)
		return 0
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	}
	cmd, ok := commands()[name]
	if !ok {
		fmt.Fprintf(stderr, "Unknown command: %s\n", name)
		printUsage(stderr)
		return 1
	}
	if err := cmd(args[1:], stdout); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		if !errors.Is(err, errUsage) {
			fmt.Fprintf(stderr, "Error: %v\n", err)
		}
		return 1
	}
	return 0
}

// argsReorder moves flags after positional arguments to the front, so "mirip search a.png -top-k 5"
// parses like "mirip search -top-k 5 a.png". Boolean flags must use -flag=value when placed last.
func argsReorder(args []string) []string {
	var flags, positional []string
	for i := 0; i < len(args); i++ {
		a := args[i]
		if !strings.HasPrefix(a, "-") || a == "-" {
			positional = append(positional, a)
			continue
		}
		flags = append(flags, a)
		if !strings.Contains(a, "=") && !isBoolFlag(a) && i+1 < len(args) {
			i++
			flags = append(flags, args[i])
		}
	}
	if len(flags) == 0 {
		return args
	}
	return append(flags, positional...)
}

func isBoolFlag(a string) bool {
	switch strings.TrimLeft(a, "-") {
	case "debug", "delete", "force":
		return true
	}
	return false
}

func runServer(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("server", flag.ContinueOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	debug := fs.Bool("debug", false, "enable debug logging")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, resolvedConfigPath, err := loadConfig(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	debugMode := cfg.Debug || *debug
	logger, err := utils.NewLogger(debugMode)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()
	logger.Info("config loaded", zap.String("config_path", resolvedConfigPath), zap.Bool("debug", debugMode))

	components, err := initializeComponents(cfg, logger)
	if err != nil {
		return err
	}
	defer components.Close()

	watchCtx, watchCancel := context.WithCancel(context.Background())
	defer watchCancel()
	watchSvc := newInboxWatcher(watchCtx, cfg, components.Indexer, logger)
	if err := watchSvc.Start(watchCtx); err != nil {
		return fmt.Errorf("failed to start watcher: %w", err)
	}
	defer watchSvc.Stop()
	watchSvc.SyncExistingFiles()

	persistPath := ""
	if _, err := os.Stat(resolvedConfigPath); err == nil {
		persistPath = resolvedConfigPath
	}
	srv := server.NewServer(
		components.Engine,
		components.Indexer,
		components.Store,
		components.Uploads,
		cfg,
		server.WithLogger(logger),
		server.WithWatch(watchSvc, persistPath),
		server.WithEmbeddingCache(components.Cached.Cache()),
	)
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	select {
	case <-sigChan:
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	}

	logger.Info("Shutting down...")
	watchCancel()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Stop(ctx)
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, `mirip - image similarity catalog

Usage:
  mirip server [flags]             Start the HTTP server and inbox watcher
  mirip upload [flags] <image>     Ingest one image (deduplicated by content)
  mirip load [flags] <dir>         Ingest every image in a directory
  mirip search [flags] <image>     Find the most similar images
  mirip count [flags]              Count records in a collection
  mirip drop [flags]               Drop a collection
  mirip delete [flags] <uuid>      Delete an image by uuid
  mirip get [flags] <id,id,...>    Show records by primary id
  mirip list [flags]               List {id, uuid} of a collection
  mirip groups [flags]             List distinct groups
  mirip status [flags]             Show collection and storage status
  mirip init [flags]               Write a starter config file
  mirip version                    Show version
  mirip help                       Show this help

Common Flags:
  -config string       Config file path (default: /usr/local/etc/mirip/config.yaml)
  -collection string   Collection name (default from catalog.default_collection)
  -group string        Restrict to a group
  -output string       Output format: text or json (default: text)

Upload / Search Flags:
  -server string       Server URL; empty uses the local store directly
  -top-k int           Number of results (search; default from catalog.top_k)
  -extra string        Extra metadata, JSON or plain text (upload)
  -delete              Do not keep the original on the server (upload)

Environment:
  VECTOR_DIMENSION, METRIC_TYPE, DEFAULT_TABLE, TOP_K, UPLOAD_PATH, DATA_PATH override the config file.

Examples:
  mirip server
  mirip upload -group shop_a shoe.jpg
  mirip load -group shop_a ./catalog/shop_a
  mirip search -top-k 5 query.png
  mirip search -server http://localhost:5000 -output json query.png
  mirip delete -group shop_a 3f2c...`)
}
