package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/hyperjump/mirip/internal/cli"
	"github.com/hyperjump/mirip/internal/config"
	"github.com/hyperjump/mirip/internal/models"
	"github.com/hyperjump/mirip/internal/storage"
	"github.com/hyperjump/mirip/pkg/utils"
	"go.uber.org/zap"
)

// commonFlags are shared by every catalog command.
type commonFlags struct {
	configPath string
	collection string
	group      string
	output     string
}

func newFlagSet(name string, stdout io.Writer, withGroup bool) (*flag.FlagSet, *commonFlags) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stdout)
	c := &commonFlags{}
	fs.StringVar(&c.configPath, "config", defaultConfigPath, "config file path")
	fs.StringVar(&c.collection, "collection", "", "collection name (default from config)")
	fs.StringVar(&c.output, "output", "text", "output format: text or json")
	if withGroup {
		fs.StringVar(&c.group, "group", "", "group scope")
	}
	return fs, c
}

// session is a loaded config with open components for a local command.
type session struct {
	cfg        *config.Config
	components *Components
	logger     *zap.Logger
	format     cli.OutputFormat
}

func openSession(c *commonFlags) (*session, error) {
	format, err := cli.ParseFormat(c.output)
	if err != nil {
		return nil, err
	}
	cfg, _, err := loadConfig(c.configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	// local commands stay quiet unless debug is on
	logger := zap.NewNop()
	if cfg.Debug {
		if logger, err = utils.NewLogger(true); err != nil {
			return nil, fmt.Errorf("failed to create logger: %w", err)
		}
	}
	components, err := initializeComponents(cfg, logger)
	if err != nil {
		return nil, err
	}
	return &session{cfg: cfg, components: components, logger: logger, format: format}, nil
}

func (s *session) Close() {
	s.components.Close()
	_ = s.logger.Sync()
}

func requireArg(fs *flag.FlagSet, usage string) (string, error) {
	if fs.NArg() < 1 {
		fmt.Fprintf(fs.Output(), "Usage: mirip %s\n", usage)
		fs.PrintDefaults()
		return "", errUsage
	}
	return fs.Arg(0), nil
}

func runUpload(args []string, stdout io.Writer) error {
	fs, c := newFlagSet("upload", stdout, true)
	serverURL := fs.String("server", "", "server URL (empty = local store)")
	extra := fs.String("extra", "", "extra metadata (JSON or text)")
	del := fs.Bool("delete", false, "do not keep the original on the server")
	if err := fs.Parse(argsReorder(args)); err != nil {
		return err
	}
	path, err := requireArg(fs, "upload [flags] <image>")
	if err != nil {
		return err
	}
	format, err := cli.ParseFormat(c.output)
	if err != nil {
		return err
	}

	if *serverURL != "" {
		res, err := newAPIClient(*serverURL).Upload(context.Background(), path, uploadOptions{
			Collection: c.collection,
			Group:      c.group,
			Extra:      *extra,
			Delete:     *del,
		})
		if err != nil {
			return err
		}
		return cli.WriteIngestResult(stdout, res, format)
	}

	s, err := openSession(c)
	if err != nil {
		return err
	}
	defer s.Close()
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	var extraValue interface{}
	if *extra != "" {
		extraValue = *extra
	}
	res, err := s.components.Indexer.Ingest(context.Background(), &models.IngestInput{
		Collection: c.collection,
		Path:       abs,
		Group:      c.group,
		Extra:      extraValue,
	})
	if err != nil {
		return err
	}
	return cli.WriteIngestResult(stdout, res, s.format)
}

func runLoad(args []string, stdout io.Writer) error {
	fs, c := newFlagSet("load", stdout, true)
	if err := fs.Parse(argsReorder(args)); err != nil {
		return err
	}
	dir, err := requireArg(fs, "load [flags] <dir>")
	if err != nil {
		return err
	}
	s, err := openSession(c)
	if err != nil {
		return err
	}
	defer s.Close()
	report, err := s.components.Indexer.LoadDirectory(context.Background(), dir, c.collection, c.group)
	if err != nil {
		return err
	}
	return cli.WriteLoadReport(stdout, report, s.format)
}

func runSearch(args []string, stdout io.Writer) error {
	fs, c := newFlagSet("search", stdout, true)
	serverURL := fs.String("server", "", "server URL (empty = local store)")
	topK := fs.Int("top-k", 0, "number of results (default from config)")
	if err := fs.Parse(argsReorder(args)); err != nil {
		return err
	}
	path, err := requireArg(fs, "search [flags] <image>")
	if err != nil {
		return err
	}
	format, err := cli.ParseFormat(c.output)
	if err != nil {
		return err
	}

	if *serverURL != "" {
		resp, err := newAPIClient(*serverURL).Search(context.Background(), path, c.collection, c.group, *topK)
		if err != nil {
			return err
		}
		return cli.WriteSearchResults(stdout, resp, format)
	}

	s, err := openSession(c)
	if err != nil {
		return err
	}
	defer s.Close()
	k := *topK
	if k == 0 {
		k = s.cfg.Catalog.TopK
	}
	resp, err := s.components.Engine.Search(context.Background(), &models.SearchQuery{
		Collection: c.collection,
		Path:       path,
		TopK:       k,
		Group:      c.group,
	})
	if err != nil {
		return err
	}
	return cli.WriteSearchResults(stdout, resp, s.format)
}

func runCount(args []string, stdout io.Writer) error {
	fs, c := newFlagSet("count", stdout, false)
	if err := fs.Parse(args); err != nil {
		return err
	}
	s, err := openSession(c)
	if err != nil {
		return err
	}
	defer s.Close()
	n, err := s.components.Indexer.Count(context.Background(), c.collection)
	if err != nil {
		return err
	}
	if s.format == cli.OutputJSON {
		return cli.WriteJSON(stdout, n)
	}
	if n == nil {
		fmt.Fprintln(stdout, "collection does not exist")
		return nil
	}
	fmt.Fprintln(stdout, *n)
	return nil
}

func runDrop(args []string, stdout io.Writer) error {
	fs, c := newFlagSet("drop", stdout, false)
	if err := fs.Parse(args); err != nil {
		return err
	}
	s, err := openSession(c)
	if err != nil {
		return err
	}
	defer s.Close()
	dropped, err := s.components.Indexer.Drop(context.Background(), c.collection)
	if err != nil {
		return err
	}
	name := s.components.Policy.Default()
	if c.collection != "" {
		name = c.collection
	}
	if s.format == cli.OutputJSON {
		return cli.WriteJSON(stdout, map[string]interface{}{"collection": name, "dropped": dropped})
	}
	if dropped {
		fmt.Fprintf(stdout, "Collection dropped: %s\n", name)
	} else {
		fmt.Fprintf(stdout, "Collection does not exist: %s\n", name)
	}
	return nil
}

func runDelete(args []string, stdout io.Writer) error {
	fs, c := newFlagSet("delete", stdout, true)
	if err := fs.Parse(argsReorder(args)); err != nil {
		return err
	}
	id, err := requireArg(fs, "delete [flags] <uuid>")
	if err != nil {
		return err
	}
	s, err := openSession(c)
	if err != nil {
		return err
	}
	defer s.Close()
	n, err := s.components.Indexer.Delete(context.Background(), c.collection, id, c.group)
	if err != nil {
		return err
	}
	if s.format == cli.OutputJSON {
		return cli.WriteJSON(stdout, map[string]interface{}{"uuid": id, "deleted": n})
	}
	fmt.Fprintf(stdout, "Deleted %d record(s) for %s\n", n, id)
	return nil
}

func runGet(args []string, stdout io.Writer) error {
	fs, c := newFlagSet("get", stdout, false)
	if err := fs.Parse(argsReorder(args)); err != nil {
		return err
	}
	raw, err := requireArg(fs, "get [flags] <id,id,...>")
	if err != nil {
		return err
	}
	ids, err := utils.ParseIDList(raw)
	if err != nil {
		return err
	}
	s, err := openSession(c)
	if err != nil {
		return err
	}
	defer s.Close()
	records, err := s.components.Engine.GetByIDs(context.Background(), c.collection, ids)
	if err != nil {
		return err
	}
	return cli.WriteRecords(stdout, records, s.format)
}

func runList(args []string, stdout io.Writer) error {
	fs, c := newFlagSet("list", stdout, true)
	offset := fs.Int("offset", 0, "records to skip")
	limit := fs.Int("limit", 0, "maximum records (0 = all)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	s, err := openSession(c)
	if err != nil {
		return err
	}
	defer s.Close()
	refs, err := s.components.Engine.List(context.Background(), c.collection, c.group, *offset, *limit)
	if err != nil {
		return err
	}
	return cli.WriteRefs(stdout, refs, s.format)
}

func runGroups(args []string, stdout io.Writer) error {
	fs, c := newFlagSet("groups", stdout, false)
	if err := fs.Parse(args); err != nil {
		return err
	}
	s, err := openSession(c)
	if err != nil {
		return err
	}
	defer s.Close()
	groups, err := s.components.Engine.Groups(context.Background(), c.collection)
	if err != nil {
		return err
	}
	if s.format == cli.OutputJSON {
		return cli.WriteJSON(stdout, groups)
	}
	for _, g := range groups {
		fmt.Fprintln(stdout, g)
	}
	return nil
}

func runStatus(args []string, stdout io.Writer) error {
	fs, c := newFlagSet("status", stdout, false)
	serverURL := fs.String("server", "", "server URL (empty = local store)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	format, err := cli.ParseFormat(c.output)
	if err != nil {
		return err
	}
	if *serverURL != "" {
		st, err := newAPIClient(*serverURL).Status(context.Background())
		if err != nil {
			return err
		}
		return cli.WriteStatus(stdout, st.Collections, st.DiskUsageBytes, format)
	}

	s, err := openSession(c)
	if err != nil {
		return err
	}
	defer s.Close()
	stats, err := s.components.Store.Stats(context.Background())
	if err != nil {
		return err
	}
	paths := []string{s.components.Uploads.Root()}
	if s.cfg.Storage.Driver == config.DriverSQLite {
		paths = append(paths, s.cfg.Storage.DatabasePath)
	}
	diskBytes, err := storage.DiskUsageBytes(paths...)
	if err != nil {
		return err
	}
	return cli.WriteStatus(stdout, stats, diskBytes, s.format)
}

func runInit(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("init", flag.ContinueOnError)
	fs.SetOutput(stdout)
	configPath := fs.String("config", defaultConfigPath, "config file path to write")
	dataPath := fs.String("data", "", "data directory (default: "+config.DefaultDataPath+")")
	force := fs.Bool("force", false, "overwrite an existing config")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if _, err := os.Stat(*configPath); err == nil && !*force {
		return fmt.Errorf("%s already exists (use -force to overwrite)", *configPath)
	}
	cfg := &config.Config{}
	if *dataPath != "" {
		abs, err := filepath.Abs(*dataPath)
		if err != nil {
			return err
		}
		cfg.Storage.DataPath = abs
	}
	config.ApplyDefaults(cfg)
	if err := config.Save(*configPath, cfg); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "Config written: %s\n", *configPath)
	return nil
}
