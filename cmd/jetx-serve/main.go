package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"

	"github.com/google/uuid"
	"github.com/urfave/cli/v2"
	"k8s.io/klog/v2"

	"github.com/jetxdb/jetx/internal/fragment"
	"github.com/jetxdb/jetx/internal/namespace"
	"github.com/jetxdb/jetx/internal/serve"
	"github.com/jetxdb/jetx/internal/servemetrics"
	"github.com/jetxdb/jetx/internal/table"
)

var gitCommitSHA = ""

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		interrupt := make(chan os.Signal, 1)
		signal.Notify(interrupt, syscall.SIGTERM, syscall.SIGINT)

		select {
		case <-interrupt:
			fmt.Println()
			klog.Info("received interrupt signal")
			cancel()
		case <-ctx.Done():
		}

		signal.Stop(interrupt)
	}()

	app := &cli.App{
		Name:        "jetx-serve",
		Version:     gitCommitSHA,
		Description: "Read-only UDP key-value lookup server backed by memory-mapped fragment files.",
		Commands: []*cli.Command{
			newCmdServe(),
		},
	}

	sort.Sort(cli.CommandsByName(app.Commands))

	if err := app.RunContext(ctx, os.Args); err != nil {
		klog.Fatal(err)
	}
}

func newCmdServe() *cli.Command {
	flags := append([]cli.Flag{
		&cli.StringFlag{
			Name:     "namespace-dir",
			Usage:    "directory containing one subdirectory per table uuid, each holding .frag files",
			Required: true,
		},
		&cli.StringSliceFlag{
			Name:  "listen",
			Usage: "UDP address to bind, may be repeated (default: :9701)",
		},
		&cli.DurationFlag{
			Name:  "deadline",
			Usage: "stop serving after this duration; zero means run forever",
		},
	}, NewKlogFlagSet()...)

	return &cli.Command{
		Name:  "serve",
		Usage: "load a namespace of fragments and serve lookups over UDP",
		Flags: flags,
		Action: func(c *cli.Context) error {
			return runServe(c)
		},
	}
}

func runServe(c *cli.Context) error {
	listenAddrs := c.StringSlice("listen")
	if len(listenAddrs) == 0 {
		listenAddrs = []string{":9701"}
	}

	ns, err := loadNamespace(c.String("namespace-dir"))
	if err != nil {
		return fmt.Errorf("jetx-serve: %w", err)
	}
	klog.Infof("jetx-serve: loaded %d tables from %s", ns.Len(), c.String("namespace-dir"))

	ctx := c.Context
	if d := c.Duration("deadline"); d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	cfg := serve.Config{
		ListenAddrs: listenAddrs,
		Namespace:   ns,
		Recorder:    servemetrics.NewPrometheusRecorder(),
	}

	runErr := serve.Run(ctx, cfg)

	if closeErr := ns.Close(true); closeErr != nil {
		klog.Warningf("jetx-serve: error closing namespace: %v", closeErr)
	}
	return runErr
}

// loadNamespace builds a Namespace from a directory tree shaped
// <dir>/<table-uuid>/*.frag, one subdirectory per table.
func loadNamespace(dir string) (*namespace.Namespace, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read namespace dir %s: %w", dir, err)
	}

	var tables []*table.Table
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		id, err := uuid.Parse(entry.Name())
		if err != nil {
			klog.Warningf("jetx-serve: skipping non-uuid subdirectory %s", entry.Name())
			continue
		}

		fragPaths, err := filepath.Glob(filepath.Join(dir, entry.Name(), "*.frag"))
		if err != nil {
			return nil, fmt.Errorf("glob fragments for table %s: %w", id, err)
		}
		if len(fragPaths) == 0 {
			klog.Warningf("jetx-serve: table %s has no .frag files, skipping", id)
			continue
		}

		inputs := make([]*table.Input, 0, len(fragPaths))
		for _, p := range fragPaths {
			f, err := fragment.Open(p)
			if err != nil {
				for _, in := range inputs {
					in.Fragment.Close()
				}
				return nil, fmt.Errorf("open fragment %s: %w", p, err)
			}
			inputs = append(inputs, &table.Input{Fragment: f})
		}

		t, err := table.Build(id, inputs)
		if err != nil {
			for _, in := range inputs {
				in.Fragment.Close()
			}
			return nil, fmt.Errorf("build table %s: %w", id, err)
		}
		stats := t.Stats()
		klog.Infof("jetx-serve: table %s: %d fragment(s), %d shadowed, n_bits=%d",
			id, stats.NumFragments, stats.NumShadowed, stats.NBits)
		for _, kv := range t.Meta().KeyVals {
			klog.V(2).Infof("jetx-serve: table %s meta: %s=%x", id, kv.Key, kv.Value)
		}
		tables = append(tables, t)
	}

	if len(tables) == 0 {
		return nil, fmt.Errorf("no tables found under %s", dir)
	}

	ns, err := namespace.Build(tables)
	if err != nil {
		for _, t := range tables {
			t.Close()
		}
		return nil, err
	}
	return ns, nil
}
