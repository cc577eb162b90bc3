package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"text/tabwriter"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"github.com/spf13/cobra"

	"github.com/andreyvit/snapdb"
)

var (
	configFile string
	dataDir    string
	verbose    bool
	metrics    bool

	findIndex string
	findKey   string
	findMatch []string
)

func main() {
	rootCmd := newRootCmd()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "snapdb",
		Short:        "Inspect, back up and restore a snapdb database",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", os.Getenv(envPrefix+"CONFIG"), "YAML file declaring the database")
	rootCmd.PersistentFlags().StringVar(&dataDir, "dir", "", "data directory (overrides the config)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log every operation")
	rootCmd.PersistentFlags().BoolVar(&metrics, "metrics", false, "print operation counters to stderr on exit")

	backupCmd := &cobra.Command{
		Use:   "backup [file]",
		Short: "Export every collection to a snapshot file (stdout if omitted or -)",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runBackup,
	}
	restoreCmd := &cobra.Command{
		Use:   "restore <file>",
		Short: "Merge a snapshot file into the database",
		Args:  cobra.ExactArgs(1),
		RunE:  runRestore,
	}
	putCmd := &cobra.Command{
		Use:   "put <collection> [file]",
		Short: "Upsert a JSON record or array of records (stdin if file omitted or -)",
		Args:  cobra.RangeArgs(1, 2),
		RunE:  runPut,
	}
	getCmd := &cobra.Command{
		Use:   "get <collection> <key>",
		Short: "Print the record with the given primary key",
		Args:  cobra.ExactArgs(2),
		RunE:  runGet,
	}
	findCmd := &cobra.Command{
		Use:   "find <collection>",
		Short: "Print matching records, one JSON object per line",
		Args:  cobra.ExactArgs(1),
		RunE:  runFind,
	}
	findCmd.Flags().StringVar(&findIndex, "index", "", "index to scan")
	findCmd.Flags().StringVar(&findKey, "key", "", "exact key to look up (in the index, or the primary key)")
	findCmd.Flags().StringArrayVar(&findMatch, "match", nil, "field=value equality filter, repeatable")
	countCmd := &cobra.Command{
		Use:   "count <collection>",
		Short: "Print the number of records",
		Args:  cobra.ExactArgs(1),
		RunE:  runCount,
	}
	lsCmd := &cobra.Command{
		Use:   "ls",
		Short: "List physical collections with their storage stats",
		Args:  cobra.NoArgs,
		RunE:  runLs,
	}
	dropCmd := &cobra.Command{
		Use:   "drop <collection>",
		Short: "Delete a collection with all its data",
		Args:  cobra.ExactArgs(1),
		RunE:  runDrop,
	}
	dumpCmd := &cobra.Command{
		Use:   "dump",
		Short: "Print the raw storage contents, for debugging",
		Args:  cobra.NoArgs,
		RunE:  runDump,
	}

	rootCmd.AddCommand(backupCmd, restoreCmd, putCmd, getCmd, findCmd, countCmd, lsCmd, dropCmd, dumpCmd)
	return rootCmd
}

// withDB opens the configured database for the duration of f.
func withDB(cmd *cobra.Command, f func(ctx context.Context, db *snapdb.DB) error) error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return err
	}
	if dataDir != "" {
		cfg.Dir = dataDir
	}
	if verbose {
		cfg.Verbose = true
	}

	level := slog.LevelInfo
	if cfg.Verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))

	opt := cfg.Options(snapdb.NewBoltEngine(cfg.Dir, snapdb.KVOptions{Logger: logger}))
	opt.Logger = logger
	var reg *prometheus.Registry
	if metrics {
		reg = prometheus.NewRegistry()
		mo, err := snapdb.NewMetricsObserver(reg, "snapdb")
		if err != nil {
			return err
		}
		opt.Observer = mo
	}
	db, err := snapdb.New(opt)
	if err != nil {
		return err
	}
	defer db.Close()
	err = f(cmd.Context(), db)
	if reg != nil {
		if merr := writeMetrics(cmd.ErrOrStderr(), reg); merr != nil && err == nil {
			err = merr
		}
	}
	return err
}

// writeMetrics renders the registry in the Prometheus text format.
func writeMetrics(w io.Writer, reg prometheus.Gatherer) error {
	families, err := reg.Gather()
	if err != nil {
		return err
	}
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return err
		}
	}
	return nil
}

func runBackup(cmd *cobra.Command, args []string) error {
	return withDB(cmd, func(ctx context.Context, db *snapdb.DB) error {
		snap, err := db.Backup(ctx)
		if err != nil {
			return err
		}
		if len(args) == 0 || args[0] == "-" {
			return snapdb.WriteSnapshot(cmd.OutOrStdout(), snap)
		}
		if err := snapdb.SaveSnapshotFile(args[0], snap); err != nil {
			return err
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "backed up %d records from %d collections to %s\n", snap.RecordCount(), len(snap.Data), args[0])
		return nil
	})
}

func runRestore(cmd *cobra.Command, args []string) error {
	snap, err := snapdb.LoadSnapshotFile(args[0])
	if err != nil {
		return err
	}
	return withDB(cmd, func(ctx context.Context, db *snapdb.DB) error {
		if err := db.Recovery(ctx, snap); err != nil {
			return err
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "restored %s (snapshot version %d, database version %d)\n", args[0], snap.Version, db.Version())
		return nil
	})
}

func runPut(cmd *cobra.Command, args []string) error {
	var r io.Reader = cmd.InOrStdin()
	if len(args) > 1 && args[1] != "-" {
		f, err := os.Open(args[1])
		if err != nil {
			return err
		}
		defer f.Close()
		r = f
	}
	records, err := readRecords(r)
	if err != nil {
		return err
	}
	return withDB(cmd, func(ctx context.Context, db *snapdb.DB) error {
		coll, err := db.Collection(ctx, args[0])
		if err != nil {
			return err
		}
		n, err := coll.BulkCreate(ctx, records)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "put %d records into %s\n", n, args[0])
		return nil
	})
}

func runGet(cmd *cobra.Command, args []string) error {
	return withDB(cmd, func(ctx context.Context, db *snapdb.DB) error {
		coll, err := db.Collection(ctx, args[0])
		if err != nil {
			return err
		}
		rec, err := coll.FindByPk(ctx, parseKey(args[1]))
		if err != nil {
			return err
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(rec)
	})
}

func runFind(cmd *cobra.Command, args []string) error {
	q, err := buildQuery(findIndex, findKey, findMatch)
	if err != nil {
		return err
	}
	return withDB(cmd, func(ctx context.Context, db *snapdb.DB) error {
		coll, err := db.Collection(ctx, args[0])
		if err != nil {
			return err
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		for rec, err := range coll.FindAllLike(ctx, q) {
			if err != nil {
				return err
			}
			if err := enc.Encode(rec); err != nil {
				return err
			}
		}
		return nil
	})
}

func runCount(cmd *cobra.Command, args []string) error {
	return withDB(cmd, func(ctx context.Context, db *snapdb.DB) error {
		coll, err := db.Collection(ctx, args[0])
		if err != nil {
			return err
		}
		n, err := coll.Count(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), n)
		return nil
	})
}

func runLs(cmd *cobra.Command, args []string) error {
	return withDB(cmd, func(ctx context.Context, db *snapdb.DB) error {
		conn, err := db.Connect(ctx)
		if err != nil {
			return err
		}
		insp, ok := conn.(snapdb.Inspector)
		if !ok {
			return errors.New("engine does not report storage stats")
		}
		reg := db.Registry()
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintf(w, "COLLECTION\tROWS\tINDEX ROWS\tDATA\tINDEXES\tDECLARED\n")
		for _, name := range conn.CollectionNames() {
			st, err := insp.Stats(name)
			if err != nil {
				return err
			}
			declared := "yes"
			if reg.Collection(name) == nil {
				declared = "legacy"
			}
			fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%s\n", name, st.Rows, st.IndexRows, st.DataSize, st.IndexSize, declared)
		}
		if err := w.Flush(); err != nil {
			return err
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "%s at version %d\n", db.Name(), conn.Version())
		return nil
	})
}

func runDrop(cmd *cobra.Command, args []string) error {
	return withDB(cmd, func(ctx context.Context, db *snapdb.DB) error {
		coll, err := db.Collection(ctx, args[0])
		if err != nil {
			return err
		}
		return coll.Drop(ctx)
	})
}

func runDump(cmd *cobra.Command, args []string) error {
	return withDB(cmd, func(ctx context.Context, db *snapdb.DB) error {
		conn, err := db.Connect(ctx)
		if err != nil {
			return err
		}
		insp, ok := conn.(snapdb.Inspector)
		if !ok {
			return errors.New("engine cannot dump its storage")
		}
		s, err := insp.Dump(snapdb.DumpAll)
		if err != nil {
			return err
		}
		_, err = io.WriteString(cmd.OutOrStdout(), s)
		return err
	})
}

// readRecords accepts a single JSON object, a JSON array of objects, or a
// stream of objects.
func readRecords(r io.Reader) ([]snapdb.Record, error) {
	dec := json.NewDecoder(r)
	var records []snapdb.Record
	for {
		var v any
		err := dec.Decode(&v)
		if err == io.EOF {
			break
		} else if err != nil {
			return nil, fmt.Errorf("invalid JSON input: %w", err)
		}
		switch v := v.(type) {
		case map[string]any:
			records = append(records, v)
		case []any:
			for i, el := range v {
				rec, ok := el.(map[string]any)
				if !ok {
					return nil, fmt.Errorf("element %d: expected an object, got %T", i, el)
				}
				records = append(records, rec)
			}
		default:
			return nil, fmt.Errorf("expected an object or an array of objects, got %T", v)
		}
	}
	return records, nil
}

// parseKey reads a key given on the command line. Anything that parses as
// JSON (numbers, quoted strings, arrays) is taken as JSON, the rest as a
// plain string.
func parseKey(s string) any {
	var v any
	if err := json.Unmarshal([]byte(s), &v); err == nil && v != nil {
		if _, isObj := v.(map[string]any); !isObj {
			return v
		}
	}
	return s
}

func buildQuery(index, key string, match []string) (snapdb.Query, error) {
	q := snapdb.Query{Index: index}
	if key != "" {
		q.Range = snapdb.Only(parseKey(key))
	}
	for _, m := range match {
		field, value, ok := strings.Cut(m, "=")
		if !ok || field == "" {
			return q, fmt.Errorf("invalid --match %q, expected field=value", m)
		}
		if q.Match == nil {
			q.Match = make(snapdb.Record)
		}
		q.Match[field] = parseKey(value)
	}
	return q, nil
}
