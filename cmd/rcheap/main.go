package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-isatty"
	"google.golang.org/grpc"

	"github.com/funvibe/rcheap/internal/config"
	"github.com/funvibe/rcheap/internal/diag"
	"github.com/funvibe/rcheap/internal/heap"
	"github.com/funvibe/rcheap/internal/heapdb"
	"github.com/funvibe/rcheap/internal/values"
)

const usage = `Usage: rcheap <command> [flags]

Commands:
  stress   [-n N] [-workers W] [-label L]   run the allocation workload and print a heap report
  serve    [-listen ADDR] [-n N]            run the workload continuously behind the diagnostics service
  stats    [ADDR]                           print a running heap's counters and per-type table
  collect  [ADDR]                           run a collection pass on a running heap
  history  [SESSION]                        list recorded sessions, or the passes of one session
  help                                      show this message

Flags accepted by every command:
  -config PATH   use this rcheap.yaml instead of searching for one
  -debug         verbose collector logging
`

// options are the parsed command-line flags.
type options struct {
	command    string
	args       []string
	configPath string
	debug      bool
	iterations int
	workers    int
	label      string
	listen     string
}

func parseArgs(argv []string) (options, error) {
	opts := options{iterations: 1000, workers: 4}
	if len(argv) == 0 {
		return opts, fmt.Errorf("no command given")
	}
	opts.command = argv[0]

	next := func(i *int, flag string) (string, error) {
		if *i+1 >= len(argv) {
			return "", fmt.Errorf("%s needs a value", flag)
		}
		*i++
		return argv[*i], nil
	}
	for i := 1; i < len(argv); i++ {
		arg := argv[i]
		name := strings.TrimLeft(arg, "-")
		if name == arg {
			opts.args = append(opts.args, arg)
			continue
		}
		var err error
		switch name {
		case "debug":
			opts.debug = true
		case "config":
			opts.configPath, err = next(&i, arg)
		case "n":
			var v string
			if v, err = next(&i, arg); err == nil {
				opts.iterations, err = strconv.Atoi(v)
			}
		case "workers":
			var v string
			if v, err = next(&i, arg); err == nil {
				opts.workers, err = strconv.Atoi(v)
			}
		case "label":
			opts.label, err = next(&i, arg)
		case "listen":
			opts.listen, err = next(&i, arg)
		default:
			return opts, fmt.Errorf("unknown flag %s", arg)
		}
		if err != nil {
			return opts, fmt.Errorf("%s: %w", arg, err)
		}
	}
	if opts.iterations < 0 || opts.workers < 1 {
		return opts, fmt.Errorf("-n must be >= 0 and -workers >= 1")
	}
	return opts, nil
}

func loadConfig(opts options) *config.Config {
	cfg, err := config.Resolve(opts.configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
	if opts.debug {
		cfg.Log.Verbose = true
	}
	if opts.listen != "" {
		cfg.Diagnostics.Listen = opts.listen
	}
	return cfg
}

// openHeap builds a heap with the value types registered and, when a
// history database is configured, attached to it.
func openHeap(cfg *config.Config, label string) (*heap.Heap, *heapdb.Store, error) {
	h := heap.NewHeap(*cfg)
	if err := values.Register(h); err != nil {
		h.Close()
		return nil, nil, err
	}
	if cfg.History.Path == "" {
		return h, nil, nil
	}
	store, err := heapdb.Open(cfg.History.Path)
	if err != nil {
		h.Close()
		return nil, nil, err
	}
	if err := store.Attach(h, label); err != nil {
		store.Close()
		h.Close()
		return nil, nil, err
	}
	return h, store, nil
}

func colorEnabled(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok || os.Getenv("NO_COLOR") != "" {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// printReport writes report, bolding its table header on a terminal.
func printReport(w io.Writer, report string) {
	if !colorEnabled(w) {
		fmt.Fprint(w, report)
		return
	}
	lines := strings.SplitN(report, "\n", 3)
	for i, line := range lines {
		if i == 1 {
			line = "\033[1m" + line + "\033[0m"
		}
		fmt.Fprint(w, line)
		if i < len(lines)-1 {
			fmt.Fprintln(w)
		}
	}
}

func handleStress(opts options) error {
	cfg := loadConfig(opts)
	h, store, err := openHeap(cfg, opts.label)
	if err != nil {
		return err
	}
	defer h.Close()
	if store != nil {
		defer store.Close()
	}

	start := time.Now()
	if err := runWorkload(h, opts.workers, opts.iterations); err != nil {
		return err
	}
	r := h.CollectCycles()
	if cfg.Log.Verbose {
		log.Printf("%d iterations in %s, final pass freed %d", opts.iterations, time.Since(start), r.Freed)
	}
	if store != nil {
		if err := store.RecordTypes(h.Session(), time.Now(), h.TypeStats()); err != nil {
			return err
		}
	}
	printReport(os.Stdout, h.Report())

	if leaks := h.CheckLeaks(); len(leaks) > 0 {
		for _, ts := range leaks {
			fmt.Fprintf(os.Stderr, "- %s: %d live\n", ts.Name, ts.Live())
		}
		return fmt.Errorf("%d types still have live values", len(leaks))
	}
	return nil
}

func handleServe(opts options) error {
	cfg := loadConfig(opts)
	h, store, err := openHeap(cfg, opts.label)
	if err != nil {
		return err
	}
	defer h.Close()
	if store != nil {
		defer store.Close()
	}

	logger := log.New(os.Stderr, config.LogPrefix, log.LstdFlags)
	srv, err := diag.NewServer(h, grpcLogging(cfg, logger)...)
	if err != nil {
		return err
	}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe(cfg.Diagnostics.Listen) }()
	logger.Printf("diagnostics for heap %s on %s", h.Session(), cfg.Diagnostics.Listen)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sig)

	tick := time.NewTicker(time.Second)
	defer tick.Stop()
	for {
		select {
		case err := <-errc:
			return err
		case <-sig:
			srv.Stop()
			return nil
		case <-tick.C:
			if err := runWorkload(h, opts.workers, opts.iterations); err != nil {
				logger.Printf("workload: %v", err)
			}
		}
	}
}

func handleStats(opts options) error {
	cfg := loadConfig(opts)
	c, err := diag.Dial(target(cfg, opts))
	if err != nil {
		return err
	}
	defer c.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	st, err := c.Stats(ctx)
	if err != nil {
		return err
	}
	rows, err := c.Types(ctx)
	if err != nil {
		return err
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "heap %s (%s)\n", st.Session, st.State)
	fmt.Fprintf(&sb, "%-24s %10s %10s %10s %12s %12s\n", "TYPE", "ALLOCS", "FREES", "LIVE", "BYTES", "PEAK")
	for _, r := range rows {
		fmt.Fprintf(&sb, "%-24s %10d %10d %10d %12d %12d\n",
			r.Name, r.Allocations, r.Deallocations, int64(r.Allocations-r.Deallocations), r.CurrentBytes, r.PeakBytes)
	}
	fmt.Fprintf(&sb, "collections=%d freed=%d fast=%d cycles=%d leaked=%d pending=%d live=%d bytes=%d peak=%d pause=%s\n",
		st.Collections, st.ObjectsFreed, st.FastFrees, st.CyclesDetected, st.Leaked,
		st.PendingCandidates, st.LiveObjects, st.LiveBytes, st.PeakBytes, st.TotalPause)
	printReport(os.Stdout, sb.String())
	return nil
}

func handleCollect(opts options) error {
	cfg := loadConfig(opts)
	c, err := diag.Dial(target(cfg, opts))
	if err != nil {
		return err
	}
	defer c.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	p, err := c.Collect(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("pass %d: roots=%d stale=%d examined=%d live=%d freed=%d cycles=%d leaked=%d requeued=%d pause=%s\n",
		p.Seq, p.Roots, p.Stale, p.Examined, p.Live, p.Freed, p.Cycles, p.Leaked, p.Requeued, p.Pause)
	return nil
}

func handleHistory(opts options) error {
	cfg := loadConfig(opts)
	if cfg.History.Path == "" {
		return fmt.Errorf("no history.path configured")
	}
	store, err := heapdb.Open(cfg.History.Path)
	if err != nil {
		return err
	}
	defer store.Close()

	if len(opts.args) == 0 {
		sessions, err := store.Sessions()
		if err != nil {
			return err
		}
		for _, s := range sessions {
			fmt.Printf("%s  %s  passes=%d freed=%d  %s\n",
				s.ID, s.Started.Format(time.RFC3339), s.Passes, s.Freed, s.Label)
		}
		return nil
	}

	id, err := uuid.Parse(opts.args[0])
	if err != nil {
		return fmt.Errorf("session %q: %w", opts.args[0], err)
	}
	passes, err := store.Passes(id)
	if err != nil {
		return err
	}
	for _, p := range passes {
		fmt.Printf("%4d %-10s %s roots=%d examined=%d freed=%d cycles=%d leaked=%d requeued=%d pause=%s\n",
			p.Seq, p.Trigger, p.Started.Format(time.RFC3339), p.Roots, p.Examined, p.Freed, p.Cycles, p.Leaked, p.Requeued, p.Pause)
	}
	types, err := store.LatestTypes(id)
	if err != nil {
		return err
	}
	if len(types) > 0 {
		fmt.Println()
		for _, ts := range types {
			fmt.Printf("%-24s allocs=%d frees=%d bytes=%d peak=%d\n",
				ts.Name, ts.Allocations, ts.Deallocations, ts.CurrentBytes, ts.PeakBytes)
		}
	}
	return nil
}

func grpcLogging(cfg *config.Config, logger *log.Logger) []grpc.ServerOption {
	if !cfg.Log.Verbose {
		return nil
	}
	return []grpc.ServerOption{grpc.UnaryInterceptor(diag.LogCalls(logger))}
}

func target(cfg *config.Config, opts options) string {
	if len(opts.args) > 0 {
		return opts.args[0]
	}
	return cfg.Diagnostics.Listen
}

func main() {
	// Catch panics and show user-friendly error
	defer func() {
		if r := recover(); r != nil {
			if os.Getenv("DEBUG") == "1" {
				panic(r) // Re-panic to get stack trace
			}
			fmt.Fprintf(os.Stderr, "Internal error: %v\n", r)
			fmt.Fprintln(os.Stderr, "This is a bug. Please report it.")
			os.Exit(1)
		}
	}()

	opts, err := parseArgs(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n\n%s", err, usage)
		os.Exit(2)
	}

	handlers := map[string]func(options) error{
		"stress":  handleStress,
		"serve":   handleServe,
		"stats":   handleStats,
		"collect": handleCollect,
		"history": handleHistory,
	}
	switch opts.command {
	case "help", "-help", "--help":
		fmt.Print(usage)
		return
	}
	handle, ok := handlers[opts.command]
	if !ok {
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n%s", opts.command, usage)
		os.Exit(2)
	}
	if err := handle(opts); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}
