package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"github.com/scopevis/scopevis/internal/config"
	"github.com/scopevis/scopevis/internal/domain"
	"github.com/scopevis/scopevis/internal/export"
	"github.com/scopevis/scopevis/internal/feed"
	"github.com/scopevis/scopevis/internal/logging"
	"github.com/scopevis/scopevis/internal/metrics"
	"github.com/scopevis/scopevis/internal/record"
	"github.com/scopevis/scopevis/internal/scenario"
	"github.com/scopevis/scopevis/internal/track"
	"github.com/scopevis/scopevis/tui"
	"github.com/scopevis/scopevis/web/api"
)

var (
	watchRecord  bool
	watchSession string
	watchForce   bool
	watchTail    bool

	listenAddr    string
	listenNoTUI   bool
	listenRecord  bool
	listenSession string
	listenForce   bool

	replaySpeed   float64
	replayStep    bool
	replaySession string

	exportAt      uint64
	exportSession string

	demoSpeed float64
	demoStep  bool

	emitTo       string
	emitOut      string
	emitProducer string
	emitSpeed    float64
)

// version is stamped by release builds with -ldflags "-X main.version=..."
var version = "dev"

func init() {
	// watch command
	watchCmd := &cobra.Command{
		Use:   "watch [path]",
		Short: "Follow a JSON-lines event log",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runWatch,
	}
	watchCmd.Flags().BoolVar(&watchRecord, "record", false, "mirror the stream into the recording store")
	watchCmd.Flags().StringVar(&watchSession, "session", "", "recording session name")
	watchCmd.Flags().BoolVar(&watchForce, "force", false, "replace an existing session with the same name")
	watchCmd.Flags().BoolVar(&watchTail, "tail", false, "start at the end of the log instead of replaying it")
	rootCmd.AddCommand(watchCmd)

	// listen command
	listenCmd := &cobra.Command{
		Use:   "listen",
		Short: "Accept a live websocket feed and serve the HTTP API",
		RunE:  runListen,
	}
	listenCmd.Flags().StringVar(&listenAddr, "addr", "", "listen address (default from config)")
	listenCmd.Flags().BoolVar(&listenNoTUI, "no-tui", false, "collect headless, without the terminal UI")
	listenCmd.Flags().BoolVar(&listenRecord, "record", false, "mirror the stream into the recording store")
	listenCmd.Flags().StringVar(&listenSession, "session", "", "recording session name")
	listenCmd.Flags().BoolVar(&listenForce, "force", false, "replace an existing session with the same name")
	rootCmd.AddCommand(listenCmd)

	// replay command
	replayCmd := &cobra.Command{
		Use:   "replay RECORDING",
		Short: "Replay a recording or event log through the viewer",
		Args:  cobra.ExactArgs(1),
		RunE:  runReplay,
	}
	replayCmd.Flags().Float64Var(&replaySpeed, "speed", 1, "replay speed multiplier, 0 for no pacing")
	replayCmd.Flags().BoolVar(&replayStep, "step", false, "advance one event per key press")
	replayCmd.Flags().StringVar(&replaySession, "session", "", "session name (default: newest)")
	rootCmd.AddCommand(replayCmd)

	// export command
	exportCmd := &cobra.Command{
		Use:   "export RECORDING",
		Short: "Print a recording's final frame as JSON",
		Args:  cobra.ExactArgs(1),
		RunE:  runExport,
	}
	exportCmd.Flags().Uint64Var(&exportAt, "at", 0, "export the snapshot at this version instead of the final one")
	exportCmd.Flags().StringVar(&exportSession, "session", "", "session name (default: newest)")
	rootCmd.AddCommand(exportCmd)

	// sessions command
	sessionsCmd := &cobra.Command{
		Use:   "sessions [store]",
		Short: "List recorded sessions",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runSessions,
	}
	rootCmd.AddCommand(sessionsCmd)

	// demo command
	demoCmd := &cobra.Command{
		Use:   "demo [scenario]",
		Short: "Play a scenario through the viewer",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runDemo,
	}
	demoCmd.Flags().Float64Var(&demoSpeed, "speed", 1, "playback speed multiplier, 0 for no pacing")
	demoCmd.Flags().BoolVar(&demoStep, "step", false, "advance one event per key press")
	rootCmd.AddCommand(demoCmd)

	// emit command
	emitCmd := &cobra.Command{
		Use:   "emit [scenario]",
		Short: "Send a scenario to a listener, standing in for an instrumented program",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runEmit,
	}
	emitCmd.Flags().StringVar(&emitTo, "to", "", "listener feed URL (default ws://<web.host>:<web.port>/feed)")
	emitCmd.Flags().StringVar(&emitOut, "out", "", "write a JSON-lines log instead of connecting")
	emitCmd.Flags().StringVar(&emitProducer, "producer", "", "producer name announced to the listener")
	emitCmd.Flags().Float64Var(&emitSpeed, "speed", 1, "emit speed multiplier, 0 for no pacing")
	rootCmd.AddCommand(emitCmd)

	// version command
	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		RunE:  runVersion,
	}
	rootCmd.AddCommand(versionCmd)
}

func loadConfig() (*config.Config, error) {
	return config.LoadWithLocalFallback(configPath)
}

func runWatch(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	path := cfg.Feed.Path
	if env := os.Getenv("SCOPEVIS_LOG"); env != "" {
		path = env
	}
	if len(args) > 0 {
		path = args[0]
	}

	tuiActive := term.IsTerminal(int(os.Stdout.Fd()))
	log, closeLog, err := newLogger(cfg, tuiActive)
	if err != nil {
		return err
	}
	defer closeLog()

	opts := trackerOptions(cfg, log, nil)

	var rec *record.Recorder
	if watchRecord {
		name := watchSession
		if name == "" {
			name = defaultSessionName(filepath.Base(path))
		}
		store, recorder, err := beginRecording(cfg, name, filepath.Base(path), watchForce)
		if err != nil {
			return err
		}
		defer store.Close()
		rec = recorder
		opts.Recorder = rec
		log.Info("recording session", "name", name, "store", cfg.Record.Path)
	}

	tracker, err := track.New(opts)
	if err != nil {
		return err
	}

	var src *feed.FileSource
	if watchTail {
		src, err = feed.TailFile(path, log)
	} else {
		src, err = feed.FollowFile(path, log)
	}
	if err != nil {
		return err
	}
	defer src.Close()

	workers, err := dumperWorkers(cfg, tracker, log)
	if err != nil {
		return err
	}

	if tuiActive {
		model := tui.NewModel(tui.ModelConfig{
			Tracker:          tracker,
			Producer:         filepath.Base(path),
			HideInternal:     cfg.Display.HideInternal,
			InternalPrefixes: cfg.Display.InternalPrefixes,
			ExportDir:        cfg.Export.Dir,
		})
		err = superviseTUI(cmd.Context(), model, tracker, src, workers...)
	} else {
		log.Info("no terminal, following headless", "path", path)
		err = superviseHeadless(cmd.Context(), tracker, src, workers...)
	}

	finishRecording(rec, tracker, log)
	return err
}

func runListen(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	addr := listenAddr
	if addr == "" {
		addr = fmt.Sprintf("%s:%d", cfg.Web.Host, cfg.Web.Port)
	}

	tuiActive := !listenNoTUI && term.IsTerminal(int(os.Stdout.Fd()))
	log, closeLog, err := newLogger(cfg, tuiActive)
	if err != nil {
		return err
	}
	defer closeLog()

	reg := prometheus.NewRegistry()
	opts := trackerOptions(cfg, log, metrics.New(reg))

	var rec *record.Recorder
	if listenRecord {
		name := listenSession
		if name == "" {
			name = defaultSessionName("listen")
		}
		store, recorder, err := beginRecording(cfg, name, addr, listenForce)
		if err != nil {
			return err
		}
		defer store.Close()
		rec = recorder
		opts.Recorder = rec
		log.Info("recording session", "name", name, "store", cfg.Record.Path)
	}

	tracker, err := track.New(opts)
	if err != nil {
		return err
	}

	src := feed.NewSocketSource(log)
	defer src.Close()

	server := api.NewServer(api.Config{
		Addr:     addr,
		Tracker:  tracker,
		Source:   src,
		Registry: reg,
		Export:   exportOptions(cfg),
		Logger:   log,
	})

	workers, err := dumperWorkers(cfg, tracker, log)
	if err != nil {
		return err
	}
	workers = append(workers, server.Run)

	if tuiActive {
		model := tui.NewModel(tui.ModelConfig{
			Tracker:          tracker,
			Producer:         "listening on " + addr,
			ProducerFunc:     src.Producer,
			HideInternal:     cfg.Display.HideInternal,
			InternalPrefixes: cfg.Display.InternalPrefixes,
			ExportDir:        cfg.Export.Dir,
		})
		err = superviseTUI(cmd.Context(), model, tracker, src, workers...)
	} else {
		err = superviseHeadless(cmd.Context(), tracker, src, workers...)
	}

	finishRecording(rec, tracker, log)
	return err
}

func runReplay(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if !term.IsTerminal(int(os.Stdout.Fd())) {
		return fmt.Errorf("replay needs a terminal; use export for headless runs")
	}

	log, closeLog, err := newLogger(cfg, true)
	if err != nil {
		return err
	}
	defer closeLog()

	events, producer, err := loadRecorded(args[0], replaySession, log)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		return fmt.Errorf("%s holds no events", args[0])
	}

	tracker, err := track.New(trackerOptions(cfg, log, nil))
	if err != nil {
		return err
	}

	var src feed.Source
	var stepper tui.Stepper
	if replayStep {
		step := feed.Step(events)
		src, stepper = step, step
	} else {
		src = feed.Replay(events, replaySpeed)
	}
	defer src.Close()

	model := tui.NewModel(tui.ModelConfig{
		Tracker:          tracker,
		Producer:         producer,
		HideInternal:     cfg.Display.HideInternal,
		InternalPrefixes: cfg.Display.InternalPrefixes,
		ExportDir:        cfg.Export.Dir,
		Stepper:          stepper,
	})
	return superviseTUI(cmd.Context(), model, tracker, src)
}

func runExport(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	level, err := logging.ParseLevel(cfg.Log.Level)
	if err != nil {
		return err
	}
	log := logging.New(os.Stderr, level)

	events, _, err := loadRecorded(args[0], exportSession, log)
	if err != nil {
		return err
	}

	tracker, err := track.New(trackerOptions(cfg, log, nil))
	if err != nil {
		return err
	}

	src := feed.Replay(events, 0)
	defer src.Close()
	if err := tracker.Run(cmd.Context(), src); err != nil {
		return err
	}

	snap := tracker.Current()
	if exportAt != 0 {
		at, ok := tracker.At(exportAt)
		if !ok {
			lo, hi := tracker.Window()
			return fmt.Errorf("version %d not retained (history holds v%d..v%d)", exportAt, lo, hi)
		}
		snap = at
	}

	return export.Build(snap, exportOptions(cfg)).Encode(os.Stdout)
}

func runSessions(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	path := cfg.Record.Path
	if len(args) > 0 {
		path = args[0]
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		fmt.Println("No recorded sessions")
		return nil
	}

	store, err := record.Open(path)
	if err != nil {
		return err
	}
	defer store.Close()

	sessions, err := store.Sessions()
	if err != nil {
		return err
	}
	if len(sessions) == 0 {
		fmt.Println("No recorded sessions")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tPRODUCER\tSTARTED\tEVENTS\tEND")
	for _, s := range sessions {
		end := "dropped"
		switch {
		case s.FinishedAt.IsZero():
			end = "open"
		case s.Clean:
			end = "clean"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
			s.Name, s.Producer, s.StartedAt.Format("2006-01-02 15:04:05"), s.Events, end)
	}
	w.Flush()

	return nil
}

func runDemo(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if !term.IsTerminal(int(os.Stdout.Fd())) {
		return fmt.Errorf("demo needs a terminal")
	}

	sc := scenario.Builtin()
	if len(args) > 0 {
		sc, err = scenario.Load(args[0])
		if err != nil {
			return err
		}
	}

	log, closeLog, err := newLogger(cfg, true)
	if err != nil {
		return err
	}
	defer closeLog()

	tracker, err := track.New(trackerOptions(cfg, log, nil))
	if err != nil {
		return err
	}

	var src feed.Source
	var stepper tui.Stepper
	if demoStep {
		step := feed.Step(sc.Events())
		src, stepper = step, step
	} else {
		src = sc.Play(demoSpeed)
	}
	defer src.Close()

	model := tui.NewModel(tui.ModelConfig{
		Tracker:          tracker,
		Producer:         sc.Name,
		HideInternal:     cfg.Display.HideInternal,
		InternalPrefixes: cfg.Display.InternalPrefixes,
		ExportDir:        cfg.Export.Dir,
		Stepper:          stepper,
	})
	return superviseTUI(cmd.Context(), model, tracker, src)
}

func runEmit(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	level, err := logging.ParseLevel(cfg.Log.Level)
	if err != nil {
		return err
	}
	log := logging.New(os.Stderr, level)

	sc := scenario.Builtin()
	if len(args) > 0 {
		sc, err = scenario.Load(args[0])
		if err != nil {
			return err
		}
	}
	events := sc.Events()

	if emitOut != "" {
		return writeEventLog(emitOut, events)
	}

	producer := emitProducer
	if producer == "" {
		producer = sc.Name
	}
	to := emitTo
	if to == "" {
		to = fmt.Sprintf("ws://%s:%d/feed", cfg.Web.Host, cfg.Web.Port)
	}

	emitter, err := feed.NewEmitter(feed.EmitterConfig{URL: to, Producer: producer}, log)
	if err != nil {
		return err
	}
	defer emitter.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := emitter.ConnectWithRetry(ctx); err != nil {
		return err
	}

	src := feed.Replay(events, emitSpeed)
	defer src.Close()
	go func() {
		<-ctx.Done()
		src.Close()
	}()

	sent := 0
	for raw := range src.Events() {
		if err := emitter.Emit(raw); err != nil {
			return err
		}
		sent++
	}
	if ctx.Err() != nil {
		fmt.Printf("Interrupted after %d events\n", sent)
		return nil
	}

	if err := emitter.Bye("scenario complete"); err != nil {
		return err
	}
	fmt.Printf("Emitted %d events to %s\n", sent, to)
	return nil
}

func runVersion(cmd *cobra.Command, args []string) error {
	fmt.Printf("scopevis %s\n", version)
	return nil
}

// newLogger builds the process logger. While the TUI owns the terminal,
// logs go to the configured file or nowhere at all.
func newLogger(cfg *config.Config, tuiActive bool) (*slog.Logger, func(), error) {
	level, err := logging.ParseLevel(cfg.Log.Level)
	if err != nil {
		return nil, nil, err
	}
	if !tuiActive {
		return logging.New(os.Stderr, level), func() {}, nil
	}
	if cfg.Log.File == "" {
		return logging.NewNop(), func() {}, nil
	}
	f, err := os.OpenFile(cfg.Log.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("opening log file: %w", err)
	}
	return logging.New(f, level), func() { f.Close() }, nil
}

func trackerOptions(cfg *config.Config, log *slog.Logger, m *metrics.Metrics) track.Options {
	return track.Options{
		HistorySize: cfg.History.Size,
		MaxNodes:    cfg.Model.MaxNodes,
		Logger:      log,
		Metrics:     m,
	}
}

func exportOptions(cfg *config.Config) export.Options {
	return export.Options{
		HideInternal:     cfg.Display.HideInternal,
		InternalPrefixes: cfg.Display.InternalPrefixes,
	}
}

// defaultSessionName derives a unique session name from the source name
func defaultSessionName(source string) string {
	base := strings.TrimSuffix(source, filepath.Ext(source))
	return fmt.Sprintf("%s-%s", base, time.Now().Format("20060102-150405"))
}

// beginRecording opens the store and starts a named session. An existing
// session with the same name is replaced only when forced.
func beginRecording(cfg *config.Config, name, producer string, force bool) (*record.Store, *record.Recorder, error) {
	if dir := filepath.Dir(cfg.Record.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, nil, err
		}
	}
	store, err := record.Open(cfg.Record.Path)
	if err != nil {
		return nil, nil, err
	}

	rec, err := store.Begin(name, producer)
	if errors.Is(err, record.ErrSessionExists) && (force || cfg.Record.Overwrite) {
		if derr := store.Delete(name); derr != nil {
			store.Close()
			return nil, nil, derr
		}
		rec, err = store.Begin(name, producer)
	}
	if err != nil {
		store.Close()
		if errors.Is(err, record.ErrSessionExists) {
			return nil, nil, fmt.Errorf("%w (use --force to replace it)", err)
		}
		return nil, nil, err
	}
	return store, rec, nil
}

func finishRecording(rec *record.Recorder, tracker *track.Tracker, log *slog.Logger) {
	if rec == nil {
		return
	}
	if err := rec.Finish(tracker.Stats().Finalized); err != nil {
		log.Warn("finishing recording session", "err", err)
	}
}

// loadRecorded reads events from a sqlite recording or a JSON-lines log.
// For recordings the newest session is used unless a name is given.
func loadRecorded(arg, session string, log *slog.Logger) ([]domain.RawEvent, string, error) {
	if filepath.Ext(arg) != ".db" {
		f, err := os.Open(arg)
		if err != nil {
			return nil, "", err
		}
		defer f.Close()
		events, err := feed.ReadEvents(f, log)
		if err != nil {
			return nil, "", err
		}
		return events, filepath.Base(arg), nil
	}

	store, err := record.Open(arg)
	if err != nil {
		return nil, "", err
	}
	defer store.Close()

	var sess record.Session
	if session != "" {
		sess, err = store.Session(session)
		if err != nil {
			return nil, "", err
		}
	} else {
		all, err := store.Sessions()
		if err != nil {
			return nil, "", err
		}
		if len(all) == 0 {
			return nil, "", fmt.Errorf("%s holds no sessions", arg)
		}
		sess = all[0]
	}

	events, err := store.Events(sess.ID)
	if err != nil {
		return nil, "", err
	}

	producer := sess.Producer
	if producer == "" {
		producer = sess.Name
	}
	return events, producer, nil
}

// writeEventLog writes events as a JSON-lines log ending with the
// end-of-stream record, ready for watch or replay
func writeEventLog(path string, events []domain.RawEvent) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	for _, raw := range events {
		line, err := feed.EncodeLine(raw)
		if err != nil {
			return err
		}
		if _, err := w.Write(line); err != nil {
			return err
		}
	}
	if _, err := w.Write(feed.EndLine()); err != nil {
		return err
	}
	if err := w.Flush(); err != nil {
		return err
	}

	fmt.Printf("Wrote %d events to %s\n", len(events), path)
	return nil
}

type worker func(context.Context) error

// dumperWorkers returns a scheduled frame dump worker when one is configured
func dumperWorkers(cfg *config.Config, tracker *track.Tracker, log *slog.Logger) ([]worker, error) {
	if cfg.Export.Schedule == "" {
		return nil, nil
	}
	d, err := export.NewDumper(tracker, export.DumpConfig{
		Cron: cfg.Export.Schedule,
		Dir:  cfg.Export.Dir,
	}, exportOptions(cfg), log)
	if err != nil {
		return nil, err
	}
	return []worker{d.Run}, nil
}

// superviseTUI runs the tracker, any workers, and the TUI program together.
// A worker failure tears the TUI down; a clean stream end leaves it up for
// inspection until the user quits.
func superviseTUI(ctx context.Context, model tui.Model, tracker *track.Tracker, src feed.Source, workers ...worker) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	p := tea.NewProgram(model, tea.WithAltScreen())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return ignoreCanceled(tracker.Run(gctx, src))
	})
	for _, w := range workers {
		g.Go(func() error {
			return ignoreCanceled(w(gctx))
		})
	}
	go func() {
		<-gctx.Done()
		p.Quit()
	}()

	_, tuiErr := p.Run()
	cancel()
	src.Close()

	if err := g.Wait(); err != nil {
		return err
	}
	return tuiErr
}

// superviseHeadless runs the tracker and workers until the stream ends or
// a signal arrives. The end of the stream stops the workers too.
func superviseHeadless(ctx context.Context, tracker *track.Tracker, src feed.Source, workers ...worker) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer cancel()
		return ignoreCanceled(tracker.Run(gctx, src))
	})
	for _, w := range workers {
		g.Go(func() error {
			return ignoreCanceled(w(gctx))
		})
	}

	err := g.Wait()
	src.Close()
	return err
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
