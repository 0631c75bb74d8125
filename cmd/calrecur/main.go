// Command calrecur prints the occurrences of stored events in a window.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/cyp0633/libcalrecur/engine"
	"github.com/cyp0633/libcalrecur/ical"
	"github.com/cyp0633/libcalrecur/internal/config"
	"github.com/cyp0633/libcalrecur/internal/logging"
	"github.com/cyp0633/libcalrecur/storage"
	"github.com/cyp0633/libcalrecur/storage/memory"
	"github.com/cyp0633/libcalrecur/storage/postgres"
	"github.com/cyp0633/libcalrecur/xcal"
)

const dateLayout = "2006-01-02"

type options struct {
	configPath string
	from       string
	to         string
	format     string
	events     string
	importICS  string
}

// backend is what the binary needs from a store.
type backend interface {
	storage.Store
	storage.ShareStore
	storage.Writer
}

func main() {
	opts, err := parseFlags(os.Args[1:])
	if err != nil {
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, opts, os.Stdout, os.Stderr); err != nil {
		fmt.Fprintln(os.Stderr, "calrecur:", err)
		os.Exit(1)
	}
}

func parseFlags(args []string) (options, error) {
	var opts options
	fs := flag.NewFlagSet("calrecur", flag.ContinueOnError)
	fs.StringVar(&opts.configPath, "config", "", "Path to a YAML config file")
	fs.StringVar(&opts.from, "from", "", "Window start, RFC 3339 or YYYY-MM-DD (default today)")
	fs.StringVar(&opts.to, "to", "", "Window end, RFC 3339 or YYYY-MM-DD (default one week after -from)")
	fs.StringVar(&opts.format, "format", "json", "Output format: json, ics or xcal")
	fs.StringVar(&opts.events, "events", "", "Comma-separated event IDs (default all)")
	fs.StringVar(&opts.importICS, "import", "", "iCalendar file to import into the store before querying")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	return opts, nil
}

func parseTime(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%q is neither RFC 3339 nor %s", s, dateLayout)
	}
	return t, nil
}

func window(opts options, now time.Time) (time.Time, time.Time, error) {
	from := now.UTC().Truncate(24 * time.Hour)
	if opts.from != "" {
		t, err := parseTime(opts.from)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("-from: %w", err)
		}
		from = t
	}
	to := from.AddDate(0, 0, 7)
	if opts.to != "" {
		t, err := parseTime(opts.to)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("-to: %w", err)
		}
		to = t
	}
	return from, to, nil
}

func parseIDs(s string) ([]uuid.UUID, error) {
	if s == "" {
		return nil, nil
	}
	var ids []uuid.UUID
	for _, part := range strings.Split(s, ",") {
		id, err := uuid.Parse(strings.TrimSpace(part))
		if err != nil {
			return nil, fmt.Errorf("-events: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (backend, func() error, error) {
	switch cfg.Store.Driver {
	case "postgres":
		s, err := postgres.Open(ctx, postgres.Config{
			DSN:             cfg.Store.DSN,
			MaxOpenConns:    cfg.Store.MaxOpenConns,
			ConnMaxLifetime: cfg.Store.ConnMaxLifetime,
		}, postgres.WithLogger(logger))
		if err != nil {
			return nil, nil, err
		}
		if cfg.Store.Migrate {
			if err := s.Migrate(ctx); err != nil {
				s.Close()
				return nil, nil, err
			}
		}
		return s, s.Close, nil
	default:
		s := memory.New()
		if cfg.Store.Fixture != "" {
			f, err := os.Open(cfg.Store.Fixture)
			if err != nil {
				return nil, nil, fmt.Errorf("open fixture: %w", err)
			}
			defer f.Close()
			if err := s.LoadFixture(f); err != nil {
				return nil, nil, fmt.Errorf("load fixture %s: %w", cfg.Store.Fixture, err)
			}
		}
		return s, func() error { return nil }, nil
	}
}

func importCalendar(ctx context.Context, w storage.Writer, path string, owner uuid.UUID) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open calendar: %w", err)
	}
	defer f.Close()

	events, rows, err := ical.Decode(f, owner)
	if err != nil {
		return 0, fmt.Errorf("decode %s: %w", path, err)
	}
	for _, e := range events {
		if err := w.PutEvent(ctx, e); err != nil {
			return 0, fmt.Errorf("import event %s: %w", e.ID, err)
		}
	}
	for _, o := range rows {
		if err := w.PutOverride(ctx, o); err != nil {
			return 0, fmt.Errorf("import override %s#%d: %w", o.EventID, o.Ordinal, err)
		}
	}
	return len(events), nil
}

func run(ctx context.Context, opts options, stdout, stderr io.Writer) error {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}
	logger := logging.New(logging.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Caller: cfg.Log.Caller,
		Output: stderr,
	})

	from, to, err := window(opts, time.Now())
	if err != nil {
		return err
	}
	ids, err := parseIDs(opts.events)
	if err != nil {
		return err
	}
	user, scope, hasViewer, err := cfg.Viewer()
	if err != nil {
		return err
	}

	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeStore(); err != nil {
			logger.Error("closing store", "error", err)
		}
	}()

	if opts.importICS != "" {
		n, err := importCalendar(ctx, store, opts.importICS, user)
		if err != nil {
			return err
		}
		logger.Info("calendar imported", "path", opts.importICS, "events", n)
	}

	svcOpts := []engine.Option{
		engine.WithConfig(cfg.Engine()),
		engine.WithLogger(logger),
	}
	if hasViewer {
		svcOpts = append(svcOpts, engine.WithAccessFilter(engine.OwnerFilter{User: user, Scope: scope, Shares: store}))
	}
	svc := engine.New(store, svcOpts...)
	defer svc.Close()

	res, err := svc.Query(ctx, ids, from, to)
	if err != nil {
		return err
	}
	logger.Debug("query answered", "start", from, "end", to, "occurrences", len(res.Entries))

	switch opts.format {
	case "json":
		return writeJSON(stdout, res)
	case "ics":
		return ical.EncodeEntries(stdout, res.Entries)
	case "xcal":
		return xcal.Encode(stdout, res.Entries)
	default:
		return errors.New("unknown -format " + opts.format)
	}
}

type jsonOccurrence struct {
	EventID     uuid.UUID `json:"eventId"`
	Ordinal     int       `json:"ordinal"`
	Start       time.Time `json:"start"`
	End         time.Time `json:"end"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Editable    bool      `json:"editable"`
	Overridden  bool      `json:"overridden"`
}

type jsonResult struct {
	Start       time.Time        `json:"start"`
	End         time.Time        `json:"end"`
	Occurrences []jsonOccurrence `json:"occurrences"`
}

func writeJSON(w io.Writer, res *engine.Result) error {
	out := jsonResult{
		Start:       res.Window.Start,
		End:         res.Window.End,
		Occurrences: make([]jsonOccurrence, 0, len(res.Entries)),
	}
	for _, e := range res.Entries {
		out.Occurrences = append(out.Occurrences, jsonOccurrence{
			EventID:     e.EventID(),
			Ordinal:     e.Ordinal(),
			Start:       e.Start(),
			End:         e.End(),
			Name:        e.Name(),
			Description: e.Description(),
			Editable:    e.Editable(),
			Overridden:  e.Override().IsPresent(),
		})
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
