// Package main is the entry point for evtrace, which dispatches events
// through a traced dispatcher and prints the trace report.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/tidwall/gjson"
	"github.com/tidwall/match"
	"github.com/tidwall/pretty"
	"go.uber.org/zap"

	"github.com/dshills/eventmanager/internal/config"
	"github.com/dshills/eventmanager/internal/container"
	"github.com/dshills/eventmanager/internal/event"
	"github.com/dshills/eventmanager/internal/event/trace"
	"github.com/dshills/eventmanager/internal/logging"
	"github.com/dshills/eventmanager/internal/script"
	"github.com/dshills/eventmanager/internal/telemetry"
)

// Version information (set via ldflags during build).
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// options holds parsed command line flags.
type options struct {
	scripts   string
	payload   string
	subject   string
	only      string
	logLevel  string
	until     bool
	listeners listenerFlags
	events    []string
}

// listenerSpec is one -listen flag: event=reference[,priority].
type listenerSpec struct {
	event    string
	ref      string
	priority int
}

type listenerFlags []listenerSpec

func (f *listenerFlags) String() string {
	parts := make([]string, len(*f))
	for i, l := range *f {
		parts[i] = l.event + "=" + l.ref + "," + strconv.Itoa(l.priority)
	}
	return strings.Join(parts, " ")
}

func (f *listenerFlags) Set(v string) error {
	name, ref, ok := strings.Cut(v, "=")
	if !ok || name == "" || ref == "" {
		return fmt.Errorf("expected event=module@function[,priority], got %q", v)
	}
	spec := listenerSpec{event: name, ref: ref}
	if r, p, ok := strings.Cut(ref, ","); ok {
		prio, err := strconv.Atoi(p)
		if err != nil {
			return fmt.Errorf("invalid priority %q", p)
		}
		spec.ref, spec.priority = r, prio
	}
	*f = append(*f, spec)
	return nil
}

// output is the printed document.
type output struct {
	Responses map[string]any `json:"responses"`
	trace.Report
}

func run(args []string, stdout, stderr io.Writer) int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	opts, code, ok := parseFlags(args, cfg, stderr)
	if !ok {
		return code
	}

	logger, err := logging.New(opts.logLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdown, err := telemetry.Setup(ctx, cfg)
	if err != nil {
		fmt.Fprintf(stderr, "Error: failed to set up telemetry: %v\n", err)
		return 1
	}
	defer shutdown(context.Background())

	c := container.New()
	var modules []*script.Module
	if opts.scripts != "" {
		modules, err = script.LoadDir(opts.scripts,
			script.WithTimeout(cfg.ScriptTimeout),
			script.WithCallStackSize(cfg.ScriptCallStackSize),
			script.WithLogger(logger),
		)
		if err != nil {
			fmt.Fprintf(stderr, "Error: failed to load scripts: %v\n", err)
			return 1
		}
	}
	defer func() {
		for _, m := range modules {
			m.Close()
		}
	}()
	script.Install(c, modules...)

	tracer := trace.New(
		event.New(event.WithLocator(c), event.WithLogger(logger)),
		trace.WithLogger(logger),
	)
	if err := script.Subscribe(tracer, modules...); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	for _, l := range opts.listeners {
		if err := tracer.AddListener(l.event, event.Ref(l.ref), l.priority); err != nil {
			fmt.Fprintf(stderr, "Error: failed to add listener %s: %v\n", l.ref, err)
			return 1
		}
	}

	payload, err := parsePayload(opts.payload)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	code = 0
	responses := make(map[string]any, len(opts.events))
	for _, name := range opts.events {
		resp, err := dispatch(ctx, tracer, name, opts, payload)
		if err != nil {
			logger.Error("dispatch failed", zap.String("event", name), zap.Error(err))
			fmt.Fprintf(stderr, "Error: %v\n", err)
			code = 1
			continue
		}
		responses[name] = resp
	}

	doc := output{Responses: responses, Report: filterReport(tracer.Report(), opts.only)}
	b, err := json.Marshal(doc)
	if err != nil {
		fmt.Fprintf(stderr, "Error: failed to encode report: %v\n", err)
		return 1
	}
	stdout.Write(pretty.Pretty(b))
	return code
}

func parseFlags(args []string, cfg config.Config, stderr io.Writer) (options, int, bool) {
	var opts options
	var showVersion bool

	fs := flag.NewFlagSet("evtrace", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&opts.scripts, "scripts", cfg.ScriptDir, "Directory of Lua listener modules")
	fs.StringVar(&opts.payload, "payload", "", "JSON object used as event arguments")
	fs.StringVar(&opts.subject, "subject", "", "Event subject")
	fs.StringVar(&opts.only, "only", "*", "Glob pattern of event names to report")
	fs.StringVar(&opts.logLevel, "log-level", cfg.LogLevel, "Log level (debug, info, warn, error)")
	fs.BoolVar(&opts.until, "until", false, "Stop at the first listener returning a value")
	fs.Var(&opts.listeners, "listen", "Add a listener: event=module@function[,priority] (repeatable)")
	fs.BoolVar(&showVersion, "version", false, "Show version information")

	fs.Usage = func() {
		fmt.Fprintf(stderr, "evtrace - dispatch events and report which listeners ran\n\n")
		fmt.Fprintf(stderr, "Usage: evtrace [options] event [event...]\n\n")
		fmt.Fprintf(stderr, "Options:\n")
		fs.PrintDefaults()
		fmt.Fprintf(stderr, "\nExamples:\n")
		fmt.Fprintf(stderr, "  evtrace -scripts ./scripts order.placed\n")
		fmt.Fprintf(stderr, "  evtrace -payload '{\"total\":42}' -until order.total\n")
		fmt.Fprintf(stderr, "  evtrace -listen order.placed=audit@on_order,10 order.placed\n")
	}

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return opts, 0, false
		}
		return opts, 2, false
	}

	if showVersion {
		fmt.Fprintf(stderr, "evtrace %s\n", version)
		fmt.Fprintf(stderr, "Commit: %s\n", commit)
		fmt.Fprintf(stderr, "Built: %s\n", date)
		return opts, 0, false
	}

	opts.events = fs.Args()
	if len(opts.events) == 0 {
		fmt.Fprintf(stderr, "Error: no events given\n")
		fs.Usage()
		return opts, 2, false
	}
	return opts, 0, true
}

// dispatch sends one event and returns its response: the first non-nil
// listener result with -until, otherwise the event arguments afterwards.
func dispatch(ctx context.Context, d event.Dispatcher, name string, opts options, payload map[string]any) (any, error) {
	var subject any
	if opts.subject != "" {
		subject = opts.subject
	}
	ev := event.NewGenericEvent(subject, payload)

	if opts.until {
		return d.DispatchUntil(ctx, ev, name)
	}
	if _, err := d.Dispatch(ctx, ev, name); err != nil {
		return nil, err
	}
	return ev.Arguments(), nil
}

// parsePayload converts a JSON object into event arguments.
func parsePayload(raw string) (map[string]any, error) {
	args := make(map[string]any)
	if strings.TrimSpace(raw) == "" {
		return args, nil
	}
	if !gjson.Valid(raw) {
		return nil, errors.New("payload is not valid JSON")
	}
	res := gjson.Parse(raw)
	if !res.IsObject() {
		return nil, errors.New("payload must be a JSON object")
	}
	res.ForEach(func(key, value gjson.Result) bool {
		args[key.String()] = value.Value()
		return true
	})
	return args, nil
}

// filterReport keeps the entries whose event name matches pattern.
func filterReport(r trace.Report, pattern string) trace.Report {
	keep := func(name string) bool {
		return match.Match(name, pattern)
	}
	return trace.Report{
		Called:    filter(r.Called, func(i trace.Info) bool { return keep(i.EventName) }),
		NotCalled: filter(r.NotCalled, func(i trace.Info) bool { return keep(i.EventName) }),
		Orphaned:  filter(r.Orphaned, keep),
		Events:    filter(r.Events, func(e trace.LogEntry) bool { return keep(e.EventName) }),
	}
}

func filter[T any](items []T, keep func(T) bool) []T {
	out := make([]T, 0, len(items))
	for _, item := range items {
		if keep(item) {
			out = append(out, item)
		}
	}
	return out
}
