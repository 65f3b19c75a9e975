// Replay a recorded proximity trace through the tier state machine
// Prints every tier change and closed session, for tuning thresholds offline
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	stdlog "log"
	"os"
	"time"

	"github.com/teslashibe/go-chipins/internal/log"
	"github.com/teslashibe/go-chipins/pkg/analytics"
	"github.com/teslashibe/go-chipins/pkg/detector"
	"github.com/teslashibe/go-chipins/pkg/proximity"
	"github.com/teslashibe/go-chipins/pkg/settings"
)

func main() {
	settingsPath := flag.String("settings", "", "Settings YAML with proximity thresholds (default: built-in)")
	asJSON := flag.Bool("json", false, "Print events as JSON lines")
	logLevel := flag.String("log-level", "warn", "Log level for dropped readings")
	flag.Parse()

	in, name, err := input(flag.Arg(0))
	if err != nil {
		stdlog.Fatalf("open input: %v", err)
	}
	defer in.Close()

	readings, err := detector.ParseCSV(in)
	if err != nil {
		stdlog.Fatalf("parse %s: %v", name, err)
	}

	cfg := settings.Default()
	if *settingsPath != "" {
		if cfg, err = settings.Load(*settingsPath); err != nil {
			stdlog.Fatalf("settings: %v", err)
		}
	}

	logger := log.New(os.Stderr, *logLevel, false)
	m := proximity.NewMachine(cfg.Proximity, proximity.WithLogger(logger))

	out := newPrinter(os.Stdout, *asJSON)
	var sessions []proximity.Session
	m.OnTierChange(out.tier)
	m.OnSessionClosed(func(s proximity.Session) {
		sessions = append(sessions, s)
		out.session(s)
	})

	for _, r := range readings {
		m.Ingest(r)
	}
	if n := len(readings); n > 0 {
		// Let a trailing session finish its cooldown.
		m.Advance(readings[n-1].TimestampMs + cfg.Proximity.Cooldown.Milliseconds())
	}

	out.summary(analytics.Summarize(sessions, time.Time{}), len(readings), m.Dropped())
}

func input(path string) (io.ReadCloser, string, error) {
	if path == "" || path == "-" {
		return io.NopCloser(os.Stdin), "stdin", nil
	}
	f, err := os.Open(path)
	return f, path, err
}

type printer struct {
	w    io.Writer
	json bool
	enc  *json.Encoder
}

func newPrinter(w io.Writer, asJSON bool) *printer {
	return &printer{w: w, json: asJSON, enc: json.NewEncoder(w)}
}

func (p *printer) tier(ev proximity.TierChangeEvent) {
	if p.json {
		p.enc.Encode(map[string]any{"type": "tier_change", "data": ev})
		return
	}
	fmt.Fprintf(p.w, "%8d  %-7s -> %-7s  level=%5.1f\n", ev.TimestampMs, ev.From, ev.To, ev.Level)
}

func (p *printer) session(s proximity.Session) {
	if p.json {
		p.enc.Encode(map[string]any{"type": "session_closed", "data": s})
		return
	}
	fmt.Fprintf(p.w, "session %s  %-9s engaged=%dms peak=%s readings=%d\n",
		s.ID, s.Outcome, s.EngagedDurationMs, s.PeakTier, s.Readings)
}

func (p *printer) summary(sum analytics.Summary, readings, dropped int) {
	if p.json {
		p.enc.Encode(map[string]any{"type": "summary", "data": sum, "readings": readings, "dropped": dropped})
		return
	}
	fmt.Fprintf(p.w, "\n%d readings (%d dropped), %d sessions: %d engaged, %d abandoned, %d converted, avg %dms\n",
		readings, dropped, sum.Total, sum.Engaged, sum.Abandoned, sum.Converted, sum.AvgEngagedMs)
}
