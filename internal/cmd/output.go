package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/inercia/warden/internal/defense"
	"github.com/inercia/warden/internal/logging"
	"github.com/inercia/warden/internal/store"
)

// timeLayout is used for every timestamp printed in tables.
const timeLayout = "2006-01-02 15:04:05"

// openDefense opens the configured store and builds the defense pipeline
// for a one-shot command. The sweep loop is disabled; close releases both.
func openDefense(ctx context.Context) (*defense.Defense, func(), error) {
	db, err := store.Open(ctx, cfg.Database, logging.Store())
	if err != nil {
		return nil, nil, err
	}
	dcfg := cfg.Defense
	dcfg.SweepInterval = 0
	def, err := defense.New(db, dcfg, logging.Defense())
	if err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	return def, func() {
		_ = def.Close()
		_ = db.Close()
	}, nil
}

// operatorName is the default operator recorded for CLI actions.
func operatorName() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "cli"
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTable(w io.Writer, header string) *tabwriter.Writer {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, header)
	return tw
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format(timeLayout)
}

func formatExpiry(t *time.Time) string {
	if t == nil {
		return "never"
	}
	return formatTime(*t)
}

func orDash(s *string) string {
	if s == nil || *s == "" {
		return "-"
	}
	return *s
}
