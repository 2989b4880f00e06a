package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/odyssey-erp/stockledger/internal/stock"
)

// ExitDrift is returned when at least one entry drifted from its reservations.
const ExitDrift = 10

// IntegrityChecker reports reservation drift.
type IntegrityChecker interface {
	CheckReservationIntegrity(ctx context.Context) ([]stock.Drift, error)
}

// IntegrityOptions defines the flags of the integrity command.
type IntegrityOptions struct {
	JSONOutput bool
	Stdout     io.Writer
	Stderr     io.Writer
}

// IntegritySummary is the JSON output of the integrity command.
type IntegritySummary struct {
	OK     bool          `json:"ok"`
	Drifts []stock.Drift `json:"drifts"`
}

// IntegrityCommand runs the reservation integrity check and prints the outcome.
func IntegrityCommand(ctx context.Context, checker IntegrityChecker, opts IntegrityOptions) int {
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	drifts, err := checker.CheckReservationIntegrity(ctx)
	if err != nil {
		_, _ = fmt.Fprintf(opts.Stderr, "integrity: %v\n", err)
		return 1
	}
	if drifts == nil {
		drifts = []stock.Drift{}
	}
	if opts.JSONOutput {
		if err := json.NewEncoder(opts.Stdout).Encode(IntegritySummary{OK: len(drifts) == 0, Drifts: drifts}); err != nil {
			_, _ = fmt.Fprintf(opts.Stderr, "integrity: encode json: %v\n", err)
			return 1
		}
	} else {
		renderIntegrityHuman(opts.Stdout, drifts)
	}
	if len(drifts) > 0 {
		return ExitDrift
	}
	return 0
}

func renderIntegrityHuman(out io.Writer, drifts []stock.Drift) {
	if len(drifts) == 0 {
		_, _ = fmt.Fprintln(out, "All reserved counters match open reservations.")
		return
	}
	_, _ = fmt.Fprintf(out, "%d entry(ies) drifted:\n", len(drifts))
	for _, d := range drifts {
		_, _ = fmt.Fprintf(out, "  - entry %d (product %d, warehouse %d): reserved %d, open reservations %d\n",
			d.EntryID, d.ProductID, d.WarehouseID, d.Reserved, d.OpenReservation)
	}
}
