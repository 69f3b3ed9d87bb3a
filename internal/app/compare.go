package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"yield-guard/internal/decision"
)

// Compare runs one decision pass against live data and prints it. Nothing is
// proposed, signed or persisted.
func (a *App) Compare(ctx context.Context) error {
	if a.Config.Ethereum.VaultAddress == "" {
		return errors.New("ethereum.vault_address 必须配置")
	}

	rt, err := a.build(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	if rt.store != nil {
		if _, err := rt.agent.Warm(ctx); err != nil {
			a.Logger.Warn().Err(err).Msg("failed to warm rate history; comparing on spot rates")
		}
	}

	result := rt.engine.CompareYields(ctx, a.Config.Ethereum.Vault())
	return renderComparison(os.Stdout, result)
}

func renderComparison(out io.Writer, c decision.Comparison) error {
	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Source\tAPY%\tSpot%\tBalance\tOrigin\tAnomaly")

	for _, snap := range c.Snapshots {
		spot := "-"
		if rate, ok := c.SpotRates[snap.SourceID]; ok {
			spot = formatDecimal(rate.Mul(hundred), 3)
		}
		anomaly := "-"
		if verdict, ok := c.AnomaliesBySource[snap.SourceID]; ok && verdict.Suspicious {
			anomaly = fmt.Sprintf("%s (%s)", verdict.Reason, verdict.Severity)
		}
		name := snap.SourceID
		if c.CurrentSource != nil && *c.CurrentSource == snap.SourceID {
			name += " *"
		}
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%s\t%s\n",
			name,
			formatDecimal(snap.AnnualRate.Mul(hundred), 3),
			spot,
			snap.HeldBalance.Dec(),
			snap.Origin,
			anomaly,
		)
	}
	if err := writer.Flush(); err != nil {
		return err
	}

	fmt.Fprintf(out, "\ndata origin: %s  time-weighted: %t\n", c.DataOrigin, c.UsedTimeWeighted)
	if c.BestSource != "" {
		fmt.Fprintf(out, "best source: %s  differential: %s bps\n", c.BestSource, c.RateDifferentialBps.StringFixed(1))
	}
	if c.ShouldMove {
		fmt.Fprintln(out, "decision: MOVE")
	} else {
		fmt.Fprintf(out, "decision: HOLD (%s)\n", sanitizeInline(c.RejectReason))
	}
	return nil
}
