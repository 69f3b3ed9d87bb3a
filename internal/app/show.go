package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"yield-guard/internal/ratehistory"
)

// Show prints recent persisted rate samples.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.requireStore(ctx, "show samples")
	if err != nil {
		return err
	}
	defer closeStore()

	samples, err := store.ListRecentSamples(ctx, opts.Limit)
	if err != nil {
		return err
	}
	return renderSamples(os.Stdout, samples)
}

func renderSamples(out io.Writer, samples []ratehistory.Sample) error {
	if len(samples) == 0 {
		fmt.Fprintln(out, "no samples found")
		return nil
	}

	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tSource\tAPY%\tOrigin")

	for _, sample := range samples {
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\n",
			sample.ObservedAt.UTC().Format(time.RFC3339),
			sample.SourceID,
			formatDecimal(sample.Rate.Mul(hundred), 3),
			sample.Origin,
		)
	}

	return writer.Flush()
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
