package app

import (
	"context"
	"encoding/csv"
	"errors"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	chart "github.com/wcharczuk/go-chart/v2"

	"yield-guard/internal/ratehistory"
)

var hundred = decimal.NewFromInt(100)

// Export renders persisted rate samples as CSV and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	store, closeStore, err := a.requireStore(ctx, "export")
	if err != nil {
		return err
	}
	defer closeStore()

	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}

	from := to.Add(-time.Duration(opts.MaxPoints) * a.Config.Scheduler.Interval)
	if opts.From != nil {
		from = opts.From.UTC()
	}

	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	samples, err := store.ListSamplesBetween(ctx, from, to)
	if err != nil {
		return err
	}
	series := groupBySource(samples, opts.Source)
	if len(series) == 0 {
		a.Logger.Info().Msg("no samples found for export window")
		return nil
	}

	exported := 0
	for id, s := range series {
		series[id] = downsampleSamples(s, opts.MaxPoints)
		exported += len(series[id])
	}
	a.Logger.Info().Int("total", len(samples)).Int("exported", exported).Int("sources", len(series)).Msg("exporting samples")

	if opts.CSVPath != "" {
		if err := writeSamplesCSV(opts.CSVPath, series); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writeSamplesPNG(opts.PNGPath, series); err != nil {
			return err
		}
	}

	return nil
}

// groupBySource splits samples per source; a non-empty filter keeps only that source.
func groupBySource(samples []ratehistory.Sample, filter string) map[string][]ratehistory.Sample {
	out := make(map[string][]ratehistory.Sample)
	for _, s := range samples {
		if filter != "" && s.SourceID != filter {
			continue
		}
		out[s.SourceID] = append(out[s.SourceID], s)
	}
	return out
}

func sortedSources(series map[string][]ratehistory.Sample) []string {
	ids := make([]string, 0, len(series))
	for id := range series {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func downsampleSamples(samples []ratehistory.Sample, limit int) []ratehistory.Sample {
	if limit <= 0 || len(samples) <= limit {
		return samples
	}
	if limit == 1 {
		return samples[len(samples)-1:]
	}

	result := make([]ratehistory.Sample, 0, limit)
	step := float64(len(samples)-1) / float64(limit-1)
	for i := 0; i < limit; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(samples) {
			idx = len(samples) - 1
		}
		result = append(result, samples[idx])
	}
	return result
}

func writeSamplesCSV(path string, series map[string][]ratehistory.Sample) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return encodeSamplesCSV(file, series)
}

func encodeSamplesCSV(w io.Writer, series map[string][]ratehistory.Sample) error {
	writer := csv.NewWriter(w)

	header := []string{"observed_at", "source_id", "rate", "rate_pct", "origin"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, id := range sortedSources(series) {
		for _, sample := range series[id] {
			record := []string{
				sample.ObservedAt.UTC().Format(time.RFC3339),
				sample.SourceID,
				sample.Rate.String(),
				formatDecimal(sample.Rate.Mul(hundred), 4),
				string(sample.Origin),
			}
			if err := writer.Write(record); err != nil {
				return err
			}
		}
	}

	writer.Flush()
	return writer.Error()
}

func samplesChart(series map[string][]ratehistory.Sample) chart.Chart {
	rateFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.2f")
	}
	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "APY (%)",
			ValueFormatter: rateFormatter,
		},
	}

	for _, id := range sortedSources(series) {
		samples := series[id]
		x := make([]time.Time, len(samples))
		y := make([]float64, len(samples))
		for i, sample := range samples {
			x[i] = sample.ObservedAt
			y[i] = sample.Rate.Mul(hundred).InexactFloat64()
		}
		graph.Series = append(graph.Series, chart.TimeSeries{
			Name:    id,
			XValues: x,
			YValues: y,
		})
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}
	return graph
}

func writeSamplesPNG(path string, series map[string][]ratehistory.Sample) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	graph := samplesChart(series)

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

func formatDecimal(d decimal.Decimal, places int32) string {
	return d.StringFixed(places)
}
