package app

import (
	"context"
	"encoding/csv"
	"errors"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"

	"price-alert-engine/internal/models"
)

// Export renders fire history as CSV and/or a PNG chart.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}
	from := to.Add(-30 * 24 * time.Hour)
	if opts.From != nil {
		from = opts.From.UTC()
	}
	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	fires, err := store.ListFiresBetween(ctx, from, to)
	if err != nil {
		return err
	}
	if len(fires) == 0 {
		a.Logger.Info().Time("from", from).Time("to", to).Msg("no fires found for export window")
		return nil
	}

	downsampled := downsampleFires(fires, opts.MaxPoints)
	a.Logger.Info().Int("total", len(fires)).Int("exported", len(downsampled)).Msg("exporting fires")

	if opts.CSVPath != "" {
		if err := writeFiresCSV(opts.CSVPath, downsampled); err != nil {
			return err
		}
	}
	if opts.PNGPath != "" {
		if err := writeFiresPNG(opts.PNGPath, downsampled); err != nil {
			return err
		}
	}
	return nil
}

func downsampleFires(fires []models.FireEvent, max int) []models.FireEvent {
	if max <= 0 || len(fires) <= max {
		return fires
	}
	if max == 1 {
		return fires[len(fires)-1:]
	}

	result := make([]models.FireEvent, 0, max)
	step := float64(len(fires)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(fires) {
			idx = len(fires) - 1
		}
		result = append(result, fires[idx])
	}
	return result
}

func writeFiresCSV(path string, fires []models.FireEvent) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	header := []string{"fire_id", "rule_id", "rule_version", "symbol", "operator", "threshold", "value", "quote_at", "fired_at", "dispatched_at"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, fire := range fires {
		dispatched := ""
		if fire.DispatchedAt != nil {
			dispatched = fire.DispatchedAt.UTC().Format(time.RFC3339)
		}
		record := []string{
			fire.ID,
			fire.RuleID,
			strconv.FormatInt(fire.RuleVersion, 10),
			fire.Symbol,
			string(fire.Operator),
			fire.Threshold.String(),
			fire.Value.String(),
			fire.QuoteAt.UTC().Format(time.RFC3339),
			fire.FiredAt.UTC().Format(time.RFC3339),
			dispatched,
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

// writeFiresPNG plots fire values per symbol; go-chart needs at least two points per series.
func writeFiresPNG(path string, fires []models.FireEvent) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	bySymbol := make(map[string][]models.FireEvent)
	for _, f := range fires {
		bySymbol[f.Symbol] = append(bySymbol[f.Symbol], f)
	}
	symbols := make([]string, 0, len(bySymbol))
	for sym := range bySymbol {
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)

	var series []chart.Series
	for _, sym := range symbols {
		points := bySymbol[sym]
		if len(points) < 2 {
			continue
		}
		x := make([]time.Time, len(points))
		y := make([]float64, len(points))
		for i, f := range points {
			x[i] = f.FiredAt
			y[i] = f.Value.InexactFloat64()
		}
		series = append(series, chart.TimeSeries{
			Name:    sym,
			XValues: x,
			YValues: y,
			Style: chart.Style{
				StrokeWidth: chart.Disabled,
				DotWidth:    4,
			},
		})
	}
	if len(series) == 0 {
		return errors.New("png export needs at least two fires for one symbol")
	}

	priceFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.2f")
	}
	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Price at fire",
			ValueFormatter: priceFormatter,
		},
		Series: series,
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

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
