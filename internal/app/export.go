package app

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"sofr-tracker/internal/model"
	"sofr-tracker/internal/storage"
)

// ExportOptions hold parameters for exporting one stored series.
type ExportOptions struct {
	Series string
	From   string
	To     string
	// CSVPath of "" or "-" writes to the command's output.
	CSVPath string
	MaxRows int
}

// ExportSeries lists the names accepted by --series.
var ExportSeries = []string{
	"sofr", "effr", "policy", "rrp", "volume",
	string(storage.SpreadSOFRPercentile), string(storage.SpreadSOFRRRP), string(storage.SpreadEFFRRRP),
}

// Export writes one series over a window as CSV.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	window := defaultWindow(opts.From, opts.To, time.Now(), a.Config.HTTP.DefaultRangeMonth)
	if err := window.Validate(); err != nil {
		return fmt.Errorf("export window: %w", err)
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	header, rows, err := seriesTable(ctx, store, opts.Series, window)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		a.Logger.Info().Str("series", opts.Series).Msg("no rows found for export window")
		return nil
	}

	maxRows := a.Config.ResolveMaxRows(opts.MaxRows)
	exported := downsample(rows, maxRows)
	a.Logger.Info().
		Str("series", opts.Series).
		Int("total", len(rows)).
		Int("exported", len(exported)).
		Msg("exporting series")

	if opts.CSVPath == "" || opts.CSVPath == "-" {
		return writeCSV(a.Out, header, exported)
	}
	if err := ensureDir(opts.CSVPath); err != nil {
		return err
	}
	file, err := os.Create(opts.CSVPath)
	if err != nil {
		return err
	}
	defer file.Close()
	return writeCSV(file, header, exported)
}

// seriesTable renders a stored series as CSV header and records.
func seriesTable(ctx context.Context, reader storage.Reader, series string, window model.Window) ([]string, [][]string, error) {
	switch series {
	case "sofr", "effr":
		list := reader.ListSOFR
		if series == "effr" {
			list = reader.ListEFFR
		}
		obs, err := list(ctx, window)
		if err != nil {
			return nil, nil, err
		}
		header := []string{"date", "rate", "p1", "p25", "p75", "p99", "target_low", "target_high", "volume_billions"}
		rows := make([][]string, 0, len(obs))
		for _, o := range obs {
			rows = append(rows, []string{
				o.Date, o.Rate.String(),
				cell(o.P1), cell(o.P25), cell(o.P75), cell(o.P99),
				cell(o.TargetLow), cell(o.TargetHigh), cell(o.VolumeBillions),
			})
		}
		return header, rows, nil

	case "policy":
		policy, err := reader.ListPolicyRates(ctx, window)
		if err != nil {
			return nil, nil, err
		}
		rows := make([][]string, 0, len(policy))
		for _, p := range policy {
			rows = append(rows, []string{p.Date, cell(p.IORB), cell(p.SRF), cell(p.RRP)})
		}
		return []string{"date", "iorb", "srf", "rrp"}, rows, nil

	case "rrp":
		ops, err := reader.ListRepoOperations(ctx, window)
		if err != nil {
			return nil, nil, err
		}
		rows := make([][]string, 0, len(ops))
		for _, r := range ops {
			count := ""
			if r.ParticipatingCounterparties.Valid {
				count = strconv.FormatInt(r.ParticipatingCounterparties.Int64, 10)
			}
			rows = append(rows, []string{
				r.Date, cell(r.TotalAcceptedBillions), count,
				cell(r.MMFAcceptedBillions), cell(r.GSEAcceptedBillions),
			})
		}
		header := []string{"date", "total_accepted_billions", "participating_counterparties", "mmf_accepted_billions", "gse_accepted_billions"}
		return header, rows, nil

	case "volume":
		values, err := reader.ListSOFRVolume(ctx, window)
		if err != nil {
			return nil, nil, err
		}
		return []string{"date", "volume_billions"}, datedRows(values), nil

	default:
		kind, ok := storage.ParseSpreadKind(series)
		if !ok {
			return nil, nil, fmt.Errorf("unknown series %q (want one of %v)", series, ExportSeries)
		}
		values, err := reader.ListSpread(ctx, kind, window)
		if err != nil {
			return nil, nil, err
		}
		return []string{"date", "spread"}, datedRows(values), nil
	}
}

// defaultWindow fills a missing end with today and a missing start with
// months before the end.
func defaultWindow(from, to string, now time.Time, months int) model.Window {
	if to == "" {
		to = model.FormatDate(now)
	}
	if from == "" {
		end, err := model.ParseDate(to)
		if err != nil {
			end = now
		}
		from = model.FormatDate(end.AddDate(0, -months, 0))
	}
	return model.Window{Start: from, End: to}
}

func datedRows(values []storage.DatedValue) [][]string {
	rows := make([][]string, 0, len(values))
	for _, v := range values {
		rows = append(rows, []string{v.Date, v.Value.String()})
	}
	return rows
}

func cell(v decimal.NullDecimal) string {
	if !v.Valid {
		return ""
	}
	return v.Decimal.String()
}

// downsample keeps max evenly spaced rows, always including both ends.
func downsample[T any](rows []T, max int) []T {
	if max <= 0 || len(rows) <= max {
		return rows
	}
	if max == 1 {
		return rows[len(rows)-1:]
	}

	result := make([]T, 0, max)
	step := float64(len(rows)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(rows) {
			idx = len(rows) - 1
		}
		result = append(result, rows[idx])
	}
	return result
}

func writeCSV(out io.Writer, header []string, rows [][]string) error {
	writer := csv.NewWriter(out)
	if err := writer.Write(header); err != nil {
		return err
	}
	if err := writer.WriteAll(rows); err != nil {
		return err
	}
	return writer.Error()
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
