package main

import (
	"context"
	"encoding/csv"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/joho/godotenv/autoload"
	"github.com/xuri/excelize/v2"

	"keymint/internal/config"
	"keymint/internal/infrastructure"
	"keymint/internal/keygen"
	"keymint/internal/registry"
	"keymint/internal/store"
	"keymint/pkg/contracts/domain"
)

// keyimport bulk-loads externally produced license keys into the registry
// from a CSV or XLSX file, using the same store the server runs against.
// Re-running an import is harmless: keys that already exist are skipped.
//
// Expected columns: key, product_type, user_id, expires_at. A header row is
// optional; without one the columns are read positionally in that order.

func main() {
	file := flag.String("file", "", "input file with one key per row (.csv or .xlsx)")
	sheet := flag.String("sheet", "", "xlsx sheet to read (defaults to a sheet named \"keys\", then the first sheet)")
	product := flag.String("product", "", "product type for rows that do not carry one (2weeks | monthly | lifetime)")
	dryRun := flag.Bool("dry-run", false, "parse and validate the file without writing to the store")
	flag.Parse()

	if *file == "" {
		fmt.Fprintln(os.Stderr, "usage: keyimport -file keys.csv [-sheet name] [-product monthly] [-dry-run]")
		flag.PrintDefaults()
		os.Exit(2)
	}

	// Unlike the server there is no fallback config here: a default config
	// would point the store at the wrong data directory.
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}

	logger, err := infrastructure.InitializeLogger(cfg.Logging, cfg.GetLogsDir())
	if err != nil {
		slog.Warn("Failed to initialize logger, using default", "error", err)
		logger = slog.Default()
	}

	logger.Info("Starting key import",
		slog.String("file", *file),
		slog.String("default_product", *product),
		slog.Bool("dry_run", *dryRun))

	rows, err := readRows(*file, *sheet)
	if err != nil {
		logger.Error("Cannot read input file",
			slog.String("file", *file),
			slog.String("error", err.Error()))
		os.Exit(1)
	}

	entries, malformed := buildEntries(rows, domain.ProductType(strings.ToLower(*product)), logger)
	if len(entries) == 0 {
		logger.Error("No importable rows found",
			slog.String("file", *file),
			slog.Int("malformed", malformed))
		os.Exit(1)
	}

	catalog := cfg.Catalog()

	if *dryRun {
		valid := 0
		for _, entry := range entries {
			if _, known := catalog.ByType(entry.ProductType); !known {
				logger.Warn("Row would be rejected",
					slog.String("key", domain.MaskKey(entry.Key)),
					slog.String("product_type", string(entry.ProductType)))
				continue
			}
			if domain.NormalizeKey(entry.Key) == "" {
				logger.Warn("Row would be rejected: empty key")
				continue
			}
			valid++
		}
		logger.Info("Dry run complete",
			slog.Int("rows", len(entries)),
			slog.Int("valid", valid),
			slog.Int("rejected", len(entries)-valid+malformed))
		return
	}

	st, err := store.Open(cfg.Store, cfg.GetDataDir(), logger)
	if err != nil {
		logger.Error("Failed to open store", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer st.Close()

	gen, err := keygen.New(cfg.License.Secret)
	if err != nil {
		logger.Error("Failed to initialize key generator", slog.String("error", err.Error()))
		os.Exit(1)
	}

	reg := registry.New(st, gen, catalog, logger)

	report, err := reg.ImportBatch(context.Background(), entries)
	for _, outcome := range report.Outcomes {
		if outcome.Status == registry.ImportStatusImported {
			continue
		}
		logger.Warn("Key not imported",
			slog.String("key", domain.MaskKey(outcome.Key)),
			slog.String("status", string(outcome.Status)),
			slog.String("reason", outcome.Reason))
	}
	if err != nil {
		logger.Error("Import aborted by storage failure",
			slog.Int("imported", report.Imported),
			slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("Import complete",
		slog.Int("imported", report.Imported),
		slog.Int("skipped", report.Skipped),
		slog.Int("invalid", report.Invalid),
		slog.Int("malformed", malformed))
}

// readRows loads the raw cell grid from a CSV or XLSX file, dispatching on
// the file extension.
func readRows(path, sheet string) ([][]string, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		return readCSV(path)
	case ".xlsx":
		return readXLSX(path, sheet)
	default:
		return nil, fmt.Errorf("unsupported file type %q (want .csv or .xlsx)", filepath.Ext(path))
	}
}

func readCSV(path string) ([][]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true

	var rows [][]string
	for {
		record, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		rows = append(rows, record)
	}
	return rows, nil
}

func readXLSX(path, sheet string) ([][]string, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	if sheet == "" {
		sheets := f.GetSheetList()
		if len(sheets) == 0 {
			return nil, fmt.Errorf("workbook has no sheets")
		}
		sheet = sheets[0]
		for _, sh := range sheets {
			if strings.EqualFold(sh, "keys") {
				sheet = sh
				break
			}
		}
	}
	return f.GetRows(sheet)
}

// columnMap holds the cell position of each field. -1 marks an absent column.
type columnMap struct {
	key     int
	product int
	user    int
	expires int
}

// buildEntries turns the raw grid into import entries. Rows whose expiry
// cannot be parsed are dropped here, before they reach the registry, and
// counted in the second return value.
func buildEntries(rows [][]string, fallback domain.ProductType, logger *slog.Logger) ([]registry.ImportEntry, int) {
	cols := columnMap{key: 0, product: 1, user: 2, expires: 3}
	start := 0
	if len(rows) > 0 && isHeader(rows[0]) {
		cols = mapColumns(rows[0])
		start = 1
	}

	var entries []registry.ImportEntry
	malformed := 0
	for i, row := range rows[start:] {
		if blankRow(row) {
			continue
		}

		entry := registry.ImportEntry{
			Key:         cell(row, cols.key),
			UserID:      cell(row, cols.user),
			ProductType: domain.ProductType(strings.ToLower(cell(row, cols.product))),
		}
		if entry.ProductType == "" {
			entry.ProductType = fallback
		}

		expires, err := parseExpiry(cell(row, cols.expires))
		if err != nil {
			malformed++
			logger.Warn("Skipping row with unparseable expiry",
				slog.Int("row", start+i+1),
				slog.String("expires_at", cell(row, cols.expires)))
			continue
		}
		entry.ExpiresAt = expires

		entries = append(entries, entry)
	}
	return entries, malformed
}

func isHeader(row []string) bool {
	for _, c := range row {
		if strings.EqualFold(strings.TrimSpace(c), "key") {
			return true
		}
	}
	return false
}

func mapColumns(header []string) columnMap {
	cols := columnMap{key: -1, product: -1, user: -1, expires: -1}
	for i, c := range header {
		switch strings.ToLower(strings.TrimSpace(c)) {
		case "key":
			cols.key = i
		case "product_type", "product":
			cols.product = i
		case "user_id", "user":
			cols.user = i
		case "expires_at", "expires":
			cols.expires = i
		}
	}
	return cols
}

func blankRow(row []string) bool {
	for _, c := range row {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}

func cell(row []string, idx int) string {
	if idx < 0 || idx >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[idx])
}

// parseExpiry accepts RFC3339 timestamps and bare dates. An empty cell means
// no explicit expiry: the registry grants the product's own term instead.
func parseExpiry(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02", "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			t = t.UTC()
			return &t, nil
		}
	}
	return nil, fmt.Errorf("unrecognized time %q", s)
}
