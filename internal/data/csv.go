package data

import (
	"bufio"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/atlas-desktop/paramsearch/pkg/types"
	"go.uber.org/zap"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

var _ Source = (*CSVSource)(nil)

// csvLayouts are the timestamp formats accepted besides Unix seconds or
// milliseconds. Zone-less layouts are read as UTC.
var csvLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
	"02-01-2006",
}

// CSVSource reads <DataDir>/<SYMBOL>_<interval>.csv files with columns
// timestamp,open,high,low,close[,volume]. A header row is optional. Files
// exported as UTF-16 with a byte order mark are decoded transparently.
type CSVSource struct {
	logger  *zap.Logger
	dataDir string
}

// NewCSVSource creates a CSV source rooted at dataDir.
func NewCSVSource(logger *zap.Logger, dataDir string) *CSVSource {
	return &CSVSource{logger: logger, dataDir: dataDir}
}

// Path returns the file LoadBars reads for symbol and interval.
func (s *CSVSource) Path(symbol string, interval types.Interval) string {
	return filepath.Join(s.dataDir, fmt.Sprintf("%s_%s.csv", fileSymbol(symbol), interval))
}

// LoadBars parses the symbol's file and returns the bars in [start, end].
func (s *CSVSource) LoadBars(ctx context.Context, symbol string, start, end time.Time, interval types.Interval) ([]types.Bar, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f, err := os.Open(s.Path(symbol, interval))
	if err != nil {
		return nil, fmt.Errorf("opening csv: %w", err)
	}
	defer f.Close()

	bars, err := ReadCSVBars(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", s.Path(symbol, interval), err)
	}
	sortBars(bars)
	s.logger.Debug("Loaded csv bars",
		zap.String("symbol", symbol),
		zap.Int("bars", len(bars)),
	)
	return filterByTimeRange(bars, start, end), nil
}

// ReadCSVBars parses bars from r.
func ReadCSVBars(r io.Reader) ([]types.Bar, error) {
	br := bufio.NewReader(r)

	var reader io.Reader = br
	if bom, _ := br.Peek(2); len(bom) == 2 && ((bom[0] == 0xFF && bom[1] == 0xFE) || (bom[0] == 0xFE && bom[1] == 0xFF)) {
		reader = transform.NewReader(br, unicode.UTF16(unicode.LittleEndian, unicode.ExpectBOM).NewDecoder())
	}

	cr := csv.NewReader(reader)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true
	cr.LazyQuotes = true

	var bars []types.Bar
	for line := 1; ; line++ {
		record, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if len(record) == 0 || (len(record) == 1 && strings.TrimSpace(record[0]) == "") {
			continue
		}
		record[0] = strings.TrimPrefix(record[0], "\ufeff")

		if line == 1 && isHeader(record) {
			continue
		}
		if len(record) < 5 {
			return nil, fmt.Errorf("line %d: want at least 5 columns, got %d", line, len(record))
		}

		bar, err := parseCSVBar(record)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		bars = append(bars, bar)
	}
	return bars, nil
}

func isHeader(record []string) bool {
	first := strings.ToLower(strings.TrimSpace(record[0]))
	if _, err := strconv.ParseFloat(first, 64); err == nil {
		return false
	}
	_, err := parseCSVTime(first)
	return err != nil
}

func parseCSVBar(record []string) (types.Bar, error) {
	ts, err := parseCSVTime(strings.TrimSpace(record[0]))
	if err != nil {
		return types.Bar{}, err
	}

	var fields [5]float64
	n := len(record) - 1
	if n > 5 {
		n = 5
	}
	for i := 0; i < n; i++ {
		v, err := strconv.ParseFloat(strings.TrimSpace(record[i+1]), 64)
		if err != nil {
			return types.Bar{}, fmt.Errorf("column %d: %w", i+2, err)
		}
		fields[i] = v
	}

	return types.Bar{
		Timestamp: ts,
		Open:      fields[0],
		High:      fields[1],
		Low:       fields[2],
		Close:     fields[3],
		Volume:    fields[4],
	}, nil
}

// parseCSVTime accepts Unix seconds, Unix milliseconds or one of csvLayouts.
func parseCSVTime(s string) (time.Time, error) {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		if n > 1e11 {
			return time.UnixMilli(n).UTC(), nil
		}
		return time.Unix(n, 0).UTC(), nil
	}
	for _, layout := range csvLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}
