package backtest

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"
	"volharvester/internal/core"

	"github.com/shopspring/decimal"
)

// LoadCandlesCSV reads candles from a CSV file with columns
// timestamp,open,high,low,close,volume. The timestamp column accepts RFC 3339
// or Unix epoch values in seconds or milliseconds. A header row is skipped
// when the first field is not parseable as a time.
func LoadCandlesCSV(path string) ([]core.Candle, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open candle file: %w", err)
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = -1

	var candles []core.Candle
	line := 0
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read candle file %s: %w", path, err)
		}
		line++

		if len(record) < 6 {
			return nil, fmt.Errorf("candle file %s line %d: expected 6 columns, got %d", path, line, len(record))
		}

		ts, err := parseTimestamp(strings.TrimSpace(record[0]))
		if err != nil {
			if line == 1 {
				continue // header
			}
			return nil, fmt.Errorf("candle file %s line %d: %w", path, line, err)
		}

		candle := core.Candle{Timestamp: ts}
		fields := []*decimal.Decimal{&candle.Open, &candle.High, &candle.Low, &candle.Close, &candle.Volume}
		for i, dst := range fields {
			v, err := decimal.NewFromString(strings.TrimSpace(record[i+1]))
			if err != nil {
				return nil, fmt.Errorf("candle file %s line %d column %d: %w", path, line, i+2, err)
			}
			*dst = v
		}
		candles = append(candles, candle)
	}

	if len(candles) == 0 {
		return nil, fmt.Errorf("candle file %s: no candles", path)
	}
	return candles, nil
}

func parseTimestamp(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	epoch, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("unparseable timestamp %q", s)
	}
	// Millisecond epochs are 13 digits through the year 33658.
	if epoch > 1e12 {
		return time.UnixMilli(epoch).UTC(), nil
	}
	return time.Unix(epoch, 0).UTC(), nil
}
