package replay

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"emg-pilot/internal/storage"

	"github.com/rs/zerolog/log"
)

// DefaultSamplePeriod spaces samples that carry no timestamp.
const DefaultSamplePeriod = time.Millisecond

// Sample is one recorded sample vector.
type Sample struct {
	Timestamp time.Time
	Values    []float32
}

// DataLoader holds a recording in timestamp order and serves it one sample
// at a time.
type DataLoader struct {
	data      []Sample
	index     int
	StartTime time.Time
	EndTime   time.Time

	// SamplePeriod is used to synthesize timestamps for CSV rows without one.
	SamplePeriod time.Duration
}

func NewDataLoader() *DataLoader {
	return &DataLoader{SamplePeriod: DefaultSamplePeriod}
}

// LoadFromBoltDB loads every sample of a recorded session.
func (dl *DataLoader) LoadFromBoltDB(store *storage.Store, session string) error {
	if _, err := store.GetSession(session); err != nil {
		return err
	}

	err := store.ForEachSample(session, func(r storage.SampleRecord) error {
		dl.data = append(dl.data, Sample{Timestamp: r.Timestamp, Values: r.Values})
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to load samples for %s: %w", session, err)
	}

	dl.finish()
	log.Info().
		Str("session", session).
		Int("total_samples", len(dl.data)).
		Msg("Session loaded from BoltDB")
	return nil
}

// LoadFromCSV loads a CSV recording. The header names the columns: an
// optional "timestamp" column (RFC3339 or unix milliseconds) and one column
// per channel, in channel order.
func (dl *DataLoader) LoadFromCSV(filePath string) error {
	file, err := os.Open(filePath)
	if err != nil {
		return fmt.Errorf("failed to open CSV file: %w", err)
	}
	defer file.Close()

	reader := csv.NewReader(file)
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return fmt.Errorf("failed to read CSV header: %w", err)
	}

	tsCol := -1
	var channelCols []int
	for i, col := range header {
		if strings.EqualFold(strings.TrimSpace(col), "timestamp") {
			tsCol = i
			continue
		}
		channelCols = append(channelCols, i)
	}
	if len(channelCols) == 0 {
		return fmt.Errorf("CSV header has no channel columns")
	}

	base := time.Unix(0, 0).UTC()
	skipped := 0
	for row := 0; ; row++ {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			skipped++
			continue
		}

		ts := base.Add(time.Duration(row) * dl.SamplePeriod)
		if tsCol >= 0 {
			if ts, err = parseTimestamp(record[tsCol]); err != nil {
				skipped++
				continue
			}
		}

		values, ok := parseChannels(record, channelCols)
		if !ok {
			skipped++
			continue
		}
		dl.data = append(dl.data, Sample{Timestamp: ts, Values: values})
	}

	dl.finish()
	log.Info().
		Str("file", filePath).
		Int("total_samples", len(dl.data)).
		Int("skipped", skipped).
		Msg("CSV data loaded successfully")
	return nil
}

// LoadFromJSON loads newline-delimited storage.SampleRecord objects, the
// format written by the export mode of cmd/replay.
func (dl *DataLoader) LoadFromJSON(filePath string) error {
	file, err := os.Open(filePath)
	if err != nil {
		return fmt.Errorf("failed to open JSON file: %w", err)
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	for decoder.More() {
		var record storage.SampleRecord
		if err := decoder.Decode(&record); err != nil {
			return fmt.Errorf("failed to decode sample %d: %w", len(dl.data), err)
		}
		dl.data = append(dl.data, Sample{Timestamp: record.Timestamp, Values: record.Values})
	}

	dl.finish()
	log.Info().
		Str("file", filePath).
		Int("total_samples", len(dl.data)).
		Msg("JSON data loaded successfully")
	return nil
}

func (dl *DataLoader) finish() {
	sort.SliceStable(dl.data, func(i, j int) bool {
		return dl.data[i].Timestamp.Before(dl.data[j].Timestamp)
	})
	if len(dl.data) > 0 {
		dl.StartTime = dl.data[0].Timestamp
		dl.EndTime = dl.data[len(dl.data)-1].Timestamp
	}
}

func parseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC(), nil
	}
	return time.Parse(time.RFC3339Nano, s)
}

func parseChannels(record []string, cols []int) ([]float32, bool) {
	out := make([]float32, len(cols))
	for i, c := range cols {
		if c >= len(record) {
			return nil, false
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(record[c]), 32)
		if err != nil {
			return nil, false
		}
		out[i] = float32(v)
	}
	return out, true
}

// Reset rewinds to the first sample.
func (dl *DataLoader) Reset() {
	dl.index = 0
}

func (dl *DataLoader) HasNext() bool {
	return dl.index < len(dl.data)
}

func (dl *DataLoader) Next() Sample {
	if dl.index >= len(dl.data) {
		return Sample{}
	}
	s := dl.data[dl.index]
	dl.index++
	return s
}

func (dl *DataLoader) Count() int {
	return len(dl.data)
}

// Channels is the width of the first sample, zero when empty.
func (dl *DataLoader) Channels() int {
	if len(dl.data) == 0 {
		return 0
	}
	return len(dl.data[0].Values)
}

// Progress returns the current progress as a percentage
func (dl *DataLoader) Progress() float64 {
	if len(dl.data) == 0 {
		return 100.0
	}
	return float64(dl.index) / float64(len(dl.data)) * 100.0
}
