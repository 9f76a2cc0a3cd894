package sim

import (
	"fmt"
	"time"

	"emg-pilot/internal/storage"

	"github.com/rs/zerolog/log"
)

const recordBatch = 1000

// Record writes n generated samples as a finished session, spaced at the
// generator's sample interval from start. Used to produce replay fixtures
// without hardware.
func Record(store *storage.Store, meta storage.SessionRecord, gen *Generator, n int, start time.Time) error {
	meta.StartedAt = start
	if err := store.StartSession(meta); err != nil {
		return err
	}

	batch := make([]storage.SampleRecord, 0, recordBatch)
	ts := start
	for i := 0; i < n; i++ {
		batch = append(batch, storage.SampleRecord{Session: meta.ID, Timestamp: ts, Values: gen.Next()})
		ts = ts.Add(gen.Interval())

		if len(batch) == recordBatch || i == n-1 {
			if err := store.StoreSamples(batch); err != nil {
				return fmt.Errorf("store samples: %w", err)
			}
			batch = batch[:0]
		}
	}

	if err := store.EndSession(meta.ID, ts, n, 0); err != nil {
		return err
	}
	log.Info().Str("session", meta.ID).Int("samples", n).Msg("Synthetic session recorded")
	return nil
}
