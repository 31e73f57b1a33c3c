package reader

import (
	"context"
	"errors"
	"time"

	"feedstore/internal/metrics"
	"feedstore/internal/model"
	"feedstore/internal/thingspeak"
	"feedstore/internal/writer"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
)

type (
	Fetcher interface {
		Latest(ctx context.Context) (*model.Sample, error)
	}

	Storer interface {
		Store(ctx context.Context, sample model.Sample) error
	}

	Outcome string

	Reader struct {
		fetcher  Fetcher
		storer   Storer
		interval time.Duration
		metrics  *metrics.Metrics
		logger   *log.Logger
	}
)

const (
	OutcomeStored      Outcome = "stored"
	OutcomeNoData      Outcome = "no_data"
	OutcomeFetchFailed Outcome = "fetch_failed"
	OutcomeStoreFailed Outcome = "store_failed"
)

func New(fetcher Fetcher, storer Storer, interval time.Duration, m *metrics.Metrics, logger *log.Logger) Reader {
	return Reader{
		fetcher:  fetcher,
		storer:   storer,
		interval: interval,
		metrics:  m,
		logger:   logger,
	}
}

// Start runs poll cycles until ctx is cancelled. The interval is waited
// after each cycle finishes, so cycles never overlap. A cycle already in
// progress when ctx is cancelled runs to completion.
func (r Reader) Start(ctx context.Context) error {
	for {
		r.Cycle(context.WithoutCancel(ctx))

		wait := time.NewTimer(r.interval)
		select {
		case <-ctx.Done():
			wait.Stop()
			return nil
		case <-wait.C:
		}
	}
}

// Cycle fetches the latest sample and stores it. Failures are logged and
// reported through the returned Outcome, never returned as errors.
func (r Reader) Cycle(ctx context.Context) Outcome {
	logger := r.logger.With("cycle", uuid.NewString())
	outcome := r.cycle(ctx, logger)
	r.metrics.Cycle(string(outcome))
	return outcome
}

func (r Reader) cycle(ctx context.Context, logger *log.Logger) Outcome {
	start := time.Now()
	sample, err := r.fetcher.Latest(ctx)
	r.metrics.ObserveFetch(time.Since(start))
	if err != nil {
		var fetchErr *thingspeak.FetchError
		if errors.As(err, &fetchErr) {
			logger.Error("Error fetching data from ThingSpeak", "op", fetchErr.Op, "err", fetchErr.Err)
		} else {
			logger.Error("Error fetching data from ThingSpeak", "err", err)
		}
		logger.Warn("Skipping database storage due to invalid data")
		return OutcomeFetchFailed
	}

	if sample == nil {
		logger.Info("No data available in ThingSpeak")
		logger.Warn("Skipping database storage due to invalid data")
		return OutcomeNoData
	}

	logger.Info("Fetched data", "temperature", sample.Temperature, "humidity", sample.Humidity, "entry", sample.EntryID, "created_at", sample.CreatedAt)

	start = time.Now()
	err = r.storer.Store(ctx, *sample)
	r.metrics.ObserveStore(time.Since(start))
	if err != nil {
		var storeErr *writer.StoreError
		if errors.As(err, &storeErr) {
			logger.Error("Error storing data in MySQL", "op", storeErr.Op, "err", storeErr.Err)
		} else {
			logger.Error("Error storing data in MySQL", "err", err)
		}
		return OutcomeStoreFailed
	}

	r.metrics.Stored()
	logger.Info("Data stored successfully in MySQL")
	return OutcomeStored
}
