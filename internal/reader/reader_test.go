package reader

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"regexp"
	"sync"
	"testing"
	"time"

	"feedstore/internal/config"
	"feedstore/internal/metrics"
	"feedstore/internal/model"
	"feedstore/internal/thingspeak"
	"feedstore/internal/writer"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/charmbracelet/log"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fetchResult struct {
	sample *model.Sample
	err    error
}

type fakeFetcher struct {
	mu      sync.Mutex
	results []fetchResult
	calls   int
}

func (f *fakeFetcher) Latest(ctx context.Context) (*model.Sample, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r := f.results[f.calls%len(f.results)]
	f.calls++
	return r.sample, r.err
}

func (f *fakeFetcher) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeStorer struct {
	mu      sync.Mutex
	err     error
	samples []model.Sample
}

func (s *fakeStorer) Store(ctx context.Context, sample model.Sample) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.samples = append(s.samples, sample)
	return nil
}

func (s *fakeStorer) Samples() []model.Sample {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.Sample(nil), s.samples...)
}

func discard() *log.Logger {
	return log.New(io.Discard)
}

func TestCycleStoresSample(t *testing.T) {
	fetcher := &fakeFetcher{results: []fetchResult{{sample: &model.Sample{Temperature: 23.5, Humidity: 60.1}}}}
	storer := &fakeStorer{}
	m := metrics.New()
	r := New(fetcher, storer, time.Minute, m, discard())

	outcome := r.Cycle(context.Background())

	assert.Equal(t, OutcomeStored, outcome)
	assert.Equal(t, []model.Sample{{Temperature: 23.5, Humidity: 60.1}}, storer.Samples())
	count, err := testutil.GatherAndCount(m.Registry, "feedstore_cycles_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestCycleLogsEntryMetadata(t *testing.T) {
	createdAt := time.Date(2024, 12, 1, 10, 15, 0, 0, time.UTC)
	fetcher := &fakeFetcher{results: []fetchResult{{sample: &model.Sample{
		Temperature: 23.5,
		Humidity:    60.1,
		EntryID:     812,
		CreatedAt:   createdAt,
	}}}}

	var out bytes.Buffer
	r := New(fetcher, &fakeStorer{}, time.Minute, nil, log.New(&out))

	assert.Equal(t, OutcomeStored, r.Cycle(context.Background()))
	assert.Contains(t, out.String(), "entry=812")
	assert.Contains(t, out.String(), "created_at=")
	assert.Contains(t, out.String(), "2024-12-01")
}

func TestCycleNoData(t *testing.T) {
	fetcher := &fakeFetcher{results: []fetchResult{{}}}
	storer := &fakeStorer{}
	r := New(fetcher, storer, time.Minute, nil, discard())

	assert.Equal(t, OutcomeNoData, r.Cycle(context.Background()))
	assert.Empty(t, storer.Samples())
}

func TestCycleFetchErrorSkipsStore(t *testing.T) {
	for name, err := range map[string]error{
		"fetch error": &thingspeak.FetchError{Op: "request", Err: errors.New("unexpected status 500")},
		"plain error": errors.New("boom"),
	} {
		t.Run(name, func(t *testing.T) {
			fetcher := &fakeFetcher{results: []fetchResult{{err: err}}}
			storer := &fakeStorer{}
			r := New(fetcher, storer, time.Minute, nil, discard())

			assert.Equal(t, OutcomeFetchFailed, r.Cycle(context.Background()))
			assert.Empty(t, storer.Samples())
		})
	}
}

func TestCycleStoreErrorIsRecovered(t *testing.T) {
	fetcher := &fakeFetcher{results: []fetchResult{{sample: &model.Sample{Temperature: 1, Humidity: 2}}}}
	storer := &fakeStorer{err: &writer.StoreError{Op: "connect", Err: errors.New("access denied")}}
	r := New(fetcher, storer, time.Minute, nil, discard())

	assert.Equal(t, OutcomeStoreFailed, r.Cycle(context.Background()))
	assert.Equal(t, OutcomeStoreFailed, r.Cycle(context.Background()))
	assert.Equal(t, 2, fetcher.Calls())
}

func TestStartContinuesAfterFailures(t *testing.T) {
	fetcher := &fakeFetcher{results: []fetchResult{
		{err: &thingspeak.FetchError{Op: "request", Err: context.DeadlineExceeded}},
		{},
		{sample: &model.Sample{Temperature: 20, Humidity: 50}},
	}}
	storer := &fakeStorer{}
	r := New(fetcher, storer, 5*time.Millisecond, nil, discard())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Start(ctx) }()

	require.Eventually(t, func() bool { return fetcher.Calls() >= 6 }, 2*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Start did not return after cancel")
	}

	// every third cycle produced a sample
	assert.GreaterOrEqual(t, len(storer.Samples()), 2)
}

func TestStartReturnsDuringWait(t *testing.T) {
	fetcher := &fakeFetcher{results: []fetchResult{{}}}
	r := New(fetcher, &fakeStorer{}, time.Hour, nil, discard())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Start(ctx) }()

	require.Eventually(t, func() bool { return fetcher.Calls() == 1 }, time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Start did not return after cancel")
	}
	assert.Equal(t, 1, fetcher.Calls())
}

type blockingFetcher struct {
	started chan struct{}
	release chan struct{}
	ctxErr  chan error
}

func (b *blockingFetcher) Latest(ctx context.Context) (*model.Sample, error) {
	close(b.started)
	<-b.release
	b.ctxErr <- ctx.Err()
	return nil, nil
}

func TestStartFinishesInFlightCycle(t *testing.T) {
	fetcher := &blockingFetcher{
		started: make(chan struct{}),
		release: make(chan struct{}),
		ctxErr:  make(chan error, 1),
	}
	r := New(fetcher, &fakeStorer{}, time.Hour, nil, discard())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Start(ctx) }()

	<-fetcher.started
	cancel()
	close(fetcher.release)

	assert.NoError(t, <-fetcher.ctxErr)
	assert.NoError(t, <-done)
}

// The scenarios below run the real ThingSpeak client and MySQL writer
// against an httptest server and sqlmock.

func newPipeline(t *testing.T, handler http.HandlerFunc, timeout time.Duration) (Reader, sqlmock.Sqlmock) {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	dsn := "sqlmock_" + t.Name()
	db, mock, err := sqlmock.NewWithDSN(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	client := thingspeak.New(config.ThingSpeakConfig{
		BaseURL:          server.URL,
		ChannelID:        "2765731",
		ReadAPIKey:       "KEY",
		Results:          1,
		Timeout:          config.Duration(timeout),
		TemperatureField: "field1",
		HumidityField:    "field2",
	}, discard())
	store := writer.NewWithDriver("sqlmock", dsn, "sensor_readings", discard())

	return New(client, store, time.Minute, metrics.New(), discard()), mock
}

var insertQuery = regexp.QuoteMeta("INSERT INTO sensor_readings (temperature, humidity) VALUES (?, ?)")

func TestEndToEndStoresLatestEntry(t *testing.T) {
	r, mock := newPipeline(t, func(w http.ResponseWriter, req *http.Request) {
		_, _ = w.Write([]byte(`{"feeds":[{"field1":"23.5","field2":"60.1"}]}`))
	}, time.Second)

	mock.ExpectBegin()
	mock.ExpectExec(insertQuery).WithArgs(23.5, 60.1).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	assert.Equal(t, OutcomeStored, r.Cycle(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEndToEndEmptyFeedsInsertsNothing(t *testing.T) {
	r, mock := newPipeline(t, func(w http.ResponseWriter, req *http.Request) {
		_, _ = w.Write([]byte(`{"feeds":[]}`))
	}, time.Second)

	assert.Equal(t, OutcomeNoData, r.Cycle(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEndToEndTimeoutInsertsNothing(t *testing.T) {
	r, mock := newPipeline(t, func(w http.ResponseWriter, req *http.Request) {
		select {
		case <-req.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}, 50*time.Millisecond)

	assert.Equal(t, OutcomeFetchFailed, r.Cycle(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEndToEndIdenticalResponsesAreAllStored(t *testing.T) {
	r, mock := newPipeline(t, func(w http.ResponseWriter, req *http.Request) {
		_, _ = w.Write([]byte(`{"feeds":[{"field1":"23.5","field2":"60.1"}]}`))
	}, time.Second)

	const cycles = 3
	for i := 0; i < cycles; i++ {
		mock.ExpectBegin()
		mock.ExpectExec(insertQuery).WithArgs(23.5, 60.1).WillReturnResult(sqlmock.NewResult(int64(i+1), 1))
		mock.ExpectCommit()
	}

	for i := 0; i < cycles; i++ {
		assert.Equal(t, OutcomeStored, r.Cycle(context.Background()))
	}
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEndToEndBadCredentials(t *testing.T) {
	r, mock := newPipeline(t, func(w http.ResponseWriter, req *http.Request) {
		_, _ = w.Write([]byte(`{"feeds":[{"field1":"23.5","field2":"60.1"}]}`))
	}, time.Second)

	mock.ExpectBegin().WillReturnError(errors.New("Error 1045: Access denied"))

	assert.Equal(t, OutcomeStoreFailed, r.Cycle(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}
