package temporal

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/brojonat/ledgerpipe/service/dispatch"
	"github.com/brojonat/ledgerpipe/service/generator"
	"github.com/brojonat/ledgerpipe/service/ledger"
	"github.com/brojonat/ledgerpipe/service/metrics"
	"github.com/brojonat/ledgerpipe/service/pipeline"
	"github.com/brojonat/ledgerpipe/service/verify"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.temporal.io/sdk/testsuite"
)

type echoDispatcher struct{ err error }

func (d echoDispatcher) Send(ctx context.Context, batch []ledger.Transaction) ([]ledger.Transaction, error) {
	if d.err != nil {
		return nil, d.err
	}
	return batch, nil
}

type failingSource struct{}

func (failingSource) GenerateBatch(int, string) ([]ledger.Transaction, error) {
	return nil, errors.New("entropy exhausted")
}

// MockSink mocks pipeline.Sink.
type MockSink struct {
	mock.Mock
}

func (m *MockSink) SaveSnapshot(ctx context.Context, snap *ledger.Snapshot, ms metrics.Snapshot) error {
	args := m.Called(ctx, snap, ms)
	return args.Error(0)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func newTestController(t *testing.T, d dispatch.Dispatcher, src pipeline.BatchSource) *pipeline.Controller {
	t.Helper()
	l := ledger.New("GENESIS", 1_000_000)
	if src == nil {
		src = generator.New(generator.Config{Seed: 7}, l)
	}
	c, err := pipeline.New(pipeline.Config{BatchSize: 20, Funder: "GENESIS"}, pipeline.Dependencies{
		Ledger:     l,
		Source:     src,
		Verifier:   verify.AcceptAll{},
		Dispatcher: d,
		Logger:     testLogger(),
	})
	require.NoError(t, err)
	return c
}

func TestActivities_RunCycle(t *testing.T) {
	c := newTestController(t, echoDispatcher{}, nil)
	activities := NewActivities(c, nil, metrics.NewMetrics(prometheus.NewRegistry()), testLogger())

	testSuite := &testsuite.WorkflowTestSuite{}
	env := testSuite.NewTestActivityEnvironment()
	env.RegisterActivity(activities.RunCycle)

	val, err := env.ExecuteActivity(activities.RunCycle)
	require.NoError(t, err)

	var res pipeline.CycleResult
	require.NoError(t, val.Get(&res))
	assert.Equal(t, pipeline.OutcomeApplied, res.Outcome)
	assert.Equal(t, 20, res.Applied)
	assert.Equal(t, 20, c.Ledger().Len())
	assert.Equal(t, uint64(1_000_000), c.Ledger().TotalBalance())
}

func TestActivities_RunCycle_TransportErrorIsNotAnActivityError(t *testing.T) {
	transportErr := &dispatch.TransportError{Endpoint: "http://peer/echo", Kind: dispatch.KindConnection, Err: errors.New("refused")}
	c := newTestController(t, echoDispatcher{err: transportErr}, nil)
	activities := NewActivities(c, nil, nil, testLogger())

	res, err := activities.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, pipeline.OutcomeTransportError, res.Outcome)
	assert.Equal(t, 0, res.Applied)
	assert.Equal(t, 0, c.Ledger().Len())
}

func TestActivities_RunCycle_GenerationFailure(t *testing.T) {
	c := newTestController(t, echoDispatcher{}, failingSource{})
	activities := NewActivities(c, nil, nil, testLogger())

	res, err := activities.RunCycle(context.Background())
	assert.Nil(t, res)
	assert.ErrorContains(t, err, "entropy exhausted")
}

func TestActivities_NoController(t *testing.T) {
	activities := NewActivities(nil, nil, nil, testLogger())

	_, err := activities.RunCycle(context.Background())
	assert.Error(t, err)
	_, err = activities.PersistSnapshot(context.Background(), PersistSnapshotInput{})
	assert.Error(t, err)
}

func TestActivities_PersistSnapshot(t *testing.T) {
	c := newTestController(t, echoDispatcher{}, nil)
	c.RunCycle(context.Background())

	sink := new(MockSink)
	sink.On("SaveSnapshot", mock.Anything, mock.MatchedBy(func(s *ledger.Snapshot) bool {
		return len(s.Processed) == 20
	}), mock.MatchedBy(func(m metrics.Snapshot) bool {
		return m.Count == 20
	})).Return(nil)

	activities := NewActivities(c, []pipeline.Sink{sink}, nil, testLogger())
	res, err := activities.PersistSnapshot(context.Background(), PersistSnapshotInput{StopReason: "max_cycles"})
	require.NoError(t, err)

	assert.Equal(t, 20, res.Processed)
	assert.Equal(t, c.Ledger().Accounts(), res.Accounts)
	assert.Equal(t, uint64(20), res.Metrics.Count)
	assert.Equal(t, 1, res.Sinks)
	sink.AssertExpectations(t)
}

func TestActivities_PersistSnapshot_SinkFailure(t *testing.T) {
	c := newTestController(t, echoDispatcher{}, nil)

	sink := new(MockSink)
	sink.On("SaveSnapshot", mock.Anything, mock.Anything, mock.Anything).Return(errors.New("disk full"))

	activities := NewActivities(c, []pipeline.Sink{sink}, nil, testLogger())
	_, err := activities.PersistSnapshot(context.Background(), PersistSnapshotInput{})
	assert.ErrorContains(t, err, "disk full")
}
