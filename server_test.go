package dsnode

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/bcongdon/dsnode/dataset"
	"github.com/bcongdon/dsnode/stream"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

func must(t *testing.T) func([]byte, error) []byte {
	return func(b []byte, err error) []byte {
		require.Nil(t, err)
		return b
	}
}

func newTestServer(t *testing.T, ds dataset.Dataset, opts ...Option) (*Server, *Client) {
	t.Helper()
	s, err := NewServer(ds, opts...)
	require.Nil(t, err)

	lis := bufconn.Listen(1 << 20)
	go s.Serve(lis)

	conn, err := grpc.DialContext(context.Background(), "bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.Nil(t, err)

	t.Cleanup(func() {
		conn.Close()
		s.Shutdown()
	})
	return s, NewClient(conn)
}

type call func(context.Context, *Command) (*ResponseStream, error)

func runOp(t *testing.T, fn call, cmd *Command) ([]*Response, error) {
	t.Helper()
	rs, err := fn(context.Background(), cmd)
	require.Nil(t, err)
	return rs.ReadAll()
}

func lines(t *testing.T, s *Server, id int) interface{} {
	t.Helper()
	ds, err := s.Dataset(id)
	require.Nil(t, err)
	local, ok := ds.(*dataset.Local)
	require.True(t, ok)
	return local.Data()
}

// controlledDataset emits the results pushed into results. It completes
// when results is closed and stops when unsubscribed.
type controlledDataset struct {
	results chan stream.PartialResult[dataset.Dataset]
	stopped chan struct{}
}

func newControlledDataset() *controlledDataset {
	return &controlledDataset{
		results: make(chan stream.PartialResult[dataset.Dataset]),
		stopped: make(chan struct{}),
	}
}

func (d *controlledDataset) Map(dataset.Mapper) stream.Stream[dataset.Dataset] {
	return stream.New(func(ctx context.Context, emit func(stream.PartialResult[dataset.Dataset]) error) error {
		defer close(d.stopped)
		for {
			select {
			case pr, ok := <-d.results:
				if !ok {
					return nil
				}
				if err := emit(pr); err != nil {
					return err
				}
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	})
}

func (d *controlledDataset) FlatMap(dataset.FlatMapper) stream.Stream[dataset.Dataset] {
	return d.Map(nil)
}

func (d *controlledDataset) Zip(dataset.Dataset) stream.Stream[dataset.Dataset] {
	return d.Map(nil)
}

func (d *controlledDataset) Sketch(dataset.Sketch) stream.Stream[interface{}] {
	return stream.Fail[interface{}](errors.New("sketch not supported"))
}

// failingDataset fails every operation.
type failingDataset struct{}

func (failingDataset) Map(dataset.Mapper) stream.Stream[dataset.Dataset] {
	return stream.Fail[dataset.Dataset](errors.New("boom"))
}

func (failingDataset) FlatMap(dataset.FlatMapper) stream.Stream[dataset.Dataset] {
	return stream.Fail[dataset.Dataset](errors.New("boom"))
}

func (failingDataset) Zip(dataset.Dataset) stream.Stream[dataset.Dataset] {
	return stream.Fail[dataset.Dataset](errors.New("boom"))
}

func (failingDataset) Sketch(dataset.Sketch) stream.Stream[interface{}] {
	return stream.Fail[interface{}](errors.New("boom"))
}

func TestMapIsMemoized(t *testing.T) {
	s, client := newTestServer(t, dataset.NewLocal([]string{"a", "b"}))
	payload := must(t)(MapPayload("uppercase", nil))

	responses, err := runOp(t, client.Map, NewCommand(InitialDatasetID, payload))
	require.Nil(t, err)
	require.Len(t, responses, 1)
	assert.Equal(t, 2, responses[0].DatasetID)
	assert.Equal(t, 1.0, responses[0].Progress)
	assert.Equal(t, []string{"A", "B"}, lines(t, s, 2))

	// A repeated request replays the memoized response
	responses, err = runOp(t, client.Map, NewCommand(InitialDatasetID, payload))
	require.Nil(t, err)
	require.Len(t, responses, 1)
	assert.Equal(t, 2, responses[0].DatasetID)
	assert.Equal(t, 2, s.datasets.Len())

	assert.Equal(t, 1.0, testutil.ToFloat64(s.metrics.memoHits))
	assert.Equal(t, 1.0, testutil.ToFloat64(s.metrics.memoMisses))
	assert.Equal(t, 2.0, testutil.ToFloat64(s.metrics.requests.WithLabelValues(methodMap)))
	assert.Equal(t, 0.0, testutil.ToFloat64(s.metrics.subscribers))
	assert.Equal(t, 2.0, testutil.ToFloat64(s.metrics.datasets))
}

func TestMapWithoutMemoization(t *testing.T) {
	s, client := newTestServer(t, dataset.NewLocal([]string{"a"}), WithMemoization(false))
	payload := must(t)(MapPayload("identity", nil))

	for _, expected := range []int{2, 3} {
		responses, err := runOp(t, client.Map, NewCommand(InitialDatasetID, payload))
		require.Nil(t, err)
		require.Len(t, responses, 1)
		assert.Equal(t, expected, responses[0].DatasetID)
	}
	assert.Equal(t, 0, s.memo.Len())

	// Turning memoization on takes effect for the next request
	s.SetMemoization(true)
	for i := 0; i < 2; i++ {
		responses, err := runOp(t, client.Map, NewCommand(InitialDatasetID, payload))
		require.Nil(t, err)
		assert.Equal(t, 4, responses[0].DatasetID)
	}
}

// controlledRun is one subscription to a runsDataset.
type controlledRun struct {
	results chan stream.PartialResult[dataset.Dataset]
	stopped chan struct{}
}

// runsDataset hands every subscription its own controlledRun on runs.
type runsDataset struct {
	failingDataset
	runs chan *controlledRun
}

func (d *runsDataset) Map(dataset.Mapper) stream.Stream[dataset.Dataset] {
	return stream.New(func(ctx context.Context, emit func(stream.PartialResult[dataset.Dataset]) error) error {
		run := &controlledRun{
			results: make(chan stream.PartialResult[dataset.Dataset]),
			stopped: make(chan struct{}),
		}
		defer close(run.stopped)
		select {
		case d.runs <- run:
		case <-ctx.Done():
			return ctx.Err()
		}
		for {
			select {
			case pr, ok := <-run.results:
				if !ok {
					return nil
				}
				if err := emit(pr); err != nil {
					return err
				}
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	})
}

func TestConcurrentRunsWithoutMemoization(t *testing.T) {
	ds := &runsDataset{runs: make(chan *controlledRun)}
	s, client := newTestServer(t, ds, WithMemoization(false))
	payload := must(t)(MapPayload("identity", nil))

	first := NewCommand(InitialDatasetID, payload)
	rs1, err := client.Map(context.Background(), first)
	require.Nil(t, err)
	run1 := <-ds.runs

	second := NewCommand(InitialDatasetID, payload)
	rs2, err := client.Map(context.Background(), second)
	require.Nil(t, err)
	run2 := <-ds.runs
	assert.Eventually(t, func() bool { return s.subscriptions.Len() == 2 }, time.Second, 5*time.Millisecond)

	// Cancelling the first run leaves the second one alone
	require.Nil(t, client.Unsubscribe(context.Background(), first.ID))
	_, err = rs1.Recv()
	assert.Equal(t, codes.Canceled, status.Code(err))
	<-run1.stopped
	assert.Eventually(t, func() bool { return s.subscriptions.Len() == 1 }, time.Second, 5*time.Millisecond)

	run2.results <- stream.PartialResult[dataset.Dataset]{Progress: 0.5}
	r, err := rs2.Recv()
	require.Nil(t, err)
	assert.Equal(t, 0.5, r.Progress)

	run2.results <- stream.PartialResult[dataset.Dataset]{Progress: 0.5, Value: dataset.NewLocal([]string{"x"})}
	r, err = rs2.Recv()
	require.Nil(t, err)
	assert.Equal(t, 2, r.DatasetID)

	close(run2.results)
	_, err = rs2.Recv()
	assert.Equal(t, io.EOF, err)
	<-run2.stopped

	assert.Eventually(t, func() bool { return s.subscriptions.Len() == 0 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, s.memo.Len())
	assert.Equal(t, 2, s.datasets.Len())
}

func TestPurgeCache(t *testing.T) {
	s, client := newTestServer(t, dataset.NewLocal([]string{"a"}))
	payload := must(t)(MapPayload("identity", nil))

	_, err := runOp(t, client.Map, NewCommand(InitialDatasetID, payload))
	require.Nil(t, err)
	assert.Equal(t, 1, s.memo.Len())

	s.PurgeCache()
	assert.Equal(t, 0, s.memo.Len())

	responses, err := runOp(t, client.Map, NewCommand(InitialDatasetID, payload))
	require.Nil(t, err)
	assert.Equal(t, 3, responses[0].DatasetID)
}

func TestSketchForwardsPartials(t *testing.T) {
	ds := dataset.NewParallel(
		dataset.NewLocal([]string{"a", "b", "c"}),
		dataset.NewLocal([]string{"d", "e", "f", "g"}),
		dataset.NewLocal([]string{"h", "i", "j", "k", "l"}),
	)
	s, client := newTestServer(t, ds)
	payload := must(t)(SketchPayload("count", nil))

	responses, err := runOp(t, client.Sketch, NewCommand(InitialDatasetID, payload))
	require.Nil(t, err)
	require.Len(t, responses, 3)

	counts := make([]int, 0)
	progress := 0.0
	for _, r := range responses {
		var count int
		assert.Nil(t, r.DecodeValue(&count))
		counts = append(counts, count)
		progress += r.Progress
		assert.Equal(t, 0, r.DatasetID)
	}
	sort.Ints(counts)
	assert.Equal(t, []int{3, 4, 5}, counts)
	assert.InDelta(t, 1.0, progress, 1e-9)

	// The memoized response holds the combined sketch
	cached, ok := s.memo.Lookup(payload, InitialDatasetID)
	require.True(t, ok)
	final, err := DecodeResponse(cached)
	require.Nil(t, err)
	assert.Equal(t, 1.0, final.Progress)
	assert.JSONEq(t, "12", string(final.Value))

	responses, err = runOp(t, client.Sketch, NewCommand(InitialDatasetID, payload))
	require.Nil(t, err)
	require.Len(t, responses, 1)
	assert.Equal(t, 1.0, responses[0].Progress)
	assert.JSONEq(t, "12", string(responses[0].Value))
}

// orderedSketchDataset emits the sketch values 3, 4 and 5 in that order.
type orderedSketchDataset struct{ failingDataset }

func (orderedSketchDataset) Sketch(dataset.Sketch) stream.Stream[interface{}] {
	return stream.Just(
		stream.PartialResult[interface{}]{Progress: 0.25, Value: 3},
		stream.PartialResult[interface{}]{Progress: 0.25, Value: 4},
		stream.PartialResult[interface{}]{Progress: 0.5, Value: 5},
	)
}

func TestSketchKeepsEmissionOrder(t *testing.T) {
	s, client := newTestServer(t, orderedSketchDataset{})
	payload := must(t)(SketchPayload("count", nil))

	for i := 0; i < 10; i++ {
		s.PurgeCache()
		responses, err := runOp(t, client.Sketch, NewCommand(InitialDatasetID, payload))
		require.Nil(t, err)

		counts := make([]int, 0, len(responses))
		progress := make([]float64, 0, len(responses))
		for _, r := range responses {
			var count int
			require.Nil(t, r.DecodeValue(&count))
			counts = append(counts, count)
			progress = append(progress, r.Progress)
		}
		assert.Equal(t, []int{3, 4, 5}, counts)
		assert.Equal(t, []float64{0.25, 0.25, 0.5}, progress)

		cached, ok := s.memo.Lookup(payload, InitialDatasetID)
		require.True(t, ok)
		assert.JSONEq(t, `{"progress":1,"value":12}`, string(cached.SerializedOp))
	}
}

func TestWordCount(t *testing.T) {
	ds := dataset.NewParallel(
		dataset.NewLocal([]string{"the quick fox", "the lazy dog"}),
		dataset.NewLocal([]string{"quick quick"}),
	)
	s, client := newTestServer(t, ds)
	payload := must(t)(SketchPayload("word_count", nil))

	_, err := runOp(t, client.Sketch, NewCommand(InitialDatasetID, payload))
	require.Nil(t, err)

	cached, ok := s.memo.Lookup(payload, InitialDatasetID)
	require.True(t, ok)
	final, err := DecodeResponse(cached)
	require.Nil(t, err)

	var counts map[string]int
	require.Nil(t, final.DecodeValue(&counts))
	assert.Equal(t, map[string]int{"the": 2, "quick": 3, "fox": 1, "lazy": 1, "dog": 1}, counts)
}

func TestFlatMap(t *testing.T) {
	s, client := newTestServer(t, dataset.NewLocal([]string{"a", "b", "c", "d", "e"}))
	payload := must(t)(FlatMapPayload("chunk", map[string]int{"size": 2}))

	responses, err := runOp(t, client.FlatMap, NewCommand(InitialDatasetID, payload))
	require.Nil(t, err)
	require.Len(t, responses, 1)

	ds, err := s.Dataset(responses[0].DatasetID)
	require.Nil(t, err)
	chunks := ds.(*dataset.Parallel).Children()
	require.Len(t, chunks, 3)
	assert.Equal(t, []string{"e"}, chunks[2].(*dataset.Local).Data())
}

func TestParallelMapRegistersEveryResult(t *testing.T) {
	ds := dataset.NewParallel(dataset.NewLocal([]string{"a"}), dataset.NewLocal([]string{"b"}))
	s, client := newTestServer(t, ds)
	payload := must(t)(MapPayload("uppercase", nil))

	responses, err := runOp(t, client.Map, NewCommand(InitialDatasetID, payload))
	require.Nil(t, err)
	require.Len(t, responses, 2)

	// A progress-only response comes first, the mapped dataset last
	assert.Equal(t, 0, responses[0].DatasetID)
	assert.Equal(t, 0.5, responses[0].Progress)
	assert.Equal(t, 2, responses[1].DatasetID)
	assert.Equal(t, 0.5, responses[1].Progress)

	cached, ok := s.memo.Lookup(payload, InitialDatasetID)
	require.True(t, ok)
	final, err := DecodeResponse(cached)
	require.Nil(t, err)
	assert.Equal(t, 2, final.DatasetID)

	// The replayed response keeps its share of progress
	responses, err = runOp(t, client.Map, NewCommand(InitialDatasetID, payload))
	require.Nil(t, err)
	require.Len(t, responses, 1)
	assert.Equal(t, 2, responses[0].DatasetID)
	assert.Equal(t, 0.5, responses[0].Progress)
}

func TestZip(t *testing.T) {
	s, client := newTestServer(t, dataset.NewLocal([]string{"a"}))
	other := s.RegisterDataset(dataset.NewLocal([]string{"b"}))

	responses, err := runOp(t, client.Zip, NewCommand(InitialDatasetID, must(t)(ZipPayload(other))))
	require.Nil(t, err)
	require.Len(t, responses, 1)
	assert.Equal(t, 3, responses[0].DatasetID)
	assert.Equal(t, dataset.Pair{First: []string{"a"}, Second: []string{"b"}}, lines(t, s, 3))
}

func TestZipWithUnknownDataset(t *testing.T) {
	s, client := newTestServer(t, dataset.NewLocal([]string{"a"}))

	_, err := runOp(t, client.Zip, NewCommand(InitialDatasetID, must(t)(ZipPayload(42))))
	assert.Equal(t, codes.NotFound, status.Code(err))
	assert.Contains(t, status.Convert(err).Message(), "index 42")

	assert.Equal(t, 1, s.datasets.Len())
	assert.Equal(t, 0, s.memo.Len())
	assert.Equal(t, 0, s.subscriptions.Len())
}

func TestUnknownDataset(t *testing.T) {
	s, client := newTestServer(t, dataset.NewLocal([]string{"a"}))

	for _, fn := range []call{client.Map, client.FlatMap, client.Sketch} {
		_, err := runOp(t, fn, NewCommand(99, must(t)(MapPayload("identity", nil))))
		assert.Equal(t, codes.NotFound, status.Code(err))
	}

	assert.Equal(t, 1, s.datasets.Len())
	assert.Equal(t, 0, s.memo.Len())
	assert.Equal(t, 0, s.subscriptions.Len())
	assert.Equal(t, 3.0, testutil.ToFloat64(s.metrics.failures.WithLabelValues(codes.NotFound.String())))
}

func TestDecodeErrors(t *testing.T) {
	_, client := newTestServer(t, dataset.NewLocal([]string{"a"}))

	var decodeTests = []struct {
		name    string
		fn      call
		payload []byte
	}{
		{"garbage", client.Map, []byte("not json")},
		{"unknown mapper", client.Map, must(t)(MapPayload("missing", nil))},
		{"missing arguments", client.Map, must(t)(MapPayload("filter", nil))},
		{"bad chunk size", client.FlatMap, must(t)(FlatMapPayload("chunk", map[string]int{"size": 0}))},
		{"sketch sent to map", client.Map, must(t)(SketchPayload("count", nil))},
		{"map sent to zip", client.Zip, must(t)(MapPayload("identity", nil))},
	}

	for _, test := range decodeTests {
		_, err := runOp(t, test.fn, NewCommand(InitialDatasetID, test.payload))
		assert.Equal(t, codes.InvalidArgument, status.Code(err), test.name)
	}
}

func TestUpstreamFailure(t *testing.T) {
	s, client := newTestServer(t, failingDataset{})

	_, err := runOp(t, client.Map, NewCommand(InitialDatasetID, must(t)(MapPayload("identity", nil))))
	assert.Equal(t, codes.Internal, status.Code(err))
	assert.Contains(t, status.Convert(err).Message(), "boom")

	_, err = runOp(t, client.Sketch, NewCommand(InitialDatasetID, must(t)(SketchPayload("count", nil))))
	assert.Equal(t, codes.Internal, status.Code(err))

	assert.Equal(t, 0, s.memo.Len())
	assert.Equal(t, 0, s.subscriptions.Len())
}

func TestPanickingMapper(t *testing.T) {
	catalog := NewCatalog()
	catalog.RegisterMapper("panic", func(json.RawMessage) (dataset.Mapper, error) {
		return dataset.MapperFunc(func(interface{}) (interface{}, error) {
			panic("mapper bug")
		}), nil
	})
	_, client := newTestServer(t, dataset.NewLocal([]string{"a"}), WithCatalog(catalog))

	_, err := runOp(t, client.Map, NewCommand(InitialDatasetID, must(t)(MapPayload("panic", nil))))
	assert.Equal(t, codes.Internal, status.Code(err))
	assert.Contains(t, status.Convert(err).Message(), "mapper bug")
}

func TestUnsubscribe(t *testing.T) {
	ds := newControlledDataset()
	s, client := newTestServer(t, ds)

	cmd := NewCommand(InitialDatasetID, must(t)(MapPayload("identity", nil)))
	rs, err := client.Map(context.Background(), cmd)
	require.Nil(t, err)

	ds.results <- stream.PartialResult[dataset.Dataset]{Progress: 0.5}
	r, err := rs.Recv()
	require.Nil(t, err)
	assert.Equal(t, 0.5, r.Progress)
	assert.Eventually(t, func() bool { return s.subscriptions.Len() == 1 }, time.Second, 5*time.Millisecond)

	require.Nil(t, client.Unsubscribe(context.Background(), cmd.ID))

	_, err = rs.Recv()
	assert.Equal(t, codes.Canceled, status.Code(err))
	<-ds.stopped

	assert.Equal(t, 0, s.subscriptions.Len())
	assert.Equal(t, 0, s.memo.Len())
	assert.Equal(t, 1, s.datasets.Len())
}

func TestUnsubscribeUnknownOperation(t *testing.T) {
	_, client := newTestServer(t, dataset.NewLocal([]string{"a"}))
	assert.Nil(t, client.Unsubscribe(context.Background(), NewCommand(0, nil).ID))
}

func TestCallerDisconnect(t *testing.T) {
	ds := newControlledDataset()
	s, client := newTestServer(t, ds)

	ctx, cancel := context.WithCancel(context.Background())
	rs, err := client.Map(ctx, NewCommand(InitialDatasetID, must(t)(MapPayload("identity", nil))))
	require.Nil(t, err)

	ds.results <- stream.PartialResult[dataset.Dataset]{Progress: 0.1}
	_, err = rs.Recv()
	require.Nil(t, err)

	cancel()
	<-ds.stopped
	assert.Eventually(t, func() bool { return s.subscriptions.Len() == 0 }, time.Second, 5*time.Millisecond)
}

func TestShutdownCancelsOperations(t *testing.T) {
	ds := newControlledDataset()
	s, client := newTestServer(t, ds)

	rs, err := client.Map(context.Background(), NewCommand(InitialDatasetID, must(t)(MapPayload("identity", nil))))
	require.Nil(t, err)
	ds.results <- stream.PartialResult[dataset.Dataset]{Progress: 0.1}
	_, err = rs.Recv()
	require.Nil(t, err)
	assert.Eventually(t, func() bool { return s.subscriptions.Len() == 1 }, time.Second, 5*time.Millisecond)

	go s.Shutdown()

	_, err = rs.Recv()
	assert.Equal(t, codes.Canceled, status.Code(err))
	<-ds.stopped
}

func TestConcurrentMaps(t *testing.T) {
	s, client := newTestServer(t, dataset.NewLocal([]string{"root"}))
	payload := must(t)(MapPayload("uppercase", nil))

	words := []string{"alpha", "beta", "gamma", "delta", "epsilon", "zeta", "eta", "theta"}
	sources := make([]int, len(words))
	for i, word := range words {
		sources[i] = s.RegisterDataset(dataset.NewLocal([]string{word}))
	}

	results := make([]int, len(words))
	var g errgroup.Group
	for i, source := range sources {
		i, source := i, source
		g.Go(func() error {
			rs, err := client.Map(context.Background(), NewCommand(source, payload))
			if err != nil {
				return err
			}
			for {
				r, err := rs.Recv()
				if err == io.EOF {
					return nil
				}
				if err != nil {
					return err
				}
				results[i] = r.DatasetID
			}
		})
	}
	require.Nil(t, g.Wait())

	seen := make(map[int]bool)
	for i, id := range results {
		assert.False(t, seen[id], "dataset id %d reused", id)
		seen[id] = true
		assert.True(t, id > sources[len(sources)-1])
		assert.Equal(t, []string{strings.ToUpper(words[i])}, lines(t, s, id))
	}
	assert.Equal(t, len(words), s.memo.Len())
}

func TestNewServerRejectsEmptyPool(t *testing.T) {
	_, err := NewServer(dataset.NewLocal(nil), WithWorkerPoolSize(0))
	assert.NotNil(t, err)
}
