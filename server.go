package dsnode

import (
	"net"
	"sync/atomic"

	"github.com/bcongdon/dsnode/dataset"
	"github.com/bcongdon/dsnode/internal/pkg/memo"
	"github.com/bcongdon/dsnode/internal/pkg/registry"
	"github.com/bcongdon/dsnode/internal/pkg/subscription"
	humanize "github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"golang.org/x/sync/semaphore"
	"google.golang.org/grpc"
)

// InitialDatasetID is the id of the dataset a Server is created with.
const InitialDatasetID = 1

// Server executes operations on the datasets it holds and streams their
// partial results back to callers over gRPC.
type Server struct {
	config *config

	datasets      *registry.Registry[dataset.Dataset]
	subscriptions *subscription.Manager
	memo          *memo.Cache[*PartialResponse]
	codec         *Codec

	// workers bounds the requests being validated and dispatched at once
	workers *semaphore.Weighted

	metrics         *metrics
	metricsRegistry *prometheus.Registry

	grpcServer *grpc.Server
	stopping   atomic.Bool
}

// config configures a Server
type config struct {
	Memoize         bool
	WorkerPoolSize  int
	MaxMessageSize  int
	ListenAddress   string
	DecodeCacheSize int
	Verbose         bool
	Catalog         *Catalog
}

func newConfig() *config {
	LoadConfig() // Load viper config from settings file(s) and environment
	return &config{
		Memoize:         viper.GetBool("memoize"),
		WorkerPoolSize:  viper.GetInt("worker_pool_size"),
		MaxMessageSize:  viper.GetInt("max_message_size"),
		ListenAddress:   viper.GetString("listen_address"),
		DecodeCacheSize: viper.GetInt("decode_cache_size"),
		Verbose:         viper.GetBool("verbose"),
	}
}

// Option allows configuration of a Server
type Option func(*config)

// WithMemoization turns memoization of completed operations on or off
func WithMemoization(enabled bool) Option {
	return func(c *config) {
		c.Memoize = enabled
	}
}

// WithWorkerPoolSize sets the number of requests dispatched concurrently
func WithWorkerPoolSize(n int) Option {
	return func(c *config) {
		c.WorkerPoolSize = n
	}
}

// WithMaxMessageSize sets the largest gRPC message, in bytes, the Server sends or receives
func WithMaxMessageSize(n int) Option {
	return func(c *config) {
		c.MaxMessageSize = n
	}
}

// WithListenAddress sets the address ListenAndServe listens on
func WithListenAddress(address string) Option {
	return func(c *config) {
		c.ListenAddress = address
	}
}

// WithDecodeCacheSize sets the number of decoded operation payloads kept
func WithDecodeCacheSize(n int) Option {
	return func(c *config) {
		c.DecodeCacheSize = n
	}
}

// WithCatalog sets the functions operation payloads can refer to.
// The default is DefaultCatalog().
func WithCatalog(catalog *Catalog) Option {
	return func(c *config) {
		c.Catalog = catalog
	}
}

// NewServer creates a Server holding initial under InitialDatasetID.
func NewServer(initial dataset.Dataset, options ...Option) (*Server, error) {
	c := newConfig()
	for _, f := range options {
		f(c)
	}

	if c.Verbose {
		log.SetLevel(log.DebugLevel)
	}
	if c.WorkerPoolSize < 1 {
		return nil, errors.Errorf("invalid worker pool size %d", c.WorkerPoolSize)
	}
	if c.Catalog == nil {
		c.Catalog = DefaultCatalog()
	}

	codec, err := NewCodec(c.Catalog, c.DecodeCacheSize)
	if err != nil {
		return nil, err
	}

	s := &Server{
		config:          c,
		datasets:        registry.New[dataset.Dataset](),
		subscriptions:   subscription.NewManager(),
		memo:            memo.New[*PartialResponse](c.Memoize),
		codec:           codec,
		workers:         semaphore.NewWeighted(int64(c.WorkerPoolSize)),
		metricsRegistry: prometheus.NewRegistry(),
	}
	s.metrics = newMetrics(s.metricsRegistry, s)
	s.datasets.Register(initial)

	s.grpcServer = grpc.NewServer(
		grpc.MaxRecvMsgSize(c.MaxMessageSize),
		grpc.MaxSendMsgSize(c.MaxMessageSize),
		grpc.NumStreamWorkers(uint32(c.WorkerPoolSize)),
	)
	s.grpcServer.RegisterService(&serviceDesc, s)

	log.Debugf("Loaded config: %#v", c)
	return s, nil
}

// Serve accepts connections on lis until Shutdown is called.
func (s *Server) Serve(lis net.Listener) error {
	log.Infof("Serving datasets on %s (max message size %s, %d workers)",
		lis.Addr(), humanize.IBytes(uint64(s.config.MaxMessageSize)), s.config.WorkerPoolSize)
	return s.grpcServer.Serve(lis)
}

// ListenAndServe listens on the configured address and calls Serve.
func (s *Server) ListenAndServe() error {
	lis, err := net.Listen("tcp", s.config.ListenAddress)
	if err != nil {
		return errors.Wrapf(err, "listening on %s", s.config.ListenAddress)
	}
	return s.Serve(lis)
}

// Shutdown cancels every in-flight operation and stops the server once
// the pending RPCs have returned.
func (s *Server) Shutdown() {
	s.stopping.Store(true)
	n := s.subscriptions.CancelAll()
	log.Infof("Shutting down, cancelled %d operations", n)
	s.grpcServer.GracefulStop()
}

// RegisterDataset adds ds to the datasets operations can run against and
// returns its id.
func (s *Server) RegisterDataset(ds dataset.Dataset) int {
	return s.datasets.Register(ds)
}

// Dataset returns the dataset registered under id.
func (s *Server) Dataset(id int) (dataset.Dataset, error) {
	return s.datasets.Get(id)
}

// PurgeCache drops every memoized response.
func (s *Server) PurgeCache() {
	s.memo.PurgeAll()
	log.Info("Purged memoization cache")
}

// SetMemoization turns memoization on or off while the server runs.
func (s *Server) SetMemoization(enabled bool) {
	s.memo.SetEnabled(enabled)
}
