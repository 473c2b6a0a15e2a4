package dsnode

import (
	"encoding/json"
	"sync"

	"github.com/bcongdon/dsnode/dataset"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"
)

// Operation is a decoded operation payload. It is one of MapOperation,
// FlatMapOperation, SketchOperation, ZipOperation or UnsubscribeOperation.
type Operation interface {
	// method is the RPC the operation must be sent with.
	method() string
}

// MapOperation applies Mapper to every partition of a dataset.
type MapOperation struct {
	Mapper dataset.Mapper
}

// FlatMapOperation applies Mapper to every partition of a dataset.
type FlatMapOperation struct {
	Mapper dataset.FlatMapper
}

// SketchOperation summarizes a dataset with Sketch.
type SketchOperation struct {
	Sketch dataset.Sketch
}

// ZipOperation pairs a dataset with the dataset registered under DatasetIndex.
type ZipOperation struct {
	DatasetIndex int
}

// UnsubscribeOperation cancels the in-flight operation Target.
type UnsubscribeOperation struct {
	Target uuid.UUID
}

func (MapOperation) method() string         { return methodMap }
func (FlatMapOperation) method() string     { return methodFlatMap }
func (SketchOperation) method() string      { return methodSketch }
func (ZipOperation) method() string         { return methodZip }
func (UnsubscribeOperation) method() string { return methodUnsubscribe }

// Payload kinds
const (
	kindMap         = "map"
	kindFlatMap     = "flatmap"
	kindSketch      = "sketch"
	kindZip         = "zip"
	kindUnsubscribe = "unsubscribe"
)

// payload is the wire shape of a serialized operation.
type payload struct {
	Kind    string          `json:"kind"`
	Name    string          `json:"name,omitempty"`
	Args    json.RawMessage `json:"args,omitempty"`
	Dataset int             `json:"dataset,omitempty"`
	Target  string          `json:"target,omitempty"`
}

// MapperFactory builds a Mapper from its JSON arguments.
type MapperFactory func(args json.RawMessage) (dataset.Mapper, error)

// FlatMapperFactory builds a FlatMapper from its JSON arguments.
type FlatMapperFactory func(args json.RawMessage) (dataset.FlatMapper, error)

// SketchFactory builds a Sketch from its JSON arguments.
type SketchFactory func(args json.RawMessage) (dataset.Sketch, error)

// Catalog holds the named functions operation payloads can refer to.
// Functions built by a factory may be reused across operations and must
// be safe for concurrent use.
type Catalog struct {
	mu          sync.RWMutex
	mappers     map[string]MapperFactory
	flatMappers map[string]FlatMapperFactory
	sketches    map[string]SketchFactory
}

// NewCatalog creates an empty Catalog
func NewCatalog() *Catalog {
	return &Catalog{
		mappers:     make(map[string]MapperFactory),
		flatMappers: make(map[string]FlatMapperFactory),
		sketches:    make(map[string]SketchFactory),
	}
}

// RegisterMapper makes f available to map payloads under name.
func (c *Catalog) RegisterMapper(name string, f MapperFactory) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mappers[name] = f
}

// RegisterFlatMapper makes f available to flat-map payloads under name.
func (c *Catalog) RegisterFlatMapper(name string, f FlatMapperFactory) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.flatMappers[name] = f
}

// RegisterSketch makes f available to sketch payloads under name.
func (c *Catalog) RegisterSketch(name string, f SketchFactory) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sketches[name] = f
}

func (c *Catalog) build(p *payload) (Operation, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	switch p.Kind {
	case kindMap:
		f, ok := c.mappers[p.Name]
		if !ok {
			return nil, errors.Errorf("unknown mapper %q", p.Name)
		}
		m, err := f(p.Args)
		if err != nil {
			return nil, errors.Wrapf(err, "mapper %q", p.Name)
		}
		return MapOperation{Mapper: m}, nil
	case kindFlatMap:
		f, ok := c.flatMappers[p.Name]
		if !ok {
			return nil, errors.Errorf("unknown flat mapper %q", p.Name)
		}
		m, err := f(p.Args)
		if err != nil {
			return nil, errors.Wrapf(err, "flat mapper %q", p.Name)
		}
		return FlatMapOperation{Mapper: m}, nil
	case kindSketch:
		f, ok := c.sketches[p.Name]
		if !ok {
			return nil, errors.Errorf("unknown sketch %q", p.Name)
		}
		s, err := f(p.Args)
		if err != nil {
			return nil, errors.Wrapf(err, "sketch %q", p.Name)
		}
		return SketchOperation{Sketch: s}, nil
	}
	return nil, errors.Errorf("unknown operation kind %q", p.Kind)
}

// Codec decodes operation payloads. Decoded operations are kept in a
// bounded LRU cache keyed by the payload bytes.
type Codec struct {
	catalog *Catalog
	decoded *lru.Cache
}

// NewCodec creates a Codec resolving function names in catalog.
// A non-positive cacheSize disables the decode cache.
func NewCodec(catalog *Catalog, cacheSize int) (*Codec, error) {
	c := &Codec{catalog: catalog}
	if cacheSize > 0 {
		cache, err := lru.New(cacheSize)
		if err != nil {
			return nil, errors.Wrap(err, "creating decode cache")
		}
		c.decoded = cache
	}
	return c, nil
}

// Decode turns a payload into an Operation. It fails with a DecodeError
// OperationError for malformed payloads and unknown function names.
func (c *Codec) Decode(data []byte) (Operation, error) {
	if c.decoded != nil {
		if op, ok := c.decoded.Get(string(data)); ok {
			return op.(Operation), nil
		}
	}

	op, err := c.decode(data)
	if err != nil {
		return nil, decodeError(err)
	}

	if c.decoded != nil {
		c.decoded.Add(string(data), op)
	}
	return op, nil
}

func (c *Codec) decode(data []byte) (Operation, error) {
	var p payload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, errors.Wrap(err, "malformed operation payload")
	}

	switch p.Kind {
	case kindZip:
		return ZipOperation{DatasetIndex: p.Dataset}, nil
	case kindUnsubscribe:
		target, err := uuid.Parse(p.Target)
		if err != nil {
			return nil, errors.Wrap(err, "unsubscribe target")
		}
		return UnsubscribeOperation{Target: target}, nil
	}
	return c.catalog.build(&p)
}

func encodePayload(p payload) ([]byte, error) {
	b, err := json.Marshal(p)
	return b, errors.Wrap(err, "encoding operation payload")
}

func functionPayload(kind, name string, args interface{}) ([]byte, error) {
	p := payload{Kind: kind, Name: name}
	if args != nil {
		raw, err := json.Marshal(args)
		if err != nil {
			return nil, errors.Wrapf(err, "encoding arguments of %q", name)
		}
		p.Args = raw
	}
	return encodePayload(p)
}

// MapPayload serializes a map operation using the catalog mapper name.
// args is marshalled to JSON and may be nil.
func MapPayload(name string, args interface{}) ([]byte, error) {
	return functionPayload(kindMap, name, args)
}

// FlatMapPayload serializes a flat-map operation using the catalog flat mapper name.
func FlatMapPayload(name string, args interface{}) ([]byte, error) {
	return functionPayload(kindFlatMap, name, args)
}

// SketchPayload serializes a sketch operation using the catalog sketch name.
func SketchPayload(name string, args interface{}) ([]byte, error) {
	return functionPayload(kindSketch, name, args)
}

// ZipPayload serializes a zip operation with the dataset registered under datasetIndex.
func ZipPayload(datasetIndex int) ([]byte, error) {
	return encodePayload(payload{Kind: kindZip, Dataset: datasetIndex})
}

// UnsubscribePayload serializes the cancellation of operation target.
func UnsubscribePayload(target uuid.UUID) ([]byte, error) {
	return encodePayload(payload{Kind: kindUnsubscribe, Target: target.String()})
}
