// Package dataset defines the datasets a node executes operations on.
//
// A Dataset never changes: every operation returns a stream whose partial
// results carry newly created datasets (Map, FlatMap, Zip) or aggregate
// values (Sketch). Two implementations are provided: Local holds a single
// partition in memory and Parallel fans operations out over child datasets.
package dataset

import (
	"github.com/bcongdon/dsnode/stream"
)

// Mapper transforms the data of one partition.
type Mapper interface {
	Apply(data interface{}) (interface{}, error)
}

// FlatMapper transforms the data of one partition into any number of partitions.
type FlatMapper interface {
	Apply(data interface{}) ([]interface{}, error)
}

// Sketch summarizes partitions into values that can be combined.
// Add must be associative and commutative, with Zero as its identity.
type Sketch interface {
	Create(data interface{}) (interface{}, error)
	Zero() interface{}
	Add(left, right interface{}) interface{}
}

// Dataset is a read-only collection of data that operations run against.
type Dataset interface {
	Map(m Mapper) stream.Stream[Dataset]
	FlatMap(m FlatMapper) stream.Stream[Dataset]
	Sketch(s Sketch) stream.Stream[interface{}]
	Zip(other Dataset) stream.Stream[Dataset]
}

// Pair is the data of a partition produced by Zip.
type Pair struct {
	First  interface{}
	Second interface{}
}

// MapperFunc adapts a function to a Mapper.
type MapperFunc func(data interface{}) (interface{}, error)

func (f MapperFunc) Apply(data interface{}) (interface{}, error) {
	return f(data)
}

// FlatMapperFunc adapts a function to a FlatMapper.
type FlatMapperFunc func(data interface{}) ([]interface{}, error)

func (f FlatMapperFunc) Apply(data interface{}) ([]interface{}, error) {
	return f(data)
}
