package dsnode

import (
	"encoding/json"
	"strings"

	"github.com/bcongdon/dsnode/dataset"
	"github.com/pkg/errors"
)

// DefaultCatalog returns a Catalog with the built-in functions, which work
// on partitions of lines ([]string) such as those built by dataset.LoadLines:
//
//	mapper      identity
//	mapper      uppercase
//	mapper      filter      {"substring": "..."}
//	flat mapper chunk       {"size": n}
//	sketch      count       number of lines
//	sketch      word_count  occurrences of every whitespace separated word
func DefaultCatalog() *Catalog {
	c := NewCatalog()
	c.RegisterMapper("identity", func(json.RawMessage) (dataset.Mapper, error) {
		return dataset.MapperFunc(func(data interface{}) (interface{}, error) {
			return data, nil
		}), nil
	})
	c.RegisterMapper("uppercase", func(json.RawMessage) (dataset.Mapper, error) {
		return linesMapper(func(line string) (string, bool) {
			return strings.ToUpper(line), true
		}), nil
	})
	c.RegisterMapper("filter", newFilter)
	c.RegisterFlatMapper("chunk", newChunker)
	c.RegisterSketch("count", func(json.RawMessage) (dataset.Sketch, error) {
		return countSketch{}, nil
	})
	c.RegisterSketch("word_count", func(json.RawMessage) (dataset.Sketch, error) {
		return wordCountSketch{}, nil
	})
	return c
}

func asLines(data interface{}) ([]string, error) {
	lines, ok := data.([]string)
	if !ok {
		return nil, errors.Errorf("expected a partition of lines, got %T", data)
	}
	return lines, nil
}

func parseArgs(args json.RawMessage, v interface{}) error {
	if len(args) == 0 {
		return errors.New("missing arguments")
	}
	return errors.Wrap(json.Unmarshal(args, v), "parsing arguments")
}

// linesMapper applies fn to every line, keeping the lines for which it returns true.
func linesMapper(fn func(string) (string, bool)) dataset.Mapper {
	return dataset.MapperFunc(func(data interface{}) (interface{}, error) {
		lines, err := asLines(data)
		if err != nil {
			return nil, err
		}
		out := make([]string, 0, len(lines))
		for _, line := range lines {
			if mapped, keep := fn(line); keep {
				out = append(out, mapped)
			}
		}
		return out, nil
	})
}

func newFilter(args json.RawMessage) (dataset.Mapper, error) {
	var filter struct {
		Substring string `json:"substring"`
	}
	if err := parseArgs(args, &filter); err != nil {
		return nil, err
	}
	return linesMapper(func(line string) (string, bool) {
		return line, strings.Contains(line, filter.Substring)
	}), nil
}

func newChunker(args json.RawMessage) (dataset.FlatMapper, error) {
	var chunk struct {
		Size int `json:"size"`
	}
	if err := parseArgs(args, &chunk); err != nil {
		return nil, err
	}
	if chunk.Size < 1 {
		return nil, errors.Errorf("invalid chunk size %d", chunk.Size)
	}
	return dataset.FlatMapperFunc(func(data interface{}) ([]interface{}, error) {
		lines, err := asLines(data)
		if err != nil {
			return nil, err
		}
		chunks := make([]interface{}, 0, (len(lines)+chunk.Size-1)/chunk.Size)
		for start := 0; start < len(lines); start += chunk.Size {
			end := start + chunk.Size
			if end > len(lines) {
				end = len(lines)
			}
			chunks = append(chunks, lines[start:end])
		}
		return chunks, nil
	}), nil
}

type countSketch struct{}

func (countSketch) Create(data interface{}) (interface{}, error) {
	lines, err := asLines(data)
	if err != nil {
		return nil, err
	}
	return len(lines), nil
}

func (countSketch) Zero() interface{} { return 0 }

func (countSketch) Add(left, right interface{}) interface{} {
	return left.(int) + right.(int)
}

type wordCountSketch struct{}

func (wordCountSketch) Create(data interface{}) (interface{}, error) {
	lines, err := asLines(data)
	if err != nil {
		return nil, err
	}
	counts := make(map[string]int)
	for _, line := range lines {
		for _, word := range strings.Fields(line) {
			counts[word]++
		}
	}
	return counts, nil
}

func (wordCountSketch) Zero() interface{} { return map[string]int{} }

// Add returns a new map; neither argument is modified.
func (wordCountSketch) Add(left, right interface{}) interface{} {
	l, r := left.(map[string]int), right.(map[string]int)
	sum := make(map[string]int, len(l)+len(r))
	for word, n := range l {
		sum[word] += n
	}
	for word, n := range r {
		sum[word] += n
	}
	return sum
}
