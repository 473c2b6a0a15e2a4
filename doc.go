/*
Package dsnode is a node-local execution server for datasets.

A Server holds a registry of immutable datasets and executes operations
sent to it over gRPC: transformations (map, flat-map, zip) that create new
datasets and sketches that summarize a dataset into a single value.
Operations stream partial results back to the caller as they become
available, so callers can render progress while work is under way.

Every streaming request carries a caller chosen operation id, which a later
Unsubscribe request uses to cancel the operation mid-flight. Completed
operations are memoized by their exact payload and source dataset, so
repeating a request replays its final result without recomputation.

Operations refer to functions by name. The names are resolved in a
Catalog; DefaultCatalog provides functions over partitions of text lines,
such as the datasets built by dataset.LoadLines.
*/
package dsnode
