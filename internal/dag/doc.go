// Package dag models a pipeline's dependency structure. It builds a
// validated graph from the step specs, rejects cycles and dangling
// references before execution begins, and partitions the graph into
// topological tiers the scheduler drives in order.
package dag
