// SPDX-License-Identifier: MIT
// Copyright (c) 2025 Vladyslav Kazantsev
package dag

import (
	"fmt"
	"sort"

	"github.com/vk/permitgrid/internal/step"
)

// Graph is the dependency graph over a pipeline's step specs. It is built
// once per session from the immutable spec set and is read-only afterwards.
type Graph struct {
	nodes map[string]*node
}

type node struct {
	id         string
	deps       map[string]*node
	dependents map[string]*node
}

// New creates an empty graph.
func New() *Graph {
	return &Graph{nodes: make(map[string]*node)}
}

// Build constructs a validated graph from the spec set. A dependency cycle
// or a reference to an undeclared step is a configuration error detected
// here, before any execution begins.
func Build(specs []*step.Spec) (*Graph, error) {
	g := New()
	for _, s := range specs {
		g.AddNode(s.ID)
	}
	for _, s := range specs {
		for _, dep := range s.DependsOn {
			if err := g.AddEdge(dep, s.ID); err != nil {
				return nil, fmt.Errorf("invalid dependency for step %q: %w", s.ID, err)
			}
		}
	}
	if err := g.DetectCycles(); err != nil {
		return nil, fmt.Errorf("invalid pipeline configuration: %w", err)
	}
	return g, nil
}

// AddNode adds a node with the given id. Adding an existing id is a no-op.
func (g *Graph) AddNode(id string) {
	if _, ok := g.nodes[id]; ok {
		return
	}
	g.nodes[id] = &node{
		id:         id,
		deps:       make(map[string]*node),
		dependents: make(map[string]*node),
	}
}

// AddEdge records that toID depends on fromID. An error is returned if
// either node does not exist or the edge would be self-referential.
func (g *Graph) AddEdge(fromID, toID string) error {
	if fromID == toID {
		return fmt.Errorf("self-referential edge not allowed: %s -> %s", fromID, fromID)
	}
	fromNode, ok := g.nodes[fromID]
	if !ok {
		return fmt.Errorf("source node not found: %s", fromID)
	}
	toNode, ok := g.nodes[toID]
	if !ok {
		return fmt.Errorf("destination node not found: %s", toID)
	}
	toNode.deps[fromID] = fromNode
	fromNode.dependents[toID] = toNode
	return nil
}

// Len returns the number of nodes.
func (g *Graph) Len() int { return len(g.nodes) }

// Dependencies returns the sorted ids the given node depends on.
func (g *Graph) Dependencies(id string) ([]string, error) {
	n, ok := g.nodes[id]
	if !ok {
		return nil, fmt.Errorf("node not found: %s", id)
	}
	return sortedKeys(n.deps), nil
}

// Dependents returns the sorted ids that directly depend on the given node.
func (g *Graph) Dependents(id string) ([]string, error) {
	n, ok := g.nodes[id]
	if !ok {
		return nil, fmt.Errorf("node not found: %s", id)
	}
	return sortedKeys(n.dependents), nil
}

// TransitiveDependents returns every node reachable downstream of id,
// sorted. Used to cascade an upstream failure onto all blocked steps.
func (g *Graph) TransitiveDependents(id string) ([]string, error) {
	start, ok := g.nodes[id]
	if !ok {
		return nil, fmt.Errorf("node not found: %s", id)
	}
	seen := make(map[string]bool)
	var visit func(n *node)
	visit = func(n *node) {
		for _, dep := range n.dependents {
			if !seen[dep.id] {
				seen[dep.id] = true
				visit(dep)
			}
		}
	}
	visit(start)
	return sortedKeys(seen), nil
}

// DetectCycles checks the graph for cycles using depth-first search with
// permanent and temporary marks. It returns an error naming a node on the
// first cycle found.
func (g *Graph) DetectCycles() error {
	permanent := make(map[string]bool)
	temporary := make(map[string]bool)

	var visit func(n *node) error
	visit = func(n *node) error {
		if permanent[n.id] {
			return nil
		}
		if temporary[n.id] {
			return fmt.Errorf("cycle detected involving node '%s'", n.id)
		}
		temporary[n.id] = true
		for _, dependent := range n.dependents {
			if err := visit(dependent); err != nil {
				return err
			}
		}
		delete(temporary, n.id)
		permanent[n.id] = true
		return nil
	}

	for _, id := range sortedNodeIDs(g.nodes) {
		if !permanent[id] {
			if err := visit(g.nodes[id]); err != nil {
				return err
			}
		}
	}
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func sortedNodeIDs(m map[string]*node) []string {
	return sortedKeys(m)
}
