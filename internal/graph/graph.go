// Package graph builds the dependency graph over a batch of resources and
// classifies its cycles. References whose target is outside the batch do not
// constrain ordering; they are collected as dangling-reference warnings.
//
// Cycle policy: mutual references between exactly two resources (the
// Encounter/Condition case) are supported via stub-then-fill and come back
// as CycleGroups. Self-references and cycles of three or more resources are
// rejected as UnsupportedCycleError before any plan is produced.
package graph

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/dominikbraun/graph"

	"github.com/roach88/fhirload/internal/fhir"
)

// CycleGroup is a pair of resources that reference each other. Primary is
// the lexicographically smaller "Type/id" and is the member that gets
// stubbed first.
type CycleGroup struct {
	Primary   fhir.Identity
	Secondary fhir.Identity
}

// Members returns both identities, primary first.
func (g CycleGroup) Members() []fhir.Identity {
	return []fhir.Identity{g.Primary, g.Secondary}
}

// Node is one slot in the condensed topological order: either a single
// acyclic resource or a whole cycle group.
type Node struct {
	// ID is the resource identity for acyclic nodes. Zero when Group is set.
	ID fhir.Identity
	// Group is non-nil when this slot is a 2-cycle.
	Group *CycleGroup
}

// Dangling records a reference to a target outside the batch. Not an error:
// the target may already exist in the store.
type Dangling struct {
	From fhir.Identity
	To   fhir.Identity
}

// Graph is the planning input: a stable topological order over the condensed
// reference graph, plus the batch it was built from.
type Graph struct {
	Batch    *fhir.Batch
	Order    []Node
	Groups   []CycleGroup
	Dangling []Dangling
}

// UnsupportedCycleError reports a reference cycle the stub technique cannot
// resolve: a self-reference or a cycle over more than two resources.
type UnsupportedCycleError struct {
	Members []fhir.Identity
}

func (e *UnsupportedCycleError) Error() string {
	names := make([]string, len(e.Members))
	for i, member := range e.Members {
		names[i] = member.String()
	}
	if len(e.Members) == 1 {
		return fmt.Sprintf("unsupported cycle: %s references itself", names[0])
	}
	return fmt.Sprintf("unsupported cycle of length %d: %s", len(e.Members), strings.Join(names, " -> "))
}

// Build constructs the dependency graph for a batch.
//
// Edges run from a reference target to the referencing resource, so the
// topological order yields dependencies first. Strongly connected components
// of size two become CycleGroups and are collapsed into a single vertex
// before ordering; larger components and self-loops abort planning.
func Build(batch *fhir.Batch) (*Graph, error) {
	result := &Graph{Batch: batch}

	full := graph.New(graph.StringHash, graph.Directed())
	for _, resource := range batch.Resources {
		if err := full.AddVertex(resource.Identity.String()); err != nil {
			return nil, fmt.Errorf("add vertex %s: %w", resource.Identity, err)
		}
	}

	type edge struct{ from, to string }
	var edges []edge
	for _, resource := range batch.Resources {
		for _, target := range resource.References {
			if target == resource.Identity {
				return nil, &UnsupportedCycleError{Members: []fhir.Identity{resource.Identity}}
			}
			if !batch.Contains(target) {
				result.Dangling = append(result.Dangling, Dangling{From: resource.Identity, To: target})
				continue
			}
			// Target must be written before the referencing resource.
			err := full.AddEdge(target.String(), resource.Identity.String())
			if err != nil && !errors.Is(err, graph.ErrEdgeAlreadyExists) {
				return nil, fmt.Errorf("add edge %s -> %s: %w", target, resource.Identity, err)
			}
			edges = append(edges, edge{from: target.String(), to: resource.Identity.String()})
		}
	}

	components, err := graph.StronglyConnectedComponents(full)
	if err != nil {
		return nil, fmt.Errorf("strongly connected components: %w", err)
	}

	// componentOf maps every vertex to its condensed vertex key. For a cycle
	// group the key is the primary member's identity string.
	componentOf := make(map[string]string, len(batch.Resources))
	groupByKey := make(map[string]*CycleGroup)
	for _, component := range components {
		switch len(component) {
		case 1:
			componentOf[component[0]] = component[0]
		case 2:
			group, err := newCycleGroup(component)
			if err != nil {
				return nil, err
			}
			key := group.Primary.String()
			componentOf[component[0]] = key
			componentOf[component[1]] = key
			groupByKey[key] = group
		default:
			return nil, unsupportedCycle(component)
		}
	}

	// Sort groups by input order of their primary for a stable Groups slice.
	for _, group := range groupByKey {
		result.Groups = append(result.Groups, *group)
	}
	sort.Slice(result.Groups, func(i, j int) bool {
		return inputIndex(batch, result.Groups[i].Primary) < inputIndex(batch, result.Groups[j].Primary)
	})

	condensed := graph.New(graph.StringHash, graph.Directed())
	for _, resource := range batch.Resources {
		key := componentOf[resource.Identity.String()]
		if err := condensed.AddVertex(key); err != nil && !errors.Is(err, graph.ErrVertexAlreadyExists) {
			return nil, fmt.Errorf("add condensed vertex %s: %w", key, err)
		}
	}
	for _, e := range edges {
		from, to := componentOf[e.from], componentOf[e.to]
		if from == to {
			continue // intra-group edge, resolved by stubbing
		}
		err := condensed.AddEdge(from, to)
		if err != nil && !errors.Is(err, graph.ErrEdgeAlreadyExists) {
			return nil, fmt.Errorf("add condensed edge %s -> %s: %w", from, to, err)
		}
	}

	// Ties broken by input order; a group sorts at its earliest member.
	rank := make(map[string]int, len(componentOf))
	for _, resource := range batch.Resources {
		key := componentOf[resource.Identity.String()]
		index := inputIndex(batch, resource.Identity)
		if existing, ok := rank[key]; !ok || index < existing {
			rank[key] = index
		}
	}
	order, err := graph.StableTopologicalSort(condensed, func(a, b string) bool {
		return rank[a] < rank[b]
	})
	if err != nil {
		// Cycles were collapsed or rejected above, so the condensed graph is
		// acyclic and this only fires on an internal inconsistency.
		return nil, fmt.Errorf("topological sort: %w", err)
	}

	for _, key := range order {
		if group, ok := groupByKey[key]; ok {
			result.Order = append(result.Order, Node{Group: group})
			continue
		}
		id, ok := fhir.ParseIdentity(key)
		if !ok {
			return nil, fmt.Errorf("malformed vertex key %q", key)
		}
		result.Order = append(result.Order, Node{ID: id})
	}
	return result, nil
}

func newCycleGroup(component []string) (*CycleGroup, error) {
	first, ok1 := fhir.ParseIdentity(component[0])
	second, ok2 := fhir.ParseIdentity(component[1])
	if !ok1 || !ok2 {
		return nil, fmt.Errorf("malformed vertex keys %q, %q", component[0], component[1])
	}
	if second.Less(first) {
		first, second = second, first
	}
	return &CycleGroup{Primary: first, Secondary: second}, nil
}

func unsupportedCycle(component []string) error {
	members := make([]fhir.Identity, 0, len(component))
	for _, key := range component {
		if id, ok := fhir.ParseIdentity(key); ok {
			members = append(members, id)
		}
	}
	sort.Slice(members, func(i, j int) bool { return members[i].Less(members[j]) })
	return &UnsupportedCycleError{Members: members}
}

func inputIndex(batch *fhir.Batch, id fhir.Identity) int {
	index, _ := batch.InputIndex(id)
	return index
}
