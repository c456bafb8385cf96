package engine

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/flowdeploy/flowdeploy/internal/ir"
)

// DAG represents a directed acyclic graph of resources for dependency ordering.
// Ties between independent resources are broken by declaration order, so the
// same input always yields the same order.
type DAG struct {
	nodes    map[string]*dagNode
	order    []string // topological order (creation order)
	revOrder []string // reverse topological order (destruction order)
}

type dagNode struct {
	addr     string
	index    int
	edges    []string // resources this node depends on
	refs     []string // subset of edges whose attributes this node reads
	revEdges []string // resources that depend on this node
}

// BuildDAG constructs a dependency graph from expanded resources.
// It resolves both explicit DependsOn and implicit ptr:// references. A
// dependency on the base address of a for_each resource matches every instance.
func BuildDAG(resources []*ir.Resource) (*DAG, error) {
	dag := &DAG{nodes: make(map[string]*dagNode)}

	instances := make(map[string][]string)
	for i, res := range resources {
		addr := res.Address()
		if _, dup := dag.nodes[addr]; dup {
			return nil, fmt.Errorf("duplicate resource address %s", addr)
		}
		dag.nodes[addr] = &dagNode{addr: addr, index: i}
		if base := baseAddr(addr); base != addr {
			instances[base] = append(instances[base], addr)
		}
	}

	lookup := func(dep string) []string {
		if _, ok := dag.nodes[dep]; ok {
			return []string{dep}
		}
		return instances[dep]
	}

	for _, res := range resources {
		addr := res.Address()
		node := dag.nodes[addr]

		for _, dep := range res.DependsOn {
			targets := lookup(dep)
			if len(targets) == 0 {
				return nil, fmt.Errorf("%s depends on unknown resource %s", addr, dep)
			}
			node.edges = append(node.edges, targets...)
		}

		for _, ref := range extractPtrRefs(res.Properties) {
			depAddr, _, ok := ir.ParseRef(ref)
			if !ok {
				return nil, fmt.Errorf("%s has malformed reference %q", addr, ref)
			}
			targets := lookup(depAddr)
			if len(targets) == 0 {
				return nil, fmt.Errorf("%s references unknown resource %s", addr, depAddr)
			}
			node.edges = append(node.edges, targets...)
			node.refs = append(node.refs, targets...)
		}

		node.edges = dedupe(node.edges, addr)
		node.refs = dedupe(node.refs, addr)
	}

	if err := dag.finish(); err != nil {
		return nil, err
	}
	return dag, nil
}

// BuildDAGFromState constructs a dependency graph from state resources (for destroy).
// Recorded dependencies that are no longer in state are ignored.
func BuildDAGFromState(resources []*ir.ResourceState) (*DAG, error) {
	dag := &DAG{nodes: make(map[string]*dagNode)}

	for i, res := range resources {
		addr := res.Address()
		dag.nodes[addr] = &dagNode{addr: addr, index: i}
	}

	for _, res := range resources {
		node := dag.nodes[res.Address()]
		for _, dep := range res.Dependencies {
			if _, ok := dag.nodes[dep]; ok {
				node.edges = append(node.edges, dep)
			}
		}
		node.edges = dedupe(node.edges, node.addr)
	}

	if err := dag.finish(); err != nil {
		return nil, err
	}
	return dag, nil
}

func (d *DAG) finish() error {
	for _, addr := range d.sortedByIndex() {
		for _, dep := range d.nodes[addr].edges {
			d.nodes[dep].revEdges = append(d.nodes[dep].revEdges, addr)
		}
	}

	order, err := d.topoSort()
	if err != nil {
		return err
	}
	d.order = order

	d.revOrder = make([]string, len(order))
	for i, addr := range order {
		d.revOrder[len(order)-1-i] = addr
	}
	return nil
}

// CreationOrder returns resources in dependency-respecting creation order.
func (d *DAG) CreationOrder() []string {
	return d.order
}

// DestructionOrder returns resources in reverse dependency order (safe for deletion).
func (d *DAG) DestructionOrder() []string {
	return d.revOrder
}

// Has reports whether addr is a node of the graph.
func (d *DAG) Has(addr string) bool {
	_, ok := d.nodes[addr]
	return ok
}

// Dependencies returns the direct dependencies of addr.
func (d *DAG) Dependencies(addr string) []string {
	if node, ok := d.nodes[addr]; ok {
		return node.edges
	}
	return nil
}

// References returns the direct dependencies whose attributes addr reads.
func (d *DAG) References(addr string) []string {
	if node, ok := d.nodes[addr]; ok {
		return node.refs
	}
	return nil
}

// Dependents returns the resources that directly depend on addr.
func (d *DAG) Dependents(addr string) []string {
	if node, ok := d.nodes[addr]; ok {
		return node.revEdges
	}
	return nil
}

// TransitiveDeps returns every resource addr depends on, directly or not,
// in creation order.
func (d *DAG) TransitiveDeps(addr string) []string {
	seen := make(map[string]bool)
	var visit func(string)
	visit = func(a string) {
		node, ok := d.nodes[a]
		if !ok {
			return
		}
		for _, dep := range node.edges {
			if !seen[dep] {
				seen[dep] = true
				visit(dep)
			}
		}
	}
	visit(addr)

	var deps []string
	for _, a := range d.order {
		if seen[a] {
			deps = append(deps, a)
		}
	}
	return deps
}

// TargetSet expands target addresses to the set of resources a targeted
// operation touches: the targets, their for_each instances and all transitive
// dependencies. A nil set means "everything".
func (d *DAG) TargetSet(targets []string) (map[string]bool, error) {
	if len(targets) == 0 {
		return nil, nil
	}

	set := make(map[string]bool)
	for _, t := range targets {
		var matched []string
		if d.Has(t) {
			matched = append(matched, t)
		}
		for _, addr := range d.order {
			if addr != t && baseAddr(addr) == t {
				matched = append(matched, addr)
			}
		}
		if len(matched) == 0 {
			return nil, fmt.Errorf("target %s is not a resource in the configuration", t)
		}
		for _, m := range matched {
			set[m] = true
			for _, dep := range d.TransitiveDeps(m) {
				set[dep] = true
			}
		}
	}
	return set, nil
}

// topoSort performs Kahn's algorithm, always releasing the earliest declared
// ready node first.
func (d *DAG) topoSort() ([]string, error) {
	inDegree := make(map[string]int, len(d.nodes))
	var ready []*dagNode
	for addr, node := range d.nodes {
		inDegree[addr] = len(node.edges)
		if len(node.edges) == 0 {
			ready = append(ready, node)
		}
	}

	var sorted []string
	for len(ready) > 0 {
		sort.Slice(ready, func(i, j int) bool { return ready[i].index < ready[j].index })
		node := ready[0]
		ready = ready[1:]
		sorted = append(sorted, node.addr)

		for _, dependent := range node.revEdges {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				ready = append(ready, d.nodes[dependent])
			}
		}
	}

	if len(sorted) != len(d.nodes) {
		var stuck []string
		for _, addr := range d.sortedByIndex() {
			if inDegree[addr] > 0 {
				stuck = append(stuck, addr)
			}
		}
		return nil, fmt.Errorf("dependency cycle detected in resource graph: %s", strings.Join(stuck, ", "))
	}

	return sorted, nil
}

func (d *DAG) sortedByIndex() []string {
	addrs := make([]string, 0, len(d.nodes))
	for addr := range d.nodes {
		addrs = append(addrs, addr)
	}
	sort.Slice(addrs, func(i, j int) bool { return d.nodes[addrs[i]].index < d.nodes[addrs[j]].index })
	return addrs
}

func dedupe(addrs []string, self string) []string {
	seen := map[string]bool{self: true}
	out := addrs[:0]
	for _, a := range addrs {
		if !seen[a] {
			seen[a] = true
			out = append(out, a)
		}
	}
	return out
}

// baseAddr strips a for_each instance key: `t.name["k"]` -> `t.name`.
func baseAddr(addr string) string {
	if i := strings.IndexByte(addr, '['); i > 0 && strings.HasSuffix(addr, "]") {
		return addr[:i]
	}
	return addr
}

var embeddedRef = regexp.MustCompile(`\$\{(ptr://[^}]+)\}`)

// extractPtrRefs extracts all ptr:// references from a property value, both
// whole-value references and ones embedded as ${ptr://...}.
func extractPtrRefs(v any) []string {
	var refs []string
	switch val := v.(type) {
	case string:
		if strings.HasPrefix(val, ir.RefScheme) {
			refs = append(refs, val)
			break
		}
		for _, m := range embeddedRef.FindAllStringSubmatch(val, -1) {
			refs = append(refs, m[1])
		}
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			refs = append(refs, extractPtrRefs(val[k])...)
		}
	case []any:
		for _, v := range val {
			refs = append(refs, extractPtrRefs(v)...)
		}
	case []string:
		for _, v := range val {
			refs = append(refs, extractPtrRefs(v)...)
		}
	case map[string]string:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			refs = append(refs, extractPtrRefs(val[k])...)
		}
	}
	return refs
}
