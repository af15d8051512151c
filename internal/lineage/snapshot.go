// Package lineage holds the per-tenant dependency graph between data sources
// and the fingerprint used to detect stale composed tables.
//
// Edges run child -> parent: a parent's definition reads from its children,
// so a change propagates from children towards parents.
package lineage

import (
	"sort"
	"strings"

	"github.com/feichai0017/table-dispatcher/internal/models"
)

// DefaultDenylist holds internal tables that never act as live leaves.
var DefaultDenylist = []string{"indicatorwarehouse"}

// Snapshot is an immutable view of one tenant's nodes and edges.
type Snapshot struct {
	nodes    map[string]*models.DataSource
	order    []string
	children map[string][]string
	parents  map[string][]string
}

// NewSnapshot indexes nodes and relations. Duplicate edges are collapsed;
// edges pointing at unknown nodes are kept so hashing still sees them.
func NewSnapshot(nodes []*models.DataSource, relations []models.TableRelation) *Snapshot {
	s := &Snapshot{
		nodes:    make(map[string]*models.DataSource, len(nodes)),
		order:    make([]string, 0, len(nodes)),
		children: make(map[string][]string),
		parents:  make(map[string][]string),
	}
	for _, n := range nodes {
		if n == nil {
			continue
		}
		if _, dup := s.nodes[n.ID]; !dup {
			s.order = append(s.order, n.ID)
		}
		s.nodes[n.ID] = n
	}

	seen := make(map[models.TableRelation]bool, len(relations))
	for _, r := range relations {
		if r.ChildID == "" || r.ParentID == "" || seen[r] {
			continue
		}
		seen[r] = true
		s.parents[r.ChildID] = append(s.parents[r.ChildID], r.ParentID)
		s.children[r.ParentID] = append(s.children[r.ParentID], r.ChildID)
	}
	return s
}

// Node returns the data source with id, or false.
func (s *Snapshot) Node(id string) (*models.DataSource, bool) {
	n, ok := s.nodes[id]
	return n, ok
}

// Nodes returns all nodes in load order.
func (s *Snapshot) Nodes() []*models.DataSource {
	out := make([]*models.DataSource, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.nodes[id])
	}
	return out
}

// Len returns the number of nodes.
func (s *Snapshot) Len() int { return len(s.order) }

// Children returns the ids the node reads from.
func (s *Snapshot) Children(id string) []string {
	return append([]string(nil), s.children[id]...)
}

// Parents returns the ids that read from the node.
func (s *Snapshot) Parents(id string) []string {
	return append([]string(nil), s.parents[id]...)
}

// Leaves returns live base nodes: a base reference kind, inside a project,
// not denylisted and built at least once (non-empty fingerprint).
func (s *Snapshot) Leaves(denylist []string) []*models.DataSource {
	deny := make(map[string]bool, len(denylist))
	for _, t := range denylist {
		deny[strings.ToLower(strings.TrimSpace(t))] = true
	}

	var leaves []*models.DataSource
	for _, id := range s.order {
		n := s.nodes[id]
		if n.IsFolder() || !n.Reference.IsBase() {
			continue
		}
		if deny[strings.ToLower(n.TableName)] {
			continue
		}
		if n.Hashcode == "" {
			continue
		}
		leaves = append(leaves, n)
	}
	return leaves
}

// ParentsOf returns the immediate parents of ids, deduplicated in
// first-seen order.
func (s *Snapshot) ParentsOf(ids []string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, id := range ids {
		for _, p := range s.parents[id] {
			if seen[p] {
				continue
			}
			seen[p] = true
			out = append(out, p)
		}
	}
	return out
}

// CycleThrough returns a closed path starting and ending at id if id can
// reach itself by following child edges, or nil.
func (s *Snapshot) CycleThrough(id string) []string {
	visited := make(map[string]bool)
	path := []string{id}

	var walk func(cur string) bool
	walk = func(cur string) bool {
		kids := append([]string(nil), s.children[cur]...)
		sort.Strings(kids)
		for _, c := range kids {
			if c == id {
				path = append(path, c)
				return true
			}
			if visited[c] {
				continue
			}
			visited[c] = true
			path = append(path, c)
			if walk(c) {
				return true
			}
			path = path[:len(path)-1]
		}
		return false
	}

	if walk(id) {
		return path
	}
	return nil
}
