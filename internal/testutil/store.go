package testutil

import (
	"context"
	"fmt"
	"sync"

	"github.com/feichai0017/table-dispatcher/internal/lineage"
	"github.com/feichai0017/table-dispatcher/internal/models"
	"github.com/feichai0017/table-dispatcher/internal/store"
)

// MemStore is an in-memory store.Store. Snapshots hand out copies, so a
// change only becomes visible to later snapshots once it is saved.
type MemStore struct {
	mu          sync.Mutex
	nodes       map[string]*models.DataSource
	order       []string
	relations   []models.TableRelation
	retirements map[string]string
	history     map[string][]models.UpdateLogEntry
	saves       []models.DataSource
	snapshots   int
	closed      int

	SnapshotErr error
	SaveErr     error
	RetireErr   error
	HistoryErr  error
}

func NewMemStore() *MemStore {
	return &MemStore{
		nodes:       map[string]*models.DataSource{},
		retirements: map[string]string{},
		history:     map[string][]models.UpdateLogEntry{},
	}
}

// AddNode registers a data source.
func (s *MemStore) AddNode(n *models.DataSource) *MemStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.nodes[n.ID]; !ok {
		s.order = append(s.order, n.ID)
	}
	s.nodes[n.ID] = n.Clone()
	return s
}

// Relate adds the edge child -> parent.
func (s *MemStore) Relate(child, parent string) *MemStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.relations = append(s.relations, models.TableRelation{ChildID: child, ParentID: parent})
	return s
}

// Node returns a copy of the stored data source.
func (s *MemStore) Node(id string) *models.DataSource {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n, ok := s.nodes[id]; ok {
		return n.Clone()
	}
	return nil
}

// Mutate edits a stored node in place, e.g. to simulate a concurrent import.
func (s *MemStore) Mutate(id string, fn func(n *models.DataSource)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s.nodes[id])
}

// Saves returns every node passed to SaveNode.
func (s *MemStore) Saves() []models.DataSource {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.DataSource(nil), s.saves...)
}

// Retirements returns retired table -> original table.
func (s *MemStore) Retirements() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.retirements))
	for k, v := range s.retirements {
		out[k] = v
	}
	return out
}

// History returns the update log of a data source, oldest first.
func (s *MemStore) History(id string) []models.UpdateLogEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.UpdateLogEntry(nil), s.history[id]...)
}

// Snapshots returns how many snapshots were taken.
func (s *MemStore) Snapshots() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshots
}

func (s *MemStore) Closed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *MemStore) Snapshot(ctx context.Context) (*lineage.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.SnapshotErr != nil {
		return nil, s.SnapshotErr
	}
	s.snapshots++
	nodes := make([]*models.DataSource, 0, len(s.order))
	for _, id := range s.order {
		nodes = append(nodes, s.nodes[id].Clone())
	}
	return lineage.NewSnapshot(nodes, append([]models.TableRelation(nil), s.relations...)), nil
}

func (s *MemStore) SaveNode(ctx context.Context, node *models.DataSource) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.SaveErr != nil {
		return s.SaveErr
	}
	cur, ok := s.nodes[node.ID]
	if !ok {
		return &models.NotFoundError{Kind: "datasource", ID: node.ID}
	}
	cur.UpdateStatus = node.UpdateStatus
	cur.Hashcode = node.Hashcode
	cur.UpdateDate = node.Clone().UpdateDate
	cur.EndDate = node.EndDate
	s.saves = append(s.saves, *node.Clone())
	return nil
}

func (s *MemStore) RecordRetirement(ctx context.Context, table, retired string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.RetireErr != nil {
		return s.RetireErr
	}
	s.retirements[retired] = table
	return nil
}

func (s *MemStore) DeleteRetirements(ctx context.Context, retired []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range retired {
		delete(s.retirements, r)
	}
	return nil
}

func (s *MemStore) AppendHistory(ctx context.Context, entry models.UpdateLogEntry, keep int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.HistoryErr != nil {
		return s.HistoryErr
	}
	h := append(s.history[entry.DataSourceID], entry)
	if keep > 0 && len(h) > keep {
		h = h[len(h)-keep:]
	}
	s.history[entry.DataSourceID] = h
	return nil
}

func (s *MemStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed++
	return nil
}

// MemOpener opens MemStores by tenant name.
type MemOpener struct {
	mu     sync.Mutex
	stores map[string]*MemStore
	errs   map[string]error
	opens  map[string]int
}

func NewMemOpener() *MemOpener {
	return &MemOpener{stores: map[string]*MemStore{}, errs: map[string]error{}, opens: map[string]int{}}
}

// Add binds a store to a tenant name.
func (o *MemOpener) Add(tenant string, s *MemStore) *MemOpener {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.stores[tenant] = s
	return o
}

// Fail makes opening tenant return err.
func (o *MemOpener) Fail(tenant string, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.errs[tenant] = err
}

func (o *MemOpener) Opens(tenant string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.opens[tenant]
}

func (o *MemOpener) Open(ctx context.Context, tenant *models.Tenant) (store.Store, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.errs[tenant.Name]; err != nil {
		return nil, err
	}
	s, ok := o.stores[tenant.Name]
	if !ok {
		return nil, fmt.Errorf("no store for tenant %s", tenant.Name)
	}
	o.opens[tenant.Name]++
	return s, nil
}
