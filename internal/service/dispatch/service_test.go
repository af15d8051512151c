package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feichai0017/table-dispatcher/internal/builder"
	"github.com/feichai0017/table-dispatcher/internal/lineage"
	"github.com/feichai0017/table-dispatcher/internal/models"
	"github.com/feichai0017/table-dispatcher/internal/testutil"
	"github.com/feichai0017/table-dispatcher/pkg/logger"
	"github.com/feichai0017/table-dispatcher/pkg/metrics"
)

const joinSQL = "select s.id, s.amount from sales s"

type callbackServer struct {
	*httptest.Server
	mu     sync.Mutex
	paths  []string
	status int
}

func newCallbackServer(t *testing.T) *callbackServer {
	cb := &callbackServer{status: http.StatusOK}
	cb.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cb.mu.Lock()
		defer cb.mu.Unlock()
		cb.paths = append(cb.paths, r.Method+" "+r.URL.Path)
		w.WriteHeader(cb.status)
		_, _ = w.Write([]byte("ok"))
	}))
	t.Cleanup(cb.Close)
	return cb
}

func (c *callbackServer) SetStatus(code int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status = code
}

func (c *callbackServer) Paths() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.paths...)
}

type fixture struct {
	tenant  *models.Tenant
	store   *testutil.MemStore
	exec    *testutil.FakeExecutor
	dialer  *testutil.FakeDialer
	reports *testutil.MemStorage
	cb      *callbackServer
	log     *logger.TestLogger
	svc     *DispatchService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:   testutil.NewMemStore(),
		exec:    testutil.NewFakeExecutor().Define(joinSQL, 12, "id", "amount"),
		dialer:  testutil.NewFakeDialer(),
		reports: testutil.NewMemStorage(),
		cb:      newCallbackServer(t),
		log:     logger.NewTestLogger(),
	}
	f.tenant = &models.Tenant{
		Name:           "acme",
		ApplicationURL: f.cb.URL + "/",
		ConnectionStrings: models.ConnectionStrings{
			Master: "master-dsn",
			Data:   "data-dsn",
		},
	}
	f.dialer.Register("data-dsn", f.exec)

	f.store.
		AddNode(&models.DataSource{ID: "s1", Name: "sales", TableName: "sales", Reference: models.ReferenceSync, Hashcode: "h-s1"}).
		AddNode(&models.DataSource{ID: "j1", Name: "sales join", TableName: "sales_join", UpdateSQL: joinSQL, Reference: models.ReferenceJoin}).
		Relate("s1", "j1")

	f.svc = NewService(f.dialer, builder.New(logger.NewTestLogger()), lineage.NewSHA256Hasher(), f.reports, f.log, &ServiceConfig{
		HistoryLimit:    9,
		CallbackTimeout: time.Second,
	})
	return f
}

func (f *fixture) request(t *testing.T, id string) *Request {
	t.Helper()
	snap, err := f.store.Snapshot(context.Background())
	require.NoError(t, err)
	fp, err := lineage.NewSHA256Hasher().Fingerprint(id, snap)
	require.NoError(t, err)
	return &Request{
		TaskID:      "t1",
		Tenant:      f.tenant,
		Store:       f.store,
		Node:        f.store.Node(id),
		Fingerprint: fp,
		Mode:        models.ModeAutoUpdate,
	}
}

func TestUpdate_CommitsWhenFingerprintUnchanged(t *testing.T) {
	f := newFixture(t)
	req := f.request(t, "j1")
	before := promtest.ToFloat64(metrics.RebuildsTotal.WithLabelValues(metrics.OutcomeCommitted))

	res, err := f.svc.Update(context.Background(), req)
	require.NoError(t, err)

	assert.True(t, res.Committed)
	assert.True(t, res.WasNewlyCreated)
	assert.EqualValues(t, 12, res.NewRows)
	assert.Equal(t, req.Fingerprint, res.Fingerprint)

	assert.Equal(t, models.StatusFinished, req.Node.UpdateStatus)
	assert.Equal(t, req.Fingerprint, req.Node.Hashcode)
	require.NotNil(t, req.Node.UpdateDate)
	assert.NotEmpty(t, req.Node.EndDate)

	assert.Equal(t, []string{"POST /api/sync/refreshCache/j1"}, f.cb.Paths())

	history := f.store.History("j1")
	require.Len(t, history, 1)
	assert.EqualValues(t, 12, history[0].AfterUpdateRows)
	assert.Equal(t, models.StatusFinished, history[0].UpdateStatus)

	raw, ok := f.reports.Object(ReportKey("acme", "j1", "t1"))
	require.True(t, ok)
	var report Report
	require.NoError(t, json.Unmarshal(raw, &report))
	assert.True(t, report.Committed)
	assert.Equal(t, "t1", report.TaskID)

	assert.Equal(t, before+1, promtest.ToFloat64(metrics.RebuildsTotal.WithLabelValues(metrics.OutcomeCommitted)))
	assert.Equal(t, 1, f.exec.Closed())
}

func TestUpdate_StaleWhenUpstreamChangesDuringRebuild(t *testing.T) {
	f := newFixture(t)
	req := f.request(t, "j1")

	f.exec.OnStatement(func(stmt string) {
		if strings.HasPrefix(stmt, "CREATE TABLE") {
			f.store.Mutate("s1", func(n *models.DataSource) { n.Hashcode = "h-s1-v2" })
		}
	})

	res, err := f.svc.Update(context.Background(), req)
	require.NoError(t, err)

	assert.False(t, res.Committed)
	assert.NotEqual(t, req.Fingerprint, res.Fingerprint)
	assert.Equal(t, models.StatusNormal, req.Node.UpdateStatus)
	assert.Empty(t, req.Node.Hashcode)
	assert.Nil(t, req.Node.UpdateDate)

	// the table itself was still replaced
	tbl, ok := f.exec.Table("sales_join")
	require.True(t, ok)
	assert.EqualValues(t, 12, tbl.Rows)

	assert.Empty(t, f.cb.Paths())
	assert.Empty(t, f.store.History("j1"))

	raw, ok := f.reports.Object(ReportKey("acme", "j1", "t1"))
	require.True(t, ok)
	var report Report
	require.NoError(t, json.Unmarshal(raw, &report))
	assert.False(t, report.Committed)
	assert.Equal(t, res.Fingerprint, report.FingerprintTo)
}

func TestUpdate_NoDefinitionIsNoop(t *testing.T) {
	f := newFixture(t)
	f.store.AddNode(&models.DataSource{ID: "e1", TableName: "empty_union", Reference: models.ReferenceUnion, UpdateStatus: models.StatusFailed})

	req := f.request(t, "e1")
	res, err := f.svc.Update(context.Background(), req)
	require.NoError(t, err)

	assert.False(t, res.Committed)
	assert.Equal(t, models.StatusNormal, req.Node.UpdateStatus)
	assert.Zero(t, f.dialer.Dials("data-dsn"))
	assert.Empty(t, f.cb.Paths())
}

func TestUpdate_BuildFailureMarksFailed(t *testing.T) {
	f := newFixture(t)
	f.exec.FailOn(func(stmt string) error {
		if strings.HasPrefix(stmt, "CREATE TABLE") {
			return errors.New("table full")
		}
		return nil
	})

	req := f.request(t, "j1")
	_, err := f.svc.Update(context.Background(), req)

	var se *models.SchemaError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, models.StatusFailed, req.Node.UpdateStatus)
	assert.Empty(t, req.Node.Hashcode)
	assert.Empty(t, f.cb.Paths())
	assert.Empty(t, f.reports.Keys())
}

func TestUpdate_DialFailureMarksFailed(t *testing.T) {
	f := newFixture(t)
	f.dialer.Fail(errors.New("connection refused"))

	req := f.request(t, "j1")
	_, err := f.svc.Update(context.Background(), req)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
	assert.Equal(t, models.StatusFailed, req.Node.UpdateStatus)
}

func TestUpdate_NodeConnectionOverridesTenantData(t *testing.T) {
	f := newFixture(t)
	other := testutil.NewFakeExecutor().Define(joinSQL, 3, "id")
	f.dialer.Register("other-dsn", other)
	f.store.Mutate("j1", func(n *models.DataSource) { n.Connection = "other-dsn" })

	res, err := f.svc.Update(context.Background(), f.request(t, "j1"))
	require.NoError(t, err)
	assert.EqualValues(t, 3, res.NewRows)
	assert.Equal(t, 1, f.dialer.Dials("other-dsn"))
	assert.Zero(t, f.dialer.Dials("data-dsn"))
}

func TestUpdate_SideEffectFailuresDoNotUndoCommit(t *testing.T) {
	f := newFixture(t)
	f.cb.SetStatus(http.StatusInternalServerError)
	f.store.HistoryErr = errors.New("log table locked")
	f.reports.StoreErr = errors.New("bucket gone")

	req := f.request(t, "j1")
	res, err := f.svc.Update(context.Background(), req)
	require.NoError(t, err)

	assert.True(t, res.Committed)
	assert.Equal(t, models.StatusFinished, req.Node.UpdateStatus)
	assert.Equal(t, 3, f.log.Count("ERROR"))
}

func TestUpdate_NoApplicationURLSkipsCallback(t *testing.T) {
	f := newFixture(t)
	f.tenant.ApplicationURL = ""

	res, err := f.svc.Update(context.Background(), f.request(t, "j1"))
	require.NoError(t, err)
	assert.True(t, res.Committed)
	assert.Empty(t, f.cb.Paths())
}

func TestUpdate_HistoryIsPruned(t *testing.T) {
	f := newFixture(t)
	f.svc.config.HistoryLimit = 2

	for i := 0; i < 3; i++ {
		req := f.request(t, "j1")
		res, err := f.svc.Update(context.Background(), req)
		require.NoError(t, err)
		require.True(t, res.Committed)
	}
	assert.Len(t, f.store.History("j1"), 2)
}

func TestUpdate_WithoutReportStorage(t *testing.T) {
	f := newFixture(t)
	f.svc.reports = nil

	res, err := f.svc.Update(context.Background(), f.request(t, "j1"))
	require.NoError(t, err)
	assert.True(t, res.Committed)
}
