package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feichai0017/table-dispatcher/internal/models"
	"github.com/feichai0017/table-dispatcher/pkg/logger"
	"github.com/feichai0017/table-dispatcher/pkg/storage"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, 1000*time.Second, cfg.Dispatch.StatementTimeout)
	assert.Equal(t, 9, cfg.Dispatch.HistoryLimit)
	assert.Equal(t, "0 */5 * * * *", cfg.Dispatch.ScanCron)
	assert.Equal(t, []string{"indicatorwarehouse"}, cfg.Dispatch.LeafDenylist)
	assert.Equal(t, []string{"stdout"}, cfg.Log.Outputs)
	assert.Equal(t, logger.Rotation{MaxSizeMB: 100, MaxBackups: 3, MaxAgeDays: 7, Compress: true}, cfg.Log.Rotation())
	assert.False(t, cfg.StorageConfig().Enabled())
}

func TestLoad_EnvFileAndOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(path, []byte("DISPATCH_HISTORY_LIMIT=4\nSTORAGE_TYPE=minio\nSTORAGE_ENDPOINT=minio:9000\n"), 0o600))
	restoreEnv(t, "DISPATCH_HISTORY_LIMIT", "STORAGE_TYPE", "STORAGE_ENDPOINT")
	t.Setenv("QUEUE_UNIQUE_TTL", "30m")
	t.Setenv("DISPATCH_LEAF_DENYLIST", "indicatorwarehouse,audit_log")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 4, cfg.Dispatch.HistoryLimit)
	assert.Equal(t, []string{"indicatorwarehouse", "audit_log"}, cfg.Dispatch.LeafDenylist)

	qc := cfg.QueueConfig()
	assert.Equal(t, 30*time.Minute, qc.UniqueTTL)
	assert.Equal(t, "localhost:6379", qc.RedisAddr)

	sc := cfg.StorageConfig()
	assert.Equal(t, storage.StorageTypeMinio, sc.Type)
	assert.Equal(t, "minio:9000", sc.Minio.Endpoint)
	assert.Equal(t, "reports/", sc.Minio.Prefix)
}

// restoreEnv unsets keys for the test and restores them afterwards, so values
// written by godotenv do not leak into other tests.
func restoreEnv(t *testing.T, keys ...string) {
	t.Helper()
	for _, k := range keys {
		t.Setenv(k, "")
		require.NoError(t, os.Unsetenv(k))
	}
}

func TestLoad_MissingEnvFileFallsBack(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)
}

func TestLoad_Validation(t *testing.T) {
	t.Setenv("QUEUE_TIMEOUT", "10m")
	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "QUEUE_TIMEOUT")

	t.Setenv("QUEUE_TIMEOUT", "30m")
	t.Setenv("STORAGE_TYPE", "ftp")
	_, err = Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ftp")
}

const tenantsYAML = `
tenants:
  - name: acme
    applicationUrl: http://acme.local:8080/
    connectionStrings:
      master: "root:pw@tcp(db1:3306)/acme_master"
      data: "root:pw@tcp(db1:3306)/acme_data"
  - name: acme-eu
    applicationUrl: http://eu.acme.local
    connectionStrings:
      master: "root:pw@tcp(db1:3306)/acme_master"
      data: "root:pw@tcp(db1:3306)/acme_data"
  - name: globex
    connectionStrings:
      master: "root:pw@tcp(db2:3306)/globex_master"
      data: "root:pw@tcp(db2:3306)/globex_data"
`

func TestParseTenants(t *testing.T) {
	r, err := ParseTenants([]byte(tenantsYAML))
	require.NoError(t, err)

	assert.Len(t, r.All(), 3)

	groups := r.Groups()
	require.Len(t, groups, 2)
	assert.Equal(t, "acme", groups[0].Name)
	assert.Equal(t, "globex", groups[1].Name)

	tn, err := r.Find("GLOBEX")
	require.NoError(t, err)
	assert.Equal(t, "root:pw@tcp(db2:3306)/globex_data", tn.ConnectionStrings.Data)

	_, err = r.Find("initech")
	var nf *models.NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "tenant", nf.Kind)
}

func TestRegistry_Match(t *testing.T) {
	r, err := ParseTenants([]byte(tenantsYAML))
	require.NoError(t, err)

	tn, err := r.Match("", "http://acme.local:8080")
	require.NoError(t, err)
	assert.Equal(t, "acme", tn.Name)

	tn, err = r.Match("acme-eu", "")
	require.NoError(t, err)
	assert.Equal(t, "acme-eu", tn.Name)

	_, err = r.Match("nobody", "http://nowhere")
	var nf *models.NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "nobody", nf.ID)
}

func TestNewRegistry_Validation(t *testing.T) {
	cases := map[string]string{
		"empty":          "tenants: []",
		"missing name":   "tenants:\n  - connectionStrings: {master: m, data: d}",
		"missing master": "tenants:\n  - name: a\n    connectionStrings: {data: d}",
		"missing data":   "tenants:\n  - name: a\n    connectionStrings: {master: m}",
		"duplicate":      "tenants:\n  - name: a\n    connectionStrings: {master: m, data: d}\n  - name: A\n    connectionStrings: {master: m2, data: d2}",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseTenants([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestLoadTenants_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tenants.yaml")
	require.NoError(t, os.WriteFile(path, []byte(tenantsYAML), 0o600))

	r, err := LoadTenants(path)
	require.NoError(t, err)
	assert.Len(t, r.All(), 3)

	_, err = LoadTenants(filepath.Join(t.TempDir(), "none.yaml"))
	assert.Error(t, err)
}
