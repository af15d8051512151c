package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/feichai0017/table-dispatcher/internal/models"
)

type tenantFile struct {
	Tenants []models.Tenant `yaml:"tenants"`
}

// Registry holds the configured tenants in file order.
type Registry struct {
	tenants []models.Tenant
	byName  map[string]int
}

// LoadTenants reads the tenant registry from a YAML file.
func LoadTenants(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read tenant file: %w", err)
	}
	return ParseTenants(data)
}

func ParseTenants(data []byte) (*Registry, error) {
	var f tenantFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse tenant file: %w", err)
	}
	return NewRegistry(f.Tenants)
}

// NewRegistry validates tenants. Every tenant needs a unique name and both
// connection strings.
func NewRegistry(tenants []models.Tenant) (*Registry, error) {
	if len(tenants) == 0 {
		return nil, fmt.Errorf("no tenants configured")
	}
	r := &Registry{byName: make(map[string]int, len(tenants))}
	for i, t := range tenants {
		t.Name = strings.TrimSpace(t.Name)
		switch {
		case t.Name == "":
			return nil, fmt.Errorf("tenant #%d: name is required", i+1)
		case t.ConnectionStrings.Master == "":
			return nil, fmt.Errorf("tenant %s: master connection is required", t.Name)
		case t.ConnectionStrings.Data == "":
			return nil, fmt.Errorf("tenant %s: data connection is required", t.Name)
		}
		key := strings.ToLower(t.Name)
		if _, dup := r.byName[key]; dup {
			return nil, fmt.Errorf("tenant %s is registered twice", t.Name)
		}
		r.byName[key] = len(r.tenants)
		r.tenants = append(r.tenants, t)
	}
	return r, nil
}

// Find looks a tenant up by name, ignoring case.
func (r *Registry) Find(name string) (*models.Tenant, error) {
	i, ok := r.byName[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, &models.NotFoundError{Kind: "tenant", ID: name}
	}
	t := r.tenants[i]
	return &t, nil
}

// Match returns the first tenant whose name equals name or whose application
// url equals url, ignoring case and a trailing slash.
func (r *Registry) Match(name, url string) (*models.Tenant, error) {
	url = normalizeURL(url)
	for _, t := range r.tenants {
		if name != "" && strings.EqualFold(t.Name, name) {
			return &t, nil
		}
		if url != "" && strings.EqualFold(normalizeURL(t.ApplicationURL), url) {
			return &t, nil
		}
	}
	key := name
	if key == "" {
		key = url
	}
	return nil, &models.NotFoundError{Kind: "tenant", ID: key}
}

// Groups returns one tenant per unique master connection.
func (r *Registry) Groups() []models.Tenant {
	return models.GroupByMaster(r.tenants)
}

// All returns every tenant in registration order.
func (r *Registry) All() []models.Tenant {
	return append([]models.Tenant(nil), r.tenants...)
}

func normalizeURL(u string) string {
	return strings.TrimRight(strings.TrimSpace(u), "/")
}
