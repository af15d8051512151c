package models

// Tenant is an isolation boundary: metadata lives behind Master, physical
// tables behind Data.
type Tenant struct {
	Name string `json:"name" yaml:"name"`
	// ApplicationURL is scheme://host:port of the tenant application, used
	// for cache invalidation callbacks.
	ApplicationURL    string            `json:"applicationUrl" yaml:"applicationUrl"`
	ConnectionStrings ConnectionStrings `json:"-" yaml:"connectionStrings"`
}

type ConnectionStrings struct {
	Master string `yaml:"master"`
	Data   string `yaml:"data"`
}

// GroupByMaster returns one representative tenant per distinct master DSN,
// keeping the first registration and the input order.
func GroupByMaster(tenants []Tenant) []Tenant {
	seen := make(map[string]bool, len(tenants))
	groups := make([]Tenant, 0, len(tenants))
	for _, t := range tenants {
		if seen[t.ConnectionStrings.Master] {
			continue
		}
		seen[t.ConnectionStrings.Master] = true
		groups = append(groups, t)
	}
	return groups
}
