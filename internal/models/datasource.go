package models

import (
	"strings"
	"time"
)

// ReferenceKind tags how a data source gets its rows.
type ReferenceKind string

const (
	ReferenceSync      ReferenceKind = "Sync"
	ReferenceExcel     ReferenceKind = "Excel"
	ReferenceTranspose ReferenceKind = "TRANSPOSE"

	ReferenceJoin  ReferenceKind = "jointable"
	ReferenceUnion ReferenceKind = "uniontable"
	ReferenceGroup ReferenceKind = "grouptable"
)

// IsBase reports whether rows come from outside the dispatcher
// (client sync, spreadsheet import, transpose).
func (k ReferenceKind) IsBase() bool {
	switch k {
	case ReferenceSync, ReferenceExcel, ReferenceTranspose:
		return true
	}
	return false
}

// IsComposed reports whether rows are derived from other data sources.
func (k ReferenceKind) IsComposed() bool {
	switch k {
	case ReferenceJoin, ReferenceUnion, ReferenceGroup:
		return true
	}
	return false
}

// UpdateStatus is the rebuild state of a data source. Persisted as an int.
type UpdateStatus int

const (
	StatusUnset    UpdateStatus = -1
	StatusNormal   UpdateStatus = 0
	StatusFinished UpdateStatus = 1
	StatusFailed   UpdateStatus = 2
)

func (s UpdateStatus) String() string {
	switch s {
	case StatusNormal:
		return "normal"
	case StatusFinished:
		return "finished"
	case StatusFailed:
		return "failed"
	default:
		return "unset"
	}
}

// UpdateMode describes where a rebuild request came from.
type UpdateMode string

const (
	ModeFromAPI    UpdateMode = "FromApi"
	ModeAutoUpdate UpdateMode = "AutoUpdate"
)

// ParseUpdateMode falls back to AutoUpdate for unknown values.
func ParseUpdateMode(s string) UpdateMode {
	if strings.EqualFold(s, string(ModeFromAPI)) {
		return ModeFromAPI
	}
	return ModeAutoUpdate
}

// EndDateLayout is the text layout of DataSource.EndDate.
const EndDateLayout = "2006-01-02 15:04:05"

// DataSource is one logical table tracked by the dispatcher: a base table fed
// from outside, or a composed table rebuilt from its UpdateSQL.
type DataSource struct {
	ID        string        `json:"dataSourceId"`
	Name      string        `json:"name"`
	TableName string        `json:"tableName"`
	UpdateSQL string        `json:"updateSql"`
	Reference ReferenceKind `json:"reference"`
	// ProjectID is empty for folders.
	ProjectID string `json:"projectId,omitempty"`
	// Connection overrides the tenant data DSN when set.
	Connection   string       `json:"-"`
	Hashcode     string       `json:"hashcode"`
	UpdateStatus UpdateStatus `json:"updateStatus"`
	UpdateDate   *time.Time   `json:"updateDate,omitempty"`
	EndDate      string       `json:"endDate,omitempty"`
}

// IsFolder reports whether the entry only groups other data sources.
func (d *DataSource) IsFolder() bool {
	return strings.TrimSpace(d.ProjectID) == ""
}

// HasDefinition reports whether there is SQL to rebuild the table from.
func (d *DataSource) HasDefinition() bool {
	return strings.TrimSpace(d.UpdateSQL) != ""
}

// DataDSN returns the DSN the physical table lives behind.
func (d *DataSource) DataDSN(t *Tenant) string {
	if strings.TrimSpace(d.Connection) != "" {
		return d.Connection
	}
	return t.ConnectionStrings.Data
}

// MarkFinished records a committed rebuild.
func (d *DataSource) MarkFinished(fingerprint string, at time.Time) {
	d.UpdateStatus = StatusFinished
	d.Hashcode = fingerprint
	d.UpdateDate = &at
	d.EndDate = at.Format(EndDateLayout)
}

// Clone returns a copy that can be mutated independently.
func (d *DataSource) Clone() *DataSource {
	c := *d
	if d.UpdateDate != nil {
		t := *d.UpdateDate
		c.UpdateDate = &t
	}
	return &c
}

// TableRelation is a directed edge: the parent's definition reads from the child.
type TableRelation struct {
	ChildID  string `json:"id"`
	ParentID string `json:"parentId"`
}

// UpdateLogEntry is one row of a data source's bounded update history.
type UpdateLogEntry struct {
	ID               string
	DataSourceID     string
	StartDate        time.Time
	UpdateDate       time.Time
	UpdateStatus     UpdateStatus
	BeforeUpdateRows int64
	AfterUpdateRows  int64
}
