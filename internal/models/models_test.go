package models

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestReferenceKind(t *testing.T) {
	for _, k := range []ReferenceKind{ReferenceSync, ReferenceExcel, ReferenceTranspose} {
		assert.True(t, k.IsBase(), k)
		assert.False(t, k.IsComposed(), k)
	}
	for _, k := range []ReferenceKind{ReferenceJoin, ReferenceUnion, ReferenceGroup} {
		assert.True(t, k.IsComposed(), k)
		assert.False(t, k.IsBase(), k)
	}
	assert.False(t, ReferenceKind("folder").IsBase())
	assert.False(t, ReferenceKind("indicator").IsComposed())
}

func TestDataSource_DataDSN(t *testing.T) {
	tenant := &Tenant{ConnectionStrings: ConnectionStrings{Master: "m", Data: "d"}}
	ds := &DataSource{}
	assert.Equal(t, "d", ds.DataDSN(tenant))
	ds.Connection = "override"
	assert.Equal(t, "override", ds.DataDSN(tenant))
}

func TestDataSource_MarkFinished(t *testing.T) {
	at := time.Date(2024, 3, 1, 10, 30, 0, 0, time.UTC)
	ds := &DataSource{UpdateStatus: StatusFailed}
	ds.MarkFinished("abc", at)

	assert.Equal(t, StatusFinished, ds.UpdateStatus)
	assert.Equal(t, "abc", ds.Hashcode)
	assert.Equal(t, at, *ds.UpdateDate)
	assert.Equal(t, "2024-03-01 10:30:00", ds.EndDate)
}

func TestDataSource_CloneIsIndependent(t *testing.T) {
	at := time.Now()
	ds := &DataSource{ID: "a", UpdateDate: &at}
	c := ds.Clone()
	c.ID = "b"
	*c.UpdateDate = at.Add(time.Hour)
	assert.Equal(t, "a", ds.ID)
	assert.Equal(t, at, *ds.UpdateDate)
}

func TestGroupByMaster(t *testing.T) {
	tenants := []Tenant{
		{Name: "a", ConnectionStrings: ConnectionStrings{Master: "m1"}},
		{Name: "a-alias", ConnectionStrings: ConnectionStrings{Master: "m1"}},
		{Name: "b", ConnectionStrings: ConnectionStrings{Master: "m2"}},
	}
	groups := GroupByMaster(tenants)
	assert.Len(t, groups, 2)
	assert.Equal(t, "a", groups[0].Name)
	assert.Equal(t, "b", groups[1].Name)
}

func TestIsPermanent(t *testing.T) {
	assert.True(t, IsPermanent(fmt.Errorf("wrap: %w", &NotFoundError{Kind: "tenant", ID: "x"})))
	assert.True(t, IsPermanent(&CycleError{Path: []string{"a", "b", "a"}}))
	assert.False(t, IsPermanent(&SchemaError{Table: "t", Err: errors.New("bad")}))
	assert.False(t, IsPermanent(errors.New("io")))
}

func TestParseUpdateMode(t *testing.T) {
	assert.Equal(t, ModeFromAPI, ParseUpdateMode("fromapi"))
	assert.Equal(t, ModeAutoUpdate, ParseUpdateMode(""))
	assert.Equal(t, "finished", StatusFinished.String())
	assert.Equal(t, "unset", StatusUnset.String())
}
