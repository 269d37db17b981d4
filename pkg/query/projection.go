// Package query provides SQL query building utilities with projection mapping.
package query

import (
	"fmt"
	"strings"
)

// ProjectionMap maps view property names to qualified column references (alias.column).
// It defines the table, alias, and column mappings for SQL query construction.
type ProjectionMap struct {
	schema     string
	table      string
	alias      string
	columns    map[string]string
	columnList []string
	joins      []string
}

// NewProjectionMap creates a ProjectionMap for the given schema, table, and alias.
func NewProjectionMap(schema, table, alias string) *ProjectionMap {
	return &ProjectionMap{
		schema:     schema,
		table:      table,
		alias:      alias,
		columns:    make(map[string]string),
		columnList: make([]string, 0),
	}
}

// Project adds a column mapping from database column to view property name.
func (p *ProjectionMap) Project(column, viewName string) *ProjectionMap {
	qualified := fmt.Sprintf("%s.%s", p.alias, column)
	p.columns[viewName] = qualified
	p.columnList = append(p.columnList, qualified)
	return p
}

// Join appends a JOIN clause to the FROM expression. Columns of joined
// tables are referenced by their qualified name (e.g. "s.group_id").
func (p *ProjectionMap) Join(clause string) *ProjectionMap {
	p.joins = append(p.joins, clause)
	return p
}

// Clone returns an independent copy that can take additional joins.
func (p *ProjectionMap) Clone() *ProjectionMap {
	c := &ProjectionMap{
		schema:     p.schema,
		table:      p.table,
		alias:      p.alias,
		columns:    make(map[string]string, len(p.columns)),
		columnList: append([]string(nil), p.columnList...),
		joins:      append([]string(nil), p.joins...),
	}
	for k, v := range p.columns {
		c.columns[k] = v
	}
	return c
}

// Alias returns the table alias.
func (p *ProjectionMap) Alias() string {
	return p.alias
}

// Table returns the fully qualified table reference with alias (schema.table alias).
func (p *ProjectionMap) Table() string {
	return fmt.Sprintf("%s.%s %s", p.schema, p.table, p.alias)
}

// From returns the table reference followed by any joins.
func (p *ProjectionMap) From() string {
	if len(p.joins) == 0 {
		return p.Table()
	}
	return p.Table() + " " + strings.Join(p.joins, " ")
}

// Column returns the qualified column for a view property name, or the input if not mapped.
func (p *ProjectionMap) Column(viewName string) string {
	if col, ok := p.columns[viewName]; ok {
		return col
	}
	return viewName
}

// Sortable resolves client sort fields to projected view names. Matching
// ignores case and underscores, so "created_at" and "createdAt" both
// resolve to "CreatedAt". Unmapped fields are dropped.
func (p *ProjectionMap) Sortable(fields []SortField) []SortField {
	var out []SortField
	for _, f := range fields {
		want := strings.ReplaceAll(f.Field, "_", "")
		for name := range p.columns {
			if strings.EqualFold(name, want) {
				out = append(out, SortField{Field: name, Descending: f.Descending})
				break
			}
		}
	}
	return out
}

// Columns returns all mapped columns as a comma-separated string.
func (p *ProjectionMap) Columns() string {
	return strings.Join(p.columnList, ", ")
}

// ColumnList returns all mapped columns as a slice.
func (p *ProjectionMap) ColumnList() []string {
	return p.columnList
}
