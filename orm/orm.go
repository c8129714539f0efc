// Package orm exposes the narrow, adapter-neutral query surface the auth
// core persists through. Callers describe predicates with a small DSL; the
// bun-backed implementation translates them to SQL for PostgreSQL or SQLite.
//
// Bun-tagged model structs stand in for table names, which keeps queries
// typed without widening the port. The port is agnostic to transactions;
// callers that need consistency rely on careful ordering and idempotent
// deletes instead.
package orm

import (
	"context"
	"errors"
	"reflect"
)

// ErrNotFound is returned by FindFirst when no row matches.
var ErrNotFound = errors.New("record not found")

// Op is a comparison operator in a leaf predicate.
type Op string

const (
	OpEq   Op = "="
	OpNe   Op = "!="
	OpGt   Op = ">"
	OpGte  Op = ">="
	OpLt   Op = "<"
	OpLte  Op = "<="
	OpLike Op = "LIKE"
	OpIn   Op = "IN"
)

// Pred is a node in a predicate tree: a leaf comparison, a null check, or a
// boolean combination of children.
type Pred interface {
	isPred()
}

// Cmp is a leaf predicate comparing a column against a value.
type Cmp struct {
	Col   string
	Op    Op
	Value any
}

func (Cmp) isPred() {}

// Null is a leaf predicate checking a column for (non-)NULL.
type Null struct {
	Col string
	Not bool
}

func (Null) isPred() {}

// Group combines child predicates with AND or OR.
type Group struct {
	Or    bool
	Preds []Pred
}

func (Group) isPred() {}

// B is the predicate builder handed to Where functions.
type B struct{}

// Eq builds "col = value".
func (B) Eq(col string, v any) Pred { return Cmp{Col: col, Op: OpEq, Value: v} }

// Ne builds "col != value".
func (B) Ne(col string, v any) Pred { return Cmp{Col: col, Op: OpNe, Value: v} }

// Gt builds "col > value".
func (B) Gt(col string, v any) Pred { return Cmp{Col: col, Op: OpGt, Value: v} }

// Gte builds "col >= value".
func (B) Gte(col string, v any) Pred { return Cmp{Col: col, Op: OpGte, Value: v} }

// Lt builds "col < value".
func (B) Lt(col string, v any) Pred { return Cmp{Col: col, Op: OpLt, Value: v} }

// Lte builds "col <= value".
func (B) Lte(col string, v any) Pred { return Cmp{Col: col, Op: OpLte, Value: v} }

// Like builds "col LIKE value".
func (B) Like(col string, v any) Pred { return Cmp{Col: col, Op: OpLike, Value: v} }

// In builds "col IN (values...)". A single slice argument is expanded, so
// In("c", "a", "b") and In("c", []string{"a", "b"}) mean the same thing.
func (B) In(col string, vals ...any) Pred {
	if len(vals) == 1 {
		if rv := reflect.ValueOf(vals[0]); rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array {
			flat := make([]any, rv.Len())
			for i := range flat {
				flat[i] = rv.Index(i).Interface()
			}
			vals = flat
		}
	}
	return Cmp{Col: col, Op: OpIn, Value: vals}
}

// IsNull builds "col IS NULL".
func (B) IsNull(col string) Pred { return Null{Col: col} }

// NotNull builds "col IS NOT NULL".
func (B) NotNull(col string) Pred { return Null{Col: col, Not: true} }

// And combines predicates with AND.
func (B) And(preds ...Pred) Pred { return Group{Preds: preds} }

// Or combines predicates with OR.
func (B) Or(preds ...Pred) Pred { return Group{Or: true, Preds: preds} }

// Where builds a predicate tree for a query. A nil Where matches all rows.
type Where func(B) Pred

// Order is one ordering term.
type Order struct {
	Col  string
	Desc bool
}

// Asc orders ascending by col.
func Asc(col string) Order { return Order{Col: col} }

// Desc orders descending by col.
func Desc(col string) Order { return Order{Col: col, Desc: true} }

// Query bundles the optional parts of a read.
type Query struct {
	Where Where
	Order []Order
	Limit int
}

// ORM is the persistence port the auth core depends on.
//
// The model argument selects the table: pass a pointer to a bun-tagged
// struct (a typed nil like (*models.Session)(nil) is fine for writes and
// counts). FindMany scans into a pointer to a slice of models.
type ORM interface {
	// FindFirst loads the first matching row into model.
	// Returns ErrNotFound when no row matches.
	FindFirst(ctx context.Context, model any, q Query) error

	// FindMany loads all matching rows into dest (pointer to slice).
	FindMany(ctx context.Context, dest any, q Query) error

	// Create inserts model and fills server-assigned columns.
	Create(ctx context.Context, model any) error

	// UpdateMany sets the given columns on all matching rows.
	// Returns the number of rows updated.
	UpdateMany(ctx context.Context, model any, set map[string]any, where Where) (int64, error)

	// DeleteMany removes all matching rows. Returns the number deleted.
	DeleteMany(ctx context.Context, model any, where Where) (int64, error)

	// Count returns the number of matching rows.
	Count(ctx context.Context, model any, where Where) (int, error)

	// Upsert inserts model or, on conflict over conflictCols, updates
	// updateCols from the incoming values.
	Upsert(ctx context.Context, model any, conflictCols []string, updateCols []string) error
}
