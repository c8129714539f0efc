package orm

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/uptrace/bun"
)

// BunORM implements ORM on top of an uptrace/bun database handle.
type BunORM struct {
	db *bun.DB
}

// NewBun wraps a bun database handle in the ORM port.
func NewBun(db *bun.DB) *BunORM {
	return &BunORM{db: db}
}

// DB exposes the underlying bun handle for adapter-specific constructs the
// port does not cover (migrations, raw statements).
func (o *BunORM) DB() *bun.DB {
	return o.db
}

// applyPred translates a predicate tree onto a bun query builder.
// parentOr controls how this node joins its siblings.
func applyPred(qb bun.QueryBuilder, p Pred, parentOr bool) bun.QueryBuilder {
	add := func(query string, args ...any) bun.QueryBuilder {
		if parentOr {
			return qb.WhereOr(query, args...)
		}
		return qb.Where(query, args...)
	}

	switch t := p.(type) {
	case Cmp:
		if t.Op == OpIn {
			vals, ok := t.Value.([]any)
			if !ok {
				vals = []any{t.Value}
			}
			return add("? IN (?)", bun.Ident(t.Col), bun.In(vals))
		}
		return add(fmt.Sprintf("? %s ?", t.Op), bun.Ident(t.Col), t.Value)
	case Null:
		if t.Not {
			return add("? IS NOT NULL", bun.Ident(t.Col))
		}
		return add("? IS NULL", bun.Ident(t.Col))
	case Group:
		if len(t.Preds) == 0 {
			return qb
		}
		sep := " AND "
		if parentOr {
			sep = " OR "
		}
		return qb.WhereGroup(sep, func(inner bun.QueryBuilder) bun.QueryBuilder {
			for _, child := range t.Preds {
				inner = applyPred(inner, child, t.Or)
			}
			return inner
		})
	default:
		return qb
	}
}

func applyWhere(qb bun.QueryBuilder, where Where) bun.QueryBuilder {
	if where == nil {
		return qb
	}
	pred := where(B{})
	if pred == nil {
		return qb
	}
	return applyPred(qb, pred, false)
}

func (o *BunORM) FindFirst(ctx context.Context, model any, q Query) error {
	sel := o.db.NewSelect().Model(model)
	sel = sel.ApplyQueryBuilder(func(qb bun.QueryBuilder) bun.QueryBuilder {
		return applyWhere(qb, q.Where)
	})
	for _, ord := range q.Order {
		if ord.Desc {
			sel = sel.OrderExpr("? DESC", bun.Ident(ord.Col))
		} else {
			sel = sel.OrderExpr("? ASC", bun.Ident(ord.Col))
		}
	}
	err := sel.Limit(1).Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("find first: %w", err)
	}
	return nil
}

func (o *BunORM) FindMany(ctx context.Context, dest any, q Query) error {
	sel := o.db.NewSelect().Model(dest)
	sel = sel.ApplyQueryBuilder(func(qb bun.QueryBuilder) bun.QueryBuilder {
		return applyWhere(qb, q.Where)
	})
	for _, ord := range q.Order {
		if ord.Desc {
			sel = sel.OrderExpr("? DESC", bun.Ident(ord.Col))
		} else {
			sel = sel.OrderExpr("? ASC", bun.Ident(ord.Col))
		}
	}
	if q.Limit > 0 {
		sel = sel.Limit(q.Limit)
	}
	if err := sel.Scan(ctx); err != nil {
		return fmt.Errorf("find many: %w", err)
	}
	return nil
}

func (o *BunORM) Create(ctx context.Context, model any) error {
	if _, err := o.db.NewInsert().Model(model).Exec(ctx); err != nil {
		return fmt.Errorf("create: %w", err)
	}
	return nil
}

func (o *BunORM) UpdateMany(ctx context.Context, model any, set map[string]any, where Where) (int64, error) {
	upd := o.db.NewUpdate().Model(model)

	// Deterministic column order keeps generated SQL stable.
	cols := make([]string, 0, len(set))
	for col := range set {
		cols = append(cols, col)
	}
	sort.Strings(cols)
	for _, col := range cols {
		upd = upd.Set("? = ?", bun.Ident(col), set[col])
	}

	upd = upd.ApplyQueryBuilder(func(qb bun.QueryBuilder) bun.QueryBuilder {
		return applyWhere(qb, where)
	})

	res, err := upd.Exec(ctx)
	if err != nil {
		return 0, fmt.Errorf("update many: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, nil
	}
	return n, nil
}

func (o *BunORM) DeleteMany(ctx context.Context, model any, where Where) (int64, error) {
	del := o.db.NewDelete().Model(model)
	del = del.ApplyQueryBuilder(func(qb bun.QueryBuilder) bun.QueryBuilder {
		return applyWhere(qb, where)
	})

	res, err := del.Exec(ctx)
	if err != nil {
		return 0, fmt.Errorf("delete many: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, nil
	}
	return n, nil
}

func (o *BunORM) Count(ctx context.Context, model any, where Where) (int, error) {
	sel := o.db.NewSelect().Model(model)
	sel = sel.ApplyQueryBuilder(func(qb bun.QueryBuilder) bun.QueryBuilder {
		return applyWhere(qb, where)
	})
	n, err := sel.Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("count: %w", err)
	}
	return n, nil
}

func (o *BunORM) Upsert(ctx context.Context, model any, conflictCols []string, updateCols []string) error {
	if len(conflictCols) == 0 {
		return fmt.Errorf("upsert: conflict columns required")
	}

	ins := o.db.NewInsert().Model(model)
	ins = ins.On(fmt.Sprintf("CONFLICT (%s) DO UPDATE", strings.Join(conflictCols, ", ")))
	for _, col := range updateCols {
		ins = ins.Set(fmt.Sprintf("%s = EXCLUDED.%s", col, col))
	}

	if _, err := ins.Exec(ctx); err != nil {
		return fmt.Errorf("upsert: %w", err)
	}
	return nil
}
