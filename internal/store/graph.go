// ABOUTME: Dependency graph validation for message → dependency edges
// ABOUTME: Three-colour depth-first search with bounded depth and a visit budget

package store

import (
	"context"
	"slices"

	"github.com/2389/coven-courier/internal/apperr"
	"github.com/2389/coven-courier/internal/storage"
)

// depGraph walks dependency edges stored in message_dependencies, overlaid
// with edges proposed by the write being validated.
type depGraph struct {
	q        storage.Querier
	edges    map[string][]string // loaded adjacency, cached per check
	proposed map[string][]string
	visits   int
}

func newDepGraph(q storage.Querier) *depGraph {
	return &depGraph{
		q:        q,
		edges:    make(map[string][]string),
		proposed: make(map[string][]string),
	}
}

// propose adds edges id → deps for the duration of the check.
func (g *depGraph) propose(id string, deps []string) {
	g.proposed[id] = append(g.proposed[id], deps...)
}

func (g *depGraph) next(ctx context.Context, id string) ([]string, error) {
	deps, ok := g.edges[id]
	if !ok {
		rows, err := g.q.QueryContext(ctx,
			`SELECT depends_on FROM message_dependencies WHERE message_id = ? ORDER BY position`, id)
		if err != nil {
			return nil, storage.Wrap(err, id, "loading dependencies")
		}
		for rows.Next() {
			var d string
			if err := rows.Scan(&d); err != nil {
				_ = rows.Close()
				return nil, storage.Wrap(err, id, "scanning dependency")
			}
			deps = append(deps, d)
		}
		err = rows.Err()
		_ = rows.Close()
		if err != nil {
			return nil, storage.Wrap(err, id, "iterating dependencies")
		}
		g.edges[id] = deps
	}
	if extra := g.proposed[id]; len(extra) > 0 {
		deps = append(slices.Clone(deps), extra...)
	}
	return deps, nil
}

// check walks the graph reachable from start and fails on the first edge
// that closes a cycle. A node reached again along a different path is
// skipped once its subtree has been cleared; only the recursion stack
// signals a cycle.
func (g *depGraph) check(ctx context.Context, start string) error {
	onStack := map[string]bool{}
	done := map[string]bool{}
	var path []string

	var visit func(id string, depth int) error
	visit = func(id string, depth int) error {
		if depth > MaxDependencyDepth {
			return apperr.Validation("dependency_depth_exceeded",
				"dependency chain deeper than %d", MaxDependencyDepth).WithEntity(start)
		}
		g.visits++
		if g.visits > dependencyVisitBudget {
			return apperr.Validation("dependency_graph_too_large",
				"dependency graph exceeds %d visits", dependencyVisitBudget).WithEntity(start)
		}

		onStack[id] = true
		path = append(path, id)
		deps, err := g.next(ctx, id)
		if err != nil {
			return err
		}
		for _, d := range deps {
			if onStack[d] {
				cycle := append(slices.Clone(path), d)
				return apperr.Validation("cyclic_dependency", "dependency on %s would create a cycle", d).
					WithEntity(d).
					WithDetail("cycle", cycle)
			}
			if done[d] {
				continue
			}
			if err := visit(d, depth+1); err != nil {
				return err
			}
		}
		path = path[:len(path)-1]
		onStack[id] = false
		done[id] = true
		return nil
	}
	return visit(start, 0)
}

// checkDependencies validates that deps exist and that adding id → deps keeps
// the graph acyclic. deps must already be de-duplicated.
func checkDependencies(ctx context.Context, q storage.Querier, id string, deps []string) error {
	if len(deps) == 0 {
		return nil
	}
	if len(deps) > MaxDependencies {
		return apperr.Validation("too_many_dependencies", "at most %d dependencies", MaxDependencies).WithEntity(id)
	}
	if slices.Contains(deps, id) {
		return apperr.Validation("cyclic_dependency", "message cannot depend on itself").WithEntity(id)
	}

	rows, err := q.QueryContext(ctx,
		`SELECT id FROM messages WHERE id IN (`+placeholders(len(deps))+`)`, stringArgs(deps)...)
	if err != nil {
		return storage.Wrap(err, id, "checking dependencies")
	}
	found := make(map[string]bool, len(deps))
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			_ = rows.Close()
			return storage.Wrap(err, id, "scanning dependency")
		}
		found[d] = true
	}
	err = rows.Err()
	_ = rows.Close()
	if err != nil {
		return storage.Wrap(err, id, "iterating dependencies")
	}
	for _, d := range deps {
		if !found[d] {
			return apperr.Validation("unknown_dependency", "dependency %s does not exist", d).WithEntity(d)
		}
	}

	g := newDepGraph(q)
	g.propose(id, deps)
	return g.check(ctx, id)
}

// insertDependencies appends edges after any existing ones.
func insertDependencies(ctx context.Context, q storage.Querier, id string, deps []string) error {
	var start int
	if err := q.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(position) + 1, 0) FROM message_dependencies WHERE message_id = ?`, id).Scan(&start); err != nil {
		return storage.Wrap(err, id, "reading dependency positions")
	}
	for i, d := range deps {
		if _, err := q.ExecContext(ctx,
			`INSERT OR IGNORE INTO message_dependencies (message_id, depends_on, position) VALUES (?, ?, ?)`,
			id, d, start+i); err != nil {
			return storage.Wrap(err, id, "inserting dependency")
		}
	}
	return nil
}
