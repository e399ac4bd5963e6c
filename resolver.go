package zerobrew

import (
	"context"
	"sort"

	"github.com/s7manth/zerobrew/tracing"
)

var resolverTracer = tracing.Init("resolver")

// FormulaSource fetches a single Formula by name. ApiClient implements this;
// tests can substitute a map-backed fake.
type FormulaSource interface {
	GetFormula(ctx context.Context, name string) (Formula, error)
}

// InstallPlanItem pairs a resolved Formula with the bottle selected for the
// current platform.
type InstallPlanItem struct {
	Formula Formula
	Bottle  SelectedBottle
}

// InstallPlan is the ordered, deduplicated, topologically valid closure
// produced by Resolve.
type InstallPlan struct {
	Items []InstallPlanItem
}

// Resolve walks the dependency closure of the requested names, then returns
// them in a deterministic topological order with bottles selected for the
// current platform. See spec.md §4.1.
func Resolve(ctx context.Context, src FormulaSource, requested []string) (InstallPlan, error) {
	ctx, span := resolverTracer.Start(ctx, "Resolve")
	defer span.End()

	formulas, err := fetchClosure(ctx, src, requested)
	if err != nil {
		return InstallPlan{}, err
	}

	ordered, err := topoSort(formulas)
	if err != nil {
		return InstallPlan{}, err
	}

	items := make([]InstallPlanItem, 0, len(ordered))
	for _, name := range ordered {
		f := formulas[name]
		bottle, err := selectBottle(f)
		if err != nil {
			return InstallPlan{}, err
		}
		items = append(items, InstallPlanItem{Formula: f, Bottle: bottle})
	}

	return InstallPlan{Items: items}, nil
}

// fetchClosure performs a BFS over the dependency graph starting from the
// requested names, fetching each formula at most once.
func fetchClosure(ctx context.Context, src FormulaSource, requested []string) (map[string]Formula, error) {
	formulas := make(map[string]Formula)
	queue := append([]string(nil), requested...)

	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]

		if _, ok := formulas[name]; ok {
			continue
		}

		f, err := src.GetFormula(ctx, name)
		if err != nil {
			return nil, err
		}
		formulas[name] = f

		for _, dep := range f.RuntimeDependencies() {
			if _, ok := formulas[dep]; !ok {
				queue = append(queue, dep)
			}
		}
	}

	return formulas, nil
}

// topoSort emits formula names in dependency order: a name is only emitted
// once every dependency it declares has already been emitted. It walks the
// names depth-first, visiting both the roots and each formula's
// dependencies in lexicographic order, which makes the result
// deterministic; it does not always emit the lexicographically smallest
// ready name first. A cycle produces CircularDependencyError naming the
// cycle.
func topoSort(formulas map[string]Formula) ([]string, error) {
	names := make([]string, 0, len(formulas))
	for name := range formulas {
		names = append(names, name)
	}
	sort.Strings(names)

	emitted := make(map[string]bool, len(names))
	inProgress := make(map[string]bool, len(names))
	order := make([]string, 0, len(names))

	var visit func(name string, path []string) error
	visit = func(name string, path []string) error {
		if emitted[name] {
			return nil
		}
		if inProgress[name] {
			cycle := append(append([]string(nil), path...), name)
			return &CircularDependencyError{Cycle: cycle}
		}

		inProgress[name] = true
		f, ok := formulas[name]
		if !ok {
			inProgress[name] = false
			return nil
		}

		deps := append([]string(nil), f.RuntimeDependencies()...)
		sort.Strings(deps)
		for _, dep := range deps {
			if err := visit(dep, append(path, name)); err != nil {
				return err
			}
		}

		inProgress[name] = false
		emitted[name] = true
		order = append(order, name)
		return nil
	}

	for _, name := range names {
		if err := visit(name, nil); err != nil {
			return nil, err
		}
	}

	return order, nil
}
