package zerobrew

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeFormulaSource struct {
	formulas map[string]Formula
}

func (f *fakeFormulaSource) GetFormula(ctx context.Context, name string) (Formula, error) {
	formula, ok := f.formulas[name]
	if !ok {
		return Formula{}, &MissingFormulaError{Name: name}
	}
	return formula, nil
}

func newFormula(name string, deps ...string) Formula {
	return Formula{
		Name:         name,
		Versions:     FormulaVers{Stable: "1.0"},
		Dependencies: deps,
		Bottle: Bottle{Stable: BottleStable{Files: map[string]BottleFile{
			"all": {URL: "https://example.test/" + name + ".tar.gz", Sha256: "sha-" + name},
		}}},
	}
}

func TestResolve_OrdersDependenciesBeforeDependents(t *testing.T) {
	src := &fakeFormulaSource{formulas: map[string]Formula{
		"wget":    newFormula("wget", "openssl", "libidn2"),
		"openssl": newFormula("openssl"),
		"libidn2": newFormula("libidn2", "libunistring"),
		"libunistring": newFormula("libunistring"),
	}}

	plan, err := Resolve(context.Background(), src, []string{"wget"})
	require.NoError(t, err)
	require.Len(t, plan.Items, 4)

	index := make(map[string]int, len(plan.Items))
	for i, item := range plan.Items {
		index[item.Formula.Name] = i
	}

	require.Less(t, index["openssl"], index["wget"])
	require.Less(t, index["libunistring"], index["libidn2"])
	require.Less(t, index["libidn2"], index["wget"])
}

func TestResolve_DeduplicatesSharedDependency(t *testing.T) {
	src := &fakeFormulaSource{formulas: map[string]Formula{
		"a": newFormula("a", "shared"),
		"b": newFormula("b", "shared"),
		"shared": newFormula("shared"),
	}}

	plan, err := Resolve(context.Background(), src, []string{"a", "b"})
	require.NoError(t, err)
	require.Len(t, plan.Items, 3)
}

func TestResolve_MissingDependencyPropagatesError(t *testing.T) {
	src := &fakeFormulaSource{formulas: map[string]Formula{
		"a": newFormula("a", "ghost"),
	}}

	_, err := Resolve(context.Background(), src, []string{"a"})
	require.Error(t, err)
	var missing *MissingFormulaError
	require.ErrorAs(t, err, &missing)
	require.Equal(t, "ghost", missing.Name)
}

func TestResolve_DetectsCycle(t *testing.T) {
	src := &fakeFormulaSource{formulas: map[string]Formula{
		"a": newFormula("a", "b"),
		"b": newFormula("b", "a"),
	}}

	_, err := Resolve(context.Background(), src, []string{"a"})
	require.Error(t, err)
	var cycle *CircularDependencyError
	require.ErrorAs(t, err, &cycle)
}
