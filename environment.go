package zerobrew

import (
	"fmt"
	"path/filepath"
	"runtime"
)

// BuildPlan names the formula and its resolved runtime dependency kegs that
// a from-source build step would need on its PATH/include/library search
// paths. This supplements spec.md's bottle-only install path with the
// build-environment construction original_source's zb_io::build::environment
// performs, for formulae without a prebuilt bottle for the current
// platform.
type BuildPlan struct {
	FormulaName    string
	FormulaVersion string
	DependencyKegs []string // absolute paths, in dependency order
}

// BuildEnvironment returns the environment variables a build run for plan
// should see. PATH and PKG_CONFIG_PATH hold only the prefix-rooted
// directory, and CFLAGS/CPPFLAGS/LDFLAGS only the dependency kegs' include
// and lib flags; the caller's existing values are not read or included.
func BuildEnvironment(plan BuildPlan, prefix string) map[string]string {
	bin := filepath.Join(prefix, "bin")
	pkgconfig := filepath.Join(prefix, "lib", "pkgconfig")

	env := map[string]string{
		"PATH":             bin,
		"PKG_CONFIG_PATH":  pkgconfig,
		"HOMEBREW_PREFIX":  prefix,
		"HOMEBREW_CELLAR":  filepath.Join(prefix, "Cellar"),
		"ZEROBREW_PREFIX":  prefix,
		"ZEROBREW_CELLAR":  filepath.Join(prefix, "Cellar"),
		"ZEROBREW_FORMULA_NAME":    plan.FormulaName,
		"ZEROBREW_FORMULA_VERSION": plan.FormulaVersion,
		"MAKEFLAGS":        fmt.Sprintf("-j%d", runtime.NumCPU()),
	}

	var cflags, ldflags string
	for _, keg := range plan.DependencyKegs {
		include := filepath.Join(keg, "include")
		lib := filepath.Join(keg, "lib")
		cflags += "-I" + include + " "
		ldflags += "-L" + lib + " "
	}
	env["CFLAGS"] = trimTrailingSpace(cflags)
	env["CPPFLAGS"] = trimTrailingSpace(cflags)
	env["LDFLAGS"] = trimTrailingSpace(ldflags)

	return env
}

func trimTrailingSpace(s string) string {
	if len(s) > 0 && s[len(s)-1] == ' ' {
		return s[:len(s)-1]
	}
	return s
}
