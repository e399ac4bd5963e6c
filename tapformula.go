package zerobrew

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// TapFormulaRef identifies a formula by tap: "owner/repo/formula".
type TapFormulaRef struct {
	Owner   string
	Repo    string
	Formula string
}

// TapSourceFetcher fetches the raw Ruby source for a tap formula and parses
// it into a Formula. The external collaborator that actually retrieves the
// source (e.g. a GitHub raw-content client) is out of scope per spec.md §1;
// this type is the seam an ApiClient plugs into via WithTapFetcher.
type TapSourceFetcher interface {
	FetchTapFormula(ctx context.Context, ref TapFormulaRef) (Formula, error)
}

// parseTapFormulaRef recognizes the "owner/repo/formula" shape. Anything
// else (a bare formula name, or more/fewer path segments) returns nil so the
// caller falls through to the plain JSON index.
func parseTapFormulaRef(input string) *TapFormulaRef {
	parts := strings.Split(input, "/")
	if len(parts) != 3 {
		return nil
	}
	owner, repo, formula := parts[0], parts[1], parts[2]
	if owner == "" || repo == "" || formula == "" {
		return nil
	}
	return &TapFormulaRef{Owner: owner, Repo: repo, Formula: formula}
}

var (
	versionRE    = regexp.MustCompile(`(?m)^\s*version\s+["']([^"']+)["']`)
	urlVersionRE = regexp.MustCompile(`(?m)^\s*url\s+["'][^"']*[-/]v?([0-9][0-9A-Za-z.]*)\.(?:tar\.\w+|tgz|zip)["']`)
	revisionRE   = regexp.MustCompile(`(?m)^\s*revision\s+(\d+)\s*$`)
	dependsOnRE  = regexp.MustCompile(`(?m)^\s*depends_on\s+["']([^"']+)["'](.*)$`)
	bottleDoRE   = regexp.MustCompile(`^\s*bottle\s+do\b`)
	endRE        = regexp.MustCompile(`^\s*end\b`)
	doRE         = regexp.MustCompile(`\bdo\b`)
	keywordRE    = regexp.MustCompile(`^\s*(if|unless|case|begin|def|class|module|for|while|until)\b`)
	rootURLRE    = regexp.MustCompile(`root_url\s+["']([^"']+)["']`)
	rebuildRE    = regexp.MustCompile(`(?m)^\s*rebuild\s+(\d+)\s*$`)
	bottleShaRE  = regexp.MustCompile(`([a-z0-9_]+):\s*"([0-9a-f]{64})"`)
)

// parseTapFormulaRuby regex-scans a tap formula's Ruby source for the
// subset of fields the installer needs, following the same rules as
// original_source's zb_io::network::tap_formula (a line-oriented scanner,
// not a Ruby grammar: no pack example vendors a Ruby parser, so this mirrors
// the original's own approach rather than inventing a dependency).
func parseTapFormulaRuby(ref TapFormulaRef, source string) (Formula, error) {
	stable := parseVersion(source)
	if stable == "" {
		stable = "0"
	}
	revision := parseRevision(source)
	deps := parseDependencies(source)

	bottle, err := parseBottle(ref, source, stable, revision)
	if err != nil {
		return Formula{}, err
	}

	return Formula{
		Name:         ref.Formula,
		Versions:     FormulaVers{Stable: stable},
		Revision:     revision,
		Dependencies: deps,
		Bottle:       bottle,
	}, nil
}

func parseVersion(source string) string {
	if m := versionRE.FindStringSubmatch(source); m != nil {
		return m[1]
	}
	if m := urlVersionRE.FindStringSubmatch(source); m != nil {
		return normalizeInferredVersion(m[1])
	}
	return ""
}

func normalizeInferredVersion(raw string) string {
	for _, suffix := range []string{".tar.gz", ".tar.xz", ".tar.bz2", ".tgz", ".zip"} {
		if strings.HasSuffix(raw, suffix) {
			return strings.TrimSuffix(raw, suffix)
		}
	}
	return raw
}

func parseRevision(source string) int {
	m := revisionRE.FindStringSubmatch(source)
	if m == nil {
		return 0
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0
	}
	return n
}

func parseDependencies(source string) []string {
	var deps []string
	for _, cap := range dependsOnRE.FindAllStringSubmatch(source, -1) {
		options := cap[2]
		if strings.Contains(options, ":build") || strings.Contains(options, ":test") {
			continue
		}
		deps = append(deps, cap[1])
	}
	sort.Strings(deps)
	deps = dedupStrings(deps)
	return deps
}

func dedupStrings(in []string) []string {
	if len(in) == 0 {
		return in
	}
	out := in[:1]
	for _, s := range in[1:] {
		if s != out[len(out)-1] {
			out = append(out, s)
		}
	}
	return out
}

func parseBottle(ref TapFormulaRef, source, stable string, revision int) (Bottle, error) {
	block := extractBottleBlock(source)
	if block == "" {
		return Bottle{}, &MissingFormulaError{
			Name: fmt.Sprintf("tap formula %q does not contain a bottle block", ref.Formula),
		}
	}

	rootURL := parseRootURL(block)
	if rootURL == "" {
		rootURL = fmt.Sprintf("https://ghcr.io/v2/%s/%s", ref.Owner, ref.Repo)
	}
	rebuild := parseRebuild(block)
	files := parseBottleFiles(ref, rootURL, stable, revision, rebuild, block)

	if len(files) == 0 {
		return Bottle{}, &MissingFormulaError{
			Name: fmt.Sprintf("tap formula %q does not contain supported bottle sha256 entries", ref.Formula),
		}
	}

	return Bottle{Stable: BottleStable{Rebuild: rebuild, RootURL: rootURL, Files: files}}, nil
}

// extractBottleBlock finds the body of the first "bottle do ... end" block,
// tracking nested do/end pairs (on_linux do / on_macos do / etc can nest
// inside it) the same way the original's depth counter does.
func extractBottleBlock(source string) string {
	lines := splitKeepingNewlines(source)
	offset := 0
	bodyStart := -1
	depth := 0

	for _, line := range lines {
		lineStart := offset
		offset += len(line)
		trimmed := strings.TrimSpace(line)

		if bodyStart == -1 {
			if bottleDoRE.MatchString(trimmed) {
				bodyStart = offset
				depth = 1
			}
			continue
		}

		if endRE.MatchString(trimmed) {
			depth--
			if depth == 0 {
				return source[bodyStart:lineStart]
			}
			continue
		}

		depth += len(doRE.FindAllString(trimmed, -1))
		if keywordRE.MatchString(trimmed) {
			depth++
		}
	}

	return ""
}

func splitKeepingNewlines(s string) []string {
	var lines []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			lines = append(lines, s[start:i+1])
			start = i + 1
		}
	}
	if start < len(s) {
		lines = append(lines, s[start:])
	}
	return lines
}

func parseRootURL(block string) string {
	if m := rootURLRE.FindStringSubmatch(block); m != nil {
		return m[1]
	}
	return ""
}

func parseRebuild(block string) int {
	m := rebuildRE.FindStringSubmatch(block)
	if m == nil {
		return 0
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0
	}
	return n
}

func parseBottleFiles(ref TapFormulaRef, rootURL, stable string, revision, rebuild int, block string) map[string]BottleFile {
	files := make(map[string]BottleFile)
	for _, cap := range bottleShaRE.FindAllStringSubmatch(block, -1) {
		tag, sha := cap[1], cap[2]
		if tag == "cellar" {
			continue
		}
		files[tag] = BottleFile{
			URL:    buildBottleURL(ref, rootURL, stable, revision, rebuild, tag, sha),
			Sha256: sha,
		}
	}
	return files
}

func buildBottleURL(ref TapFormulaRef, rootURL, stable string, revision, rebuild int, tag, sha string) string {
	normalized := strings.TrimRight(rootURL, "/")
	if strings.Contains(normalized, "/v2/") {
		return fmt.Sprintf("%s/%s/blobs/sha256:%s", normalized, ref.Formula, sha)
	}

	effectiveVersion := stable
	if revision > 0 {
		effectiveVersion = fmt.Sprintf("%s_%d", stable, revision)
	}

	if rebuild > 0 {
		return fmt.Sprintf("%s/%s-%s.%d.%s.bottle.tar.gz", normalized, ref.Formula, effectiveVersion, rebuild, tag)
	}
	return fmt.Sprintf("%s/%s-%s.%s.bottle.tar.gz", normalized, ref.Formula, effectiveVersion, tag)
}
