package anvil

import (
	"sort"
	"strconv"
	"strings"

	"golang.org/x/xerrors"
)

// Label is the canonical name of a target within a workspace, of the form
// //path/to/pkg:name.
type Label string

// ParseLabel validates s and returns it as a Label.
func ParseLabel(s string) (Label, error) {
	if !strings.HasPrefix(s, "//") {
		return "", xerrors.Errorf("label %q: must start with //", s)
	}
	rest := strings.TrimPrefix(s, "//")
	idx := strings.IndexByte(rest, ':')
	if idx == -1 {
		return "", xerrors.Errorf("label %q: missing :name", s)
	}
	pkg, name := rest[:idx], rest[idx+1:]
	if name == "" {
		return "", xerrors.Errorf("label %q: empty target name", s)
	}
	if strings.ContainsAny(pkg, ":") || strings.Contains(name, "/") {
		return "", xerrors.Errorf("label %q: invalid characters", s)
	}
	if strings.HasPrefix(pkg, "/") || strings.HasSuffix(pkg, "/") {
		return "", xerrors.Errorf("label %q: package must not start or end with /", s)
	}
	return Label(s), nil
}

// Package returns the package part of the label, e.g. "path/to/pkg" for
// //path/to/pkg:name.
func (l Label) Package() string {
	rest := strings.TrimPrefix(string(l), "//")
	if idx := strings.IndexByte(rest, ':'); idx != -1 {
		return rest[:idx]
	}
	return rest
}

// Name returns the target name part of the label, e.g. "name" for
// //path/to/pkg:name.
func (l Label) Name() string {
	if idx := strings.LastIndexByte(string(l), ':'); idx != -1 {
		return string(l)[idx+1:]
	}
	return string(l)
}

// LabelRevision is the result of splitting a label name into its base name and
// an optional trailing numeric revision, e.g. //lib:glibc-4 → (//lib:glibc, 4).
type LabelRevision struct {
	Base     Label
	Revision int64
}

// ParseRevision splits a trailing -<number> revision suffix off the target
// name, if present. Labels without a revision suffix report revision 0.
func ParseRevision(l Label) LabelRevision {
	s := string(l)
	idx := strings.LastIndexByte(s, '-')
	if idx == -1 || idx < strings.LastIndexByte(s, ':') {
		return LabelRevision{Base: l}
	}
	rev, err := strconv.ParseInt(s[idx+1:], 10, 64)
	if err != nil {
		return LabelRevision{Base: l}
	}
	return LabelRevision{Base: Label(s[:idx]), Revision: rev}
}

// NewerRevisionGoesFirst orders deps so that, where several revisions of the
// same base label are declared, the newest revision is listed before the
// older ones. The first-declared position of each base label is retained, so
// the overall order remains stable across runs.
func NewerRevisionGoesFirst(deps []Label) []Label {
	byBase := make(map[Label][]Label)
	for _, dep := range deps {
		lr := ParseRevision(dep)
		byBase[lr.Base] = append(byBase[lr.Base], dep)
	}
	for _, revisions := range byBase {
		sort.Slice(revisions, func(i, j int) bool {
			ri := ParseRevision(revisions[i])
			rj := ParseRevision(revisions[j])
			less := ri.Revision < rj.Revision
			return !less // reverse
		})
	}
	result := make([]Label, 0, len(deps))
	for _, dep := range deps {
		lr := ParseRevision(dep)
		revisions, ok := byBase[lr.Base]
		if !ok {
			continue // already appended earlier
		}
		result = append(result, revisions...)
		delete(byBase, lr.Base)
	}
	return result
}
