// Package manifest builds the ordered dataset manifest: it classifies each
// entry path into a priority class via a fixed prefix table, deduplicates by
// path, and sorts entries deterministically by (class, path).
package manifest

import (
	"sort"
	"strings"

	"github.com/openneuro-tools/transfer/transfertypes"
)

// classTable maps path prefixes to priority classes. Checked in order;
// first match wins. Paths matching nothing are Unclassified.
var classTable = []struct {
	prefix string
	class  transfertypes.PriorityClass
}{
	{"dataset_description.json", transfertypes.ClassMetadata},
	{"participants.", transfertypes.ClassMetadata},
	{"README", transfertypes.ClassMetadata},
	{"CHANGES", transfertypes.ClassMetadata},
	{"LICENSE", transfertypes.ClassMetadata},
	{"samples.", transfertypes.ClassMetadata},
	{"task-", transfertypes.ClassTaskMeta},
	{"derivatives/", transfertypes.ClassDerivative},
	{"sub-", transfertypes.ClassSubject},
}

// Classify maps a dataset-relative path to its priority class. The mapping
// is deterministic and order-independent: it depends only on the path.
func Classify(path string) transfertypes.PriorityClass {
	for _, row := range classTable {
		if strings.HasPrefix(path, row.prefix) {
			return row.class
		}
	}
	return transfertypes.ClassUnclassified
}

// SubjectOf returns the subject directory a path belongs to ("sub-01"),
// or "" for paths outside any subject tree. Derivative paths report the
// subject of their nested sub-* segment when present.
func SubjectOf(path string) string {
	segs := strings.Split(path, "/")
	for _, s := range segs {
		if strings.HasPrefix(s, "sub-") {
			return s
		}
	}
	return ""
}

// ModalityOf returns the modality directory of a subject path
// ("anat", "func", ...) or "".
func ModalityOf(path string) string {
	segs := strings.Split(path, "/")
	for i, s := range segs {
		if strings.HasPrefix(s, "sub-") && i+1 < len(segs)-1 {
			return segs[i+1]
		}
	}
	return ""
}

// TaskOf extracts the task label from a filename ("task-rest" from
// "sub-01/func/sub-01_task-rest_bold.nii.gz") or "".
func TaskOf(path string) string {
	base := path
	if i := strings.LastIndex(base, "/"); i >= 0 {
		base = base[i+1:]
	}
	i := strings.Index(base, "task-")
	if i < 0 {
		return ""
	}
	rest := base[i:]
	if j := strings.IndexAny(rest, "_."); j >= 0 {
		rest = rest[:j]
	}
	return rest
}

// Build assembles the read-only manifest for a dataset: entries are
// classified, deduplicated by path (first listing wins), and sorted by
// (class, path) so the realized processing order is reproducible across
// runs regardless of listing order.
func Build(dataset string, entries []transfertypes.ManifestEntry) *transfertypes.Manifest {
	seen := make(map[string]struct{}, len(entries))
	out := make([]transfertypes.ManifestEntry, 0, len(entries))
	for _, e := range entries {
		if e.Path == "" {
			continue
		}
		if _, dup := seen[e.Path]; dup {
			continue
		}
		seen[e.Path] = struct{}{}
		e.Class = Classify(e.Path)
		out = append(out, e)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Class != out[j].Class {
			return out[i].Class < out[j].Class
		}
		return out[i].Path < out[j].Path
	})

	return &transfertypes.Manifest{Dataset: dataset, Entries: out}
}

// SubjectSizes sums declared sizes per subject for the subject-class
// entries of m. Used to order subjects smallest-first when batching.
func SubjectSizes(m *transfertypes.Manifest) map[string]int64 {
	sizes := make(map[string]int64)
	for _, e := range m.ByClass(transfertypes.ClassSubject) {
		sizes[SubjectOf(e.Path)] += e.DeclaredSize
	}
	return sizes
}
