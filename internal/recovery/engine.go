// Package recovery implements the validation engine: structural validation
// over a staged dataset, classification of failures, and a bounded
// multi-attempt recovery protocol. The engine consumes the external
// structural validator's report as authoritative; it owns only the grouping
// of errors, the construction of recovery plans from a closed repair
// taxonomy, and the attempt budget.
package recovery

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/input-output-hk/catalyst-forge-libs/fs"

	transfererrors "github.com/openneuro-tools/transfer/errors"
	"github.com/openneuro-tools/transfer/internal/manifest"
	"github.com/openneuro-tools/transfer/transfertypes"
)

// DefaultMaxAttempts bounds recovery cycles per validation run.
const DefaultMaxAttempts = 3

// aggressiveFromAttempt is the first recovery attempt that may apply
// invasive repairs (the attempt after two failed common-fix attempts).
const aggressiveFromAttempt = 3

// Refetcher re-transfers specific manifest entries from the content source.
// Provided by the transfer client.
type Refetcher interface {
	Refetch(ctx context.Context, paths []string) error
}

// GroupingPolicy controls the cascade/relatedness heuristics applied when
// grouping validator errors. The heuristics are a policy, not a fixed
// algorithm: callers may substitute their own settings.
type GroupingPolicy struct {
	// RelatedPrefixSegments is the number of leading path segments two
	// affected paths must share to be considered related. Default 2
	// (subject + modality for BIDS layouts).
	RelatedPrefixSegments int
}

// DefaultPolicy is the grouping policy used when none is configured.
var DefaultPolicy = GroupingPolicy{RelatedPrefixSegments: 2}

// Config configures an Engine.
type Config struct {
	FS          fs.Filesystem
	Validator   transfertypes.StructuralValidator
	Refetcher   Refetcher
	Metrics     transfertypes.MetricsSink
	Policy      GroupingPolicy
	MaxAttempts int
	Dataset     string
}

// Engine drives the validation state machine for one dataset run:
//
//	NotValidated → MetadataValidated → SubjectsValidated → FullyValidated
//
// with Recovering as the retry loop and Failed as the terminal
// non-retryable state.
type Engine struct {
	cfg   Config
	state transfertypes.ValidationState
}

// New creates an Engine in the NotValidated state.
func New(cfg Config) *Engine {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.Policy.RelatedPrefixSegments <= 0 {
		cfg.Policy = DefaultPolicy
	}
	return &Engine{cfg: cfg, state: transfertypes.StateNotValidated}
}

// State returns the engine's current position in the state machine.
func (e *Engine) State() transfertypes.ValidationState {
	return e.state
}

// datasetDescription is the subset of dataset_description.json the
// pre-check parses. Field presence matters, values do not.
type datasetDescription struct {
	Name        string `json:"Name"`
	BIDSVersion string `json:"BIDSVersion"`
}

// CheckMetadata verifies that required dataset metadata is present and
// parseable on the stage. On success the engine advances to
// MetadataValidated; on failure it enters Recovering and returns a
// metadata-class error.
func (e *Engine) CheckMetadata(stagePath string) error {
	path := stagePath + "/dataset_description.json"
	exists, err := e.cfg.FS.Exists(path)
	if err != nil || !exists {
		e.state = transfertypes.StateRecovering
		return transfererrors.NewError("validate", transfererrors.ErrMetadataMissing).
			WithDataset(e.cfg.Dataset).
			WithPath("dataset_description.json").
			WithMessage("required metadata file not staged")
	}

	raw, err := e.cfg.FS.ReadFile(path)
	if err != nil {
		e.state = transfertypes.StateRecovering
		return transfererrors.NewError("validate", transfererrors.ErrMetadataMissing).
			WithDataset(e.cfg.Dataset).
			WithPath("dataset_description.json").
			WithMessage(err.Error())
	}

	var desc datasetDescription
	if err := json.Unmarshal(raw, &desc); err != nil {
		e.state = transfertypes.StateRecovering
		return transfererrors.NewError("validate", transfererrors.ErrMetadataMissing).
			WithDataset(e.cfg.Dataset).
			WithPath("dataset_description.json").
			WithMessage("unparseable metadata: " + err.Error())
	}

	if e.state == transfertypes.StateNotValidated {
		e.state = transfertypes.StateMetadataValidated
	}
	return nil
}

// CheckSubjects verifies that the manifest carries minimally-structured
// subject directories: at least one subject, and every subject file nested
// under its subject directory. Advances to SubjectsValidated.
func (e *Engine) CheckSubjects(m *transfertypes.Manifest) error {
	subjects := m.ByClass(transfertypes.ClassSubject)
	if len(subjects) == 0 {
		e.state = transfertypes.StateRecovering
		return transfererrors.NewError("validate", transfererrors.ErrSubjectStructure).
			WithDataset(m.Dataset).
			WithMessage("dataset lists no subject data")
	}
	for _, entry := range subjects {
		sub := manifest.SubjectOf(entry.Path)
		if sub == "" || !strings.HasPrefix(entry.Path, sub+"/") {
			e.state = transfertypes.StateRecovering
			return transfererrors.NewError("validate", transfererrors.ErrSubjectStructure).
				WithDataset(m.Dataset).
				WithPath(entry.Path).
				WithMessage("subject file outside its subject directory")
		}
	}
	if e.state == transfertypes.StateMetadataValidated {
		e.state = transfertypes.StateSubjectsValidated
	}
	return nil
}

// ValidateDataset runs the full validation and recovery protocol over the
// staged dataset. An already-valid dataset passes on the first check with
// zero recovery attempts. Otherwise errors are grouped, a recovery plan is
// built and executed, and validation is re-run, up to the configured
// attempt budget. The first two attempts apply only common fixes; later
// attempts also apply aggressive ones. Exhaustion transitions to Failed and
// returns a recovery-exhausted error alongside the full diagnostic.
func (e *Engine) ValidateDataset(
	ctx context.Context,
	stagePath string,
	m *transfertypes.Manifest,
) (*transfertypes.ValidationOutcome, error) {
	out := &transfertypes.ValidationOutcome{State: e.state}

	for pass := 0; ; pass++ {
		report, err := e.cfg.Validator.Validate(ctx, stagePath)
		if err != nil {
			out.State = e.state
			return out, transfererrors.NewError("validate", err).WithDataset(m.Dataset)
		}
		if report.Valid {
			e.state = transfertypes.StateFullyValidated
			out.State = e.state
			return out, nil
		}

		groups := GroupErrors(report, e.cfg.Policy)
		out.Patterns = groups
		e.emitValidationFailed(groups)

		if out.RecoveryAttempts >= e.cfg.MaxAttempts {
			break
		}

		e.state = transfertypes.StateRecovering
		attempt := out.RecoveryAttempts + 1
		plan := BuildPlan(groups, attempt >= aggressiveFromAttempt)
		e.execute(ctx, m, plan)
		out.ActionsAttempted = append(out.ActionsAttempted, plan.Actions...)
		out.RecoveryAttempts = attempt
		e.emitRecoveryAttempt(attempt, plan)
	}

	e.state = transfertypes.StateFailed
	out.State = e.state
	return out, transfererrors.NewError("validate", transfererrors.ErrRecoveryExhausted).
		WithDataset(m.Dataset).
		WithMessage(diagnosticSummary(out))
}

// GroupErrors groups a report's errors by code and annotates each group
// with the cascade analysis: an error is cascaded when one of its declared
// causes was already observed earlier in the same pass. Groups are ordered
// most common first, so the cheapest, highest-yield fixes run first.
func GroupErrors(report *transfertypes.ValidationReport, policy GroupingPolicy) []transfertypes.ErrorGroup {
	seen := make(map[string]struct{}, len(report.Errors))
	index := make(map[string]int)
	var groups []transfertypes.ErrorGroup

	for _, te := range report.Errors {
		i, ok := index[te.Code]
		if !ok {
			i = len(groups)
			index[te.Code] = i
			groups = append(groups, transfertypes.ErrorGroup{Code: te.Code})
		}
		groups[i].Errors = append(groups[i].Errors, te)
		for _, ref := range te.CauseRefs {
			if _, observed := seen[ref]; observed {
				groups[i].Cascaded++
				break
			}
		}
		seen[te.ID] = struct{}{}
	}

	sort.SliceStable(groups, func(i, j int) bool {
		if len(groups[i].Errors) != len(groups[j].Errors) {
			return len(groups[i].Errors) > len(groups[j].Errors)
		}
		return groups[i].Code < groups[j].Code
	})
	return groups
}

// relatedKey collapses an affected path to its first n segments so related
// errors repair together.
func relatedKey(path string, n int) string {
	segs := strings.Split(path, "/")
	if len(segs) > n {
		segs = segs[:n]
	}
	return strings.Join(segs, "/")
}

// BuildPlan derives an ordered recovery plan from grouped errors. Common
// fixes are always included; aggressive fixes (subtree refetch, orphan
// removal) only when aggressive is set. Within a group, related errors
// (shared path prefix) repair as one action.
func BuildPlan(groups []transfertypes.ErrorGroup, aggressive bool) *transfertypes.RecoveryPlan {
	plan := &transfertypes.RecoveryPlan{}

	for _, g := range groups {
		kind := repairKindFor(g.Code)
		if kind.Aggressive() && !aggressive {
			continue
		}
		plan.Actions = append(plan.Actions, transfertypes.RepairAction{
			Kind:  kind,
			Code:  g.Code,
			Paths: uniquePaths(g.Errors),
		})
	}

	if aggressive {
		// Escalation: refetch whole related subtrees for groups that
		// keep reporting cascaded errors.
		for _, g := range groups {
			if g.Cascaded == 0 {
				continue
			}
			prefixes := make(map[string]struct{})
			for _, te := range g.Errors {
				prefixes[relatedKey(te.Path, DefaultPolicy.RelatedPrefixSegments)] = struct{}{}
			}
			action := transfertypes.RepairAction{Kind: transfertypes.RepairRefetchSubtree, Code: g.Code}
			for p := range prefixes {
				action.Paths = append(action.Paths, p)
			}
			sort.Strings(action.Paths)
			plan.Actions = append(plan.Actions, action)
		}
	}
	return plan
}

// repairKindFor is the fixed dispatch from validator error codes to the
// closed repair taxonomy. Unknown codes get the safest common fix, a
// refetch of the affected files.
func repairKindFor(code string) transfertypes.RepairKind {
	switch code {
	case "MISSING_FILE", "TRUNCATED_FILE", "CHECKSUM_MISMATCH",
		"MISSING_METADATA", "INVALID_JSON":
		return transfertypes.RepairRefetch
	case "EMPTY_DIRECTORY":
		return transfertypes.RepairRemoveEmpty
	case "ORPHAN_FILE", "EXTRA_FILE":
		return transfertypes.RepairRemoveOrphan
	default:
		return transfertypes.RepairRefetch
	}
}

// execute applies a recovery plan best-effort. Repair failures are not
// fatal here: the next validation pass decides whether the dataset is now
// valid.
func (e *Engine) execute(ctx context.Context, m *transfertypes.Manifest, plan *transfertypes.RecoveryPlan) {
	for _, action := range plan.Actions {
		switch action.Kind {
		case transfertypes.RepairRefetch:
			if e.cfg.Refetcher != nil {
				_ = e.cfg.Refetcher.Refetch(ctx, action.Paths)
			}
		case transfertypes.RepairRefetchSubtree:
			if e.cfg.Refetcher != nil {
				_ = e.cfg.Refetcher.Refetch(ctx, subtreePaths(m, action.Paths))
			}
		case transfertypes.RepairRemoveEmpty, transfertypes.RepairRemoveOrphan:
			for _, p := range action.Paths {
				_ = e.cfg.FS.Remove(p)
			}
		}
	}
}

// subtreePaths expands path prefixes to every manifest entry beneath them.
func subtreePaths(m *transfertypes.Manifest, prefixes []string) []string {
	var out []string
	for _, entry := range m.Entries {
		for _, prefix := range prefixes {
			if entry.Path == prefix || strings.HasPrefix(entry.Path, prefix+"/") {
				out = append(out, entry.Path)
				break
			}
		}
	}
	return out
}

func uniquePaths(errs []transfertypes.TypedError) []string {
	seen := make(map[string]struct{}, len(errs))
	var out []string
	for _, te := range errs {
		if te.Path == "" {
			continue
		}
		if _, dup := seen[te.Path]; dup {
			continue
		}
		seen[te.Path] = struct{}{}
		out = append(out, te.Path)
	}
	sort.Strings(out)
	return out
}

func diagnosticSummary(out *transfertypes.ValidationOutcome) string {
	var codes []string
	for _, g := range out.Patterns {
		codes = append(codes, fmt.Sprintf("%s(%d)", g.Code, len(g.Errors)))
	}
	var acts []string
	for _, a := range out.ActionsAttempted {
		acts = append(acts, a.Kind.String())
	}
	return fmt.Sprintf("after %d recovery attempts, remaining errors [%s], actions attempted [%s]",
		out.RecoveryAttempts, strings.Join(codes, " "), strings.Join(acts, " "))
}

func (e *Engine) emitValidationFailed(groups []transfertypes.ErrorGroup) {
	if e.cfg.Metrics == nil {
		return
	}
	var codes []string
	for _, g := range groups {
		codes = append(codes, g.Code)
	}
	e.cfg.Metrics.Record(transfertypes.MetricEvent{
		Timestamp:  time.Now(),
		Type:       transfertypes.EventValidationFailed,
		Context:    transfertypes.EventContext{Dataset: e.cfg.Dataset},
		Validation: transfertypes.EventValidation{Errors: codes, Status: e.state.String()},
	})
}

func (e *Engine) emitRecoveryAttempt(attempt int, plan *transfertypes.RecoveryPlan) {
	if e.cfg.Metrics == nil {
		return
	}
	var kinds []string
	for _, a := range plan.Actions {
		kinds = append(kinds, a.Kind.String())
	}
	e.cfg.Metrics.Record(transfertypes.MetricEvent{
		Timestamp:  time.Now(),
		Type:       transfertypes.EventRecoveryAttempt,
		Context:    transfertypes.EventContext{Dataset: e.cfg.Dataset},
		Metrics:    transfertypes.EventMetrics{ChunkNumber: attempt},
		Validation: transfertypes.EventValidation{Errors: kinds, Status: e.state.String()},
	})
}
