package server

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/google/go-cmp/cmp"
	"gopkg.in/yaml.v3"

	"github.com/minipuft/claude-prompts-mcp-sub004/framework"
	"github.com/minipuft/claude-prompts-mcp-sub004/gates"
	"github.com/minipuft/claude-prompts-mcp-sub004/history"
	"github.com/minipuft/claude-prompts-mcp-sub004/mcp"
	"github.com/minipuft/claude-prompts-mcp-sub004/persistence"
	"github.com/minipuft/claude-prompts-mcp-sub004/pkg/errors"
	"github.com/minipuft/claude-prompts-mcp-sub004/prompt"
	"github.com/minipuft/claude-prompts-mcp-sub004/session"
)

// Resource families managed by resource_manager.
const (
	ResourcePrompt      = "prompt"
	ResourceGate        = "gate"
	ResourceMethodology = "methodology"
)

// resource_manager actions.
const (
	actionCreate       = "create"
	actionUpdate       = "update"
	actionDelete       = "delete"
	actionReload       = "reload"
	actionList         = "list"
	actionInspect      = "inspect"
	actionAnalyzeType  = "analyze_type"
	actionAnalyzeGates = "analyze_gates"
	actionGuide        = "guide"
	actionSwitch       = "switch"
	actionHistory      = "history"
	actionRollback     = "rollback"
	actionCompare      = "compare"
)

// idPattern accepts lowercase slug segments joined by '/'. Single-segment
// resources (gates, methodologies) additionally reject the separator.
var idPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*(/[a-z0-9][a-z0-9_-]*)*$`)

type resourceManagerArgs struct {
	ResourceType string `json:"resource_type"`
	Action       string `json:"action"`
	ID           string `json:"id"`
	Content      string `json:"content"`
	Description  string `json:"description"`
	Confirm      bool   `json:"confirm"`
	Version      int    `json:"version"`
	FromVersion  int    `json:"from_version"`
	ToVersion    int    `json:"to_version"`
	Limit        int    `json:"limit"`
	SkipVersion  bool   `json:"skip_version"`
	Persist      *bool  `json:"persist"`
}

// versionSnapshot is the history payload for a managed resource: the
// manifest text exactly as it sat on disk, so a rollback restores the
// file byte for byte.
type versionSnapshot struct {
	Manifest string `json:"manifest"`
}

// resourceKind adapts one resource family to the shared manager verbs.
// path returns the manifest location for an id whether or not it exists
// yet; parse validates manifest content without loading it.
type resourceKind struct {
	name       string
	root       string
	nested     bool
	exists     func(id string) bool
	path       func(id string) string
	parse      func(data []byte) error
	reload     func() error
	count      func() int
	generation func() uint64
}

func (s *Server) resourceKinds() map[string]*resourceKind {
	resources := s.cfg.ResourcesDir()
	return map[string]*resourceKind{
		ResourcePrompt: {
			name:   ResourcePrompt,
			root:   filepath.Join(resources, promptsDir),
			nested: true,
			exists: func(id string) bool { _, ok := s.prompts.Get(id); return ok },
			path: func(id string) string {
				root := filepath.Join(resources, promptsDir)
				if found, err := prompt.Discover(root); err == nil {
					for _, d := range found {
						if d.ID == id {
							return d.Path
						}
					}
				}
				return filepath.Join(root, filepath.FromSlash(id), "prompt.yaml")
			},
			parse:      func(data []byte) error { _, err := prompt.Parse(data); return err },
			reload:     func() error { return s.prompts.Reload() },
			count:      func() int { return len(s.prompts.List()) },
			generation: s.prompts.Generation,
		},
		ResourceGate: {
			name:   ResourceGate,
			root:   filepath.Join(resources, gatesDir),
			exists: func(id string) bool { _, ok := s.gateRegistry.Get(id); return ok },
			path: func(id string) string {
				return filepath.Join(resources, gatesDir, id, "gate.yaml")
			},
			parse:      func(data []byte) error { _, err := gates.Parse(data); return err },
			reload:     func() error { return s.gateRegistry.Reload() },
			count:      func() int { return len(s.gateRegistry.List()) },
			generation: s.gateRegistry.Generation,
		},
		ResourceMethodology: {
			name:   ResourceMethodology,
			root:   filepath.Join(resources, methodologiesDir),
			exists: func(id string) bool { _, ok := s.methodologies.Get(id); return ok },
			path: func(id string) string {
				return filepath.Join(resources, methodologiesDir, id, "methodology.yaml")
			},
			parse:      func(data []byte) error { _, err := framework.Parse(data); return err },
			reload:     func() error { return s.methodologies.Reload() },
			count:      func() int { return len(s.methodologies.List()) },
			generation: s.methodologies.Generation,
		},
	}
}

func (k *resourceKind) validID(id string) error {
	if id == "" {
		return errors.New("server", "resource_manager", fmt.Errorf("id is required")).
			WithKind(errors.KindValidation)
	}
	if !idPattern.MatchString(id) || (!k.nested && strings.Contains(id, "/")) {
		return errors.New("server", "resource_manager",
			fmt.Errorf("invalid %s id '%s': lowercase slug expected", k.name, id)).
			WithKind(errors.KindValidation).
			WithDetails(map[string]any{"id": id})
	}
	return nil
}

// historyStore opens the version sidecar for one resource.
func (s *Server) historyStore(k *resourceKind, id string) (*history.Store, error) {
	return history.Open(k.path(id), k.name, id, s.cfg.History.MaxVersions)
}

// validatePair enforces the action/resource-type pairing rules.
func validatePair(resourceType, action string) error {
	switch action {
	case actionSwitch:
		if resourceType != ResourceMethodology {
			return fmt.Errorf("action 'switch' applies to methodologies only, got resource_type '%s'", resourceType)
		}
	case actionAnalyzeType, actionAnalyzeGates, actionGuide:
		if resourceType != ResourcePrompt {
			return fmt.Errorf("action '%s' applies to prompts only, got resource_type '%s'", action, resourceType)
		}
	}
	return nil
}

func (s *Server) callResourceManager(ctx context.Context, raw json.RawMessage) (*mcp.CallToolResult, error) {
	if err := validateArgs(ToolResourceManager, raw); err != nil {
		return mcp.ErrorResult(err.Error()), nil
	}
	var args resourceManagerArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return mcp.ErrorResult(fmt.Sprintf("invalid resource_manager arguments: %v", err)), nil
	}
	if err := validatePair(args.ResourceType, args.Action); err != nil {
		return mcp.ErrorResult(err.Error()), nil
	}

	kind := s.resourceKinds()[args.ResourceType]

	var (
		text string
		err  error
	)
	switch args.Action {
	case actionCreate:
		text, err = s.createResource(kind, &args)
	case actionUpdate:
		text, err = s.updateResource(kind, &args)
	case actionDelete:
		text, err = s.deleteResource(kind, &args)
	case actionReload:
		text, err = s.reloadResource(kind)
	case actionList:
		text = s.listResources(args.ResourceType)
	case actionInspect:
		text, err = s.inspectResource(kind, args.ID)
	case actionHistory:
		text, err = s.resourceHistory(kind, &args)
	case actionRollback:
		text, err = s.rollbackResource(kind, &args)
	case actionCompare:
		text, err = s.compareVersions(kind, &args)
	case actionSwitch:
		text, err = s.switchMethodology(args.ID)
	case actionAnalyzeType:
		text, err = s.analyzePromptType(args.ID)
	case actionAnalyzeGates:
		text, err = s.analyzePromptGates(args.ID)
	case actionGuide:
		text, err = s.promptGuide(args.ID)
	}
	if err != nil {
		return mcp.ErrorResult(err.Error()), nil
	}
	return mcp.TextResult(text), nil
}

func (s *Server) createResource(k *resourceKind, args *resourceManagerArgs) (string, error) {
	if err := k.validID(args.ID); err != nil {
		return "", err
	}
	if args.Content == "" {
		return "", errors.New("server", "create "+k.name, fmt.Errorf("content is required: pass the full YAML manifest")).
			WithKind(errors.KindValidation)
	}
	if k.exists(args.ID) {
		return "", errors.New("server", "create "+k.name,
			fmt.Errorf("%s '%s' already exists; use action 'update' to change it", k.name, args.ID)).
			WithKind(errors.KindConflict).
			WithDetails(map[string]any{"id": args.ID})
	}
	if err := k.parse([]byte(args.Content)); err != nil {
		return "", errors.New("server", "create "+k.name, err).
			WithKind(errors.KindValidation).
			WithDetails(map[string]any{"id": args.ID})
	}

	path := k.path(args.ID)
	if err := persistence.WriteFileAtomic(path, []byte(args.Content), 0o644); err != nil {
		return "", errors.New("server", "create "+k.name, err).
			WithKind(errors.KindPersistence).
			WithDetails(map[string]any{"path": path})
	}

	version := 0
	if !args.SkipVersion {
		version = s.recordVersion(k, args.ID, args.Content, args.Description, "create")
	}
	if err := k.reload(); err != nil {
		return "", err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Created %s '%s'.", k.name, args.ID)
	if version > 0 {
		fmt.Fprintf(&b, " Recorded as v%d.", version)
	}
	fmt.Fprintf(&b, "\nPath: %s", path)
	return b.String(), nil
}

func (s *Server) updateResource(k *resourceKind, args *resourceManagerArgs) (string, error) {
	if err := k.validID(args.ID); err != nil {
		return "", err
	}
	if args.Content == "" {
		return "", errors.New("server", "update "+k.name, fmt.Errorf("content is required: pass the full YAML manifest")).
			WithKind(errors.KindValidation)
	}
	if !k.exists(args.ID) {
		return "", errors.New("server", "update "+k.name,
			fmt.Errorf("unknown %s '%s'; use action 'create' for new resources", k.name, args.ID)).
			WithKind(errors.KindResolution).
			WithDetails(map[string]any{"id": args.ID})
	}
	if err := k.parse([]byte(args.Content)); err != nil {
		return "", errors.New("server", "update "+k.name, err).
			WithKind(errors.KindValidation).
			WithDetails(map[string]any{"id": args.ID})
	}

	path := k.path(args.ID)
	if err := persistence.WriteFileAtomic(path, []byte(args.Content), 0o644); err != nil {
		return "", errors.New("server", "update "+k.name, err).
			WithKind(errors.KindPersistence).
			WithDetails(map[string]any{"path": path})
	}

	version := 0
	if !args.SkipVersion {
		version = s.recordVersion(k, args.ID, args.Content, args.Description, "update")
	}
	if err := k.reload(); err != nil {
		return "", err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Updated %s '%s'.", k.name, args.ID)
	if version > 0 {
		fmt.Fprintf(&b, " Recorded as v%d.", version)
	}
	return b.String(), nil
}

// recordVersion appends a history version best-effort. Version recording
// never blocks the mutation that triggered it.
func (s *Server) recordVersion(k *resourceKind, id, content, description, fallback string) int {
	store, err := s.historyStore(k, id)
	if err != nil {
		s.log.Warn("version history unavailable", "resource", k.name, "id", id, "error", err)
		return 0
	}
	if description == "" {
		description = fallback
	}
	v, err := store.SaveVersion(versionSnapshot{Manifest: content}, description)
	if err != nil {
		s.log.Warn("failed to record version", "resource", k.name, "id", id, "error", err)
		return 0
	}
	return v
}

func (s *Server) deleteResource(k *resourceKind, args *resourceManagerArgs) (string, error) {
	if err := k.validID(args.ID); err != nil {
		return "", err
	}
	if !args.Confirm {
		return "", errors.New("server", "delete "+k.name,
			fmt.Errorf("deleting %s '%s' requires confirm: true", k.name, args.ID)).
			WithKind(errors.KindValidation).
			WithDetails(map[string]any{"id": args.ID})
	}
	if !k.exists(args.ID) {
		return "", errors.New("server", "delete "+k.name,
			fmt.Errorf("unknown %s '%s'", k.name, args.ID)).
			WithKind(errors.KindResolution).
			WithDetails(map[string]any{"id": args.ID})
	}

	path := k.path(args.ID)
	if k.name == ResourcePrompt {
		// Remove the manifest only; the history sidecar stays so a
		// re-created prompt continues its version chain. The parent
		// directory goes when nothing else lives in it.
		if err := os.Remove(path); err != nil {
			return "", errors.New("server", "delete prompt", err).
				WithKind(errors.KindPersistence).
				WithDetails(map[string]any{"path": path})
		}
		if filepath.Base(path) == "prompt.yaml" || filepath.Base(path) == "prompt.yml" {
			_ = os.Remove(filepath.Dir(path))
		}
	} else {
		if err := os.RemoveAll(filepath.Dir(path)); err != nil {
			return "", errors.New("server", "delete "+k.name, err).
				WithKind(errors.KindPersistence).
				WithDetails(map[string]any{"path": filepath.Dir(path)})
		}
	}

	if err := k.reload(); err != nil {
		return "", err
	}
	return fmt.Sprintf("Deleted %s '%s'.", k.name, args.ID), nil
}

func (s *Server) reloadResource(k *resourceKind) (string, error) {
	if err := k.reload(); err != nil {
		return "", err
	}
	return fmt.Sprintf("Reloaded %ss: %d loaded, generation %d.", k.name, k.count(), k.generation()), nil
}

func (s *Server) listResources(resourceType string) string {
	var b strings.Builder
	switch resourceType {
	case ResourcePrompt:
		prompts := s.prompts.List()
		fmt.Fprintf(&b, "%d prompt(s) loaded (generation %d):\n", len(prompts), s.prompts.Generation())
		for _, p := range prompts {
			marker := ""
			if p.IsChain() {
				marker = fmt.Sprintf("  [chain, %d steps]", len(p.Spec.ChainSteps))
			}
			category := p.Spec.Category
			if category == "" {
				category = "uncategorized"
			}
			fmt.Fprintf(&b, "  >>%s  (%s)%s\n", p.ID, category, marker)
		}
	case ResourceGate:
		list := s.gateRegistry.List()
		fmt.Fprintf(&b, "%d gate(s) loaded (generation %d):\n", len(list), s.gateRegistry.Generation())
		for _, g := range list {
			fmt.Fprintf(&b, "  %s  type=%s severity=%s  %s\n", g.ID, g.EffectiveType(), g.EffectiveSeverity(), g.DisplayName())
		}
	case ResourceMethodology:
		list := s.methodologies.List()
		active := s.frameworkState.Active()
		fmt.Fprintf(&b, "%d methodology(ies) loaded (generation %d):\n", len(list), s.methodologies.Generation())
		for _, m := range list {
			state := "enabled"
			if !m.IsEnabled() {
				state = "disabled"
			}
			marker := ""
			if m.ID == active {
				marker = "  [active]"
			}
			fmt.Fprintf(&b, "  %s  %s, %d phase(s)%s\n", m.ID, state, len(m.Spec.Phases), marker)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func (s *Server) inspectResource(k *resourceKind, id string) (string, error) {
	if err := k.validID(id); err != nil {
		return "", err
	}
	if !k.exists(id) {
		return "", errors.New("server", "inspect "+k.name,
			fmt.Errorf("unknown %s '%s'", k.name, id)).
			WithKind(errors.KindResolution).
			WithDetails(map[string]any{"id": id})
	}

	path := k.path(id)
	var b strings.Builder
	fmt.Fprintf(&b, "%s '%s'\nPath: %s\n", titleCase(k.name), id, path)

	switch k.name {
	case ResourcePrompt:
		cfg, _ := s.prompts.Get(id)
		fmt.Fprintf(&b, "Category: %s\n", cfg.Spec.Category)
		fmt.Fprintf(&b, "Arguments: %d, chain steps: %d, declared gates: %d, script tools: %d\n",
			len(cfg.Spec.Arguments), len(cfg.Spec.ChainSteps), len(cfg.Spec.Gates), len(cfg.Spec.ScriptTools))
	case ResourceGate:
		cfg, _ := s.gateRegistry.Get(id)
		fmt.Fprintf(&b, "Type: %s, severity: %s, criteria: %d, max attempts: %d\n",
			cfg.EffectiveType(), cfg.EffectiveSeverity(), len(cfg.Spec.Criteria), cfg.MaxAttempts(s.cfg.Gates.DefaultMaxAttempts))
	case ResourceMethodology:
		cfg, _ := s.methodologies.Get(id)
		fmt.Fprintf(&b, "Name: %s, enabled: %t, phases: %d, methodology gates: %d\n",
			cfg.DisplayName(), cfg.IsEnabled(), len(cfg.Spec.Phases), len(cfg.Spec.MethodologyGates))
	}

	if data, err := os.ReadFile(path); err == nil {
		b.WriteString("\n--- manifest ---\n")
		b.Write(data)
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

func (s *Server) resourceHistory(k *resourceKind, args *resourceManagerArgs) (string, error) {
	if err := k.validID(args.ID); err != nil {
		return "", err
	}
	store, err := s.historyStore(k, args.ID)
	if err != nil {
		return "", err
	}
	return strings.TrimRight(store.FormatHistory(args.Limit), "\n"), nil
}

func (s *Server) rollbackResource(k *resourceKind, args *resourceManagerArgs) (string, error) {
	if err := k.validID(args.ID); err != nil {
		return "", err
	}
	if args.Version <= 0 {
		return "", errors.New("server", "rollback "+k.name, fmt.Errorf("version is required")).
			WithKind(errors.KindValidation)
	}
	store, err := s.historyStore(k, args.ID)
	if err != nil {
		return "", err
	}

	target, err := store.Get(args.Version)
	if err != nil {
		return "", err
	}
	var snap versionSnapshot
	if err := json.Unmarshal(target.Snapshot, &snap); err != nil {
		return "", errors.New("server", "rollback "+k.name, err).WithKind(errors.KindPersistence)
	}

	if args.Persist != nil && !*args.Persist {
		return fmt.Sprintf("Dry run: rollback of %s '%s' would restore v%d.\n\n--- v%d manifest ---\n%s",
			k.name, args.ID, args.Version, args.Version, strings.TrimRight(snap.Manifest, "\n")), nil
	}

	// The target must still parse before anything is written; a history
	// entry from an older schema must not brick the live resource.
	if err := k.parse([]byte(snap.Manifest)); err != nil {
		return "", errors.New("server", "rollback "+k.name,
			fmt.Errorf("v%d no longer parses: %w", args.Version, err)).
			WithKind(errors.KindValidation)
	}

	path := k.path(args.ID)
	current, err := os.ReadFile(path)
	if err != nil {
		return "", errors.New("server", "rollback "+k.name, err).
			WithKind(errors.KindPersistence).
			WithDetails(map[string]any{"path": path})
	}
	restored, saved, err := store.Rollback(args.Version, versionSnapshot{Manifest: string(current)}, args.Description)
	if err != nil {
		return "", err
	}
	if err := json.Unmarshal(restored, &snap); err != nil {
		return "", errors.New("server", "rollback "+k.name, err).WithKind(errors.KindPersistence)
	}
	if err := persistence.WriteFileAtomic(path, []byte(snap.Manifest), 0o644); err != nil {
		return "", errors.New("server", "rollback "+k.name, err).
			WithKind(errors.KindPersistence).
			WithDetails(map[string]any{"path": path})
	}
	if err := k.reload(); err != nil {
		return "", err
	}
	return fmt.Sprintf("Rolled back %s '%s' to v%d. Previous state saved as v%d.",
		k.name, args.ID, args.Version, saved), nil
}

func (s *Server) compareVersions(k *resourceKind, args *resourceManagerArgs) (string, error) {
	if err := k.validID(args.ID); err != nil {
		return "", err
	}
	if args.FromVersion <= 0 || args.ToVersion <= 0 {
		return "", errors.New("server", "compare "+k.name,
			fmt.Errorf("from_version and to_version are required")).
			WithKind(errors.KindValidation)
	}
	store, err := s.historyStore(k, args.ID)
	if err != nil {
		return "", err
	}
	from, to, err := store.Compare(args.FromVersion, args.ToVersion)
	if err != nil {
		return "", err
	}

	diff, ok := manifestDiff(from.Snapshot, to.Snapshot)
	if !ok {
		return history.FormatDiff(from, to), nil
	}
	if diff == "" {
		return fmt.Sprintf("Versions v%d and v%d of %s '%s' are identical.",
			from.Version, to.Version, k.name, args.ID), nil
	}
	return fmt.Sprintf("Diff %s '%s' v%d -> v%d (-from +to):\n%s",
		k.name, args.ID, from.Version, to.Version, diff), nil
}

// manifestDiff decodes two manifest snapshots to YAML values and diffs
// them structurally, so the output names fields instead of text offsets.
// ok is false when either snapshot fails to decode.
func manifestDiff(fromSnap, toSnap json.RawMessage) (string, bool) {
	var a, b versionSnapshot
	if json.Unmarshal(fromSnap, &a) != nil || json.Unmarshal(toSnap, &b) != nil {
		return "", false
	}
	var av, bv map[string]any
	if yaml.Unmarshal([]byte(a.Manifest), &av) != nil || yaml.Unmarshal([]byte(b.Manifest), &bv) != nil {
		return "", false
	}
	return cmp.Diff(av, bv), true
}

func (s *Server) switchMethodology(id string) (string, error) {
	if id == "" {
		return "", errors.New("server", "switch methodology", fmt.Errorf("id is required")).
			WithKind(errors.KindValidation)
	}
	id = framework.Fold(id)
	cfg, ok := s.methodologies.Get(id)
	if !ok {
		known := make([]string, 0)
		for _, m := range s.methodologies.List() {
			known = append(known, m.ID)
		}
		sort.Strings(known)
		return "", errors.New("server", "switch methodology",
			fmt.Errorf("unknown methodology '%s'; available: %s", id, strings.Join(known, ", "))).
			WithKind(errors.KindResolution).
			WithDetails(map[string]any{"id": id})
	}
	if !cfg.IsEnabled() {
		return "", errors.New("server", "switch methodology",
			fmt.Errorf("methodology '%s' is disabled", id)).
			WithKind(errors.KindValidation).
			WithDetails(map[string]any{"id": id})
	}
	if err := s.frameworkState.SetActive(id); err != nil {
		return "", err
	}
	return fmt.Sprintf("Active methodology is now '%s' (%s).", id, cfg.DisplayName()), nil
}

func (s *Server) lookupPrompt(op, id string) (*prompt.Config, error) {
	if id == "" {
		return nil, errors.New("server", op, fmt.Errorf("id is required")).
			WithKind(errors.KindValidation)
	}
	cfg, ok := s.prompts.Get(id)
	if !ok {
		return nil, errors.New("server", op,
			fmt.Errorf("unknown prompt '%s'", id)).
			WithKind(errors.KindResolution).
			WithDetails(map[string]any{"id": id})
	}
	return cfg, nil
}

func (s *Server) analyzePromptType(id string) (string, error) {
	cfg, err := s.lookupPrompt("analyze prompt type", id)
	if err != nil {
		return "", err
	}

	var signals []string
	classification := "prompt"
	switch {
	case cfg.IsChain():
		classification = "chain"
		signals = append(signals, fmt.Sprintf("%d chain step(s) declared", len(cfg.Spec.ChainSteps)))
	case len(cfg.Spec.Arguments) > 0 || strings.Contains(cfg.Spec.Template, "{{"):
		classification = "template"
	}

	required := 0
	for _, a := range cfg.Spec.Arguments {
		if a.Required {
			required++
		}
	}
	if len(cfg.Spec.Arguments) > 0 {
		signals = append(signals, fmt.Sprintf("%d argument(s), %d required", len(cfg.Spec.Arguments), required))
	}
	if n := strings.Count(cfg.Spec.Template, "{{ref:"); n > 0 {
		signals = append(signals, fmt.Sprintf("%d prompt reference(s)", n))
	}
	if n := strings.Count(cfg.Spec.Template, "{{script:"); n > 0 {
		signals = append(signals, fmt.Sprintf("%d script reference(s)", n))
	}
	if cfg.Spec.SystemMessage != "" {
		signals = append(signals, "system message present")
	}
	if len(cfg.Spec.ScriptTools) > 0 {
		signals = append(signals, fmt.Sprintf("%d script tool(s)", len(cfg.Spec.ScriptTools)))
	}
	conditional := 0
	for i := range cfg.Spec.ChainSteps {
		if cfg.Spec.ChainSteps[i].ConditionalExecution != nil {
			conditional++
		}
	}
	if conditional > 0 {
		signals = append(signals, fmt.Sprintf("%d conditional step(s)", conditional))
	}
	if len(signals) == 0 {
		signals = append(signals, "static template, no arguments")
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Prompt '%s' executes as: %s\n", id, classification)
	for _, sig := range signals {
		fmt.Fprintf(&b, "  - %s\n", sig)
	}
	switch classification {
	case "chain":
		fmt.Fprintf(&b, "Run with >>%s; each step returns and resumes via chain_id.", id)
	case "template":
		fmt.Fprintf(&b, "Run with >>%s key=\"value\"; arguments render into the template.", id)
	default:
		fmt.Fprintf(&b, "Run with >>%s; the template returns as-is.", id)
	}
	return b.String(), nil
}

func (s *Server) analyzePromptGates(id string) (string, error) {
	cfg, err := s.lookupPrompt("analyze prompt gates", id)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Gate analysis for prompt '%s':\n", id)

	enabled := s.gateState.Enabled()
	fmt.Fprintf(&b, "Gate system: %s\n", onOff(enabled))

	describe := func(indent, gateID string) {
		g, ok := s.gateRegistry.Get(gateID)
		if !ok {
			fmt.Fprintf(&b, "%s%s  [unknown: not in the gate registry]\n", indent, gateID)
			return
		}
		fmt.Fprintf(&b, "%s%s  type=%s severity=%s\n", indent, gateID, g.EffectiveType(), g.EffectiveSeverity())
	}

	if len(cfg.Spec.Gates) > 0 {
		fmt.Fprintf(&b, "Declared by the prompt (%d):\n", len(cfg.Spec.Gates))
		for _, gid := range cfg.Spec.Gates {
			describe("  ", gid)
		}
	}

	stepGates := 0
	verifies := 0
	for i := range cfg.Spec.ChainSteps {
		step := &cfg.Spec.ChainSteps[i]
		if step.Verify != nil {
			verifies++
		}
		if len(step.InlineGateIDs) == 0 {
			continue
		}
		if stepGates == 0 {
			b.WriteString("Attached to chain steps:\n")
		}
		stepGates += len(step.InlineGateIDs)
		for _, gid := range step.InlineGateIDs {
			describe(fmt.Sprintf("  step %d: ", step.StepNumber), gid)
		}
	}
	if verifies > 0 {
		fmt.Fprintf(&b, "Shell verifications: %d step(s) carry a verify clause.\n", verifies)
	}
	if len(cfg.Spec.Gates) == 0 && stepGates == 0 && verifies == 0 {
		b.WriteString("No gates declared. Registry gates may still auto-apply by category or methodology.\n")
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

func (s *Server) promptGuide(id string) (string, error) {
	cfg, err := s.lookupPrompt("prompt guide", id)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "## >>%s", id)
	if name := cfg.Metadata.Name; name != "" && name != id {
		fmt.Fprintf(&b, " (%s)", name)
	}
	if cfg.Spec.Description != "" {
		fmt.Fprintf(&b, "\n\n%s", cfg.Spec.Description)
	}

	b.WriteString("\n\nUsage:\n  >>")
	b.WriteString(id)
	for _, a := range cfg.Spec.Arguments {
		if a.Required {
			fmt.Fprintf(&b, " %s=\"...\"", a.Name)
		}
	}
	b.WriteString("\n")

	if len(cfg.Spec.Arguments) > 0 {
		b.WriteString("\nArguments:\n")
		for _, a := range cfg.Spec.Arguments {
			req := "optional"
			if a.Required {
				req = "required"
			}
			fmt.Fprintf(&b, "  %s (%s, %s)", a.Name, a.EffectiveType(), req)
			if a.Default != "" {
				fmt.Fprintf(&b, " default=%q", a.Default)
			}
			if a.Description != "" {
				fmt.Fprintf(&b, "  %s", a.Description)
			}
			b.WriteString("\n")
		}
	}

	if cfg.IsChain() {
		fmt.Fprintf(&b, "\nChain of %d step(s):\n", len(cfg.Spec.ChainSteps))
		for i := range cfg.Spec.ChainSteps {
			step := &cfg.Spec.ChainSteps[i]
			fmt.Fprintf(&b, "  %d. >>%s", step.StepNumber, step.PromptID)
			if step.ConditionalExecution != nil {
				fmt.Fprintf(&b, "  [%s]", step.ConditionalExecution.Type)
			}
			b.WriteString("\n")
		}
		b.WriteString("\nEach step returns to you. Resume with:\n")
		fmt.Fprintf(&b, "  prompt_engine chain_id=%q user_response=\"<step output>\"\n", session.SessionIDFor(id))
	}

	if len(cfg.Spec.Gates) > 0 {
		fmt.Fprintf(&b, "\nQuality gates: %s. Answer reviews with gate_verdict "+
			"(\"GATE_REVIEW: PASS - <reason>\").\n", strings.Join(cfg.Spec.Gates, ", "))
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

func onOff(enabled bool) string {
	if enabled {
		return "enabled"
	}
	return "disabled"
}

func titleCase(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
