package registry

import (
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// APIGroup is the manifest API group shared by all resource kinds.
const APIGroup = "prompts.mcp.dev"

// APIVersion is the full apiVersion written by current manifests.
const APIVersion = APIGroup + "/v1"

// Resource kinds.
const (
	KindPrompt      = "Prompt"
	KindGate        = "Gate"
	KindMethodology = "Methodology"
	KindStyle       = "Style"
)

// CheckHeader validates a manifest's apiVersion and kind. Any v1.x
// apiVersion of the group is accepted; the kind must match the registry
// loading the manifest.
func CheckHeader(apiVersion, kind, wantKind string) error {
	if apiVersion == "" {
		return fmt.Errorf("missing required field: apiVersion")
	}
	group, version, ok := strings.Cut(apiVersion, "/")
	if !ok || group != APIGroup {
		return fmt.Errorf("invalid apiVersion: expected group '%s', got '%s'", APIGroup, apiVersion)
	}
	v, err := semver.NewVersion(strings.TrimPrefix(version, "v"))
	if err != nil {
		return fmt.Errorf("invalid apiVersion: cannot parse version '%s': %w", version, err)
	}
	if v.Major() != 1 {
		return fmt.Errorf("unsupported apiVersion: major version %d, expected 1", v.Major())
	}
	if kind == "" {
		return fmt.Errorf("missing required field: kind")
	}
	if kind != wantKind {
		return fmt.Errorf("invalid kind: expected '%s', got '%s'", wantKind, kind)
	}
	return nil
}
