package executor

import (
	"encoding/json"
	"fmt"

	"github.com/a2aproject/a2a-go/a2a"
	"github.com/google/uuid"
)

// NormalizeArtifact converts a node-emitted artifact payload into a
// protocol artifact. Nodes may hand over a ready a2a.Artifact or a
// loose map; maps are tolerated with the legacy "type" part
// discriminator, which is rewritten to "kind" before decoding. A
// missing artifactId is filled with a fresh UUID.
func NormalizeArtifact(raw any) (*a2a.Artifact, error) {
	switch art := raw.(type) {
	case *a2a.Artifact:
		ensureArtifactID(art)
		return art, nil
	case a2a.Artifact:
		ensureArtifactID(&art)
		return &art, nil
	}

	m, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("artifact payload must be a map or a2a.Artifact, got %T", raw)
	}

	buf, err := json.Marshal(normalizeArtifactMap(m))
	if err != nil {
		return nil, fmt.Errorf("encode artifact payload: %w", err)
	}
	var art a2a.Artifact
	if err := json.Unmarshal(buf, &art); err != nil {
		return nil, fmt.Errorf("decode artifact payload: %w", err)
	}
	ensureArtifactID(&art)
	return &art, nil
}

func ensureArtifactID(art *a2a.Artifact) {
	if art.ID == "" {
		art.ID = a2a.ArtifactID(uuid.NewString())
	}
}

// normalizeArtifactMap returns a copy with every part's discriminator
// under "kind". The payload itself is never mutated; hooks may run
// while a node still holds a reference to it.
func normalizeArtifactMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}

	parts, ok := out["parts"].([]any)
	if !ok {
		return out
	}
	normalized := make([]any, len(parts))
	for i, p := range parts {
		pm, ok := p.(map[string]any)
		if !ok {
			normalized[i] = p
			continue
		}
		cp := make(map[string]any, len(pm))
		for k, v := range pm {
			cp[k] = v
		}
		if _, hasKind := cp["kind"]; !hasKind {
			if legacy, hasType := cp["type"]; hasType {
				cp["kind"] = legacy
				delete(cp, "type")
			}
		}
		normalized[i] = cp
	}
	out["parts"] = normalized
	return out
}
