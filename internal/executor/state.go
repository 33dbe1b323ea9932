// Package executor binds registered flows to the A2A protocol. It
// implements a2asrv.AgentExecutor: each incoming message starts or
// resumes a persisted run, flow hooks are translated into task events,
// and the shared state is checkpointed through the persistence port.
package executor

import (
	"bytes"
	"encoding/json"

	"github.com/a2aproject/a2a-go/a2a"

	"github.com/pocketmesh/pocketmesh/internal/flow"
)

// Reserved shared-state keys. Nodes read these to see the protocol
// context of the run and write KeyFinalResponseParts to shape the final
// response. All values survive the JSON checkpoint round-trip.
const (
	KeyIncomingMessage    = "__a2a_incoming_message"
	KeyHistory            = "__a2a_history"
	KeyFinalResponseParts = "__a2a_final_response_parts"
	KeyContextID          = "__a2a_context_id"
	KeyTaskID             = "__a2a_task_id"
	KeySkillID            = "__a2a_skill_id"
	KeyArtifacts          = "__a2a_artifacts"
)

// historyFromShared recovers the conversation history. After a
// checkpoint reload the value is generic JSON, so anything that is not
// already typed goes through a marshal/unmarshal round-trip.
func historyFromShared(shared flow.Shared) []*a2a.Message {
	v, ok := shared[KeyHistory]
	if !ok || v == nil {
		return nil
	}
	if msgs, ok := v.([]*a2a.Message); ok {
		return msgs
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var msgs []*a2a.Message
	if err := json.Unmarshal(raw, &msgs); err != nil {
		return nil
	}
	return msgs
}

// artifactsFromShared recovers accumulated artifacts the same way.
func artifactsFromShared(shared flow.Shared) []*a2a.Artifact {
	v, ok := shared[KeyArtifacts]
	if !ok || v == nil {
		return nil
	}
	if arts, ok := v.([]*a2a.Artifact); ok {
		return arts
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var arts []*a2a.Artifact
	if err := json.Unmarshal(raw, &arts); err != nil {
		return nil
	}
	return arts
}

// IncomingMessage recovers the triggering message from shared state.
func IncomingMessage(shared flow.Shared) *a2a.Message {
	v, ok := shared[KeyIncomingMessage]
	if !ok || v == nil {
		return nil
	}
	if msg, ok := v.(*a2a.Message); ok {
		return msg
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var msg a2a.Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil
	}
	return &msg
}

// IncomingText concatenates the text parts of the triggering message.
func IncomingText(shared flow.Shared) string {
	msg := IncomingMessage(shared)
	if msg == nil {
		return ""
	}
	var out string
	for _, part := range msg.Parts {
		if tp, ok := part.(a2a.TextPart); ok {
			if out != "" {
				out += "\n"
			}
			out += tp.Text
		}
	}
	return out
}

// decodeParts coerces a shared-state value into protocol parts.
func decodeParts(v any) (a2a.ContentParts, error) {
	switch parts := v.(type) {
	case nil:
		return nil, nil
	case a2a.ContentParts:
		return parts, nil
	case []a2a.Part:
		return a2a.ContentParts(parts), nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var parts a2a.ContentParts
	if err := json.Unmarshal(raw, &parts); err != nil {
		return nil, err
	}
	return parts, nil
}

// sameMessage compares role and canonical parts JSON, ignoring message
// IDs. Resubmitted messages get fresh IDs, so identity alone cannot
// detect a duplicate.
func sameMessage(a, b *a2a.Message) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a.Role != b.Role {
		return false
	}
	aj, errA := json.Marshal(a.Parts)
	bj, errB := json.Marshal(b.Parts)
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(aj, bj)
}

// finalParts picks the parts of the final response: nodes that set
// KeyFinalResponseParts win, the echo convention comes next, and a
// bare completion notice is the floor.
func finalParts(shared flow.Shared) a2a.ContentParts {
	if v, ok := shared[KeyFinalResponseParts]; ok {
		if parts, err := decodeParts(v); err == nil && len(parts) > 0 {
			return parts
		}
	}
	if echo, ok := shared["lastEcho"].(string); ok && echo != "" {
		return a2a.ContentParts{a2a.TextPart{Text: echo}}
	}
	return a2a.ContentParts{a2a.TextPart{Text: "Flow completed."}}
}
