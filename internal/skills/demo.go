package skills

import (
	"context"
	"strings"

	"github.com/a2aproject/a2a-go/a2a"

	"github.com/pocketmesh/pocketmesh/internal/executor"
	"github.com/pocketmesh/pocketmesh/internal/flow"
)

// RegisterDemo installs the built-in demo skills. Echo comes first so
// it is the default skill.
func RegisterDemo(r *Registry) error {
	if err := r.Register(a2a.AgentSkill{
		ID:          "echo",
		Name:        "Echo",
		Description: "Echoes the incoming message back.",
		Tags:        []string{"demo", "text"},
		Examples:    []string{"hello"},
	}, EchoFlow()); err != nil {
		return err
	}
	return r.Register(a2a.AgentSkill{
		ID:          "shout",
		Name:        "Shout",
		Description: "Uppercases the incoming message and emits it as an artifact.",
		Tags:        []string{"demo", "text"},
		Examples:    []string{"make this loud"},
	}, ShoutFlow())
}

// EchoFlow is a single-node flow repeating the incoming text.
func EchoFlow() *flow.Flow {
	echo := flow.NewNode("Echo", flow.Funcs{
		PrepareFunc: func(ctx context.Context, shared flow.Shared, params flow.Params) (any, error) {
			return executor.IncomingText(shared), nil
		},
		ExecuteFunc: func(ctx context.Context, prep any, shared flow.Shared, params flow.Params, attempt int) (any, error) {
			text, _ := prep.(string)
			return "Echo: " + text, nil
		},
		FinalizeFunc: func(ctx context.Context, shared flow.Shared, prep, exec any, params flow.Params) (flow.Action, error) {
			shared["lastEcho"] = exec
			return flow.DefaultAction, nil
		},
	})
	return flow.New("echo", echo)
}

// ShoutFlow branches on whether the message carries any text, then
// uppercases it and publishes the result as an artifact.
func ShoutFlow() *flow.Flow {
	read := flow.NewNode("Read", flow.Funcs{
		PrepareFunc: func(ctx context.Context, shared flow.Shared, params flow.Params) (any, error) {
			shared["text"] = executor.IncomingText(shared)
			return nil, nil
		},
	})

	shout := flow.NewNode("Shout", flow.Funcs{
		ExecuteFunc: func(ctx context.Context, prep any, shared flow.Shared, params flow.Params, attempt int) (any, error) {
			text, _ := shared["text"].(string)
			loud := strings.ToUpper(text)
			return map[string]any{
				"loud": loud,
				flow.ArtifactKey: map[string]any{
					"name": "shout",
					"parts": []any{
						map[string]any{"kind": "text", "text": loud},
					},
				},
			}, nil
		},
		FinalizeFunc: func(ctx context.Context, shared flow.Shared, prep, exec any, params flow.Params) (flow.Action, error) {
			result := exec.(map[string]any)
			shared[executor.KeyFinalResponseParts] = []any{
				map[string]any{"kind": "text", "text": result["loud"]},
			}
			return flow.DefaultAction, nil
		},
	})

	empty := flow.NewNode("Empty", flow.Funcs{
		FinalizeFunc: func(ctx context.Context, shared flow.Shared, prep, exec any, params flow.Params) (flow.Action, error) {
			shared[executor.KeyFinalResponseParts] = []any{
				map[string]any{"kind": "text", "text": "Nothing to shout."},
			}
			return flow.DefaultAction, nil
		},
	})

	hasText := flow.Branch("HasText", `text != ""`)
	read.Next(hasText)
	hasText.On("true", shout).On("false", empty)

	return flow.New("shout", read)
}
