package tools

import (
	"fmt"
	"log/slog"

	"github.com/basket/devagent/internal/bus"
	"github.com/basket/devagent/internal/otel"
	"github.com/basket/devagent/internal/policy"
	"github.com/basket/devagent/internal/session"
)

// Env is what the built-in tools act on.
type Env struct {
	State        *session.State
	Policy       policy.Checker
	Executor     Executor
	DevServer    DevServerController
	Shell        ShellOptions
	MaxReadBytes int
	DevCommand   string
	Bus          bus.Publisher
	Metrics      *otel.Metrics
	Logger       *slog.Logger
}

// RegisterBuiltins adds the shell, file and dev-server tools to r.
func RegisterBuiltins(r *Registry, e *Env) error {
	if e.State == nil {
		return fmt.Errorf("tools env needs a session state")
	}
	if e.Policy == nil {
		e.Policy = policy.Default()
	}
	if e.Executor == nil {
		e.Executor = &HostExecutor{}
	}
	if e.Logger == nil {
		e.Logger = slog.Default()
	}

	all := []Tool{shellTool(e)}
	all = append(all, fileTools(e)...)
	if e.DevServer != nil {
		all = append(all, devServerTools(e)...)
	}
	for _, t := range all {
		if err := r.Register(t); err != nil {
			return err
		}
	}
	return nil
}

func (e *Env) publish(topic string, payload any) {
	if e.Bus != nil {
		e.Bus.Publish(topic, payload)
	}
}
