package bus

// Dev-server topics, published by the supervisor's reader goroutine.
const (
	TopicDevServerStatus = "devserver.status"
	TopicDevServerOutput = "devserver.output"
)

// Control-loop topics, published by the orchestrator and the gate.
const (
	TopicToolDispatched  = "tool.dispatched"
	TopicToolCompleted   = "tool.completed"
	TopicGateDecision    = "gate.decision"
	TopicRecoveryAttempt = "recovery.attempt"
	TopicProjectPathSet  = "session.project_path"
)

// DevServerStatusEvent reports a supervisor state transition.
type DevServerStatusEvent struct {
	PID    int
	Old    string
	New    string
	Reason string
}

// DevServerOutputEvent carries one line of merged stdout/stderr.
type DevServerOutputEvent struct {
	PID  int
	Line string
}

// ToolEvent is published before and after a tool call is dispatched.
type ToolEvent struct {
	CallID  string
	Tool    string
	OK      bool
	Kind    string // failure kind when !OK
	Message string
}

// GateDecisionEvent records one confirmation outcome.
type GateDecisionEvent struct {
	CallID      string
	Tool        string
	Description string
	Allowed     bool
	Prompted    bool
}

// RecoveryAttemptEvent is published once per remediation round.
type RecoveryAttemptEvent struct {
	CallID      string
	Tool        string
	Attempt     int
	MaxAttempts int
	Kind        string
}
