package channel

// ─── Actions (Client → Server) ──────────────────────────────────────

type Action string

const (
	ActionAutosave Action = "autosave"
	ActionFlag     Action = "flag"
	ActionSubmit   Action = "submit"
	ActionAlert    Action = "alert"
	ActionPing     Action = "ping"
	ActionCommand  Action = "command" // monitor stream only
)

// RequestPayload is the single client→server envelope; which fields are
// meaningful depends on Action.
type RequestPayload struct {
	Action Action `json:"action"`

	// autosave / flag
	ItemID  string `json:"item_id,omitempty"`
	Value   string `json:"value,omitempty"`
	Flagged *bool  `json:"flagged,omitempty"`

	// submit
	Answers map[string]string `json:"answers,omitempty"`

	// alert
	Reason      string `json:"reason,omitempty"`
	EvidenceRef string `json:"evidence_ref,omitempty"`
	Severity    string `json:"severity,omitempty"`

	// command (monitor)
	Type            string `json:"type,omitempty"`
	TargetSessionID string `json:"target_session_id,omitempty"`
	Payload         string `json:"payload,omitempty"`
}

// ─── Events (Server → Client) ───────────────────────────────────────

type EventType string

const (
	EventError             EventType = "error"
	EventPong              EventType = "pong"
	EventAutosaveAck       EventType = "autosave_ack"
	EventGraded            EventType = "graded"
	EventSessionStatus     EventType = "session_status"
	EventAlertRaised       EventType = "alert_raised"
	EventControl           EventType = "control"
	EventForceSubmitNotice EventType = "force_submit_notice"
	EventSuperseded        EventType = "superseded"
	EventBroadcast         EventType = "broadcast"
)

// Event is the single server→client envelope published through rooms.
type Event struct {
	Type         EventType   `json:"event"`
	SessionID    string      `json:"session_id,omitempty"`
	AssessmentID string      `json:"assessment_id,omitempty"`
	State        string      `json:"state,omitempty"`
	Cause        string      `json:"cause,omitempty"`
	Error        string      `json:"error,omitempty"`
	Message      string      `json:"message,omitempty"`
	Data         interface{} `json:"data,omitempty"`
}

// ─── Control commands (monitor → session) ───────────────────────────

type CommandType string

const (
	CommandPause       CommandType = "pause"
	CommandResume      CommandType = "resume"
	CommandLock        CommandType = "lock"
	CommandForceSubmit CommandType = "force_submit"
	CommandBroadcast   CommandType = "broadcast"
)

// ControlCommand is a transient message produced by a monitor and consumed
// by exactly the targeted session(s). Never persisted.
type ControlCommand struct {
	Type               CommandType `json:"type"`
	TargetSessionID    string      `json:"target_session_id,omitempty"`
	TargetAssessmentID string      `json:"target_assessment_id,omitempty"`
	Payload            string      `json:"payload,omitempty"`
	IssuedBy           int         `json:"issued_by"`
}

// ParseCommandType maps a wire string onto a CommandType.
func ParseCommandType(raw string) (CommandType, bool) {
	switch CommandType(raw) {
	case CommandPause, CommandResume, CommandLock, CommandForceSubmit, CommandBroadcast:
		return CommandType(raw), true
	}
	return "", false
}
