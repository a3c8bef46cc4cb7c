package domain

type AgentStatus string

const (
	AgentActive AgentStatus = "active"
	AgentPaused AgentStatus = "paused"
	AgentFired  AgentStatus = "fired"
)

type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in_progress"
	TaskBlocked    TaskStatus = "blocked"
	TaskCompleted  TaskStatus = "completed"
	TaskArchived   TaskStatus = "archived"
)

// Active reports whether the task still needs work from its owner.
func (s TaskStatus) Active() bool {
	return s == TaskPending || s == TaskInProgress || s == TaskBlocked
}

type Permissions struct {
	CanHire         bool `json:"can_hire" yaml:"can_hire"`
	MaxSubordinates int  `json:"max_subordinates" yaml:"max_subordinates"`
	HiringBudget    int  `json:"hiring_budget" yaml:"hiring_budget"`
}

type Agent struct {
	ID          string      `json:"id"`
	Role        string      `json:"role"`
	DisplayName string      `json:"display_name,omitempty"`
	ReportingTo *string     `json:"reporting_to,omitempty"`
	Status      AgentStatus `json:"status" enum:"active,paused,fired"`
	Permissions Permissions `json:"permissions"`
	CreatedAt   string      `json:"created_at" format:"date-time"`
	UpdatedAt   string      `json:"updated_at" format:"date-time"`
	FiredAt     *string     `json:"fired_at,omitempty" format:"date-time"`
}

// ManagerID returns the agent's manager or "" for a root agent.
func (a Agent) ManagerID() string {
	if a.ReportingTo == nil {
		return ""
	}
	return *a.ReportingTo
}

type Task struct {
	ID           string     `json:"id"`
	AgentID      string     `json:"agent_id"`
	ParentTaskID *string    `json:"parent_task_id,omitempty"`
	Title        string     `json:"title"`
	Status       TaskStatus `json:"status" enum:"pending,in_progress,blocked,completed,archived"`
	BlockedBy    []string   `json:"blocked_by,omitempty"`
	BlockedSince *string    `json:"blocked_since,omitempty" format:"date-time"`
	Version      int        `json:"version"`
	CreatedAt    string     `json:"created_at" format:"date-time"`
	UpdatedAt    string     `json:"updated_at" format:"date-time"`
	CompletedAt  *string    `json:"completed_at,omitempty" format:"date-time"`
}

// HasBlocker reports whether token is in the task's blocker set.
func (t Task) HasBlocker(token string) bool {
	for _, b := range t.BlockedBy {
		if b == token {
			return true
		}
	}
	return false
}

// WithoutBlocker returns the blocker set minus token, preserving order.
func (t Task) WithoutBlocker(token string) []string {
	var out []string
	for _, b := range t.BlockedBy {
		if b != token {
			out = append(out, b)
		}
	}
	return out
}

type AuditEntry struct {
	ID       int64   `json:"id"`
	TS       string  `json:"ts" format:"date-time"`
	Action   string  `json:"action"`
	ActorID  string  `json:"actor_id"`
	TargetID string  `json:"target_id,omitempty"`
	Success  bool    `json:"success"`
	Details  Details `json:"details,omitempty"`
}

// Audit actions written by the lifecycle, task and deadlock code.
const (
	ActionHire           = "hire"
	ActionCreateRoot     = "agent.create_root"
	ActionFire           = "fire"
	ActionPause          = "pause"
	ActionResume         = "resume"
	ActionOrphans        = "fire.orphans"
	ActionTaskCreate     = "task.create"
	ActionTaskUpdate     = "task.update"
	ActionTaskComplete   = "task.complete"
	ActionDeadlockNotify = "deadlock.notify"
)

type Message struct {
	ID        string  `json:"id"`
	AgentID   string  `json:"agent_id"`
	Kind      string  `json:"kind"`
	Subject   string  `json:"subject"`
	Body      string  `json:"body"`
	ThreadID  string  `json:"thread_id,omitempty"`
	Details   Details `json:"details,omitempty"`
	CreatedAt string  `json:"created_at" format:"date-time"`
	ReadAt    *string `json:"read_at,omitempty" format:"date-time"`
}

type RegistryEntry struct {
	ManagerID    string   `json:"manager_id"`
	Subordinates []string `json:"subordinates"`
	UpdatedAt    string   `json:"updated_at" format:"date-time"`
}

type Execution struct {
	ID        string `json:"id"`
	AgentID   string `json:"agent_id"`
	Status    string `json:"status" enum:"held,queued,done"`
	Payload   string `json:"payload,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
	UpdatedAt string `json:"updated_at" format:"date-time"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// ItemError records a failure on one item of a batch that did not abort the batch.
type ItemError struct {
	ID      string `json:"id"`
	Message string `json:"message"`
}
