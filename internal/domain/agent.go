package domain

import (
	"fmt"
	"time"
)

type AgentState string

const (
	AgentSpawned   AgentState = "SPAWNED"
	AgentRunning   AgentState = "RUNNING"
	AgentCompleted AgentState = "COMPLETED"
	AgentFailed    AgentState = "FAILED"
	AgentDestroyed AgentState = "DESTROYED"
)

var agentEdges = map[AgentState][]AgentState{
	AgentSpawned:   {AgentRunning, AgentFailed, AgentDestroyed},
	AgentRunning:   {AgentCompleted, AgentFailed},
	AgentCompleted: {AgentDestroyed},
	AgentFailed:    {AgentDestroyed},
}

// CanAgentTransition проверяет жизненный цикл агента. DESTROYED конечен.
func CanAgentTransition(from, to AgentState) error {
	for _, allowed := range agentEdges[from] {
		if allowed == to {
			return nil
		}
	}
	return fmt.Errorf("%w: agent %s -> %s", ErrInvalidTransition, from, to)
}

// AgentInfo: снимок одноразового исполнителя для аудита и консоли.
type AgentInfo struct {
	ID           string        `json:"id"`
	SkillID      string        `json:"skill_id"`
	SkillVersion string        `json:"skill_version"`
	Requester    string        `json:"requester"`
	ApprovalID   string        `json:"approval_id,omitempty"`
	Granted      CapabilitySet `json:"granted_capabilities"`
	State        AgentState    `json:"state"`
	Deadline     time.Time     `json:"deadline"`
	SpawnedAt    time.Time     `json:"spawned_at"`
	FinishedAt   *time.Time    `json:"finished_at,omitempty"`
	Error        string        `json:"error,omitempty"`
}
