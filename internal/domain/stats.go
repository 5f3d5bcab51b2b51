package domain

// GlobalStats: агрегаты для дашборда консоли.
type GlobalStats struct {
	SkillsByState    map[SkillState]int64    `json:"skills_by_state"`
	ApprovalsByState map[ApprovalState]int64 `json:"approvals_by_state"`
	TotalRuns        int64                   `json:"total_runs"`
	FailedRuns       int64                   `json:"failed_runs"`
	ActiveAgents     int                     `json:"active_agents"`
	HourlyActivity   []ActivityPoint         `json:"hourly_activity"`
}

type ActivityPoint struct {
	Hour  string `json:"hour"`
	Count int64  `json:"count"`
}
