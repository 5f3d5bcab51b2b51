package infra

const (
	// RedisNamespace Базовый префикс для изоляции данных проекта в Redis
	RedisNamespace = "devit"
)

// Ключи для Sets (состояние)
const (
	RedisKeyQuarantinedSkills  = RedisNamespace + ":skills:quarantine_set"
	RedisKeyLockQuarantine     = RedisNamespace + ":lock:warmup_quarantine:skills"
	RedisKeyRevokedCredentials = RedisNamespace + ":credentials:revoked:"
	RedisKeyApprovalPairLock   = RedisNamespace + ":approvals:pair:"
	RedisKeyCostLedger         = RedisNamespace + ":cost:"
	RedisKeyKilledAgents       = RedisNamespace + ":agents:killed_set"
	RedisKeyDashboardStats     = RedisNamespace + ":console:stats"
)

// Каналы Pub/Sub (события). Решения оператора в RedisChanApprovalDecisions
// идут в формате "id:accept|reject|deny".
const (
	RedisChanQuarantine        = RedisNamespace + ":skills:quarantine-signal"
	RedisChanPolicyUpdate      = RedisNamespace + ":policies:update"
	RedisChanApprovalDecisions = RedisNamespace + ":approvals:decisions"
	RedisChanApprovalNotify    = RedisNamespace + ":approvals:notify"
	RedisChanKillSwitch        = RedisNamespace + ":agents:kill-signal"
)

// CostLedgerKey: суточный счетчик затрат инициатора.
func CostLedgerKey(requester, day string) string {
	return RedisKeyCostLedger + requester + ":" + day
}
