package domain

// PolicyChecks флаги проверок. После первой неудачной проверки все последующие = false
// (fail closed), даже если они не вычислялись.
type PolicyChecks struct {
	AgentStatusCheck bool `json:"agentStatusCheck"`
	WhitelistCheck   bool `json:"whitelistCheck"`
	PerTxLimitCheck  bool `json:"perTxLimitCheck"`
	DailyLimitCheck  bool `json:"dailyLimitCheck"`
}

// AllPassed true только если пройдены все четыре проверки.
func (c PolicyChecks) AllPassed() bool {
	return c.AgentStatusCheck && c.WhitelistCheck && c.PerTxLimitCheck && c.DailyLimitCheck
}

// FailedCheck имя первой не пройденной проверки (для метрик и аудита).
func (c PolicyChecks) FailedCheck() string {
	switch {
	case !c.AgentStatusCheck:
		return "agent_status"
	case !c.WhitelistCheck:
		return "whitelist"
	case !c.PerTxLimitCheck:
		return "per_tx_limit"
	case !c.DailyLimitCheck:
		return "daily_limit"
	}
	return ""
}

type ValidationResult struct {
	Approved     bool         `json:"approved"`
	Reason       string       `json:"reason"`
	PolicyChecks PolicyChecks `json:"policyChecks"`
}

// TxStatus маппинг решения в статус записи.
func (r ValidationResult) TxStatus() TxStatus {
	if r.Approved {
		return TxApproved
	}
	return TxBlocked
}
