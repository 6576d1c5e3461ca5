package decisionengine

// Config carries the tunables the precedence rules consult. It is supplied
// by the loop's YAML-loaded LoopConfig (internal/loop), kept separate here
// so the decision function stays a pure dependency of loopstate only.
type Config struct {
	MaxTaskRetries        int
	MaxFixAttempts        int
	StuckThreshold        int
	VRCMinIntervalSec     int
	MaxRollbacksPerSprint int
	MaxExitGateAttempts   int
	MaxCrashRestarts      int
	QCGenerationThreshold int

	TokenBudget             int64
	BudgetWarnFraction      float64 // 0.80
	BudgetCriticalFraction  float64 // 0.95
}

// DefaultConfig returns the standard decision-engine thresholds.
func DefaultConfig() Config {
	return Config{
		MaxTaskRetries:         3,
		MaxFixAttempts:         3,
		StuckThreshold:         3,
		VRCMinIntervalSec:      30,
		MaxRollbacksPerSprint:  3,
		MaxExitGateAttempts:    3,
		MaxCrashRestarts:       3,
		QCGenerationThreshold:  3,
		TokenBudget:            0,
		BudgetWarnFraction:     0.80,
		BudgetCriticalFraction: 0.95,
	}
}

// BudgetFraction returns consumed/total, or 0 if no budget is configured
// (an unset budget never triggers the 80%/95% degradations).
func (c Config) BudgetFraction(totalTokensUsed int64) float64 {
	if c.TokenBudget <= 0 {
		return 0
	}
	return float64(totalTokensUsed) / float64(c.TokenBudget)
}
