package verifier

// ScoreChecks turns an assembled Checks blob into a score in [0,100] and
// a status. The adjustment table is deliberately fixed: downstream
// consumers bucket on the 75/20 thresholds, so any change here is a
// breaking change for them.
func ScoreChecks(c Checks) (int, string) {
	if !c.Syntax {
		return 0, StatusInvalid
	}

	score := 30
	if c.Disposable {
		score = min(score, 10)
	}
	if len(c.MXHosts) > 0 {
		score += 30
	}
	if c.SMTPAccept != nil {
		if *c.SMTPAccept {
			score += 30
		} else {
			score = min(score, 20)
		}
	}
	if c.CatchAll {
		score = max(10, score-20)
	}
	if c.Provider == "gmail" {
		score = min(100, score+5)
	}

	score = max(0, min(score, 100))

	switch {
	case score >= 75:
		return score, StatusValid
	case score <= 20:
		return score, StatusInvalid
	default:
		return score, StatusRisky
	}
}
