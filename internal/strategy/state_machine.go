package strategy

// NextHealth returns the health after event. ERROR is never terminal.
func NextHealth(current Health, event Event) Health {
	if event == EventFailure {
		return HealthError
	}
	switch current {
	case "", HealthInit:
		if event == EventWarmupOK {
			return HealthWarmed
		}
		if event == EventTickOK {
			return HealthRunning
		}
	case HealthWarmed:
		if event == EventTickOK {
			return HealthRunning
		}
	case HealthRunning:
		if event == EventTickOK {
			return HealthRunning
		}
	case HealthError:
		if event == EventWarmupOK {
			return HealthWarmed
		}
		if event == EventTickOK {
			return HealthRunning
		}
	}
	return current
}
