package correlate

// RiskStrategy blends contributing signal severities into an incident risk
// score. Implementations must be monotonic non-decreasing in prev: the risk
// of an open incident never moves backwards.
type RiskStrategy interface {
	Name() string
	Blend(prev, severitySum float64, count int, peak float64) float64
}

// MeanRisk scores an incident by the running mean of its contributing
// severities on a 0-10 scale, floored at the previous risk.
type MeanRisk struct{}

func (MeanRisk) Name() string { return "mean" }

func (MeanRisk) Blend(prev, severitySum float64, count int, _ float64) float64 {
	if count <= 0 {
		return prev
	}
	blended := clamp(severitySum/float64(count)/10.0, 0, 1)
	if blended < prev {
		return prev
	}
	return blended
}

// MaxRisk scores an incident by its single worst severity on the same scale.
type MaxRisk struct{}

func (MaxRisk) Name() string { return "max" }

func (MaxRisk) Blend(prev, _ float64, _ int, peak float64) float64 {
	blended := clamp(peak/10.0, 0, 1)
	if blended < prev {
		return prev
	}
	return blended
}

func strategyByName(name string) RiskStrategy {
	if name == "max" {
		return MaxRisk{}
	}
	return MeanRisk{}
}

func clamp(value, min, max float64) float64 {
	if value < min {
		return min
	}
	if value > max {
		return max
	}
	return value
}
