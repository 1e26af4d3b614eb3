package forecast

import "github.com/lox/pvcast/internal/config"

// BlendWeight is the learned component's share of the blend. It is zero
// until the model is ready and its accuracy clears the lower threshold, then
// rises linearly to the configured maximum.
func BlendWeight(cfg config.ForecastConfig, ready bool, accuracy float64) float64 {
	if !ready || accuracy <= cfg.BlendMinAccuracy {
		return 0
	}
	if accuracy >= cfg.BlendMaxAccuracy {
		return cfg.BlendMaxWeight
	}
	return cfg.BlendMaxWeight * (accuracy - cfg.BlendMinAccuracy) / (cfg.BlendMaxAccuracy - cfg.BlendMinAccuracy)
}

func Blend(physics, learned, weight float64) float64 {
	return weight*learned + (1-weight)*physics
}

// Confidence mixes the physics confidence with the model accuracy by the
// same weight used for the blend.
func Confidence(physicsConf, accuracy, weight float64) float64 {
	return (1-weight)*physicsConf + weight*accuracy
}
