package ratelimit

// TierConfig defines rate limits for each upload tier
type TierConfig struct {
	Tier          UploadTier
	Limit         int64  // Uploads allowed per window
	WindowSeconds int    // Time window in seconds
	Description   string // Human-readable description
}

// Default tier configurations
var DefaultTierConfigs = map[UploadTier]TierConfig{
	TierLight: {
		Tier:          TierLight,
		Limit:         60,
		WindowSeconds: 60,
		Description:   "Light uploads (images, audio under 50MB) - 60/minute",
	},
	TierStandard: {
		Tier:          TierStandard,
		Limit:         20,
		WindowSeconds: 60,
		Description:   "Standard uploads (video, or 50MB-500MB) - 20/minute",
	},
	TierHeavy: {
		Tier:          TierHeavy,
		Limit:         5,
		WindowSeconds: 60,
		Description:   "Heavy uploads (over 500MB) - 5/minute",
	},
}

// TierLimits holds per-minute limits for each tier
type TierLimits map[UploadTier]TierConfig

// NewTierLimits builds per-minute limits. Non-positive values fall back to
// the defaults.
func NewTierLimits(light, standard, heavy int64) TierLimits {
	limits := TierLimits{}
	for tier, cfg := range DefaultTierConfigs {
		limits[tier] = cfg
	}
	set := func(tier UploadTier, n int64) {
		if n > 0 {
			cfg := limits[tier]
			cfg.Limit = n
			limits[tier] = cfg
		}
	}
	set(TierLight, light)
	set(TierStandard, standard)
	set(TierHeavy, heavy)
	return limits
}

// For returns the configuration of a tier, falling back to the most
// restrictive one
func (l TierLimits) For(tier UploadTier) TierConfig {
	if cfg, exists := l[tier]; exists {
		return cfg
	}
	return l[TierHeavy]
}

// GetAllTiers returns all configured tiers for documentation/API responses
func (l TierLimits) GetAllTiers() []TierConfig {
	return []TierConfig{
		l.For(TierLight),
		l.For(TierStandard),
		l.For(TierHeavy),
	}
}
