package proximity

// IndicatorStyle describes how the on-screen motion indicator renders a tier.
type IndicatorStyle struct {
	Tier    Tier    `json:"tier"`
	Color   string  `json:"color"`
	Opacity float64 `json:"opacity"`
	Label   string  `json:"label"`
	Pulse   bool    `json:"pulse"`
}

type indicatorBase struct {
	color   string
	opacity float64
	label   string
	pulse   bool
}

var indicatorBases = map[Tier]indicatorBase{
	TierNone:    {color: "#6b7280", opacity: 0.0, label: ""},
	TierAmbient: {color: "#3b82f6", opacity: 0.35, label: "Someone nearby"},
	TierWalkup:  {color: "#10b981", opacity: 0.6, label: "Welcome!"},
	TierStare:   {color: "#f59e0b", opacity: 0.8, label: "Touch the map to drop a pin", pulse: true},
}

// Indicator returns the visual style for a tier. Opacity rises with the
// level inside a tier so the indicator breathes with the visitor's distance.
func Indicator(t Tier, level float64) IndicatorStyle {
	base, ok := indicatorBases[t]
	if !ok {
		base = indicatorBases[TierNone]
	}

	opacity := base.opacity
	if t != TierNone {
		opacity += clampLevel(level) / 100 * 0.2
		if opacity > 1 {
			opacity = 1
		}
	}

	return IndicatorStyle{
		Tier:    t,
		Color:   base.color,
		Opacity: opacity,
		Label:   base.label,
		Pulse:   base.pulse,
	}
}
