package overclock

var tierNames = []string{"ULV", "LV", "MV", "HV", "EV", "IV", "LuV", "ZPM", "UV", "UHV"}

const MaxTier = 9

func TierName(tier int) string {
	if tier < 0 || tier >= len(tierNames) {
		return "MAX"
	}
	return tierNames[tier]
}

// Voltage is the maximum EU/t a tier accepts: 8, 32, 128, ...
func Voltage(tier int) int64 {
	if tier < 0 {
		return 0
	}
	return int64(8) << (2 * uint(tier))
}

// TierFor is the lowest tier whose voltage covers eut.
func TierFor(eut int64) int {
	if eut < 0 {
		eut = -eut
	}
	t := 0
	for t < MaxTier && Voltage(t) < eut {
		t++
	}
	return t
}

// Compute returns the effective rate and duration of a recipe run by a unit of
// unitTier. Each tier above the recipe's own quadruples the rate and halves the
// duration until the duration reaches one tick. Producers are never overclocked.
func Compute(baseRate int64, unitTier, baseDuration int) (int64, int) {
	if baseRate <= 0 {
		return baseRate, baseDuration
	}
	rate, duration := baseRate, baseDuration
	for t := TierFor(baseRate); t < unitTier && duration > 1; t++ {
		rate *= 4
		duration /= 2
	}
	return rate, duration
}
