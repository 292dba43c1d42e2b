package reducer

import "github.com/vesaa/plantwatch/internal/models"

// Penalties applied by Index.
const (
	soilBelowMin   = 40
	soilNearMin    = 20
	soilNearMargin = 10

	tempAboveMax   = 30
	tempNearMax    = 15
	tempNearMargin = 5
)

// Index scores kpi against th on a 0–100 scale. Readings that are absent
// are not penalised.
func Index(kpi models.KPISnapshot, th models.Thresholds) float64 {
	score := 100.0

	if soil := kpi.SoilHumidity; soil != nil {
		switch {
		case *soil < th.SoilHumidity.Min:
			score -= soilBelowMin
		case *soil < th.SoilHumidity.Min+soilNearMargin:
			score -= soilNearMin
		}
	}

	if temp := kpi.Temperature; temp != nil {
		switch {
		case *temp > th.Temperature.Max:
			score -= tempAboveMax
		case *temp > th.Temperature.Max-tempNearMargin:
			score -= tempNearMax
		}
	}

	return min(max(score, 0), 100)
}
