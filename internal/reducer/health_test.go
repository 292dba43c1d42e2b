package reducer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/vesaa/plantwatch/internal/models"
)

func TestIndex(t *testing.T) {
	th := models.DefaultThresholds()
	f := models.Float

	tests := []struct {
		name string
		kpi  models.KPISnapshot
		want float64
	}{
		{"no readings", models.KPISnapshot{}, 100},
		{"healthy", models.KPISnapshot{SoilHumidity: f(60), Temperature: f(20)}, 100},
		{"dry soil", models.KPISnapshot{SoilHumidity: f(20), Temperature: f(25)}, 60},
		{"near both limits", models.KPISnapshot{SoilHumidity: f(40), Temperature: f(36)}, 65},
		{"soil at min+10", models.KPISnapshot{SoilHumidity: f(45)}, 100},
		{"temp at max-5", models.KPISnapshot{Temperature: f(33)}, 100},
		{"hot", models.KPISnapshot{Temperature: f(45)}, 70},
		{"dry and hot", models.KPISnapshot{SoilHumidity: f(5), Temperature: f(45)}, 30},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Index(tt.kpi, th))
		})
	}
}

func TestIndexStaysInRange(t *testing.T) {
	th := models.DefaultThresholds()
	for soil := -50.0; soil <= 150; soil += 7.5 {
		for temp := -40.0; temp <= 80; temp += 3.5 {
			got := Index(models.KPISnapshot{SoilHumidity: models.Float(soil), Temperature: models.Float(temp)}, th)
			assert.GreaterOrEqual(t, got, 0.0)
			assert.LessOrEqual(t, got, 100.0)
		}
	}
}

func TestIndexUsesDeviceThresholds(t *testing.T) {
	th := models.DefaultThresholds()
	th.SoilHumidity.Min = 60
	th.Temperature.Max = 25

	assert.Equal(t, 30.0, Index(models.KPISnapshot{SoilHumidity: models.Float(50), Temperature: models.Float(30)}, th))
}
