package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"sort"

	"github.com/vesaa/plantwatch/internal/models"
	"golang.org/x/sync/errgroup"
)

// Backend field names of the four history series.
const (
	fieldTemperature     = "temperatura"
	fieldAmbientHumidity = "humedad_aire"
	fieldSoilHumidity    = "humedad_suelo"
	fieldLight           = "luz"
)

type historySeries struct {
	field  string
	assign func(p *models.HistoryPoint, v float64)
}

var historySeriesOrder = []historySeries{
	{fieldTemperature, func(p *models.HistoryPoint, v float64) { p.Temperature = models.Float(v) }},
	{fieldAmbientHumidity, func(p *models.HistoryPoint, v float64) { p.AmbientHumidity = models.Float(v) }},
	{fieldSoilHumidity, func(p *models.HistoryPoint, v float64) { p.SoilHumidity = models.Float(v) }},
	{fieldLight, func(p *models.HistoryPoint, v float64) { p.Light = models.Float(v) }},
}

// GetHistory fetches the four metric series for window in parallel and
// merges them by minute label. A series the backend refuses contributes no
// values; labels missing from a series leave that field nil.
func (c *Client) GetHistory(ctx context.Context, plantID, window string) ([]models.HistoryPoint, error) {
	series := make([][]models.ChartPoint, len(historySeriesOrder))

	g, gctx := errgroup.WithContext(ctx)
	for i, s := range historySeriesOrder {
		g.Go(func() error {
			points, err := c.fetchSeries(gctx, plantID, s.field, window)
			if err != nil {
				return err
			}
			series[i] = points
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return c.mergeSeries(series), nil
}

func (c *Client) fetchSeries(ctx context.Context, plantID, field, window string) ([]models.ChartPoint, error) {
	op := "get history " + field
	q := url.Values{"field": {field}, "range": {window}}
	path := "/analytics/" + url.PathEscape(plantID) + "/history?" + q.Encode()

	resp, err := c.send(ctx, op, http.MethodGet, path, nil, true, ErrNetwork)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if !ok(resp) {
		c.logger.Debug().Str("field", field).Int("status", resp.StatusCode).Msg("history series unavailable")
		return nil, nil
	}
	var points []models.ChartPoint
	if err := json.NewDecoder(resp.Body).Decode(&points); err != nil {
		c.logger.Warn().Err(err).Str("field", field).Msg("history series malformed")
		return nil, nil
	}
	return points, nil
}

func (c *Client) mergeSeries(series [][]models.ChartPoint) []models.HistoryPoint {
	byLabel := make(map[string]*models.HistoryPoint)
	for i, points := range series {
		assign := historySeriesOrder[i].assign
		for _, p := range points {
			ts, err := models.ParseTimestamp(p.Time, c.loc)
			if err != nil || ts.IsZero() {
				c.logger.Debug().Str("time", p.Time).Msg("skipping history point with bad time")
				continue
			}
			label := models.HistoryLabel(ts, c.loc)
			row, found := byLabel[label]
			if !found {
				row = &models.HistoryPoint{Time: label}
				byLabel[label] = row
			}
			assign(row, p.Value)
		}
	}

	out := make([]models.HistoryPoint, 0, len(byLabel))
	for _, row := range byLabel {
		out = append(out, *row)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Time < out[j].Time })
	return out
}
