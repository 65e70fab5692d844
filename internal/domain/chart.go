package domain

import "encoding/json"

// ChartInterval is an ISO-8601 duration accepted by the charting service
// both as resolution and as period.
type ChartInterval string

const (
	IntervalPT1S  ChartInterval = "PT1S"
	IntervalPT15S ChartInterval = "PT15S"
	IntervalPT30S ChartInterval = "PT30S"
	IntervalPT1M  ChartInterval = "PT1M"
	IntervalPT5M  ChartInterval = "PT5M"
	IntervalPT15M ChartInterval = "PT15M"
	IntervalPT30M ChartInterval = "PT30M"
	IntervalPT1H  ChartInterval = "PT1H"
	IntervalP1D   ChartInterval = "P1D"
	IntervalP1W   ChartInterval = "P1W"
	IntervalP1M   ChartInterval = "P1M"
	IntervalP3M   ChartInterval = "P3M"
	IntervalP6M   ChartInterval = "P6M"
	IntervalP1Y   ChartInterval = "P1Y"
	IntervalP3Y   ChartInterval = "P3Y"
	IntervalP5Y   ChartInterval = "P5Y"
	IntervalP10Y  ChartInterval = "P10Y"
	IntervalP50Y  ChartInterval = "P50Y"
)

var validIntervals = map[ChartInterval]bool{
	IntervalPT1S: true, IntervalPT15S: true, IntervalPT30S: true,
	IntervalPT1M: true, IntervalPT5M: true, IntervalPT15M: true, IntervalPT30M: true,
	IntervalPT1H: true, IntervalP1D: true, IntervalP1W: true, IntervalP1M: true,
	IntervalP3M: true, IntervalP6M: true, IntervalP1Y: true, IntervalP3Y: true,
	IntervalP5Y: true, IntervalP10Y: true, IntervalP50Y: true,
}

// Valid reports whether the interval is one the charting service knows.
func (i ChartInterval) Valid() bool {
	return validIntervals[i]
}

// ChartRequest asks for one or more historical series.
// Series entries look like "price:issueid:360148977".
type ChartRequest struct {
	RequestID  string        `json:"requestid"`
	Resolution ChartInterval `json:"resolution"`
	Culture    string        `json:"culture"`
	Series     []string      `json:"series"`
	Period     ChartInterval `json:"period"`
	Timezone   string        `json:"tz"`
}

// ChartSeries is one series of a chart response. Data is passed through as
// received since its shape depends on the series type.
type ChartSeries struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Times   string          `json:"times,omitempty"`
	Expires string          `json:"expires,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// ChartResponse is the decoded charting reply. Raw holds the body verbatim.
type ChartResponse struct {
	RequestID  string          `json:"requestid"`
	Start      string          `json:"start,omitempty"`
	End        string          `json:"end,omitempty"`
	Resolution string          `json:"resolution,omitempty"`
	Series     []ChartSeries   `json:"series"`
	Raw        json.RawMessage `json:"-"`
}
