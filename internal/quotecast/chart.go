package quotecast

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/google/uuid"

	"github.com/alanyoungcy/quotecast/internal/domain"
)

const (
	defaultChartCulture  = "fr-FR"
	defaultChartTimezone = "Europe/Paris"
)

// GetChart fetches historical series from the charting service. It does not
// need an open quotecast session, only the user token, and it never touches
// the ledger or the ticker table.
func (s *Session) GetChart(ctx context.Context, req domain.ChartRequest) (domain.ChartResponse, error) {
	if len(req.Series) == 0 {
		return domain.ChartResponse{}, fmt.Errorf("quotecast: chart: %w: no series requested", domain.ErrInvalidRequest)
	}
	if req.Resolution == "" {
		req.Resolution = domain.IntervalPT1M
	}
	if req.Period == "" {
		req.Period = domain.IntervalP1D
	}
	if !req.Resolution.Valid() || !req.Period.Valid() {
		return domain.ChartResponse{}, fmt.Errorf("quotecast: chart: %w: resolution %q period %q",
			domain.ErrInvalidRequest, req.Resolution, req.Period)
	}
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	if req.Culture == "" {
		req.Culture = defaultChartCulture
	}
	if req.Timezone == "" {
		req.Timezone = defaultChartTimezone
	}

	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()
	if cfg.UserToken == 0 {
		return domain.ChartResponse{}, fmt.Errorf("quotecast: chart: %w: no user token configured", domain.ErrSessionRejected)
	}

	params := url.Values{}
	params.Set("requestid", req.RequestID)
	params.Set("resolution", string(req.Resolution))
	params.Set("culture", req.Culture)
	params.Set("period", string(req.Period))
	params.Set("tz", req.Timezone)
	params.Set("format", "json")
	params.Set("userToken", strconv.FormatInt(cfg.UserToken, 10))
	for _, series := range req.Series {
		params.Add("series", series)
	}

	resp, err := s.transport.Send(ctx, Request{
		Method: http.MethodGet,
		URL:    cfg.ChartURL,
		Params: params,
	})
	if err != nil {
		return domain.ChartResponse{}, fmt.Errorf("quotecast: chart: %w", err)
	}
	if err := checkStatus("chart", resp); err != nil {
		return domain.ChartResponse{}, err
	}

	var chart domain.ChartResponse
	if err := json.Unmarshal(resp.Body, &chart); err != nil {
		return domain.ChartResponse{}, fmt.Errorf("quotecast: chart: %w: %v", domain.ErrMalformedResponse, err)
	}
	if chart.RequestID == "" {
		chart.RequestID = req.RequestID
	}
	chart.Raw = json.RawMessage(resp.Body)
	return chart, nil
}
