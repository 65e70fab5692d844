package relay

import (
	"context"
	"errors"
	"log/slog"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/alanyoungcy/quotecast/internal/domain"
	"github.com/alanyoungcy/quotecast/internal/quotecast"
)

// Service implements RelayServer on top of one shared API. Every call is
// a direct delegation; the API serializes access to the session and table.
type Service struct {
	api    *quotecast.API
	logger *slog.Logger
}

var _ RelayServer = (*Service)(nil)

// NewService creates the relay service.
func NewService(api *quotecast.API, logger *slog.Logger) *Service {
	return &Service{
		api:    api,
		logger: logger.With(slog.String("component", "relay")),
	}
}

// SetConfig stores the credential and, when auto_connect is set, opens a
// session straight away. user_token must be a positive integer.
func (s *Service) SetConfig(ctx context.Context, in *structpb.Struct) (*wrapperspb.BoolValue, error) {
	var req setConfigRequest
	if err := decodeRequest(in, &req); err != nil {
		return nil, toStatus(err)
	}
	if req.UserToken <= 0 {
		return nil, status.Error(codes.InvalidArgument, "user_token must be a positive integer")
	}
	if err := s.api.SetConfig(ctx, req.UserToken, req.AutoConnect); err != nil {
		return nil, toStatus(err)
	}
	s.logger.Info("relay config updated", slog.Bool("auto_connect", req.AutoConnect))
	return wrapperspb.Bool(true), nil
}

// Connect opens the upstream session if it is not open yet.
func (s *Service) Connect(ctx context.Context, _ *emptypb.Empty) (*wrapperspb.BoolValue, error) {
	if err := s.api.Connect(ctx); err != nil {
		return nil, toStatus(err)
	}
	return wrapperspb.Bool(true), nil
}

// Subscribe applies a subscription delta. An empty delta is rejected.
func (s *Service) Subscribe(ctx context.Context, in *structpb.Struct) (*wrapperspb.BoolValue, error) {
	var req domain.SubscriptionRequest
	if err := decodeRequest(in, &req); err != nil {
		return nil, toStatus(err)
	}
	if req.Empty() {
		return nil, status.Error(codes.InvalidArgument, "subscriptions or unsubscriptions required")
	}
	if err := s.api.Subscribe(ctx, req); err != nil {
		return nil, toStatus(err)
	}
	return wrapperspb.Bool(true), nil
}

// FetchData polls once and returns the raw batch together with the merged
// ticker table.
func (s *Service) FetchData(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	batch, res, err := s.api.FetchData(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	out, err := toStruct(FetchResult{
		Batch:   batch,
		Tickers: s.api.Table().Snapshot(),
		Skipped: len(res.Skipped),
	})
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}

// GetChart passes the chart response through as a Struct.
func (s *Service) GetChart(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req domain.ChartRequest
	if err := decodeRequest(in, &req); err != nil {
		return nil, toStatus(err)
	}
	chart, err := s.api.GetChart(ctx, req)
	if err != nil {
		return nil, toStatus(err)
	}
	out := &structpb.Struct{}
	if err := protojson.Unmarshal(chart.Raw, out); err != nil {
		return nil, status.Error(codes.Internal, "chart response is not an object")
	}
	return out, nil
}

// toStatus maps domain errors onto gRPC codes.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	var code codes.Code
	switch {
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	case errors.Is(err, domain.ErrInvalidRequest):
		code = codes.InvalidArgument
	case errors.Is(err, domain.ErrSessionRejected):
		code = codes.Unauthenticated
	case errors.Is(err, domain.ErrNotConnected):
		code = codes.FailedPrecondition
	case errors.Is(err, domain.ErrNotFound):
		code = codes.NotFound
	case quotecast.IsTransportError(err):
		code = codes.Unavailable
	default:
		code = codes.Internal
	}
	return status.Error(code, err.Error())
}
