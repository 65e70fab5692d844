package relay

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/alanyoungcy/quotecast/internal/domain"
)

// Client calls a remote relay.
type Client struct {
	conn *grpc.ClientConn
}

// NewClient creates a client for target. Plaintext credentials are used
// unless opts override them.
func NewClient(target string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("relay: dial %s: %w", target, err)
	}
	return &Client{conn: conn}, nil
}

// Close releases the connection.
func (c *Client) Close() error { return c.conn.Close() }

func (c *Client) SetConfig(ctx context.Context, userToken int64, autoConnect bool) error {
	in, err := toStruct(setConfigRequest{UserToken: userToken, AutoConnect: autoConnect})
	if err != nil {
		return err
	}
	return c.invoke(ctx, MethodSetConfig, in, new(wrapperspb.BoolValue))
}

func (c *Client) Connect(ctx context.Context) error {
	return c.invoke(ctx, MethodConnect, &emptypb.Empty{}, new(wrapperspb.BoolValue))
}

func (c *Client) Subscribe(ctx context.Context, req domain.SubscriptionRequest) error {
	in, err := toStruct(req)
	if err != nil {
		return err
	}
	return c.invoke(ctx, MethodSubscribe, in, new(wrapperspb.BoolValue))
}

func (c *Client) FetchData(ctx context.Context) (FetchResult, error) {
	out := new(structpb.Struct)
	if err := c.invoke(ctx, MethodFetchData, &emptypb.Empty{}, out); err != nil {
		return FetchResult{}, err
	}
	var res FetchResult
	if err := fromStruct(out, &res); err != nil {
		return FetchResult{}, err
	}
	return res, nil
}

func (c *Client) GetChart(ctx context.Context, req domain.ChartRequest) (domain.ChartResponse, error) {
	in, err := toStruct(req)
	if err != nil {
		return domain.ChartResponse{}, err
	}
	out := new(structpb.Struct)
	if err := c.invoke(ctx, MethodGetChart, in, out); err != nil {
		return domain.ChartResponse{}, err
	}
	var chart domain.ChartResponse
	if err := fromStruct(out, &chart); err != nil {
		return domain.ChartResponse{}, err
	}
	return chart, nil
}

func (c *Client) invoke(ctx context.Context, method string, in, out any) error {
	if err := c.conn.Invoke(ctx, fullMethod(method), in, out); err != nil {
		return fmt.Errorf("relay: %s: %w", method, err)
	}
	return nil
}
