package model

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"flarelocate/internal/npy"
)

// Client calls a remote heatmap model service.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to the model service at addr. Extra options follow the
// defaults, so callers may override the transport.
func Dial(addr string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(
			grpc.MaxCallRecvMsgSize(maxMessageSize),
			grpc.MaxCallSendMsgSize(maxMessageSize),
		),
	}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to model service %s: %w", addr, err)
	}
	return &Client{conn: conn}, nil
}

// Close tears down the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Train runs a training stage on the service and waits for it to finish.
func (c *Client) Train(ctx context.Context, req TrainRequest) (TrainResult, error) {
	in, err := req.toStruct()
	if err != nil {
		return TrainResult{}, fmt.Errorf("encode train request: %w", err)
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, trainMethod, in, out); err != nil {
		return TrainResult{}, fmt.Errorf("train %s: %w", req.Stage, err)
	}
	return trainResultFromStruct(out), nil
}

// Predict returns the heatmap the checkpoint predicts for one input stack.
func (c *Client) Predict(ctx context.Context, checkpoint, eventID string, diff *npy.Array) (*npy.Array, error) {
	b, err := npy.Encode(diff.Shape, diff.Data)
	if err != nil {
		return nil, err
	}
	ctx = metadata.AppendToOutgoingContext(ctx, eventIDKey, eventID, checkpointKey, checkpoint)

	out := new(wrapperspb.BytesValue)
	if err := c.conn.Invoke(ctx, predictMethod, wrapperspb.Bytes(b), out); err != nil {
		return nil, fmt.Errorf("predict %s: %w", eventID, err)
	}
	hm, err := npy.Decode(out.GetValue())
	if err != nil {
		return nil, fmt.Errorf("predict %s: %w", eventID, err)
	}
	return hm, nil
}
