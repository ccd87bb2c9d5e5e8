package model

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"flarelocate/internal/npy"
)

// meanModel predicts the per-pixel mean over the input stack.
type meanModel struct {
	mu       sync.Mutex
	requests []TrainRequest
	seen     []string
}

func (m *meanModel) Train(_ context.Context, req TrainRequest) (TrainResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, req)
	if req.Stage == "broken" {
		return TrainResult{}, errors.New("out of memory")
	}
	return TrainResult{Checkpoint: req.Checkpoint, TrainLoss: []float64{0.5, 0.25}, ValLoss: []float64{0.6, 0.3}}, nil
}

func (m *meanModel) Predict(_ context.Context, checkpoint, eventID string, diff *npy.Array) (*npy.Array, error) {
	m.mu.Lock()
	m.seen = append(m.seen, checkpoint+":"+eventID)
	m.mu.Unlock()

	frame := diff.Slice(0)
	out := &npy.Array{Shape: frame.Shape, Data: make([]float32, len(frame.Data))}
	for i := 0; i < diff.Shape[0]; i++ {
		for j, v := range diff.Slice(i).Data {
			out.Data[j] += v / float32(diff.Shape[0])
		}
	}
	return out, nil
}

func startService(t *testing.T, m Model) *Client {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := NewServer()
	RegisterServer(srv, m)
	go srv.Serve(lis)

	c, err := Dial("passthrough:///bufnet", grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	}))
	require.NoError(t, err)
	t.Cleanup(func() {
		c.Close()
		srv.Stop()
	})
	return c
}

func TestTrainRoundTrip(t *testing.T) {
	m := &meanModel{}
	c := startService(t, m)

	req := TrainRequest{
		Stage:          "joint",
		TrainIDs:       []string{"event_0001", "event_0002"},
		ValIDs:         []string{"event_0003"},
		DiffRoot:       "/data/diff_images",
		HeatmapRoot:    "/data/hek_heatmap",
		PseudoRoot:     "/data/pseudo_heatmap",
		Epochs:         20,
		BatchSize:      8,
		LearningRate:   1e-4,
		PseudoWeight:   0.3,
		InitCheckpoint: "checkpoints/supervised_best",
		Checkpoint:     "checkpoints/joint_best",
	}
	res, err := c.Train(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "checkpoints/joint_best", res.Checkpoint)
	assert.Equal(t, []float64{0.5, 0.25}, res.TrainLoss)
	assert.Equal(t, []float64{0.6, 0.3}, res.ValLoss)

	require.Len(t, m.requests, 1)
	assert.Empty(t, cmp.Diff(req, m.requests[0]))
}

func TestTrainErrorCarriesStatus(t *testing.T) {
	c := startService(t, &meanModel{})
	_, err := c.Train(context.Background(), TrainRequest{Stage: "broken"})
	require.Error(t, err)
	st, ok := status.FromError(errors.Unwrap(err))
	require.True(t, ok)
	assert.Equal(t, codes.Internal, st.Code())
	assert.Contains(t, st.Message(), "out of memory")
}

func TestPredictRoundTrip(t *testing.T) {
	m := &meanModel{}
	c := startService(t, m)

	diff := &npy.Array{Shape: []int{2, 2, 2}, Data: []float32{1, 2, 3, 4, 3, 4, 5, 6}}
	hm, err := c.Predict(context.Background(), "checkpoints/supervised_best", "event_0007", diff)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 2}, hm.Shape)
	assert.Equal(t, []float32{2, 3, 4, 5}, hm.Data)
	assert.Equal(t, []string{"checkpoints/supervised_best:event_0007"}, m.seen)
}

func TestPredictRejectsGarbage(t *testing.T) {
	c := startService(t, &meanModel{})

	_, err := c.Predict(context.Background(), "", "event_0001", &npy.Array{Shape: []int{3}, Data: []float32{1}})
	assert.Error(t, err, "shape mismatch must fail before sending")

	out := new(wrapperspb.BytesValue)
	err = c.conn.Invoke(context.Background(), predictMethod, wrapperspb.Bytes([]byte("not an array")), out)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}
