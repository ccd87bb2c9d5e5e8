// Package model talks to the heatmap network over gRPC. The service uses
// well-known protobuf types only: training requests and results travel as
// Struct, predictions as .npy bytes in BytesValue.
package model

import (
	"context"
	"fmt"

	"google.golang.org/protobuf/types/known/structpb"

	"flarelocate/internal/npy"
)

// ServiceName is the fully qualified gRPC service.
const ServiceName = "flarelocate.model.v1.HeatmapModel"

const (
	trainMethod   = "/" + ServiceName + "/Train"
	predictMethod = "/" + ServiceName + "/Predict"

	// Metadata keys carried by Predict calls.
	eventIDKey    = "event-id"
	checkpointKey = "checkpoint"

	maxMessageSize = 100 * 1024 * 1024 // 100MB
)

// TrainRequest describes one training run. Event lists are passed
// explicitly; roots tell the service where the arrays live.
type TrainRequest struct {
	Stage          string
	TrainIDs       []string
	ValIDs         []string
	DiffRoot       string
	HeatmapRoot    string
	PseudoRoot     string
	Epochs         int
	BatchSize      int
	LearningRate   float64
	PseudoWeight   float64
	InitCheckpoint string
	Checkpoint     string
}

// TrainResult reports per-epoch losses and the saved checkpoint.
type TrainResult struct {
	Checkpoint string
	TrainLoss  []float64
	ValLoss    []float64
}

// Model is what the training stages need from the network.
type Model interface {
	Train(ctx context.Context, req TrainRequest) (TrainResult, error)
	Predict(ctx context.Context, checkpoint, eventID string, diff *npy.Array) (*npy.Array, error)
}

func stringsToList(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

func floatsToList(fs []float64) []any {
	out := make([]any, len(fs))
	for i, f := range fs {
		out[i] = f
	}
	return out
}

func (r TrainRequest) toStruct() (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		"stage":           r.Stage,
		"train_ids":       stringsToList(r.TrainIDs),
		"val_ids":         stringsToList(r.ValIDs),
		"diff_root":       r.DiffRoot,
		"heatmap_root":    r.HeatmapRoot,
		"pseudo_root":     r.PseudoRoot,
		"epochs":          r.Epochs,
		"batch_size":      r.BatchSize,
		"learning_rate":   r.LearningRate,
		"pseudo_weight":   r.PseudoWeight,
		"init_checkpoint": r.InitCheckpoint,
		"checkpoint":      r.Checkpoint,
	})
}

func trainRequestFromStruct(s *structpb.Struct) (TrainRequest, error) {
	f := s.GetFields()
	req := TrainRequest{
		Stage:          f["stage"].GetStringValue(),
		DiffRoot:       f["diff_root"].GetStringValue(),
		HeatmapRoot:    f["heatmap_root"].GetStringValue(),
		PseudoRoot:     f["pseudo_root"].GetStringValue(),
		Epochs:         int(f["epochs"].GetNumberValue()),
		BatchSize:      int(f["batch_size"].GetNumberValue()),
		LearningRate:   f["learning_rate"].GetNumberValue(),
		PseudoWeight:   f["pseudo_weight"].GetNumberValue(),
		InitCheckpoint: f["init_checkpoint"].GetStringValue(),
		Checkpoint:     f["checkpoint"].GetStringValue(),
	}
	var err error
	if req.TrainIDs, err = stringList(f["train_ids"]); err != nil {
		return req, fmt.Errorf("train_ids: %w", err)
	}
	if req.ValIDs, err = stringList(f["val_ids"]); err != nil {
		return req, fmt.Errorf("val_ids: %w", err)
	}
	return req, nil
}

func (r TrainResult) toStruct() (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		"checkpoint": r.Checkpoint,
		"train_loss": floatsToList(r.TrainLoss),
		"val_loss":   floatsToList(r.ValLoss),
	})
}

func trainResultFromStruct(s *structpb.Struct) TrainResult {
	f := s.GetFields()
	return TrainResult{
		Checkpoint: f["checkpoint"].GetStringValue(),
		TrainLoss:  numberList(f["train_loss"]),
		ValLoss:    numberList(f["val_loss"]),
	}
}

func stringList(v *structpb.Value) ([]string, error) {
	var out []string
	for _, item := range v.GetListValue().GetValues() {
		s, ok := item.GetKind().(*structpb.Value_StringValue)
		if !ok {
			return nil, fmt.Errorf("expected string, got %T", item.GetKind())
		}
		out = append(out, s.StringValue)
	}
	return out, nil
}

func numberList(v *structpb.Value) []float64 {
	var out []float64
	for _, item := range v.GetListValue().GetValues() {
		out = append(out, item.GetNumberValue())
	}
	return out
}
