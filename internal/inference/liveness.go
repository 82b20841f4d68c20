package inference

import (
	"context"
	"encoding/base64"
	"fmt"
	"math"
)

type livenessRequest struct {
	Frames []string `json:"frames"`
}

type livenessResponse struct {
	Confidence *float64 `json:"confidence"`
}

// LivenessClient scores image sequences through the liveness service.
// It implements liveness.Scorer.
type LivenessClient struct {
	c *client
}

// NewLivenessClient creates a LivenessClient.
func NewLivenessClient(cfg ClientConfig) (*LivenessClient, error) {
	c, err := newClient(cfg)
	if err != nil {
		return nil, err
	}
	return &LivenessClient{c: c}, nil
}

// Score returns the service's liveness confidence for sequence.
func (l *LivenessClient) Score(ctx context.Context, sequence [][]byte) (float64, error) {
	frames := make([]string, len(sequence))
	for i, img := range sequence {
		frames[i] = base64.StdEncoding.EncodeToString(img)
	}

	var resp livenessResponse
	if err := l.c.post(ctx, "/v1/liveness", livenessRequest{Frames: frames}, &resp); err != nil {
		return 0, err
	}
	if resp.Confidence == nil || math.IsNaN(*resp.Confidence) {
		return 0, fmt.Errorf("%w: missing confidence", ErrMalformedResponse)
	}
	return *resp.Confidence, nil
}
