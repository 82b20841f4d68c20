package inference

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"

	"github.com/onnwee/presence/internal/biometric"
)

// CodeNoFace is the embedding service's error code for captures without a face.
const CodeNoFace = "no_face"

type embedRequest struct {
	Image string `json:"image"`
}

type embedResponse struct {
	Vector []float32 `json:"vector"`
	Model  string    `json:"model"`
}

// EmbeddingClient extracts face embeddings through the embedding service.
// It implements biometric.Extractor.
type EmbeddingClient struct {
	c *client
}

// NewEmbeddingClient creates an EmbeddingClient.
func NewEmbeddingClient(cfg ClientConfig) (*EmbeddingClient, error) {
	c, err := newClient(cfg)
	if err != nil {
		return nil, err
	}
	return &EmbeddingClient{c: c}, nil
}

// Extract returns the embedding of the single face in image, or
// biometric.ErrNoFace when the service finds none.
func (e *EmbeddingClient) Extract(ctx context.Context, image []byte) ([]float32, error) {
	var resp embedResponse
	err := e.c.post(ctx, "/v1/embed", embedRequest{Image: base64.StdEncoding.EncodeToString(image)}, &resp)
	if err != nil {
		var se *statusError
		if errors.As(err, &se) && se.status == http.StatusUnprocessableEntity && se.code == CodeNoFace {
			return nil, biometric.ErrNoFace
		}
		return nil, err
	}
	if len(resp.Vector) == 0 {
		return nil, biometric.ErrNoFace
	}
	return resp.Vector, nil
}
