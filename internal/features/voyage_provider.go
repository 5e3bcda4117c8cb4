package features

import (
	"context"
	"fmt"
	"os"

	"github.com/austinfhunter/voyageai"
)

// VoyageProvider adapts VoyageAI's embedding API to the EmbeddingProvider
// interface, grounded on the teacher's `clients/voyage/voyage.go`
// (singleton client, `voyage-3.5-lite`, raw `client.Embed` call).
type VoyageProvider struct {
	client *voyageai.VoyageClient
	model  string
}

const defaultVoyageModel = "voyage-3.5-lite"

// NewVoyageProvider builds a VoyageProvider. apiKey falls back to
// VOYAGEAI_API_KEY when empty, mirroring the teacher's `loadEnvVar`
// pattern for adapter construction.
func NewVoyageProvider(apiKey string) *VoyageProvider {
	if apiKey == "" {
		apiKey = os.Getenv("VOYAGEAI_API_KEY")
	}
	client := voyageai.NewClient(&voyageai.VoyageClientOpts{Key: apiKey})
	return &VoyageProvider{client: client, model: defaultVoyageModel}
}

// Embed implements EmbeddingProvider.
func (v *VoyageProvider) Embed(_ context.Context, text string) ([]float64, error) {
	embeddings, err := v.client.Embed([]string{text}, v.model, &voyageai.EmbeddingRequestOpts{})
	if err != nil {
		return nil, fmt.Errorf("voyage embedding request failed: %w", err)
	}
	if len(embeddings.Data) == 0 {
		return nil, fmt.Errorf("voyage embedding response had no data")
	}
	raw := embeddings.Data[0].Embedding
	out := make([]float64, len(raw))
	for i, f := range raw {
		out[i] = float64(f)
	}
	return out, nil
}
