// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Mnemos Contributors

package embed

import (
	"context"

	openaisdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/mnemos-ai/mnemos/internal/config"
	mnemoserr "github.com/mnemos-ai/mnemos/pkg/errors"
)

func init() {
	RegisterProvider("openai", func(cfg config.EmbeddingConfig, dimensions int) (Provider, error) {
		return NewOpenAIProvider(cfg, dimensions)
	})
}

// OpenAIProvider embeds text via the OpenAI embeddings API.
type OpenAIProvider struct {
	client     openaisdk.Client
	model      string
	dimensions int
}

// NewOpenAIProvider creates an OpenAI embedding provider. Returns an error
// if the API key is missing.
func NewOpenAIProvider(cfg config.EmbeddingConfig, dimensions int) (*OpenAIProvider, error) {
	if cfg.APIKey == "" {
		return nil, mnemoserr.New(mnemoserr.CodeEmbedProviderInvalid,
			"openai: missing api_key in config", mnemoserr.FieldProvider("openai"))
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
	}
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithBaseURL(cfg.Endpoint))
	}

	model := cfg.Model
	if model == "" {
		model = "text-embedding-3-small"
	}

	return &OpenAIProvider{
		client:     openaisdk.NewClient(opts...),
		model:      model,
		dimensions: dimensions,
	}, nil
}

var _ Provider = (*OpenAIProvider)(nil)

func (p *OpenAIProvider) Name() string    { return "openai" }
func (p *OpenAIProvider) Dimensions() int { return p.dimensions }

func (p *OpenAIProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	resp, err := p.client.Embeddings.New(ctx, openaisdk.EmbeddingNewParams{
		Input: openaisdk.EmbeddingNewParamsInputUnion{
			OfArrayOfStrings: texts,
		},
		Model:      openaisdk.EmbeddingModel(p.model),
		Dimensions: openaisdk.Int(int64(p.dimensions)),
	})
	if err != nil {
		return nil, mnemoserr.Wrapf(err, mnemoserr.CodeEmbedProviderUnavailable,
			"openai: embedding %d texts", len(texts))
	}
	if len(resp.Data) != len(texts) {
		return nil, mnemoserr.Errorf(mnemoserr.CodeEmbedProviderUnavailable,
			"openai: got %d embeddings for %d texts", len(resp.Data), len(texts))
	}

	out := make([][]float32, len(texts))
	for _, d := range resp.Data {
		if d.Index < 0 || int(d.Index) >= len(out) {
			return nil, mnemoserr.Errorf(mnemoserr.CodeEmbedProviderUnavailable,
				"openai: embedding index %d out of range", d.Index)
		}
		vec := make([]float32, len(d.Embedding))
		for i, v := range d.Embedding {
			vec[i] = float32(v)
		}
		out[d.Index] = vec
	}
	return out, nil
}
