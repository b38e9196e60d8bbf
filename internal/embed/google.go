// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Mnemos Contributors

package embed

import (
	"context"

	"google.golang.org/genai"

	"github.com/mnemos-ai/mnemos/internal/config"
	mnemoserr "github.com/mnemos-ai/mnemos/pkg/errors"
)

func init() {
	RegisterProvider("google", func(cfg config.EmbeddingConfig, dimensions int) (Provider, error) {
		return NewGoogleProvider(cfg, dimensions)
	})
}

// GoogleProvider embeds text via the Gemini embedding API.
type GoogleProvider struct {
	client     *genai.Client
	model      string
	dimensions int
}

// NewGoogleProvider creates a Gemini embedding provider. Returns an error
// if the API key is missing.
func NewGoogleProvider(cfg config.EmbeddingConfig, dimensions int) (*GoogleProvider, error) {
	if cfg.APIKey == "" {
		return nil, mnemoserr.New(mnemoserr.CodeEmbedProviderInvalid,
			"google: missing api_key in config", mnemoserr.FieldProvider("google"))
	}

	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, mnemoserr.Wrapf(err, mnemoserr.CodeEmbedProviderInvalid, "google: creating client")
	}

	model := cfg.Model
	if model == "" {
		model = "gemini-embedding-001"
	}

	return &GoogleProvider{
		client:     client,
		model:      model,
		dimensions: dimensions,
	}, nil
}

var _ Provider = (*GoogleProvider)(nil)

func (p *GoogleProvider) Name() string    { return "google" }
func (p *GoogleProvider) Dimensions() int { return p.dimensions }

func (p *GoogleProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	contents := make([]*genai.Content, len(texts))
	for i, text := range texts {
		contents[i] = genai.NewContentFromText(text, genai.RoleUser)
	}

	dims := int32(p.dimensions)
	resp, err := p.client.Models.EmbedContent(ctx, p.model, contents, &genai.EmbedContentConfig{
		OutputDimensionality: &dims,
	})
	if err != nil {
		return nil, mnemoserr.Wrapf(err, mnemoserr.CodeEmbedProviderUnavailable,
			"google: embedding %d texts", len(texts))
	}
	if len(resp.Embeddings) != len(texts) {
		return nil, mnemoserr.Errorf(mnemoserr.CodeEmbedProviderUnavailable,
			"google: got %d embeddings for %d texts", len(resp.Embeddings), len(texts))
	}

	out := make([][]float32, len(texts))
	for i, emb := range resp.Embeddings {
		out[i] = emb.Values
	}
	return out, nil
}
