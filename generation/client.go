package generation

import (
	"context"
)

// File is a stored file handed to the model alongside the prompts.
type File struct {
	URL      string `json:"url"`
	Name     string `json:"name"`
	MimeType string `json:"mimeType"`
}

// Request is the body of one generation call.
type Request struct {
	SystemPrompt    string `json:"systemPrompt"`
	UserPrompt      string `json:"userPrompt"`
	Model           string `json:"model"`
	Files           []File `json:"files,omitempty"`
	SearchGrounding bool   `json:"searchGrounding,omitempty"`
	MapsGrounding   bool   `json:"mapsGrounding,omitempty"`

	// NodeID identifies the calling node for logs and metrics. Not sent.
	NodeID string `json:"-"`
}

// Client performs generation calls. Implementations return the model's text
// on success and a *types.Error for upstream failures.
type Client interface {
	Generate(ctx context.Context, req *Request) (string, error)
}

// ClientFunc adapts a function to Client.
type ClientFunc func(ctx context.Context, req *Request) (string, error)

// Generate calls f.
func (f ClientFunc) Generate(ctx context.Context, req *Request) (string, error) {
	return f(ctx, req)
}
