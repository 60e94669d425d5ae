package ai

import "context"

type Message struct {
	Role    string
	Content string
	// ImageURLs are attached to the message for vision models.
	ImageURLs []string
}

// Provider is a chat model, used here to describe the uploaded photo.
type Provider interface {
	Chat(ctx context.Context, messages []Message) (string, error)
}

// ImageProvider renders an image from a text prompt and returns its URL.
type ImageProvider interface {
	GenerateImage(ctx context.Context, prompt string) (string, error)
}
