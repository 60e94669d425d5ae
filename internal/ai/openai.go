package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// OpenAIProvider talks to any OpenAI-compatible API (OpenAI, OpenRouter).
// It serves both the vision chat and the image rendering step.
type OpenAIProvider struct {
	BaseURL    string
	APIKey     string
	Model      string // chat / vision model
	ImageModel string
	ImageSize  string
	Client     *http.Client
}

func NewOpenAIProvider(baseURL, apiKey, model, imageModel string) *OpenAIProvider {
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	return &OpenAIProvider{
		BaseURL:    baseURL,
		APIKey:     apiKey,
		Model:      model,
		ImageModel: imageModel,
		ImageSize:  "1024x1024",
		Client:     &http.Client{Timeout: 90 * time.Second},
	}
}

type openAIContentPart struct {
	Type     string          `json:"type"`
	Text     string          `json:"text,omitempty"`
	ImageURL *openAIImageURL `json:"image_url,omitempty"`
}

type openAIImageURL struct {
	URL string `json:"url"`
}

type openAIMsg struct {
	Role string `json:"role"`
	// string for text-only messages, []openAIContentPart when images are attached
	Content any `json:"content"`
}

type openAIChatReq struct {
	Model    string      `json:"model"`
	Messages []openAIMsg `json:"messages"`
}

type openAIErr struct {
	Message string `json:"message"`
}

type openAIChatResp struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *openAIErr `json:"error,omitempty"`
}

type openAIImageReq struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	N      int    `json:"n"`
	Size   string `json:"size"`
}

type openAIImageResp struct {
	Data []struct {
		URL string `json:"url"`
	} `json:"data"`
	Error *openAIErr `json:"error,omitempty"`
}

func (p *OpenAIProvider) check(model string) error {
	if p.Client == nil {
		return errors.New("openai: http client is nil")
	}
	if strings.TrimSpace(p.APIKey) == "" {
		return errors.New("openai: api key is required")
	}
	if strings.TrimSpace(model) == "" {
		return errors.New("openai: model is required")
	}
	return nil
}

func toOpenAIMsgs(messages []Message) []openAIMsg {
	out := make([]openAIMsg, 0, len(messages))
	for _, m := range messages {
		if len(m.ImageURLs) == 0 {
			out = append(out, openAIMsg{Role: m.Role, Content: m.Content})
			continue
		}
		parts := []openAIContentPart{{Type: "text", Text: m.Content}}
		for _, u := range m.ImageURLs {
			parts = append(parts, openAIContentPart{Type: "image_url", ImageURL: &openAIImageURL{URL: u}})
		}
		out = append(out, openAIMsg{Role: m.Role, Content: parts})
	}
	return out
}

func (p *OpenAIProvider) Chat(ctx context.Context, messages []Message) (string, error) {
	if err := p.check(p.Model); err != nil {
		return "", err
	}

	var decoded openAIChatResp
	if err := p.post(ctx, "/chat/completions", openAIChatReq{
		Model:    strings.TrimSpace(p.Model),
		Messages: toOpenAIMsgs(messages),
	}, &decoded); err != nil {
		return "", err
	}
	if decoded.Error != nil && decoded.Error.Message != "" {
		return "", errors.New(decoded.Error.Message)
	}
	if len(decoded.Choices) == 0 {
		return "", errors.New("openai: empty response")
	}
	return decoded.Choices[0].Message.Content, nil
}

func (p *OpenAIProvider) GenerateImage(ctx context.Context, prompt string) (string, error) {
	if err := p.check(p.ImageModel); err != nil {
		return "", err
	}

	var decoded openAIImageResp
	if err := p.post(ctx, "/images/generations", openAIImageReq{
		Model:  strings.TrimSpace(p.ImageModel),
		Prompt: prompt,
		N:      1,
		Size:   p.ImageSize,
	}, &decoded); err != nil {
		return "", err
	}
	if decoded.Error != nil && decoded.Error.Message != "" {
		return "", errors.New(decoded.Error.Message)
	}
	if len(decoded.Data) == 0 || decoded.Data[0].URL == "" {
		return "", errors.New("openai: no image returned")
	}
	return decoded.Data[0].URL, nil
}

func (p *OpenAIProvider) post(ctx context.Context, path string, body any, out any) error {
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}

	url := strings.TrimRight(p.BaseURL, "/") + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.APIKey)

	resp, err := p.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4*1024))
		text := strings.TrimSpace(string(msg))
		if text == "" {
			text = fmt.Sprintf("status %d", resp.StatusCode)
		}
		return fmt.Errorf("openai: %s", text)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
