package ai

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ErrInvalidOutput is returned when a model answers but the answer is unusable.
var ErrInvalidOutput = errors.New("invalid generation output")

type GenerationRequest struct {
	InputURL   string
	Prompt     string
	Style      string
	Difficulty string
}

type GenerationResult struct {
	OutputURL   string
	Description string
}

// ColoringGenerator turns a photo into a coloring page in two calls: a vision
// model describes the photo, then an image model draws line art from that
// description.
type ColoringGenerator struct {
	registry *Registry
	vision   string
	images   ImageProvider
}

func NewColoringGenerator(registry *Registry, visionProvider string, images ImageProvider) *ColoringGenerator {
	return &ColoringGenerator{registry: registry, vision: visionProvider, images: images}
}

const describeInstruction = "Describe the main subjects of this photo for an illustrator: " +
	"shapes, poses, and background elements. Plain prose, at most 120 words, no colors."

func (g *ColoringGenerator) Generate(ctx context.Context, req GenerationRequest) (GenerationResult, error) {
	if _, err := url.ParseRequestURI(req.InputURL); err != nil {
		return GenerationResult{}, fmt.Errorf("%w: bad input url", ErrInvalidOutput)
	}

	describer, err := g.registry.Get(ctx, g.vision, "")
	if err != nil {
		return GenerationResult{}, err
	}
	desc, err := describer.Chat(ctx, []Message{{
		Role:      "user",
		Content:   describeInstruction,
		ImageURLs: []string{req.InputURL},
	}})
	if err != nil {
		return GenerationResult{}, fmt.Errorf("describe photo: %w", err)
	}
	desc = strings.TrimSpace(desc)
	if desc == "" {
		return GenerationResult{}, fmt.Errorf("%w: empty description", ErrInvalidOutput)
	}

	out, err := g.images.GenerateImage(ctx, ColoringPrompt(desc, req))
	if err != nil {
		return GenerationResult{}, fmt.Errorf("render page: %w", err)
	}
	if u, err := url.ParseRequestURI(out); err != nil || (u.Scheme != "https" && u.Scheme != "http") {
		return GenerationResult{}, fmt.Errorf("%w: image url %q", ErrInvalidOutput, out)
	}
	return GenerationResult{OutputURL: out, Description: desc}, nil
}

func difficultyHint(d string) string {
	switch strings.ToLower(d) {
	case "easy":
		return "very thick outlines, large simple shapes, minimal detail, suitable for young children"
	case "hard":
		return "fine outlines, intricate patterns and detailed textures for adults"
	default:
		return "clear medium outlines with a moderate amount of detail"
	}
}

// ColoringPrompt builds the image prompt. The user's own prompt, if any, is
// appended as extra guidance.
func ColoringPrompt(description string, req GenerationRequest) string {
	style := strings.TrimSpace(req.Style)
	if style == "" {
		style = "classic"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Black and white coloring book page in a %s style. ", style)
	b.WriteString("Pure white background, black line art only, no shading, no gray fills, no text. ")
	fmt.Fprintf(&b, "Line work: %s. ", difficultyHint(req.Difficulty))
	fmt.Fprintf(&b, "Scene: %s", description)
	if p := strings.TrimSpace(req.Prompt); p != "" {
		fmt.Fprintf(&b, " Additional guidance: %s", p)
	}
	return b.String()
}
