package media

import (
	"bytes"
	"context"
	"fmt"

	openai "github.com/sashabaranov/go-openai"
)

// visionPrompt asks for a short description usable as chat context.
const visionPrompt = "Describe this image briefly and factually, in the language a customer support agent would use as context."

// OpenAIMedia implements Transcriber and VisionDescriber through the
// OpenAI API: Whisper for audio, a vision-capable chat model for
// images.
type OpenAIMedia struct {
	client      *openai.Client
	visionModel string
}

// NewOpenAIMedia creates an OpenAI-backed media handler. visionModel
// defaults to gpt-4o-mini when empty.
func NewOpenAIMedia(apiKey, visionModel string) *OpenAIMedia {
	if visionModel == "" {
		visionModel = "gpt-4o-mini"
	}
	return &OpenAIMedia{
		client:      openai.NewClient(apiKey),
		visionModel: visionModel,
	}
}

// Transcribe implements Transcriber with Whisper.
func (m *OpenAIMedia) Transcribe(ctx context.Context, audio []byte, filename string) (string, error) {
	resp, err := m.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    openai.Whisper1,
		FilePath: filename,
		Reader:   bytes.NewReader(audio),
	})
	if err != nil {
		return "", fmt.Errorf("whisper transcription: %w", err)
	}
	return resp.Text, nil
}

// Describe implements VisionDescriber with a multimodal chat call.
func (m *OpenAIMedia) Describe(ctx context.Context, imageURL string) (string, error) {
	resp, err := m.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: m.visionModel,
		Messages: []openai.ChatCompletionMessage{{
			Role: openai.ChatMessageRoleUser,
			MultiContent: []openai.ChatMessagePart{
				{Type: openai.ChatMessagePartTypeText, Text: visionPrompt},
				{Type: openai.ChatMessagePartTypeImageURL, ImageURL: &openai.ChatMessageImageURL{URL: imageURL}},
			},
		}},
		MaxTokens: 300,
	})
	if err != nil {
		return "", fmt.Errorf("vision description: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("vision description: empty response")
	}
	return resp.Choices[0].Message.Content, nil
}
