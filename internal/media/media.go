// Package media turns non-text inbound messages (voice notes, images,
// PDF documents) into text the AI engine can reason about.
package media

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/agentic-mx/agentic/pkg/models"
)

// maxPDFChars bounds extracted document text before it is handed to
// the model.
const maxPDFChars = 3000

// maxDownloadBytes bounds how much media is pulled from the transport.
const maxDownloadBytes = 25 << 20

// Transcriber converts audio bytes to text.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte, filename string) (string, error)
}

// VisionDescriber produces a text description of an image.
type VisionDescriber interface {
	Describe(ctx context.Context, imageURL string) (string, error)
}

// PDFExtractor pulls plain text out of a PDF document.
type PDFExtractor interface {
	Extract(content []byte) (string, error)
}

// Preprocessor resolves a message's media into a text representation.
// Failures degrade to a typed placeholder instead of erroring: a voice
// note that cannot be transcribed still reaches the model as context.
type Preprocessor struct {
	transcriber Transcriber
	vision      VisionDescriber
	pdf         PDFExtractor
	httpClient  *http.Client
	log         *slog.Logger
}

// PreprocessorOption configures a Preprocessor.
type PreprocessorOption func(*Preprocessor)

// WithPreprocessorLogger sets the logger.
func WithPreprocessorLogger(log *slog.Logger) PreprocessorOption {
	return func(p *Preprocessor) { p.log = log }
}

// WithHTTPClient overrides the download client.
func WithHTTPClient(client *http.Client) PreprocessorOption {
	return func(p *Preprocessor) { p.httpClient = client }
}

// NewPreprocessor wires the media handlers. Any of them may be nil,
// disabling that media type.
func NewPreprocessor(transcriber Transcriber, vision VisionDescriber, pdf PDFExtractor, opts ...PreprocessorOption) *Preprocessor {
	p := &Preprocessor{
		transcriber: transcriber,
		vision:      vision,
		pdf:         pdf,
		httpClient:  &http.Client{Timeout: 60 * time.Second},
		log:         slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Resolve returns the text representation of msg. Text messages pass
// through unchanged.
func (p *Preprocessor) Resolve(ctx context.Context, msg *models.Message) string {
	switch msg.Type {
	case models.MessageAudio:
		return p.resolveAudio(ctx, msg)
	case models.MessageImage:
		return p.resolveImage(ctx, msg)
	case models.MessageDocument:
		return p.resolveDocument(ctx, msg)
	default:
		return msg.Content
	}
}

func (p *Preprocessor) resolveAudio(ctx context.Context, msg *models.Message) string {
	if p.transcriber == nil || msg.MediaURL == "" {
		return "[Audio message]"
	}
	audio, err := p.download(ctx, msg.MediaURL)
	if err != nil {
		p.log.Warn("audio download failed", "message_id", msg.ID, "error", err)
		return "[Audio message: could not be transcribed]"
	}
	text, err := p.transcriber.Transcribe(ctx, audio, "audio.ogg")
	if err != nil {
		p.log.Warn("transcription failed", "message_id", msg.ID, "error", err)
		return "[Audio message: could not be transcribed]"
	}
	return fmt.Sprintf("[Audio transcription]: %s", text)
}

func (p *Preprocessor) resolveImage(ctx context.Context, msg *models.Message) string {
	caption := strings.TrimSpace(msg.Content)
	if p.vision == nil || msg.MediaURL == "" {
		if caption != "" {
			return fmt.Sprintf("[Image with caption]: %s", caption)
		}
		return "[Image message]"
	}
	desc, err := p.vision.Describe(ctx, msg.MediaURL)
	if err != nil {
		p.log.Warn("image description failed", "message_id", msg.ID, "error", err)
		if caption != "" {
			return fmt.Sprintf("[Image with caption]: %s", caption)
		}
		return "[Image message]"
	}
	if caption != "" {
		return fmt.Sprintf("[Image description]: %s Caption: %s", desc, caption)
	}
	return fmt.Sprintf("[Image description]: %s", desc)
}

func (p *Preprocessor) resolveDocument(ctx context.Context, msg *models.Message) string {
	if p.pdf == nil || msg.MediaURL == "" || !isPDF(msg.MediaURL) {
		return "[Document message]"
	}
	content, err := p.download(ctx, msg.MediaURL)
	if err != nil {
		p.log.Warn("document download failed", "message_id", msg.ID, "error", err)
		return "[Document message: could not be read]"
	}
	text, err := p.pdf.Extract(content)
	if err != nil {
		p.log.Warn("pdf extraction failed", "message_id", msg.ID, "error", err)
		return "[Document message: could not be read]"
	}
	text = truncateRunes(strings.TrimSpace(text), maxPDFChars)
	return fmt.Sprintf("[PDF content]: %s", text)
}

func isPDF(url string) bool {
	if i := strings.IndexAny(url, "?#"); i >= 0 {
		url = url[:i]
	}
	return strings.HasSuffix(strings.ToLower(url), ".pdf")
}

// truncateRunes cuts on a rune boundary so a multibyte character is
// never split.
func truncateRunes(text string, max int) string {
	if len(text) <= max {
		return text
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return text[:cut] + "…"
}

func (p *Preprocessor) download(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download %s: status %d", url, resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxDownloadBytes))
}
