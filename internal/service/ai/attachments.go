package ai

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"strings"

	"github.com/cloudwego/eino-ext/components/document/loader/file"
	"github.com/cloudwego/eino-ext/components/document/parser/pdf"
	"github.com/cloudwego/eino/components/document"
	"github.com/cloudwego/eino/components/document/parser"
	"github.com/cloudwego/eino/schema"

	"texchat/internal/models"
)

const (
	// per attachment, in runes
	maxAttachmentText = 8000
	maxImageBytes     = 5 << 20
)

// attachmentReader turns staged files into model input: text and PDF files
// are extracted and inlined, images are sent as data URIs.
type attachmentReader struct {
	loader *file.FileLoader
	// used for PDFs directly, since a staged name may lack the .pdf extension
	pdf parser.Parser
}

func newAttachmentReader(ctx context.Context) (*attachmentReader, error) {
	pdfParser, err := pdf.NewPDFParser(ctx, &pdf.Config{})
	if err != nil {
		return nil, fmt.Errorf("init pdf parser: %w", err)
	}
	parserExt, err := parser.NewExtParser(ctx, &parser.ExtParserConfig{
		Parsers: map[string]parser.Parser{
			".pdf": pdfParser,
		},
		FallbackParser: parser.TextParser{},
	})
	if err != nil {
		return nil, fmt.Errorf("init attachment parser: %w", err)
	}
	loader, err := file.NewFileLoader(ctx, &file.FileLoaderConfig{
		UseNameAsID: true,
		Parser:      parserExt,
	})
	if err != nil {
		return nil, fmt.Errorf("init attachment loader: %w", err)
	}
	return &attachmentReader{loader: loader, pdf: pdfParser}, nil
}

func (r *attachmentReader) userMessage(ctx context.Context, text string, atts []models.Attachment) (*schema.Message, error) {
	if len(atts) == 0 {
		return schema.UserMessage(text), nil
	}

	var (
		body   strings.Builder
		images []schema.ChatMessagePart
	)
	body.WriteString(text)
	for _, att := range atts {
		switch {
		case strings.HasPrefix(att.MimeType, "image/"):
			part, err := imagePart(att)
			if err != nil {
				return nil, err
			}
			images = append(images, part)
		case strings.HasPrefix(att.MimeType, "text/"), strings.HasPrefix(att.MimeType, "application/pdf"):
			content, err := r.readText(ctx, att)
			if err != nil {
				return nil, err
			}
			fmt.Fprintf(&body, "\n\n--- Attached file: %s ---\n%s", att.FileName, content)
		default:
			fmt.Fprintf(&body, "\n\n[Attached file %s (%s, %d bytes) could not be read as text]", att.FileName, att.MimeType, att.Size)
		}
	}

	if len(images) == 0 {
		return schema.UserMessage(body.String()), nil
	}
	parts := append([]schema.ChatMessagePart{{Type: schema.ChatMessagePartTypeText, Text: body.String()}}, images...)
	return &schema.Message{Role: schema.User, MultiContent: parts}, nil
}

func (r *attachmentReader) readText(ctx context.Context, att models.Attachment) (string, error) {
	docs, err := r.load(ctx, att)
	if err != nil {
		return "", fmt.Errorf("load attachment %s: %w", att.FileName, err)
	}
	var builder strings.Builder
	for _, doc := range docs {
		content := strings.TrimSpace(doc.Content)
		if content == "" {
			continue
		}
		builder.WriteString(content)
		builder.WriteString("\n\n")
	}
	text := strings.TrimSpace(builder.String())
	if runes := []rune(text); len(runes) > maxAttachmentText {
		text = string(runes[:maxAttachmentText]) + "\n[truncated]"
	}
	return text, nil
}

func (r *attachmentReader) load(ctx context.Context, att models.Attachment) ([]*schema.Document, error) {
	if !strings.HasPrefix(att.MimeType, "application/pdf") {
		return r.loader.Load(ctx, document.Source{URI: att.StoredPath})
	}
	f, err := os.Open(att.StoredPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return r.pdf.Parse(ctx, f, parser.WithURI(att.StoredPath))
}

func imagePart(att models.Attachment) (schema.ChatMessagePart, error) {
	if att.Size > maxImageBytes {
		return schema.ChatMessagePart{}, fmt.Errorf("image %s is larger than %d bytes", att.FileName, maxImageBytes)
	}
	data, err := os.ReadFile(att.StoredPath)
	if err != nil {
		return schema.ChatMessagePart{}, fmt.Errorf("read image %s: %w", att.FileName, err)
	}
	uri := "data:" + att.MimeType + ";base64," + base64.StdEncoding.EncodeToString(data)
	return schema.ChatMessagePart{
		Type: schema.ChatMessagePartTypeImageURL,
		ImageURL: &schema.ChatMessageImageURL{
			URL:      uri,
			MIMEType: att.MimeType,
		},
	}, nil
}
