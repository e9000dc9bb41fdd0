package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"texchat/internal/models"
)

const (
	SourceField     = "latexFile"
	SourceFileName  = "document.tex"
	MessageField    = "message"
	AttachmentField = "files"

	maxErrorBody       = 64 << 10
	defaultMaxDocument = 64 << 20
)

// ErrNoEndpoint is returned when the client was built without the URL a call needs.
var ErrNoEndpoint = errors.New("endpoint not configured")

// ChatRequest is one outgoing chat submission. History holds the transcript as
// it stood before Message was appended.
type ChatRequest struct {
	Message     string
	History     []models.Message
	Attachments []models.Attachment
}

type Options struct {
	ConvertURL       string
	ChatURL          string
	Timeout          time.Duration
	HTTPClient       *http.Client
	// upper bound on a document or reply body, 64 MiB when zero
	MaxDocumentBytes int64
	Logger           zerolog.Logger
}

// Client posts multipart forms to the conversion and chat endpoints.
type Client struct {
	http       *http.Client
	convertURL string
	chatURL    string
	maxDoc     int64
	log        zerolog.Logger
}

func NewClient(opts Options) *Client {
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: opts.Timeout}
	}
	maxDoc := opts.MaxDocumentBytes
	if maxDoc <= 0 {
		maxDoc = defaultMaxDocument
	}
	return &Client{
		http:       hc,
		convertURL: opts.ConvertURL,
		chatURL:    opts.ChatURL,
		maxDoc:     maxDoc,
		log:        opts.Logger,
	}
}

// Convert uploads source as document.tex and returns the produced document bytes.
func (c *Client) Convert(ctx context.Context, source string) Result[[]byte] {
	body := &bytes.Buffer{}
	form := multipart.NewWriter(body)
	part, err := form.CreatePart(fileHeader(SourceField, SourceFileName, "text/plain"))
	if err != nil {
		return FailErr[[]byte](err)
	}
	if _, err := io.WriteString(part, source); err != nil {
		return FailErr[[]byte](err)
	}
	if err := form.Close(); err != nil {
		return FailErr[[]byte](err)
	}

	resp, err := c.post(ctx, c.convertURL, form.FormDataContentType(), body)
	if err != nil {
		return FailErr[[]byte](err)
	}
	defer resp.Body.Close()

	if f := failureFrom(resp); f != nil {
		return Fail[[]byte](f)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, c.maxDoc+1))
	if err != nil {
		return FailErr[[]byte](fmt.Errorf("read document: %w", err))
	}
	if int64(len(data)) > c.maxDoc {
		return Fail[[]byte](&Failure{
			Status:  resp.StatusCode,
			Details: fmt.Sprintf("document is larger than %d bytes", c.maxDoc),
		})
	}
	if len(data) == 0 {
		return Fail[[]byte](&Failure{Status: resp.StatusCode, Details: "conversion returned an empty document"})
	}
	return Ok(data)
}

type chatReply struct {
	Reply *string `json:"reply"`
}

// Reply sends the message and attachments to the chat endpoint and returns the
// reply text. The endpoint keeps no transcript, so History is not sent.
func (c *Client) Reply(ctx context.Context, req ChatRequest) Result[string] {
	body := &bytes.Buffer{}
	form := multipart.NewWriter(body)
	if err := form.WriteField(MessageField, req.Message); err != nil {
		return FailErr[string](err)
	}
	for _, att := range req.Attachments {
		if err := writeAttachment(form, att); err != nil {
			return FailErr[string](err)
		}
	}
	if err := form.Close(); err != nil {
		return FailErr[string](err)
	}

	resp, err := c.post(ctx, c.chatURL, form.FormDataContentType(), body)
	if err != nil {
		return FailErr[string](err)
	}
	defer resp.Body.Close()

	if f := failureFrom(resp); f != nil {
		return Fail[string](f)
	}
	var out chatReply
	if err := json.NewDecoder(io.LimitReader(resp.Body, c.maxDoc)).Decode(&out); err != nil {
		return Fail[string](&Failure{Status: resp.StatusCode, Details: fmt.Sprintf("decode reply: %v", err)})
	}
	if out.Reply == nil {
		return Fail[string](&Failure{Status: resp.StatusCode, Details: "response has no reply field"})
	}
	return Ok(*out.Reply)
}

func (c *Client) post(ctx context.Context, url, contentType string, body io.Reader) (*http.Response, error) {
	if url == "" {
		return nil, ErrNoEndpoint
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", contentType)
	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.log.Warn().Err(err).Str("url", url).Msg("outbound request failed")
		return nil, err
	}
	c.log.Debug().Str("url", url).Int("status", resp.StatusCode).Dur("latency", time.Since(start)).Msg("outbound request")
	return resp, nil
}

func writeAttachment(form *multipart.Writer, att models.Attachment) error {
	f, err := os.Open(att.StoredPath)
	if err != nil {
		return fmt.Errorf("open attachment %s: %w", att.FileName, err)
	}
	defer f.Close()
	mimeType := att.MimeType
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	part, err := form.CreatePart(fileHeader(AttachmentField, att.FileName, mimeType))
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, f); err != nil {
		return fmt.Errorf("copy attachment %s: %w", att.FileName, err)
	}
	return nil
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func fileHeader(field, name, contentType string) textproto.MIMEHeader {
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"; filename="%s"`,
		quoteEscaper.Replace(field), quoteEscaper.Replace(name)))
	h.Set("Content-Type", contentType)
	return h
}

type failurePayload struct {
	Details json.RawMessage `json:"details"`
	Error   json.RawMessage `json:"error"`
	Message json.RawMessage `json:"message"`
	Stdout  string          `json:"stdout"`
	Stderr  string          `json:"stderr"`
}

// failureFrom returns nil for 2xx responses. Otherwise it extracts the server
// detail, preferring details, then error, then message, then the raw body.
func failureFrom(resp *http.Response) *Failure {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	f := &Failure{Status: resp.StatusCode}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	var payload failurePayload
	if err := json.Unmarshal(raw, &payload); err == nil {
		f.Stdout = payload.Stdout
		f.Stderr = payload.Stderr
		for _, field := range []json.RawMessage{payload.Details, payload.Error, payload.Message} {
			if s := rawText(field); s != "" {
				f.Details = s
				break
			}
		}
	}
	if f.Details == "" {
		if text := strings.TrimSpace(string(raw)); text != "" && !looksLikeJSON(text) {
			f.Details = text
		}
	}
	if f.Details == "" {
		f.Details = fmt.Sprintf("request failed with status code %d", resp.StatusCode)
	}
	return f
}

// rawText renders a JSON value as text: strings are unquoted, anything else
// is kept as compact JSON.
func rawText(v json.RawMessage) string {
	if len(v) == 0 || string(v) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(v, &s); err == nil {
		return strings.TrimSpace(s)
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, v); err != nil {
		return string(v)
	}
	return buf.String()
}

func looksLikeJSON(s string) bool {
	return strings.HasPrefix(s, "{") || strings.HasPrefix(s, "[")
}
