// Package ai answers chat messages by calling a language model directly
// through eino, as an alternative to the remote chat endpoint.
package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/cloudwego/eino-ext/components/model/claude"
	"github.com/cloudwego/eino-ext/components/model/gemini"
	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/flow/agent/react"
	"github.com/cloudwego/eino/schema"
	"github.com/rs/zerolog"
	"google.golang.org/genai"

	"texchat/internal/config"
	"texchat/internal/gateway"
	"texchat/internal/models"
)

const defaultSystemPrompt = "You are a helpful assistant for writing LaTeX documents. " +
	"When you show LaTeX or code, put it in fenced code blocks with a language tag."

type Options struct {
	Provider     string
	Config       config.ProviderConfig
	SystemPrompt string
	WebSearch    bool
	Logger       zerolog.Logger
}

// newChatModel builds the provider client. Tests replace it.
var newChatModel = func(ctx context.Context, provider string, cfg config.ProviderConfig) (model.ToolCallingChatModel, error) {
	switch provider {
	case "openai":
		return openai.NewChatModel(ctx, &openai.ChatModelConfig{
			BaseURL: cfg.BaseURL,
			Model:   cfg.Model,
			APIKey:  cfg.APIKey,
		})
	case "gemini":
		client, err := genai.NewClient(ctx, &genai.ClientConfig{
			APIKey: cfg.APIKey,
		})
		if err != nil {
			return nil, fmt.Errorf("create gemini client: %w", err)
		}
		return gemini.NewChatModel(ctx, &gemini.Config{
			Client: client,
			Model:  cfg.Model,
		})
	case "claude":
		var baseURL *string
		if cfg.BaseURL != "" {
			baseURL = &cfg.BaseURL
		}
		return claude.NewChatModel(ctx, &claude.Config{
			APIKey:    cfg.APIKey,
			Model:     cfg.Model,
			BaseURL:   baseURL,
			MaxTokens: 3000,
		})
	default:
		return nil, fmt.Errorf("invalid provider: %s", provider)
	}
}

// Service implements the workspace Replier on top of a chat model, optionally
// wrapped in a react agent that can search the web.
type Service struct {
	chatModel    model.ToolCallingChatModel
	agent        *react.Agent
	reader       *attachmentReader
	systemPrompt string
	log          zerolog.Logger
}

func NewService(ctx context.Context, opts Options) (*Service, error) {
	chatModel, err := newChatModel(ctx, opts.Provider, opts.Config)
	if err != nil {
		return nil, fmt.Errorf("start %s model: %w", opts.Provider, err)
	}
	reader, err := newAttachmentReader(ctx)
	if err != nil {
		return nil, err
	}

	s := &Service{
		chatModel:    chatModel,
		reader:       reader,
		systemPrompt: opts.SystemPrompt,
		log:          opts.Logger,
	}
	if s.systemPrompt == "" {
		s.systemPrompt = defaultSystemPrompt
	}

	if opts.WebSearch {
		var tools []tool.BaseTool
		if ws := initWebSearch(ctx, opts.Logger); ws != nil {
			tools = append(tools, ws)
		}
		if len(tools) > 0 {
			s.agent, err = react.NewAgent(ctx, &react.AgentConfig{
				ToolCallingModel: chatModel,
				ToolsConfig: compose.ToolsNodeConfig{
					Tools: tools,
				},
			})
			if err != nil {
				return nil, fmt.Errorf("init react agent: %w", err)
			}
		}
	}
	return s, nil
}

// Reply sends the transcript so far plus the new message to the model.
func (s *Service) Reply(ctx context.Context, req gateway.ChatRequest) gateway.Result[string] {
	input, err := s.buildMessages(ctx, req)
	if err != nil {
		return gateway.FailErr[string](err)
	}

	var out *schema.Message
	if s.agent != nil {
		out, err = s.agent.Generate(ctx, input)
	} else {
		out, err = s.chatModel.Generate(ctx, input)
	}
	if err != nil {
		s.log.Warn().Err(err).Msg("model call failed")
		return gateway.FailErr[string](fmt.Errorf("generate reply: %w", err))
	}
	if out == nil || strings.TrimSpace(out.Content) == "" {
		return gateway.FailErr[string](errors.New("model returned an empty reply"))
	}
	return gateway.Ok(out.Content)
}

func (s *Service) buildMessages(ctx context.Context, req gateway.ChatRequest) ([]*schema.Message, error) {
	messages := make([]*schema.Message, 0, len(req.History)+2)
	messages = append(messages, schema.SystemMessage(s.systemPrompt))
	for _, msg := range req.History {
		switch msg.Role {
		case models.RoleAssistant:
			messages = append(messages, schema.AssistantMessage(msg.Content, nil))
		default:
			messages = append(messages, schema.UserMessage(msg.Content))
		}
	}
	user, err := s.reader.userMessage(ctx, req.Message, req.Attachments)
	if err != nil {
		return nil, err
	}
	return append(messages, user), nil
}
