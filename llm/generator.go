package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/sashabaranov/go-openai"
)

// Generator turns a spoken prompt into Mermaid diagram text. When
// previousDiagram is non-empty the provider is asked to extend that
// diagram rather than start over.
type Generator interface {
	Generate(
		ctx context.Context,
		prompt string,
		previousDiagram string,
	) (string, error)
}

const diagramSystemPrompt = `You convert spoken descriptions into Mermaid.js diagrams.
Respond with Mermaid code only: no code fences, no explanations, no text around the diagram.
Before answering, check that the code you return is syntactically valid Mermaid.
When the user supplies a current diagram, extend or revise that diagram instead of starting a new one.`

type OpenAIGenerator struct {
	client *openai.Client
	model  string
	logger *log.Logger
}

func NewOpenAIGenerator(
	apiKey string,
	model string,
	logger *log.Logger,
) *OpenAIGenerator {
	if model == "" {
		model = openai.GPT4oMini
	}
	return &OpenAIGenerator{
		client: openai.NewClient(apiKey),
		model:  model,
		logger: logger,
	}
}

func (g *OpenAIGenerator) Generate(
	ctx context.Context,
	prompt string,
	previousDiagram string,
) (string, error) {
	resp, err := g.client.CreateChatCompletion(
		ctx,
		openai.ChatCompletionRequest{
			Model:    g.model,
			Messages: buildMessages(prompt, previousDiagram),
		},
	)
	if err != nil {
		return "", fmt.Errorf("OpenAI API error: %w", err)
	}

	if len(resp.Choices) == 0 {
		return "", errors.New("completion returned no choices")
	}

	diagram := strings.TrimSpace(resp.Choices[0].Message.Content)
	if diagram == "" {
		return "", errors.New("completion returned empty diagram")
	}

	g.logger.Info("drew", "model", g.model, "chars", len(diagram))

	return diagram, nil
}

func buildMessages(
	prompt string,
	previousDiagram string,
) []openai.ChatCompletionMessage {
	messages := []openai.ChatCompletionMessage{
		{
			Role:    openai.ChatMessageRoleSystem,
			Content: diagramSystemPrompt,
		},
	}

	if previousDiagram != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleUser,
			Content: "Current diagram:\n" + previousDiagram,
		})
	}

	return append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: prompt,
	})
}
