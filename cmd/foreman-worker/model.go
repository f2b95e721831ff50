package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/mattjoyce/foreman/internal/protocol"
)

// Turn is one structured reply from the model.
type Turn struct {
	Files    []FileEdit `json:"files"`
	Question string     `json:"question,omitempty"`
	Done     bool       `json:"done"`
	Summary  string     `json:"summary,omitempty"`
}

// FileEdit replaces the whole content of a project-relative path.
type FileEdit struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

type Message struct {
	Role    string
	Content string
}

// Model produces the next turn of the conversation.
type Model interface {
	Next(ctx context.Context, history []Message) (Turn, error)
}

const systemPrompt = `You are a coding worker operating on one project checkout.
Reply with a single JSON object:
{"files":[{"path":"relative/path","content":"full new content"}],"question":"","done":false,"summary":""}
Only write paths inside the granted write scope. Ask a question instead of guessing
when the task is ambiguous. Set done to true with a short summary once the task is complete.`

type chatModel struct {
	client *openai.Client
	model  string
}

func newChatModel(ep *protocol.EndpointRef, apiKey string) *chatModel {
	cfg := openai.DefaultConfig(apiKey)
	cfg.BaseURL = strings.TrimSuffix(ep.Address, "/")
	if ep.Backend == "ollama" && !strings.HasSuffix(cfg.BaseURL, "/v1") {
		cfg.BaseURL += "/v1"
	}
	return &chatModel{client: openai.NewClientWithConfig(cfg), model: ep.Model}
}

func (m *chatModel) Next(ctx context.Context, history []Message) (Turn, error) {
	msgs := make([]openai.ChatCompletionMessage, 0, len(history)+1)
	msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: systemPrompt})
	for _, h := range history {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: h.Role, Content: h.Content})
	}
	resp, err := m.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:          m.model,
		Messages:       msgs,
		ResponseFormat: &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject},
	})
	if err != nil {
		return Turn{}, fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return Turn{}, errors.New("model returned no choices")
	}
	return parseTurn(resp.Choices[0].Message.Content)
}

// parseTurn tolerates prose around the JSON object.
func parseTurn(content string) (Turn, error) {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end < start {
		return Turn{}, fmt.Errorf("reply has no JSON object")
	}
	var t Turn
	if err := json.Unmarshal([]byte(content[start:end+1]), &t); err != nil {
		return Turn{}, fmt.Errorf("decode reply: %w", err)
	}
	return t, nil
}
