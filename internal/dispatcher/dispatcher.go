package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/astakh/prosto-bots/internal/models"
	"github.com/astakh/prosto-bots/internal/storage"
)

const (
	// ActionNotify is the one reserved action name: its value is
	// forwarded to the bot owner through the notification outbox.
	// Any other action name is persisted untouched.
	ActionNotify = "notify"

	// StatusProcessed is the default turn status when the model does
	// not set one explicitly.
	StatusProcessed = "processed"

	// StatusNeedsManual marks the fallback returned when the model
	// failed to produce valid structured output within the retry
	// budget. The fallback is a valid terminal outcome, not an error.
	StatusNeedsManual = "needs manual handling"

	// FallbackText is the canned reply sent when both attempts fail.
	FallbackText = "We will get back to you shortly."

	maxAttempts = 2
)

// Completer is the slice of the OpenAI-compatible client the
// dispatcher calls. *openai.Client satisfies it.
type Completer interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// NewDeepSeekClient builds an OpenAI-protocol client pointed at the
// DeepSeek endpoint.
func NewDeepSeekClient(apiKey, baseURL string) *openai.Client {
	cfg := openai.DefaultConfig(apiKey)
	cfg.BaseURL = baseURL
	return openai.NewClientWithConfig(cfg)
}

// Dispatcher turns one inbound message into a validated structured
// response with its side effects applied exactly once.
type Dispatcher struct {
	storage     storage.Storage
	llm         Completer
	model       string
	temperature float32
	timeout     time.Duration
	logger      *zap.Logger
}

func New(store storage.Storage, llm Completer, model string, temperature float64, timeout time.Duration, logger *zap.Logger) *Dispatcher {
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	return &Dispatcher{
		storage:     store,
		llm:         llm,
		model:       model,
		temperature: float32(temperature),
		timeout:     timeout,
		logger:      logger,
	}
}

// HandleMessage runs the full turn: load config, replay history, call
// the model within the retry budget, apply the reserved action, and
// persist the exchange. Failures before the model call surface to the
// caller; model failures collapse into the fallback response.
func (d *Dispatcher) HandleMessage(ctx context.Context, botID, userID int64, text string, isTest bool) (models.StructuredResponse, error) {
	bot, err := d.storage.GetBot(ctx, botID, userID)
	if err != nil {
		return models.StructuredResponse{}, err
	}
	owner, err := d.storage.GetUserByID(ctx, userID)
	if err != nil {
		return models.StructuredResponse{}, err
	}

	turns, err := d.storage.ListTurns(ctx, botID, isTest)
	if err != nil {
		return models.StructuredResponse{}, err
	}

	messages := d.buildHistory(bot, turns, text)
	response := d.complete(ctx, botID, messages)

	// Side effects only for responses that passed validation: the
	// fallback carries no actions by construction.
	for _, action := range response.Actions {
		if action.Action != ActionNotify {
			continue
		}
		if err := d.storage.EnqueueNotification(ctx, owner.TelegramID, action.Value); err != nil {
			d.logger.Error("Failed to enqueue notify action",
				zap.Error(err),
				zap.Int64("bot_id", botID))
		} else {
			d.logger.Info("Notification action executed",
				zap.Int64("bot_id", botID),
				zap.String("value", action.Value))
		}
	}

	serialized, err := json.Marshal(response)
	if err != nil {
		return models.StructuredResponse{}, fmt.Errorf("error serializing response: %v", err)
	}
	status := response.Status
	if status == "" {
		status = StatusProcessed
	}
	msg := &models.Message{
		BotID:     &botID,
		Text:      text,
		Response:  string(serialized),
		Status:    status,
		IsTest:    isTest,
		Timestamp: time.Now(),
	}
	if err := d.storage.SaveMessage(ctx, msg); err != nil {
		return models.StructuredResponse{}, err
	}

	return response, nil
}

// buildHistory reconstructs the conversation as alternating user and
// assistant turns. A stored assistant reply that no longer parses as
// structured output is replayed verbatim: the history must stay
// complete even when a past response was malformed.
func (d *Dispatcher) buildHistory(bot *models.Bot, turns []*models.Message, inbound string) []openai.ChatCompletionMessage {
	messages := []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: compilePrompt(bot)},
	}
	for _, turn := range turns {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleUser,
			Content: turn.Text,
		})
		if turn.Response == "" {
			continue
		}
		content := turn.Response
		if parsed, err := models.ParseStructuredResponse(turn.Response); err == nil {
			if normalized, err := json.Marshal(parsed); err == nil {
				content = string(normalized)
			}
		}
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleAssistant,
			Content: content,
		})
	}
	return append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: inbound,
	})
}

// complete calls the model within the attempt budget and returns either
// a validated response or the fixed fallback. Never returns an error:
// a misbehaving model must not break the conversation.
func (d *Dispatcher) complete(ctx context.Context, botID int64, messages []openai.ChatCompletionMessage) models.StructuredResponse {
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, d.timeout)
		resp, err := d.llm.CreateChatCompletion(callCtx, openai.ChatCompletionRequest{
			Model:       d.model,
			Messages:    messages,
			Temperature: d.temperature,
			ResponseFormat: &openai.ChatCompletionResponseFormat{
				Type: openai.ChatCompletionResponseFormatTypeJSONObject,
			},
		})
		cancel()
		if err != nil {
			d.logger.Warn("Model call failed",
				zap.Error(err),
				zap.Int64("bot_id", botID),
				zap.Int("attempt", attempt))
			continue
		}
		if len(resp.Choices) == 0 {
			d.logger.Warn("Model returned no choices",
				zap.Int64("bot_id", botID),
				zap.Int("attempt", attempt))
			continue
		}
		raw := strings.TrimSpace(resp.Choices[0].Message.Content)
		parsed, err := models.ParseStructuredResponse(raw)
		if err != nil {
			d.logger.Warn("Model response failed validation",
				zap.Error(err),
				zap.Int64("bot_id", botID),
				zap.Int("attempt", attempt),
				zap.String("raw", raw))
			continue
		}
		if parsed.Actions == nil {
			parsed.Actions = []models.ActionCall{}
		}
		if parsed.Parameters == nil {
			parsed.Parameters = []models.ParameterValue{}
		}
		return parsed
	}

	d.logger.Warn("All model attempts failed, returning fallback",
		zap.Int64("bot_id", botID))
	return Fallback()
}

// Fallback is the fixed terminal response used when the model never
// produced acceptable output.
func Fallback() models.StructuredResponse {
	return models.StructuredResponse{
		Response:   FallbackText,
		Actions:    []models.ActionCall{},
		Parameters: []models.ParameterValue{},
		Status:     StatusNeedsManual,
	}
}

// compilePrompt concatenates the bot template with the generated
// parameter and action sections and the fixed output-shape instruction.
func compilePrompt(bot *models.Bot) string {
	var parameters, actions strings.Builder
	for _, p := range bot.Parameters {
		fmt.Fprintf(&parameters, "[%s] [%s]\n", p.Name, p.Description)
	}
	for _, a := range bot.Actions {
		fmt.Fprintf(&actions, "[%s] [%s]\n", a.Name, a.Description)
	}

	return fmt.Sprintf(`%s

During the dialogue you must collect the following data (parameter list):
%s
Update and extend the collected data in every reply.

During the dialogue you must perform actions with each of your replies, whenever appropriate at the current stage:
%s
Answer with a JSON object of exactly this structure:
{
  "response": "string (your reply to the user)",
  "actions": [{"action": "string (an action name from your action list)", "value": "string (action parameters)"}],
  "parameters": [{"parameter": "string (a parameter name from the parameter list)", "value": "string (parameter value)"}]
}`, bot.Prompt, parameters.String(), actions.String())
}
