// Package handlers implements the Message Handler Chain: an ordered
// Chain-of-Responsibility of handlers, each deciding whether it can
// service a given piece of input, with explicit fallthrough to the next
// handler on failure.
package handlers

import (
	"context"
	"errors"
	"strings"

	"github.com/frameflow/frameflow/pkg/intent"
	"github.com/frameflow/frameflow/pkg/models"
	"github.com/frameflow/frameflow/pkg/state"
)

// ErrNoHandler is returned when no handler in the chain can service the input.
var ErrNoHandler = errors.New("handlers: no handler could process the input")

// Input bundles everything a handler needs to service one message.
type Input struct {
	ChatID          string
	Text            string
	IsUpload        bool
	UploadedPath    string
	HasUploadedFile bool
	Context         *state.ConversationContext
}

// Response is what a handler produces: a bot-facing message plus whatever
// side effect the Chat Service should perform next.
type Response struct {
	BotResponse          string
	SuggestedWorkflow    []models.ProposedStep
	RequiresConfirmation bool
	RequiresFile         bool
	Event                state.Event // state transition the Chat Service should apply, if any
	ConfirmYes           bool        // set by ConfirmationHandler when the user answered yes
	ConfirmNo            bool        // set by ConfirmationHandler when the user answered no
	Command              string      // set by SystemCommandHandler: "help" or "cancel"
}

// Handler is one link in the chain.
type Handler interface {
	CanHandle(in Input) bool
	Handle(ctx context.Context, in Input) (Response, error)
}

// Chain runs input through each handler in order, stopping at the first
// one whose CanHandle returns true. If that handler's Handle call returns
// an error, the chain falls through to the next candidate rather than
// aborting outright.
type Chain struct {
	handlers []Handler
}

// NewChain builds the default chain: SystemCommand, Confirmation,
// FileMessage, TextMessage, in that priority order.
func NewChain(classifier *intent.Classifier) *Chain {
	return &Chain{handlers: []Handler{
		&SystemCommandHandler{},
		&ConfirmationHandler{},
		&FileMessageHandler{classifier: classifier},
		&TextMessageHandler{classifier: classifier},
	}}
}

// Dispatch runs in through the chain.
func (c *Chain) Dispatch(ctx context.Context, in Input) (Response, error) {
	var lastErr error
	for _, h := range c.handlers {
		if !h.CanHandle(in) {
			continue
		}
		resp, err := h.Handle(ctx, in)
		if err == nil {
			return resp, nil
		}
		lastErr = err
	}
	if lastErr != nil {
		return Response{}, lastErr
	}
	return Response{}, ErrNoHandler
}

// SystemCommandHandler recognizes the help and cancel commands without
// invoking intent classification; yes/no replies are left to
// ConfirmationHandler.
type SystemCommandHandler struct{}

var yesWords = map[string]bool{"yes": true, "y": true, "ok": true, "proceed": true}
var noWords = map[string]bool{"no": true, "n": true}

func (h *SystemCommandHandler) CanHandle(in Input) bool {
	if in.IsUpload {
		return false
	}
	word := strings.ToLower(strings.TrimSpace(in.Text))
	return word == "help" || word == "cancel"
}

func (h *SystemCommandHandler) Handle(_ context.Context, in Input) (Response, error) {
	word := strings.ToLower(strings.TrimSpace(in.Text))
	switch word {
	case "help":
		return Response{
			Command:     "help",
			BotResponse: "Upload a file and describe what you'd like to do with it (extract columns, convert format, filter rows, and more). Say 'cancel' at any time to start over.",
		}, nil
	case "cancel":
		return Response{Command: "cancel", Event: state.EventCancel, BotResponse: "Cancelled. Send a new message to start over."}, nil
	default:
		return Response{}, ErrNoHandler
	}
}

// ConfirmationHandler is active only while the conversation is awaiting
// confirmation of a proposed workflow.
type ConfirmationHandler struct{}

func (h *ConfirmationHandler) CanHandle(in Input) bool {
	if in.IsUpload || in.Context == nil {
		return false
	}
	if in.Context.Snapshot().State != state.StateAwaitingConfirmation {
		return false
	}
	word := strings.ToLower(strings.TrimSpace(in.Text))
	return yesWords[word] || noWords[word]
}

func (h *ConfirmationHandler) Handle(_ context.Context, in Input) (Response, error) {
	word := strings.ToLower(strings.TrimSpace(in.Text))
	if yesWords[word] {
		return Response{ConfirmYes: true, Event: state.EventConfirm, BotResponse: "Confirmed. Starting the workflow."}, nil
	}
	return Response{ConfirmNo: true, Event: state.EventCancel, BotResponse: "Discarded the proposed workflow."}, nil
}

// FileMessageHandler is selected by Dispatch for upload input (IsUpload),
// which the upload flow sends once a file has been recorded, to propose a
// workflow based on the uploaded file.
type FileMessageHandler struct {
	classifier *intent.Classifier
}

func (h *FileMessageHandler) CanHandle(in Input) bool {
	return in.IsUpload
}

func (h *FileMessageHandler) Handle(_ context.Context, in Input) (Response, error) {
	// A proposal made before the file arrived carries over: the upload is
	// what it was waiting for.
	if in.Context != nil {
		if pending := in.Context.Snapshot().PendingWorkflow; len(pending) > 0 {
			return Response{
				BotResponse:          "File received. Here's the proposed workflow. Reply 'yes' to confirm or 'no' to discard.",
				SuggestedWorkflow:    pending,
				RequiresConfirmation: true,
				Event:                state.EventUpload,
			}, nil
		}
	}

	result := h.classifier.Classify(in.Text, true)
	if result.Kind == intent.KindUnknown {
		result = h.classifier.SuggestForFile(in.Text)
	}
	if result.Kind == intent.KindUnknown {
		return Response{
			BotResponse: "File received. Tell me what you'd like to do with it (extract columns, convert format, filter rows, and more).",
		}, nil
	}
	return classifyResultToResponse(result, "File received. "), nil
}

// TextMessageHandler delegates free text to the Intent Classifier. It is
// the fallback for text: CanHandle returns true for every non-upload input
// so the chain never runs out of candidates for ordinary text.
type TextMessageHandler struct {
	classifier *intent.Classifier
}

func (h *TextMessageHandler) CanHandle(in Input) bool {
	return !in.IsUpload
}

func (h *TextMessageHandler) Handle(_ context.Context, in Input) (Response, error) {
	result := h.classifier.Classify(in.Text, in.HasUploadedFile)
	return classifyResultToResponse(result, ""), nil
}

func classifyResultToResponse(result intent.Result, prefix string) Response {
	if result.Kind == intent.KindUnknown {
		return Response{
			BotResponse:  prefix + "I didn't recognize an operation in that message. Try 'help' for examples.",
			RequiresFile: result.RequiresFile,
		}
	}

	resp := Response{
		SuggestedWorkflow:    result.Steps,
		RequiresFile:         result.RequiresFile,
		RequiresConfirmation: !result.RequiresFile,
	}
	if result.RequiresFile {
		resp.BotResponse = prefix + "Got it — upload a file and I'll run this workflow on it."
	} else {
		resp.BotResponse = prefix + "Here's the proposed workflow. Reply 'yes' to confirm or 'no' to discard."
		resp.Event = state.EventUpload
	}
	return resp
}
