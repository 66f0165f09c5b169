package api

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/frameflow/frameflow/pkg/chat"
	"github.com/frameflow/frameflow/pkg/jobs"
	"github.com/frameflow/frameflow/pkg/operations"
	"github.com/frameflow/frameflow/pkg/persistence"
	"github.com/frameflow/frameflow/pkg/state"
	"github.com/frameflow/frameflow/pkg/storage"
)

func TestMapServiceErrorTaxonomy(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code int
	}{
		{"conversation not found", chat.ErrConversationNotFound, http.StatusNotFound},
		{"persistence not found", persistence.ErrNotFound, http.StatusNotFound},
		{"job not found", jobs.ErrJobNotFound, http.StatusNotFound},
		{"job chat mismatch", chat.ErrJobChatMismatch, http.StatusNotFound},
		{"file not found", storage.ErrFileNotFound, http.StatusNotFound},
		{"path escape", storage.ErrPathEscape, http.StatusBadRequest},
		{"malformed archive", storage.ErrMalformedArchive, http.StatusBadRequest},
		{"unknown operation", operations.ErrUnknownOperation, http.StatusBadRequest},
		{"invalid workflow step", chat.ErrInvalidWorkflowStep, http.StatusBadRequest},
		{"no pending workflow", chat.ErrNoPendingWorkflow, http.StatusUnprocessableEntity},
		{"illegal transition", state.ErrIllegalTransition, http.StatusConflict},
		{"unexpected", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			he := mapServiceError(fmt.Errorf("wrapped: %w", tt.err))
			assert.Equal(t, tt.code, he.Code)
		})
	}
}

func TestNewEnvelopeCarriesMeta(t *testing.T) {
	env := newEnvelope(http.StatusOK, map[string]string{"k": "v"}, "done")

	assert.Equal(t, http.StatusOK, env.StatusCode)
	assert.Equal(t, "done", env.Message)
	assert.NotEmpty(t, env.Meta.APIVersion)
	assert.NotEmpty(t, env.Meta.RequestID)
	assert.NotEmpty(t, env.Meta.RequestedTime)
}
