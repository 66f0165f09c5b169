package models

// CreateConversationRequest contains fields for creating a conversation.
type CreateConversationRequest struct {
	PartitionStrategy PartitionStrategy `json:"partition_strategy,omitempty"`
}

// SendMessageRequest is the request body for POST /conversations/:id/message.
type SendMessageRequest struct {
	Text string `json:"text"`
}

// ConfirmWorkflowRequest is the request body for POST /conversations/:id/confirm.
type ConfirmWorkflowRequest struct {
	Confirmed       bool           `json:"confirmed"`
	ModifiedWorkflow []ProposedStep `json:"modified_workflow,omitempty"`
	RunAsync        *bool          `json:"run_async,omitempty"`
}

// RunAsyncOrDefault returns the requested RunAsync value, defaulting to true
// when the caller omits it.
func (r ConfirmWorkflowRequest) RunAsyncOrDefault() bool {
	if r.RunAsync == nil {
		return true
	}
	return *r.RunAsync
}

// SendMessageResult is returned by ChatService.SendMessage. JobID is set
// only when the message was a confirmation answer that submitted the
// pending workflow.
type SendMessageResult struct {
	BotResponse          string         `json:"bot_response"`
	SuggestedWorkflow    []ProposedStep `json:"suggested_workflow,omitempty"`
	RequiresConfirmation bool           `json:"requires_confirmation"`
	RequiresFile         bool           `json:"requires_file"`
	JobID                string         `json:"job_id,omitempty"`
}

// UploadFileResult is returned by ChatService.UploadFile.
type UploadFileResult struct {
	FilePath          string         `json:"file_path"`
	DownloadURL       string         `json:"download_url"`
	BotResponse       string         `json:"bot_response"`
	SuggestedWorkflow []ProposedStep `json:"suggested_workflow,omitempty"`
}

// ConfirmWorkflowResult is returned by ChatService.ConfirmWorkflow.
type ConfirmWorkflowResult struct {
	JobID       string   `json:"job_id,omitempty"`
	Status      string   `json:"status"`
	BotResponse string   `json:"bot_response,omitempty"`
	OutputFiles []string `json:"output_files,omitempty"`
}
