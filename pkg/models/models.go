// Package models contains the domain types shared across FrameFlow's
// packages plus the request/response DTOs for the service layer.
package models

import "time"

// ConversationStatus is the lifecycle state of a Conversation.
type ConversationStatus string

// Conversation statuses. Monotonic: created -> processing -> {completed, failed}.
const (
	ConversationStatusCreated    ConversationStatus = "created"
	ConversationStatusProcessing ConversationStatus = "processing"
	ConversationStatusCompleted  ConversationStatus = "completed"
	ConversationStatusFailed     ConversationStatus = "failed"
)

// MessageType classifies a Message's origin and intent.
type MessageType string

// Message types.
const (
	MessageTypeUser       MessageType = "user"
	MessageTypeSystem     MessageType = "system"
	MessageTypeFileUpload MessageType = "file_upload"
	MessageTypeProgress   MessageType = "progress"
	MessageTypeError      MessageType = "error"
)

// StepStatus is the lifecycle state of a WorkflowStep.
type StepStatus string

// Step statuses. Monotonic: pending -> running -> {completed, failed}.
const (
	StepStatusPending   StepStatus = "pending"
	StepStatusRunning   StepStatus = "running"
	StepStatusCompleted StepStatus = "completed"
	StepStatusFailed    StepStatus = "failed"
)

// FileRole distinguishes uploaded input files from operation outputs.
type FileRole string

// File roles.
const (
	FileRoleUploaded FileRole = "uploaded"
	FileRoleOutput   FileRole = "output"
)

// Conversation is the top-level aggregate: a persistent chat between a user
// and the orchestrator, identified by ChatID.
type Conversation struct {
	ChatID          string             `json:"chat_id"`
	ParticipantName string             `json:"participant_name"`
	Status          ConversationStatus `json:"status"`
	PartitionKey    string             `json:"partition_key"`
	CreatedAt       time.Time          `json:"created_at"`
	UpdatedAt       time.Time          `json:"updated_at"`
	Messages        []*Message         `json:"messages,omitempty"`
	WorkflowSteps   []*WorkflowStep    `json:"workflow_steps,omitempty"`
	UploadedFiles   []string           `json:"uploaded_files,omitempty"`
	OutputFiles     []string           `json:"output_files,omitempty"`
	Metadata        map[string]any     `json:"metadata,omitempty"`
}

// Message is a single entry in a Conversation's timeline.
type Message struct {
	MessageID string         `json:"message_id"`
	ChatID    string         `json:"chat_id"`
	Type      MessageType    `json:"message_type"`
	Content   string         `json:"content"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// WorkflowStep is a single operation invocation within a confirmed workflow.
type WorkflowStep struct {
	StepID       string         `json:"step_id"`
	ChatID       string         `json:"chat_id"`
	Operation    string         `json:"operation"`
	Arguments    map[string]any `json:"arguments,omitempty"`
	InputFile    string         `json:"input_file,omitempty"`
	OutputFile   string         `json:"output_file,omitempty"`
	Status       StepStatus     `json:"status"`
	Progress     int            `json:"progress"`
	ErrorMessage string         `json:"error_message,omitempty"`
	StartedAt    *time.Time     `json:"started_at,omitempty"`
	CompletedAt  *time.Time     `json:"completed_at,omitempty"`
}

// FileEntry records one uploaded or output file belonging to a conversation.
type FileEntry struct {
	ChatID    string    `json:"chat_id"`
	FilePath  string    `json:"file_path"`
	Role      FileRole  `json:"role"`
	CreatedAt time.Time `json:"created_at"`
}

// ProposedStep is a single step in a workflow proposal, prior to
// confirmation (and thus prior to having a StepID or persisted record).
type ProposedStep struct {
	Operation string         `json:"operation"`
	Arguments map[string]any `json:"arguments"`
}

// PartitionStrategy selects how a conversation's on-disk partition key is derived.
type PartitionStrategy string

// Partition strategies.
const (
	PartitionStrategyTimeBased PartitionStrategy = "time-based"
	PartitionStrategyHashBased PartitionStrategy = "hash-based"
)
