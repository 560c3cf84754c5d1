package model

// Attachment is a binary payload downloaded from the platform.
type Attachment struct {
	Data        []byte `json:"-"`
	ContentType string `json:"content_type"`
	Filename    string `json:"filename,omitempty"`
}

// NormalizedRequest is the platform-independent form of one inbound event.
type NormalizedRequest struct {
	Text  string       `json:"text"`
	Files []Attachment `json:"files,omitempty"`
}

// BackendRequest is one invocation of the conversational backend.
type BackendRequest struct {
	Text           string
	Files          []Attachment
	ConversationID string
	User           string
	Inputs         map[string]any
}

// BackendResult is the outcome of a successful backend invocation.
type BackendResult struct {
	Text           string         `json:"text"`
	Data           map[string]any `json:"data,omitempty"`
	ConversationID string         `json:"conversation_id"`
}
