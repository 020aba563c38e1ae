package graphapi

// Prompt is the data that is enqueued to an instance of ComfyUI. The client id scopes the
// websocket events for this job to the caller that submitted it.
type Prompt struct {
	ClientID string    `json:"client_id"`
	Workflow *Template `json:"prompt"`
}
