package api

import (
	"github.com/comfynaut/comfynaut/client"
	"github.com/comfynaut/comfynaut/graphapi"
	"github.com/comfynaut/comfynaut/pipeline"
)

const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// DreamRequest is the body of POST /dream
type DreamRequest struct {
	Prompt   string `json:"prompt"`
	Workflow string `json:"workflow,omitempty"`
}

// ImageRequest is the body of POST /img2img and POST /img2vid.
// ImageData is base64, optionally as a data URL.
type ImageRequest struct {
	ImageData string `json:"image_data"`
	Filename  string `json:"filename,omitempty"`
	Prompt    string `json:"prompt,omitempty"`
	Workflow  string `json:"workflow,omitempty"`
}

// MarathonRequest is the body of POST /marathon
type MarathonRequest struct {
	Prompt   string `json:"prompt"`
	Workflow string `json:"workflow,omitempty"`
	Count    int    `json:"count"`
	Session  string `json:"session,omitempty"`
}

// Response is returned by every generation endpoint
type Response struct {
	Status       string `json:"status"`
	Message      string `json:"message"`
	Echo         string `json:"echo,omitempty"`
	PromptID     string `json:"prompt_id,omitempty"`
	ImageURL     string `json:"image_url,omitempty"`
	VideoURL     string `json:"video_url,omitempty"`
	LastFrameURL string `json:"last_frame_url,omitempty"`
	Session      string `json:"session,omitempty"`
}

type WorkflowsResponse struct {
	Status    string                  `json:"status"`
	Workflows []graphapi.TemplateInfo `json:"workflows"`
}

type HealthResponse struct {
	Status         string       `json:"status"`
	ComfyUIVersion string       `json:"comfyui_version,omitempty"`
	Devices        []client.GPU `json:"devices,omitempty"`
	Message        string       `json:"message,omitempty"`
}

type MarathonResponse struct {
	Status   string                  `json:"status"`
	Marathon pipeline.MarathonStatus `json:"marathon"`
}
