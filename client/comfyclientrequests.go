package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/comfynaut/comfynaut/graphapi"
)

/*
@routes.get("/view")
@routes.get("/system_stats")
@routes.get("/history/{prompt_id}")
@routes.get("/queue")

@routes.post("/prompt")
@routes.post("/upload/image")
*/

func (c *ComfyClient) getJSON(ctx context.Context, path string, query url.Values, out interface{}) error {
	body, status, err := c.get(ctx, path, query)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("GET %s: unexpected status %d", path, status)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("GET %s: %w", path, err)
	}
	return nil
}

func (c *ComfyClient) get(ctx context.Context, path string, query url.Values) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint(path, query), nil)
	if err != nil {
		return nil, 0, err
	}
	resp, err := c.httpclient.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, err
	}
	return body, resp.StatusCode, nil
}

func (c *ComfyClient) GetSystemStats(ctx context.Context) (*SystemStats, error) {
	retv := &SystemStats{}
	if err := c.getJSON(ctx, "/system_stats", nil, retv); err != nil {
		return nil, err
	}
	return retv, nil
}

// GetQueue returns the backend's live queue
func (c *ComfyClient) GetQueue(ctx context.Context) (*QueueSnapshot, error) {
	retv := &QueueSnapshot{}
	if err := c.getJSON(ctx, "/queue", nil, retv); err != nil {
		return nil, err
	}
	return retv, nil
}

// GetHistory returns the history entry for promptID, or nil when the backend has none
func (c *ComfyClient) GetHistory(ctx context.Context, promptID string) (*HistoryEntry, error) {
	history := make(map[string]*HistoryEntry)
	if err := c.getJSON(ctx, "/history/"+url.PathEscape(promptID), nil, &history); err != nil {
		return nil, err
	}
	entry, ok := history[promptID]
	if !ok || entry == nil {
		return nil, nil
	}
	entry.PromptID = promptID
	return entry, nil
}

func viewQuery(a Artifact) url.Values {
	params := url.Values{}
	params.Add("filename", a.Filename)
	params.Add("subfolder", a.Subfolder)
	params.Add("type", a.Type)
	return params
}

// ViewURL returns the backend URL an artifact can be fetched from
func (c *ComfyClient) ViewURL(a Artifact) string {
	return c.endpoint("/view", viewQuery(a))
}

// GetView downloads an artifact
func (c *ComfyClient) GetView(ctx context.Context, a Artifact) ([]byte, error) {
	body, status, err := c.get(ctx, "/view", viewQuery(a))
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("GET /view %s: unexpected status %d", a.Filename, status)
	}
	return body, nil
}

// QueuePrompt submits a built prompt. It is attempted exactly once.
func (c *ComfyClient) QueuePrompt(ctx context.Context, prompt *graphapi.Prompt) (*QueueItem, error) {
	data, err := json.Marshal(prompt)
	if err != nil {
		return nil, fmt.Errorf("%w: encoding prompt: %v", ErrBackendRejected, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("/prompt", nil), bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendUnreachable, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpclient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendUnreachable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: reading response: %v", ErrBackendUnreachable, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// {"error": {"type": "prompt_no_outputs", "message": "Prompt has no outputs", ...}, "node_errors": {}}
		perror := &PromptErrorMessage{}
		if perr := json.Unmarshal(body, perror); perr == nil && perror.Error.Message != "" {
			return nil, fmt.Errorf("%w: status %d: %s %s", ErrBackendRejected, resp.StatusCode, perror.Error.Message, nodeErrorsText(perror.NodeErrors))
		}
		c.logger.Error("prompt rejected", "status", resp.StatusCode, "body", string(body))
		return nil, fmt.Errorf("%w: status %d", ErrBackendRejected, resp.StatusCode)
	}

	item := &QueueItem{ClientID: prompt.ClientID}
	if err := json.Unmarshal(body, item); err != nil {
		return nil, fmt.Errorf("%w: undecodable response: %v", ErrBackendRejected, err)
	}
	if item.PromptID == "" {
		return nil, fmt.Errorf("%w: response has no prompt_id", ErrBackendRejected)
	}

	c.logger.Debug("prompt queued", "prompt_id", item.PromptID, "number", item.Number, "client_id", item.ClientID)
	return item, nil
}

func nodeErrorsText(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "{}" || string(raw) == "[]" || string(raw) == "null" {
		return ""
	}
	return "node_errors=" + string(raw)
}
