package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

type ImageType string

const (
	InputImageType  ImageType = "input"
	TempImageType   ImageType = "temp"
	OutputImageType ImageType = "output"
)

// UploadImage stores data in the backend's input folder under a collision-proof name and
// returns the reference to inject into a LoadImage node.
func (c *ComfyClient) UploadImage(ctx context.Context, data []byte, filename string) (string, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("%w: empty image", ErrAssetUploadFailed)
	}
	return c.UploadFileFromReader(ctx, bytes.NewReader(data), uniqueUploadName(filename, data), true, InputImageType, "")
}

func (c *ComfyClient) UploadFileFromReader(ctx context.Context, r io.Reader, filename string, overwrite bool, filetype ImageType, subfolder string) (string, error) {
	var requestBody bytes.Buffer
	writer := multipart.NewWriter(&requestBody)

	formFile, err := writer.CreateFormFile("image", filename)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrAssetUploadFailed, err)
	}
	if _, err = io.Copy(formFile, r); err != nil {
		return "", fmt.Errorf("%w: %v", ErrAssetUploadFailed, err)
	}

	_ = writer.WriteField("overwrite", fmt.Sprintf("%v", overwrite))
	_ = writer.WriteField("type", string(filetype))
	if subfolder != "" {
		_ = writer.WriteField("subfolder", subfolder)
	}
	writer.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("/upload/image", nil), &requestBody)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrAssetUploadFailed, err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.httpclient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrAssetUploadFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: status %d", ErrAssetUploadFailed, resp.StatusCode)
	}

	var data struct {
		Name      string `json:"name"`
		Subfolder string `json:"subfolder"`
		Type      string `json:"type"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return "", fmt.Errorf("%w: invalid response: %v", ErrAssetUploadFailed, err)
	}
	if data.Name == "" {
		return "", fmt.Errorf("%w: invalid response format", ErrAssetUploadFailed)
	}

	// the server may pick a different name than the one provided
	name := data.Name
	if data.Subfolder != "" {
		name = data.Subfolder + "/" + name
	}
	c.logger.Debug("image uploaded", "name", name, "bytes", requestBody.Len())
	return name, nil
}

var uploadExtensions = map[string]string{
	"image/png":  ".png",
	"image/jpeg": ".jpg",
	"image/gif":  ".gif",
	"image/webp": ".webp",
	"image/bmp":  ".bmp",
}

// uniqueUploadName returns <stem>_<8 hex chars><ext>. The extension comes from the given
// name, or is sniffed from the content when the name has none.
func uniqueUploadName(filename string, data []byte) string {
	base := filepath.Base(filename)
	if base == "." || base == "/" {
		base = ""
	}
	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)
	if stem == "" {
		stem = "upload"
	}
	if ext == "" {
		ext = uploadExtensions[http.DetectContentType(data)]
		if ext == "" {
			ext = ".png"
		}
	}
	suffix := strings.ReplaceAll(uuid.New().String(), "-", "")[:8]
	return stem + "_" + suffix + strings.ToLower(ext)
}
