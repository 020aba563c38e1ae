package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/comfynaut/comfynaut/client"
	"github.com/comfynaut/comfynaut/graphapi"
	"github.com/comfynaut/comfynaut/pipeline"
)

var errBadImage = errors.New("image_data is not valid base64")

type errorMapping struct {
	err     error
	status  int
	message string
}

// checked in order; the first match wins
var errorMappings = []errorMapping{
	{pipeline.ErrEmptyPrompt, http.StatusBadRequest, "Speak thy wishes: a prompt is required."},
	{pipeline.ErrMissingImage, http.StatusBadRequest, "An image is required for this request."},
	{errBadImage, http.StatusBadRequest, "The image could not be decoded."},
	{graphapi.ErrTemplateNotFound, http.StatusBadRequest, "That workflow does not exist."},
	{graphapi.ErrTemplateDecode, http.StatusBadRequest, "That workflow file is damaged and cannot be used."},
	{graphapi.ErrNoPromptNode, http.StatusBadRequest, "That workflow has no prompt input."},
	{graphapi.ErrNoImageNode, http.StatusBadRequest, "That workflow does not accept an image."},
	{client.ErrAssetUploadFailed, http.StatusBadGateway, "The image could not be uploaded to the generator."},
	{client.ErrBackendUnreachable, http.StatusBadGateway, "The generator is unreachable."},
	{client.ErrBackendRejected, http.StatusBadGateway, "The generator rejected the job."},
	{client.ErrExecutionFailed, http.StatusBadGateway, "The generator failed while running the job."},
	{client.ErrExecutionInterrupted, http.StatusBadGateway, "The job was interrupted on the generator."},
	{pipeline.ErrNoOutput, http.StatusBadGateway, "The job finished without producing a result."},
	{client.ErrTimedOut, http.StatusGatewayTimeout, "The generator took too long; no result is available."},
	{context.Canceled, http.StatusServiceUnavailable, "The request was cancelled."},
	{context.DeadlineExceeded, http.StatusGatewayTimeout, "The request took too long."},
}

// mapError turns a core error into an HTTP status and a user-presentable message
func mapError(err error) (int, string) {
	for _, m := range errorMappings {
		if errors.Is(err, m.err) {
			return m.status, m.message
		}
	}
	return http.StatusInternalServerError, "Something went wrong in the wizard's castle."
}
