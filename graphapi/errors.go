package graphapi

import "errors"

// Structural errors. They are returned before any backend interaction is attempted.
var (
	ErrTemplateNotFound = errors.New("template not found")
	ErrTemplateDecode   = errors.New("template could not be decoded")
	ErrNoPromptNode     = errors.New("template has no prompt input node")
	ErrNoImageNode      = errors.New("template has no image input node")
)
