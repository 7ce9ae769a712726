package app

import (
	"errors"

	"askdocs/pkg/rag"
)

var (
	// ErrForbidden indicates the document belongs to another user.
	ErrForbidden = errors.New("forbidden")
	// ErrQueueDisabled is returned by background indexing when no queue is wired.
	ErrQueueDisabled = rag.NewError(rag.ErrConfiguration, "index document", "background indexing is not configured", nil)
)
