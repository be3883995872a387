package campaign

import (
	"errors"

	"github.com/ignite/sendpipeline/internal/service/sending"
)

// Sentinel errors for the campaign service layer.
var (
	ErrNotFound          = sending.ErrNotFound
	ErrInvalidTransition = sending.ErrInvalidTransition
	ErrAlreadySending    = errors.New("campaign is already sending or sent")
	ErrNoRecipients      = errors.New("campaign has no recipients")
	ErrInvalidBatchSize  = errors.New("batch size must be positive")
)
