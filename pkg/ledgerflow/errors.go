package ledgerflow

import "errors"

// Sentinel errors for pipeline construction.
var (
	// ErrNilSettings indicates New was called without settings.
	ErrNilSettings = errors.New("settings cannot be nil")

	// ErrNilStore indicates New was called without a ledger store.
	ErrNilStore = errors.New("ledger store cannot be nil")
)
