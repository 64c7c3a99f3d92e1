package model

import "errors"

var (
	// ErrFetch indicates a candidate listing or metadata retrieval failure.
	ErrFetch = errors.New("fetch failed")
	// ErrDelivery indicates the chat endpoint did not accept the message.
	ErrDelivery = errors.New("delivery failed")
	// ErrFatalAuth indicates a credential that cannot be renewed without user action.
	ErrFatalAuth = errors.New("credentials need manual re-authentication")
	// ErrStore indicates the seen-set could not be read or written.
	ErrStore = errors.New("seen store failed")
)
