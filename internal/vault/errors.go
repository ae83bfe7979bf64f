package vault

import "errors"

// Error classes surfaced by the identity vault.
var (
	// ErrNotFound reports an unknown pseudonym or a case with no mapping.
	ErrNotFound = errors.New("identity mapping not found")

	// ErrDuplicateActiveCase reports that the identity already has the
	// maximum number of open suggestion cases.
	ErrDuplicateActiveCase = errors.New("identity already has an active case")

	// ErrRateLimited reports that case creation is throttled for this
	// identity. No case is created.
	ErrRateLimited = errors.New("case creation rate limited")

	// ErrPermissionDenied reports a reveal attempt by a non-elevated
	// requester. The attempt is audit-logged regardless.
	ErrPermissionDenied = errors.New("permission denied")
)
