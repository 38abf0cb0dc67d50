package beart

import "errors"

var (
	// ErrJobCreate reports a create-job call the vendor rejected.
	ErrJobCreate = errors.New("face swap job creation failed")
	// ErrResultFetch reports a poll response that can never become a result.
	ErrResultFetch = errors.New("face swap result fetch failed")
	// ErrRetriesExceeded reports a job still processing after the poll ceiling.
	ErrRetriesExceeded = errors.New("face swap polling attempts exhausted")
)
