package types

// Decision is the outcome of a guard check (rate limit, hop guard).
// It lives in a shared types package so middleware and core packages can
// exchange it without import cycles.
type Decision struct {
	Allowed      bool   // whether the request may proceed
	Limit        int64  // configured quota for the matched category
	Remaining    int64  // quota left after this request
	ResetAtMs    int64  // epoch ms when the oldest counted event leaves the window
	RetryAfterMs int64  // suggested wait before retrying (ms)
	Reason       string // machine-readable decision reason
	Err          error  // underlying error, if any
}

// RetryAfterSec rounds RetryAfterMs up to whole seconds for the Retry-After header.
func (d Decision) RetryAfterSec() int64 {
	if d.RetryAfterMs <= 0 {
		return 0
	}
	return (d.RetryAfterMs + 999) / 1000
}
