package models

// URLStatus is the lifecycle state of a URL record in the frontier
type URLStatus string

const (
	URLStatusUnset      URLStatus = ""           // Zero value = unset/unknown
	URLStatusQueued     URLStatus = "QUEUED"     // Discovered, waiting to be claimed
	URLStatusProcessing URLStatus = "PROCESSING" // Claimed by a scheduler, fetch in progress
	URLStatusProcessed  URLStatus = "PROCESSED"  // Fetched and routed to handlers
	URLStatusFailed     URLStatus = "FAILED"     // Fetch failed permanently or exhausted retries
)

// String implements fmt.Stringer for logging
func (s URLStatus) String() string {
	if s == "" {
		return "unset"
	}
	return string(s)
}

// IsValid returns true if the status is a known operational value
func (s URLStatus) IsValid() bool {
	switch s {
	case URLStatusQueued, URLStatusProcessing, URLStatusProcessed, URLStatusFailed:
		return true
	}
	return false
}

// CanTransitionTo reports whether next is a legal successor of s.
// PROCESSING -> QUEUED is only legal for orphan recovery.
func (s URLStatus) CanTransitionTo(next URLStatus) bool {
	switch s {
	case URLStatusQueued:
		return next == URLStatusProcessing
	case URLStatusProcessing:
		return next == URLStatusProcessed || next == URLStatusFailed || next == URLStatusQueued
	}
	return false
}
