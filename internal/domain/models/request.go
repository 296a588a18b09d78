package models

// RequestInfo is the framework-independent view of an inbound request.
type RequestInfo struct {
	Method       string
	Path         string
	APIKey       string
	RemoteAddr   string
	ForwardedFor string
}
