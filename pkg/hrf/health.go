// Package hrf implements the response format of the health check RFC draft
// (draft-inadarei-api-health-check).
package hrf

import "net/http"

type Status string

const (
	Pass = Status("pass")
	Fail = Status("fail")
	Warn = Status("warn")
)

// Code is the HTTP status code a health response with s is served with.
func (s Status) Code() int {
	if s == Fail {
		return http.StatusServiceUnavailable
	}
	return http.StatusOK
}

type Health struct {
	Status    Status `json:"status"`
	Version   string `json:"version,omitempty"`
	ReleaseID string `json:"releaseId,omitempty"`
	ServiceID string `json:"serviceId,omitempty"`
	// Output is the reason for a warn or fail status.
	Output string `json:"output,omitempty"`
}

// ContentType is the media type of health responses.
const ContentType = "application/health+json"
