package errors

import (
	"encoding/json"
	"net/http"
)

// ContentTypeProblem is the media type of a problem-detail response body.
const ContentTypeProblem = "application/problem+json"

// Problem is the user-visible error shape written to HTTP clients. It
// follows RFC 7807 with two extension members: the stable error code and the
// trace id of the failed request.
type Problem struct {
	Type    string `json:"type"`
	Title   string `json:"title"`
	Status  int    `json:"status"`
	Code    Code   `json:"code"`
	Detail  string `json:"detail,omitempty"`
	TraceID string `json:"trace_id,omitempty"`
}

// NewProblem builds the Problem for err. The detail member is only populated
// in development mode; in every other mode the body carries the category
// title and code alone.
func NewProblem(err error, traceID string, dev bool) Problem {
	e := FromError(err)
	p := Problem{
		Type:    "about:blank",
		Title:   e.Code.Title(),
		Status:  e.HTTPStatus(),
		Code:    e.Code,
		TraceID: traceID,
	}
	if dev {
		p.Detail = e.Error()
	}
	return p
}

// WriteProblem writes err to w as an application/problem+json response.
// Authentication failures also receive a WWW-Authenticate challenge.
func WriteProblem(w http.ResponseWriter, err error, traceID string, dev bool) {
	p := NewProblem(err, traceID, dev)
	w.Header().Set("Content-Type", ContentTypeProblem)
	if p.Status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
	}
	w.WriteHeader(p.Status)
	_ = json.NewEncoder(w).Encode(p)
}
