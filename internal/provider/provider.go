// Package provider holds one adapter per upstream market-data API. An
// adapter plans the outbound request for a task and interprets the raw
// response into either validated data or a classified failure.
package provider

import (
	"encoding/json"
	"net/url"

	"github.com/quantfeed/market-crawler/internal/task"
)

// Plan describes the HTTP request an adapter wants issued.
type Plan struct {
	Method      string
	URL         string
	Query       url.Values
	Headers     map[string]string
	Body        []byte
	NeedsCookie bool
}

// Adapter is implemented once per upstream provider.
type Adapter interface {
	// Name is the provider label used in logs and metrics.
	Name() string

	// Plan builds the request for the task. Planning failures are
	// terminal (the task can never succeed as written).
	Plan(t task.Task) (Plan, *task.Failure)

	// Validate interprets a completed response. It returns the data
	// portion on success, or a classified failure. Status is the HTTP
	// status code; callers only invoke Validate for 2xx responses.
	Validate(status int, body []byte) (json.RawMessage, *task.Failure)

	// RecordsCount reports how many records the validated data holds.
	RecordsCount(data json.RawMessage) int
}
