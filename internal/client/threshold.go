package client

import (
	"fmt"
	"strings"
)

// Endpoint names used to look up status thresholds.
const (
	EndpointCheckin   = "checkin"
	EndpointPreflight = "preflight"
	EndpointGetScript = "get-script"
	EndpointInventory = "inventory"
	EndpointCatalog   = "catalog"
	EndpointProfiles  = "profiles"
)

// Threshold decides which HTTP statuses count as failure.
type Threshold int

// Thresholds.
const (
	// FailAtOrAbove400 treats 400 and above as failure.
	FailAtOrAbove400 Threshold = iota
	// FailAbove400 treats only statuses above 400 as failure, so 400 passes.
	FailAbove400
)

// DefaultThresholds is the failure boundary per endpoint. Checkin fails at
// 400; the sync endpoints let 400 through.
var DefaultThresholds = map[string]Threshold{
	EndpointCheckin:   FailAtOrAbove400,
	EndpointPreflight: FailAbove400,
	EndpointGetScript: FailAbove400,
	EndpointInventory: FailAbove400,
	EndpointCatalog:   FailAbove400,
	EndpointProfiles:  FailAbove400,
}

// Failed reports whether status is a failure under t.
func (t Threshold) Failed(status int) bool {
	if t == FailAbove400 {
		return status > 400
	}
	return status >= 400
}

func (t Threshold) String() string {
	if t == FailAbove400 {
		return ">400"
	}
	return ">=400"
}

// ParseThreshold parses ">=400" or ">400".
func ParseThreshold(s string) (Threshold, error) {
	switch strings.ReplaceAll(s, " ", "") {
	case ">=400":
		return FailAtOrAbove400, nil
	case ">400":
		return FailAbove400, nil
	default:
		return 0, fmt.Errorf("unknown status threshold %q", s)
	}
}

// StatusError is an HTTP response judged a failure for its endpoint.
type StatusError struct {
	Endpoint   string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: server returned status %d", e.Endpoint, e.StatusCode)
}

// Threshold returns the threshold in force for endpoint.
func (c *Client) Threshold(endpoint string) Threshold {
	if th, ok := c.thresholds[endpoint]; ok {
		return th
	}
	return FailAtOrAbove400
}

// Check returns a *StatusError if resp is a failure for endpoint.
func (c *Client) Check(endpoint string, resp *Response) error {
	if c.Threshold(endpoint).Failed(resp.StatusCode) {
		return &StatusError{Endpoint: endpoint, StatusCode: resp.StatusCode}
	}
	return nil
}
