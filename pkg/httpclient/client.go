// Package httpclient builds the HTTP client used for all server queries,
// identifying this tool via the User-Agent header.
package httpclient

import (
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/stitchcli/stitch/pkg/version"
)

// UserAgent identifies stitch requests in server logs.
var UserAgent = fmt.Sprintf("Stitch/%s (%s; %s)", version.Version, runtime.GOOS, runtime.GOARCH)

type userAgentTransport struct {
	rt http.RoundTripper
}

func (u *userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	r2 := req.Clone(req.Context())
	r2.Header.Set("User-Agent", UserAgent)
	return u.rt.RoundTrip(r2)
}

// New returns an HTTP client with the stitch User-Agent and a request
// timeout.
func New(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: &userAgentTransport{
			rt: http.DefaultTransport,
		},
	}
}
