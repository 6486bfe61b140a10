package explorer

import (
	"net/http"
	"time"
)

// Option is a functional option for configuring the Explorer service.
type Option func(*explorerSvc)

// WithPollInterval sets the polling interval used to refresh the chain tip
// when the websocket is unavailable.
// Default: 30 seconds.
func WithPollInterval(interval time.Duration) Option {
	return func(svc *explorerSvc) {
		if interval > 0 {
			svc.pollInterval = interval
		}
	}
}

// WithTracker enables or disables block tracking.
// When disabled, every chain time request hits the REST API.
// Default: tracking is disabled.
func WithTracker(withTracker bool) Option {
	return func(svc *explorerSvc) {
		svc.noTracking = !withTracker
	}
}

func WithHTTPClient(client *http.Client) Option {
	return func(svc *explorerSvc) {
		if client != nil {
			svc.httpClient = client
		}
	}
}
