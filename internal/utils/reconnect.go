package utils

import (
	"strings"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	shortReconnectDelay = time.Second
	longReconnectDelay  = 5 * time.Second

	// Returned when a grpc call lands on the http gateway sharing the
	// server port, typically while the server restarts.
	httpGatewayError = "unexpected HTTP status code received from server"
	// Proxy timeout, as returned by cloudflare.
	proxyTimeoutError = "524"
)

// reconnectDelays lists the status codes worth reopening a stream for,
// with the minimum wait before doing so.
var reconnectDelays = map[codes.Code]time.Duration{
	codes.Unavailable:      shortReconnectDelay,
	codes.Internal:         shortReconnectDelay,
	codes.DeadlineExceeded: shortReconnectDelay,
	codes.Aborted:          shortReconnectDelay,
	// Rate limited.
	codes.ResourceExhausted: longReconnectDelay,
	// The server wallet is locked or still syncing.
	codes.FailedPrecondition: longReconnectDelay,
}

// ShouldReconnect tells whether a stream that failed with err is worth
// reopening, and the minimum delay before trying.
func ShouldReconnect(err error) (bool, time.Duration) {
	if err == nil {
		return false, 0
	}

	msg := err.Error()
	if strings.Contains(msg, httpGatewayError) {
		return true, shortReconnectDelay
	}

	st, ok := status.FromError(err)
	if !ok {
		// Transport level failures, the connection dropped.
		if strings.Contains(msg, proxyTimeoutError) {
			return true, longReconnectDelay
		}
		return true, shortReconnectDelay
	}
	if st.Code() == codes.Unknown && strings.Contains(st.Message(), proxyTimeoutError) {
		return true, longReconnectDelay
	}

	delay, ok := reconnectDelays[st.Code()]
	return ok, delay
}

// StreamBackoff paces the reconnections of a long lived stream. The delay
// doubles at every consecutive failure, starting from the largest of the
// configured minimum and the floor of the error, and is capped to max.
// It is not safe for concurrent use.
type StreamBackoff struct {
	min      time.Duration
	max      time.Duration
	failures int
}

func NewStreamBackoff(minDelay, maxDelay time.Duration) *StreamBackoff {
	if maxDelay < minDelay {
		maxDelay = minDelay
	}
	return &StreamBackoff{min: minDelay, max: maxDelay}
}

// Next returns the delay before reopening a stream that failed with err.
// The returned bool is false if err is permanent and the stream must not
// be reopened.
func (b *StreamBackoff) Next(err error) (time.Duration, bool) {
	retry, floor := ShouldReconnect(err)
	if !retry {
		return 0, false
	}

	delay := max(floor, b.min)
	for i := 0; i < b.failures && delay < b.max; i++ {
		delay *= 2
	}
	b.failures++
	return min(delay, b.max), true
}

// Reset is called once the stream is healthy again.
func (b *StreamBackoff) Reset() {
	b.failures = 0
}
