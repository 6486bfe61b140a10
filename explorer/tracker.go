package explorer

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
)

const maxConsecutiveReadErrors = 3

type blockTip struct {
	height    uint32
	timestamp time.Time
}

type block struct {
	Id        string `json:"id"`
	Height    uint32 `json:"height"`
	Timestamp int64  `json:"timestamp"`
}

// blocksNotification is either the initial list of recent blocks sent after
// subscribing or a new block.
type blocksNotification struct {
	Block  *block  `json:"block"`
	Blocks []block `json:"blocks"`
}

func (n blocksNotification) tip() *block {
	if n.Block != nil {
		return n.Block
	}
	var tip *block
	for i := range n.Blocks {
		if tip == nil || n.Blocks[i].Height > tip.Height {
			tip = &n.Blocks[i]
		}
	}
	return tip
}

// startTracking follows new blocks over websocket. Whenever the connection
// drops, the tip is refreshed with the REST API and the connection is retried
// after the poll interval.
func (e *explorerSvc) startTracking(ctx context.Context) {
	defer e.wg.Done()

	for {
		if err := e.trackWithWebsocket(ctx); err != nil && ctx.Err() == nil {
			log.WithError(err).Debugf(
				"explorer: block tracking interrupted, falling back to polling every %s",
				e.pollInterval,
			)
		}

		if ctx.Err() == nil {
			if _, err := e.GetTipHeight(ctx); err != nil && ctx.Err() == nil {
				log.WithError(err).Warn("explorer: failed to refresh chain tip")
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(e.pollInterval):
		}
	}
}

func (e *explorerSvc) trackWithWebsocket(ctx context.Context) error {
	// nolint
	wsURL, _ := deriveWsURL(e.baseUrl)
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: 10 * time.Second,
	}

	conn, _, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", wsURL, err)
	}
	// nolint
	defer conn.Close()

	done := make(chan struct{})
	defer close(done)

	// Unblock the read loop on shutdown.
	go func() {
		select {
		case <-ctx.Done():
			// nolint
			conn.Close()
		case <-done:
		}
	}()

	payload := map[string]any{"action": "want", "data": []string{"blocks"}}
	if err := conn.WriteJSON(payload); err != nil {
		return fmt.Errorf("failed to subscribe for blocks: %w", err)
	}

	if err := conn.SetReadDeadline(time.Now().Add(pongInterval)); err != nil {
		return fmt.Errorf("failed to set read deadline: %w", err)
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongInterval))
	})

	// Periodically send ping messages and keep the connection alive.
	go func() {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				deadline := time.Now().Add(10 * time.Second)
				if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
					log.WithError(err).Debug("explorer: failed to ping explorer")
					// nolint
					conn.Close()
					return
				}
			}
		}
	}()

	log.Debugf("explorer: tracking blocks on %s", wsURL)

	readErrors := 0
	for {
		var notification blocksNotification
		if err := conn.ReadJSON(&notification); err != nil {
			if shouldExitReadLoop(err) {
				return err
			}
			readErrors++
			if readErrors >= maxConsecutiveReadErrors {
				return err
			}
			log.WithError(err).Warn("explorer: failed to read block notification")
			continue
		}
		readErrors = 0

		tip := notification.tip()
		if tip == nil {
			continue
		}
		e.setTip(blockTip{height: tip.Height, timestamp: time.Unix(tip.Timestamp, 0)})
		log.Debugf("explorer: new chain tip %d", tip.Height)
	}
}
