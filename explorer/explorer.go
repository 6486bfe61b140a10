// Package explorer provides the chain time used to evaluate vtxo expiries.
//
// The tip height is read from a mempool.space (or esplora) REST API and,
// when tracking is enabled, kept up to date by subscribing to new blocks over
// the mempool websocket. If the websocket is not available the explorer falls
// back to polling the REST API.
//
// Usage:
//
//	explorer, err := explorer.NewExplorer("https://mempool.space/api", arklib.Bitcoin,
//	    explorer.WithTracker(true))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	explorer.Start()
//	defer explorer.Stop()
//
//	chainTime, err := explorer.GetChainTime(ctx)
package explorer

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	arklib "github.com/arkade-os/arkd/pkg/ark-lib"
	"github.com/arkade-os/go-ark-client/types"
	log "github.com/sirupsen/logrus"
)

const (
	pongInterval        = 60 * time.Second
	pingInterval        = (pongInterval * 9) / 10
	defaultPollInterval = 30 * time.Second
	defaultHTTPTimeout  = 15 * time.Second
)

var defaultExplorerUrls = map[string]string{
	arklib.Bitcoin.Name:          "https://mempool.space/api",
	arklib.BitcoinTestNet.Name:   "https://mempool.space/testnet/api",
	arklib.BitcoinSigNet.Name:    "https://mempool.space/signet/api",
	arklib.BitcoinMutinyNet.Name: "https://mutinynet.com/api",
	arklib.BitcoinRegTest.Name:   "http://localhost:3000",
}

// Explorer provides the current chain time, ie. the wall clock time and the
// height of the chain tip.
type Explorer interface {
	// Start must be used when using the explorer with tracking enabled.
	Start()
	GetChainTime(ctx context.Context) (types.ChainTime, error)
	// GetTipHeight always queries the REST API.
	GetTipHeight(ctx context.Context) (uint32, error)
	// GetFeeRate returns the next block fee rate in sat/vB.
	GetFeeRate(ctx context.Context) (float64, error)
	BaseUrl() string
	Stop()
}

type explorerSvc struct {
	baseUrl      string
	net          arklib.Network
	httpClient   *http.Client
	pollInterval time.Duration
	noTracking   bool

	tipMu *sync.RWMutex
	tip   *blockTip

	stopTracking func()
	wg           *sync.WaitGroup
}

// NewExplorer creates a new explorer for the given network.
// If baseUrl is empty, the default mempool.space url of the network is used.
func NewExplorer(baseUrl string, net arklib.Network, opts ...Option) (Explorer, error) {
	if len(baseUrl) <= 0 {
		defaultUrl, ok := defaultExplorerUrls[net.Name]
		if !ok {
			return nil, fmt.Errorf(
				"cannot find default explorer url associated with network %s", net.Name,
			)
		}
		baseUrl = defaultUrl
	}

	if _, err := deriveWsURL(baseUrl); err != nil {
		return nil, fmt.Errorf("invalid base url: %s", err)
	}

	svc := &explorerSvc{
		baseUrl:      strings.TrimRight(baseUrl, "/"),
		net:          net,
		httpClient:   &http.Client{Timeout: defaultHTTPTimeout},
		pollInterval: defaultPollInterval,
		noTracking:   true,
		tipMu:        &sync.RWMutex{},
		wg:           &sync.WaitGroup{},
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc, nil
}

func (e *explorerSvc) Start() {
	// Nothing to do if tracking disabled.
	if e.noTracking {
		return
	}
	// Nothing to do if service already started.
	if e.stopTracking != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	e.stopTracking = cancel

	e.wg.Add(1)
	go e.startTracking(ctx)
	log.Debug("explorer: started with block tracking")
}

func (e *explorerSvc) Stop() {
	if e.noTracking || e.stopTracking == nil {
		return
	}

	e.stopTracking()
	e.wg.Wait()
	e.stopTracking = nil
	log.Debug("explorer: stopped")
}

func (e *explorerSvc) BaseUrl() string {
	return e.baseUrl
}

func (e *explorerSvc) GetChainTime(ctx context.Context) (types.ChainTime, error) {
	// Without tracking the cached tip is never refreshed.
	if !e.noTracking {
		if tip := e.getTip(); tip != nil {
			return types.ChainTime{Timestamp: time.Now(), Height: tip.height}, nil
		}
	}

	height, err := e.GetTipHeight(ctx)
	if err != nil {
		return types.ChainTime{}, err
	}
	return types.ChainTime{Timestamp: time.Now(), Height: height}, nil
}

func (e *explorerSvc) GetTipHeight(ctx context.Context) (uint32, error) {
	body, err := e.get(ctx, "blocks", "tip", "height")
	if err != nil {
		return 0, fmt.Errorf("failed to get tip height: %s", err)
	}

	height, err := strconv.ParseUint(strings.TrimSpace(string(body)), 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid tip height %s", string(body))
	}

	e.setTip(blockTip{height: uint32(height)})
	return uint32(height), nil
}

func (e *explorerSvc) GetFeeRate(ctx context.Context) (float64, error) {
	body, err := e.get(ctx, "fee-estimates")
	if err != nil {
		return 0, fmt.Errorf("failed to get fee rate: %s", err)
	}

	var response map[string]float64
	if err := json.Unmarshal(body, &response); err != nil {
		return 0, err
	}

	if len(response) == 0 {
		return 1, nil
	}
	return response["1"], nil
}

func (e *explorerSvc) get(ctx context.Context, path ...string) ([]byte, error) {
	endpoint, err := url.JoinPath(e.baseUrl, path...)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	// nolint:all
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s: %s", resp.Status, string(body))
	}
	return body, nil
}

func (e *explorerSvc) getTip() *blockTip {
	e.tipMu.RLock()
	defer e.tipMu.RUnlock()
	if e.tip == nil {
		return nil
	}
	tip := *e.tip
	return &tip
}

func (e *explorerSvc) setTip(tip blockTip) {
	e.tipMu.Lock()
	defer e.tipMu.Unlock()
	e.tip = &tip
}
