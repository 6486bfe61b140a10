package arkclient

import (
	"encoding/hex"
	"fmt"

	arklib "github.com/arkade-os/arkd/pkg/ark-lib"
	"github.com/arkade-os/go-ark-client/client"
	"github.com/arkade-os/go-ark-client/internal/utils"
	"github.com/arkade-os/go-ark-client/types"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/ccoveille/go-safecast"
)

// NewConfig returns the client config matching the terms advertised by the
// server.
func NewConfig(serverUrl string, info *client.Info) (types.Config, error) {
	if info == nil {
		return types.Config{}, fmt.Errorf("missing server info")
	}

	signerPubKey, err := parsePubKey(info.SignerPubKey)
	if err != nil {
		return types.Config{}, fmt.Errorf("invalid signer pubkey: %s", err)
	}
	var forfeitPubKey *btcec.PublicKey
	if info.ForfeitPubKey != "" {
		forfeitPubKey, err = parsePubKey(info.ForfeitPubKey)
		if err != nil {
			return types.Config{}, fmt.Errorf("invalid forfeit pubkey: %s", err)
		}
	}

	unilateralExitDelay, err := relativeLocktime(info.UnilateralExitDelay)
	if err != nil {
		return types.Config{}, fmt.Errorf("invalid unilateral exit delay: %s", err)
	}
	boardingExitDelay, err := relativeLocktime(info.BoardingExitDelay)
	if err != nil {
		return types.Config{}, fmt.Errorf("invalid boarding exit delay: %s", err)
	}

	return types.Config{
		ServerUrl:           serverUrl,
		SignerPubKey:        signerPubKey,
		ForfeitPubKey:       forfeitPubKey,
		Network:             utils.NetworkFromString(info.Network),
		SessionDuration:     info.SessionDuration,
		UnilateralExitDelay: unilateralExitDelay,
		BoardingExitDelay:   boardingExitDelay,
		Dust:                info.Dust,
		ForfeitAddress:      info.ForfeitAddress,
		CheckpointTapscript: info.CheckpointTapscript,
		Fees:                info.Fees,
	}, nil
}

func parsePubKey(pubkey string) (*btcec.PublicKey, error) {
	buf, err := hex.DecodeString(pubkey)
	if err != nil {
		return nil, err
	}
	return btcec.ParsePubKey(buf)
}

func relativeLocktime(value int64) (arklib.RelativeLocktime, error) {
	v, err := safecast.ToUint32(value)
	if err != nil {
		return arklib.RelativeLocktime{}, err
	}
	if v >= 512 {
		return arklib.RelativeLocktime{Type: arklib.LocktimeTypeSecond, Value: v}, nil
	}
	return arklib.RelativeLocktime{Type: arklib.LocktimeTypeBlock, Value: v}, nil
}
