package contract

import (
	"encoding/hex"
	"fmt"
	"strconv"

	arklib "github.com/arkade-os/arkd/pkg/ark-lib"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/wire"
	"github.com/mitchellh/mapstructure"
)

// decodeFields maps the k=v pairs of an encoded contract onto a struct tagged
// with `field`. Missing required keys and unknown keys are errors.
func decodeFields(fields map[string]string, out any, required ...string) error {
	for _, key := range required {
		if v, ok := fields[key]; !ok || v == "" {
			return fmt.Errorf("missing contract field %s", key)
		}
	}

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "field",
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		Result:           out,
	})
	if err != nil {
		return err
	}
	if err := decoder.Decode(fields); err != nil {
		return fmt.Errorf("invalid contract fields: %s", err)
	}
	return nil
}

func encodeKey(key *btcec.PublicKey) string {
	return hex.EncodeToString(key.SerializeCompressed())
}

func parseKey(name, s string) (*btcec.PublicKey, error) {
	buf, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid %s key: %s", name, err)
	}
	key, err := btcec.ParsePubKey(buf)
	if err != nil {
		return nil, fmt.Errorf("invalid %s key: %s", name, err)
	}
	return key, nil
}

func parseOptionalKey(name, s string) (*btcec.PublicKey, error) {
	if s == "" {
		return nil, nil
	}
	return parseKey(name, s)
}

func parseHex(name, s string) ([]byte, error) {
	buf, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid %s: %s", name, err)
	}
	return buf, nil
}

// Relative locktimes are encoded as their BIP68 sequence number.
func encodeSequence(locktime arklib.RelativeLocktime) (string, error) {
	sequence, err := arklib.BIP68Sequence(locktime)
	if err != nil {
		return "", err
	}
	return strconv.FormatUint(uint64(sequence), 10), nil
}

func decodeSequence(sequence uint32) (arklib.RelativeLocktime, error) {
	if sequence&wire.SequenceLockTimeDisabled != 0 {
		return arklib.RelativeLocktime{}, fmt.Errorf("sequence %d is disabled", sequence)
	}
	value := sequence & wire.SequenceLockTimeMask
	if sequence&wire.SequenceLockTimeIsSeconds != 0 {
		return arklib.RelativeLocktime{
			Type:  arklib.LocktimeTypeSecond,
			Value: value << wire.SequenceLockTimeGranularity,
		}, nil
	}
	return arklib.RelativeLocktime{Type: arklib.LocktimeTypeBlock, Value: value}, nil
}

func mustSequence(locktime arklib.RelativeLocktime) string {
	// nolint
	s, _ := encodeSequence(locktime)
	return s
}
