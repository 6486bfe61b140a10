package contract

import (
	"fmt"
	"strings"

	"github.com/arkade-os/arkd/pkg/ark-lib/script"
	"github.com/btcsuite/btcd/btcec/v2"
)

// Generic is a contract with arbitrary leaves this client knows how to
// watch but not how to spend.
type Generic struct {
	ServerKey *btcec.PublicKey
	Scripts   []string
}

func NewGeneric(server *btcec.PublicKey, tapscripts []string) (*Generic, error) {
	if server == nil {
		return nil, fmt.Errorf("missing server key")
	}
	if _, err := script.ParseVtxoScript(tapscripts); err != nil {
		return nil, fmt.Errorf("invalid tapscripts: %s", err)
	}
	return &Generic{ServerKey: server, Scripts: tapscripts}, nil
}

func (g *Generic) Type() Type { return TypeGeneric }

func (g *Generic) Server() *btcec.PublicKey { return g.ServerKey }

func (g *Generic) Tapscripts() ([]string, error) {
	return g.Scripts, nil
}

func (g *Generic) Fields() []Field {
	return []Field{
		{"server", encodeKey(g.ServerKey)},
		{"tapscripts", strings.Join(g.Scripts, ",")},
	}
}

func (g *Generic) SpendingPaths() ([]SpendingPath, error) {
	return nil, ErrUnableToSignGeneric
}

func (g *Generic) sealed() {}

type genericFields struct {
	Server     string `field:"server"`
	Tapscripts string `field:"tapscripts"`
}

func parseGeneric(fields map[string]string) (Contract, error) {
	var f genericFields
	if err := decodeFields(fields, &f, "server", "tapscripts"); err != nil {
		return nil, err
	}
	server, err := parseKey("server", f.Server)
	if err != nil {
		return nil, err
	}
	return NewGeneric(server, strings.Split(f.Tapscripts, ","))
}
