package contract

import (
	"fmt"

	arklib "github.com/arkade-os/arkd/pkg/ark-lib"
	"github.com/arkade-os/arkd/pkg/ark-lib/script"
	"github.com/btcsuite/btcd/btcec/v2"
)

// Payment is the default vtxo contract: user+server collaboratively, or the
// user alone after the exit delay.
type Payment struct {
	ServerKey *btcec.PublicKey
	User      *btcec.PublicKey
	ExitDelay arklib.RelativeLocktime
}

func NewPayment(
	server, user *btcec.PublicKey, exitDelay arklib.RelativeLocktime,
) (*Payment, error) {
	if server == nil || user == nil {
		return nil, fmt.Errorf("missing server or user key")
	}
	if _, err := arklib.BIP68Sequence(exitDelay); err != nil {
		return nil, fmt.Errorf("invalid exit delay: %s", err)
	}
	return &Payment{ServerKey: server, User: user, ExitDelay: exitDelay}, nil
}

func (p *Payment) Type() Type { return TypePayment }

func (p *Payment) Server() *btcec.PublicKey { return p.ServerKey }

func (p *Payment) CollaborativeClosure() *script.MultisigClosure {
	return &script.MultisigClosure{
		PubKeys: []*btcec.PublicKey{p.User, p.ServerKey},
	}
}

func (p *Payment) UnilateralClosure() *script.CSVMultisigClosure {
	return &script.CSVMultisigClosure{
		MultisigClosure: script.MultisigClosure{
			PubKeys: []*btcec.PublicKey{p.User},
		},
		Locktime: p.ExitDelay,
	}
}

func (p *Payment) Tapscripts() ([]string, error) {
	return encodeClosures([]script.Closure{
		p.CollaborativeClosure(), p.UnilateralClosure(),
	})
}

func (p *Payment) Fields() []Field {
	return []Field{
		{"exit_delay", mustSequence(p.ExitDelay)},
		{"user", encodeKey(p.User)},
		{"server", encodeKey(p.ServerKey)},
	}
}

func (p *Payment) SpendingPaths() ([]SpendingPath, error) {
	collaborative, err := p.CollaborativeClosure().Script()
	if err != nil {
		return nil, err
	}
	unilateral, err := p.UnilateralClosure().Script()
	if err != nil {
		return nil, err
	}
	exitDelay := p.ExitDelay
	return []SpendingPath{
		{Name: "collaborative", Collaborative: true, Script: collaborative},
		{Name: "unilateral", Script: unilateral, Sequence: &exitDelay},
	}, nil
}

func (p *Payment) sealed() {}

type paymentFields struct {
	ExitDelay uint32 `field:"exit_delay"`
	User      string `field:"user"`
	Server    string `field:"server"`
}

func parsePayment(fields map[string]string) (Contract, error) {
	var f paymentFields
	if err := decodeFields(fields, &f, "exit_delay", "user", "server"); err != nil {
		return nil, err
	}
	server, err := parseKey("server", f.Server)
	if err != nil {
		return nil, err
	}
	user, err := parseKey("user", f.User)
	if err != nil {
		return nil, err
	}
	exitDelay, err := decodeSequence(f.ExitDelay)
	if err != nil {
		return nil, err
	}
	return NewPayment(server, user, exitDelay)
}
