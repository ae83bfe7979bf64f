package relay

import (
	"context"
	"fmt"
	"log"

	"github.com/zulandar/switchboard/internal/store"
	"github.com/zulandar/switchboard/internal/vault"
)

// Dispatcher delivers outbound case traffic to the correct platform
// destination. It is the only component that resolves pseudonyms, and it
// does so purely for addressing. Resolved identities never appear in
// message content.
type Dispatcher struct {
	store      *store.Store
	vault      *vault.Vault
	adapter    Adapter
	modChannel string
}

// DispatcherOpts holds parameters for creating a Dispatcher.
type DispatcherOpts struct {
	Store      *store.Store
	Vault      *vault.Vault
	Adapter    Adapter
	ModChannel string
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(opts DispatcherOpts) (*Dispatcher, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("relay: dispatcher: store is required")
	}
	if opts.Vault == nil {
		return nil, fmt.Errorf("relay: dispatcher: vault is required")
	}
	if opts.Adapter == nil {
		return nil, fmt.Errorf("relay: dispatcher: adapter is required")
	}
	if opts.ModChannel == "" {
		return nil, fmt.Errorf("relay: dispatcher: mod channel is required")
	}
	return &Dispatcher{
		store:      opts.Store,
		vault:      opts.Vault,
		adapter:    opts.Adapter,
		modChannel: opts.ModChannel,
	}, nil
}

// DeliverToSubmitter sends body to the submitter behind a case's pseudonym.
// When messageID is non-zero the message's delivered flag is set after
// platform confirmation. Failures wrap ErrDeliveryFailed.
func (d *Dispatcher) DeliverToSubmitter(ctx context.Context, caseID, messageID uint, body string) error {
	c, err := d.store.GetCase(caseID)
	if err != nil {
		return err
	}
	identity, err := d.vault.ResolvePseudonym(c.Pseudonym)
	if err != nil {
		return err
	}

	if err := d.adapter.SendDM(ctx, identity, body); err != nil {
		return fmt.Errorf("relay: deliver to submitter of case %d: %w: %v", caseID, ErrDeliveryFailed, err)
	}
	d.confirm(messageID)
	return nil
}

// DeliverToModChannel posts body to the moderator channel. When messageID
// is non-zero the message's delivered flag is set after confirmation.
func (d *Dispatcher) DeliverToModChannel(ctx context.Context, caseID, messageID uint, body string) error {
	if err := d.adapter.SendChannel(ctx, d.modChannel, body); err != nil {
		return fmt.Errorf("relay: deliver to mod channel for case %d: %w: %v", caseID, ErrDeliveryFailed, err)
	}
	d.confirm(messageID)
	return nil
}

// confirm flips the delivered flag once the platform has accepted the
// message. Best-effort: the durable record already exists.
func (d *Dispatcher) confirm(messageID uint) {
	if messageID == 0 {
		return
	}
	if err := d.store.MarkDelivered(messageID); err != nil {
		log.Printf("relay: mark delivered %d: %v", messageID, err)
	}
}
