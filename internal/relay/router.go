package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"

	"github.com/zulandar/switchboard/internal/claim"
	"github.com/zulandar/switchboard/internal/keylock"
	"github.com/zulandar/switchboard/internal/models"
	"github.com/zulandar/switchboard/internal/store"
	"github.com/zulandar/switchboard/internal/vault"
)

// Router orchestrates the relay: it resolves inbound platform events to
// cases, appends messages, gates moderator responses through the claim
// coordinator, and hands outbound text to the dispatcher.
//
// Operations on the same case serialize under a per-case lock. The lock is
// never held while awaiting platform delivery: append and audit commits
// happen first, so a delivery failure can only cost the confirmation flag,
// never the record.
type Router struct {
	store           *store.Store
	vault           *vault.Vault
	claims          *claim.Coordinator
	dispatcher      *Dispatcher
	restrictHistory bool
	caseLocks       *keylock.KeyLock
	out             io.Writer
}

// RouterOpts holds parameters for creating a Router.
type RouterOpts struct {
	Store           *store.Store
	Vault           *vault.Vault
	Claims          *claim.Coordinator
	Dispatcher      *Dispatcher
	RestrictHistory bool      // suggestion history readable only by claimant/elevated
	Out             io.Writer // defaults to os.Stdout
}

// NewRouter creates a Router.
func NewRouter(opts RouterOpts) (*Router, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("relay: router: store is required")
	}
	if opts.Vault == nil {
		return nil, fmt.Errorf("relay: router: vault is required")
	}
	if opts.Claims == nil {
		return nil, fmt.Errorf("relay: router: claim coordinator is required")
	}
	if opts.Dispatcher == nil {
		return nil, fmt.Errorf("relay: router: dispatcher is required")
	}
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}
	return &Router{
		store:           opts.Store,
		vault:           opts.Vault,
		claims:          opts.Claims,
		dispatcher:      opts.Dispatcher,
		restrictHistory: opts.RestrictHistory,
		caseLocks:       keylock.New(),
		out:             out,
	}, nil
}

// OnSubmitterMessage routes a message from a participant's DM. With no
// live case it opens one (a closed predecessor is linked via the reopen
// rule, never mutated); with a live case it appends a follow-up. The
// submitter gets an acknowledgment and the mod channel an alert.
func (r *Router) OnSubmitterMessage(ctx context.Context, realIdentity, body, idemKey string) (*models.Case, error) {
	ids, err := r.vault.CaseIDsFor(realIdentity)
	if err != nil {
		return nil, err
	}

	var c *models.Case
	isNew := false

	c, err = r.store.LatestActiveCase(ids, "")
	if errors.Is(err, store.ErrNotFound) {
		var prior *uint
		if latest, lerr := r.store.LatestCase(ids, models.KindSuggestion); lerr == nil {
			prior = &latest.ID
		}
		c, err = r.vault.CreateMapping(realIdentity, models.KindSuggestion, prior)
		isNew = true
	}
	if err != nil {
		return nil, err
	}

	msg, err := r.appendLocked(c.ID, models.RoleSubmitter, body, store.AppendOpts{IdempotencyKey: idemKey})
	if err != nil {
		return nil, err
	}

	fmt.Fprintf(r.out, "relay: case #%d: submitter message (seq %d, new=%v)\n", c.ID, msg.Seq, isNew)

	if isNew {
		if err := r.dispatcher.DeliverToSubmitter(ctx, c.ID, 0, formatSubmitterAck(c)); err != nil {
			log.Printf("relay: case %d: ack submitter: %v", c.ID, err)
		}
		if err := r.dispatcher.DeliverToModChannel(ctx, c.ID, msg.ID, formatNewCaseAlert(c, body)); err != nil {
			log.Printf("relay: case %d: alert mod channel: %v", c.ID, err)
		}
		return c, nil
	}

	if err := r.dispatcher.DeliverToModChannel(ctx, c.ID, msg.ID, formatFollowUpAlert(c, body)); err != nil {
		log.Printf("relay: case %d: follow-up alert: %v", c.ID, err)
	}
	return c, nil
}

// OnModeratorReply routes a moderator's reply to a case. The moderator
// auto-claims on first reply; a claim held by someone else surfaces as
// claim.ErrAlreadyClaimed. The reply is appended and the case transitions
// to answered before delivery is attempted; a delivery failure leaves the
// record intact, warns the mod channel, and returns ErrDeliveryFailed.
func (r *Router) OnModeratorReply(ctx context.Context, caseID uint, moderatorID, body, idemKey string) error {
	key := caseKey(caseID)
	r.caseLocks.Lock(key)

	if err := r.claims.Claim(caseID, moderatorID); err != nil {
		r.caseLocks.Unlock(key)
		return err
	}

	msg, err := r.store.AppendMessage(caseID, models.RoleModerator, body, store.AppendOpts{
		ModeratorID:    moderatorID,
		IdempotencyKey: idemKey,
	})
	if err != nil {
		r.caseLocks.Unlock(key)
		return err
	}
	if err := r.claims.Touch(caseID, moderatorID); err != nil {
		log.Printf("relay: case %d: touch claim: %v", caseID, err)
	}
	if err := r.store.Transition(caseID, models.StatusAnswered, moderatorID); err != nil {
		r.caseLocks.Unlock(key)
		return err
	}
	r.caseLocks.Unlock(key)

	fmt.Fprintf(r.out, "relay: case #%d: moderator reply (seq %d)\n", caseID, msg.Seq)

	if err := r.dispatcher.DeliverToSubmitter(ctx, caseID, msg.ID, formatModReply(caseID, body)); err != nil {
		if derr := r.dispatcher.DeliverToModChannel(ctx, caseID, 0, formatDeliveryWarning(caseID)); derr != nil {
			log.Printf("relay: case %d: delivery warning: %v", caseID, derr)
		}
		return err
	}
	return nil
}

// OnModeratorNotice opens a moderator-initiated notice case against a
// participant and delivers the notice anonymously. Notice cases are exempt
// from the suggestion cap and throttle; the target can reply in their DM
// and the exchange relays like any other case.
func (r *Router) OnModeratorNotice(ctx context.Context, moderatorID, targetIdentity, body string) (*models.Case, error) {
	c, err := r.vault.CreateMapping(targetIdentity, models.KindModNotice, nil)
	if err != nil {
		return nil, err
	}

	key := caseKey(c.ID)
	r.caseLocks.Lock(key)
	if err := r.claims.Claim(c.ID, moderatorID); err != nil {
		r.caseLocks.Unlock(key)
		return nil, err
	}
	msg, err := r.store.AppendMessage(c.ID, models.RoleModerator, body, store.AppendOpts{ModeratorID: moderatorID})
	if err != nil {
		r.caseLocks.Unlock(key)
		return nil, err
	}
	if err := r.store.Transition(c.ID, models.StatusAnswered, moderatorID); err != nil {
		r.caseLocks.Unlock(key)
		return nil, err
	}
	r.caseLocks.Unlock(key)

	fmt.Fprintf(r.out, "relay: case #%d: mod notice opened by %s\n", c.ID, moderatorID)

	if err := r.dispatcher.DeliverToSubmitter(ctx, c.ID, msg.ID, formatModNotice(c.ID, body)); err != nil {
		if derr := r.dispatcher.DeliverToModChannel(ctx, c.ID, 0, formatDeliveryWarning(c.ID)); derr != nil {
			log.Printf("relay: case %d: delivery warning: %v", c.ID, derr)
		}
		return c, err
	}
	if err := r.dispatcher.DeliverToModChannel(ctx, c.ID, 0,
		fmt.Sprintf("Mod notice case #%d opened by %s for `%s`.", c.ID, moderatorID, c.Pseudonym)); err != nil {
		log.Printf("relay: case %d: notice alert: %v", c.ID, err)
	}
	return c, nil
}

// OnCloseRequest closes a case at either side's request. Messages already
// appended keep their in-flight deliveries; all subsequent appends are
// refused by the store.
func (r *Router) OnCloseRequest(ctx context.Context, caseID uint, actorRole, actorID string) error {
	key := caseKey(caseID)
	r.caseLocks.Lock(key)
	err := r.store.Transition(caseID, models.StatusClosed, actorID)
	r.caseLocks.Unlock(key)
	if err != nil {
		return err
	}

	fmt.Fprintf(r.out, "relay: case #%d: closed by %s\n", caseID, actorRole)

	if err := r.dispatcher.DeliverToSubmitter(ctx, caseID, 0,
		fmt.Sprintf("Case #%d is now closed. Sending a new message will open a fresh case.", caseID)); err != nil {
		log.Printf("relay: case %d: close notice to submitter: %v", caseID, err)
	}
	if err := r.dispatcher.DeliverToModChannel(ctx, caseID, 0,
		fmt.Sprintf("Case #%d closed by %s.", caseID, actorRole)); err != nil {
		log.Printf("relay: case %d: close notice to mod channel: %v", caseID, err)
	}
	return nil
}

// ClaimCase lets a moderator take a case explicitly before replying.
func (r *Router) ClaimCase(caseID uint, moderatorID string) error {
	key := caseKey(caseID)
	r.caseLocks.Lock(key)
	defer r.caseLocks.Unlock(key)
	return r.claims.Claim(caseID, moderatorID)
}

// ReleaseCase returns a moderator's claimed case to the open pool.
func (r *Router) ReleaseCase(caseID uint, moderatorID string) error {
	key := caseKey(caseID)
	r.caseLocks.Lock(key)
	defer r.caseLocks.Unlock(key)
	return r.claims.Release(caseID, moderatorID)
}

// ActiveCaseFor returns the submitter's current live case, if any. The
// host layer uses it to route a submitter's own close request.
func (r *Router) ActiveCaseFor(realIdentity string) (*models.Case, error) {
	ids, err := r.vault.CaseIDsFor(realIdentity)
	if err != nil {
		return nil, err
	}
	return r.store.LatestActiveCase(ids, "")
}

// ListOpenCases returns non-closed cases of a kind (empty for all).
func (r *Router) ListOpenCases(kind string) ([]models.Case, error) {
	return r.store.ListOpenCases(kind)
}

// CaseHistory returns a case and its ordered message log. When suggestion
// history is restricted by deployment policy, content is readable only by
// the current claimant or an elevated moderator.
func (r *Router) CaseHistory(caseID uint, requester string) (*models.Case, []models.CaseMessage, error) {
	c, err := r.store.GetCase(caseID)
	if err != nil {
		return nil, nil, err
	}
	if r.restrictHistory && c.Kind == models.KindSuggestion &&
		c.ClaimedBy != requester && !r.vault.IsElevated(requester) {
		return nil, nil, fmt.Errorf("relay: history of case %d for %s: %w", caseID, requester, vault.ErrPermissionDenied)
	}
	msgs, err := r.store.History(caseID)
	if err != nil {
		return nil, nil, err
	}
	return c, msgs, nil
}

// appendLocked appends one message under the case's lock.
func (r *Router) appendLocked(caseID uint, role, body string, opts store.AppendOpts) (*models.CaseMessage, error) {
	key := caseKey(caseID)
	r.caseLocks.Lock(key)
	defer r.caseLocks.Unlock(key)
	return r.store.AppendMessage(caseID, role, body, opts)
}

// caseKey renders a case ID as a lock key.
func caseKey(caseID uint) string {
	return strconv.FormatUint(uint64(caseID), 10)
}
