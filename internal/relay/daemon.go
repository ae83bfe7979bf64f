package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/zulandar/switchboard/internal/claim"
	"github.com/zulandar/switchboard/internal/config"
	"github.com/zulandar/switchboard/internal/store"
	"github.com/zulandar/switchboard/internal/vault"
)

// claimSweepInterval is how often abandoned claims are checked for expiry.
const claimSweepInterval = time.Minute

// retentionSweepInterval is how often expired identity mappings are purged.
const retentionSweepInterval = 24 * time.Hour

// Daemon is the main switchboard process. It connects to a chat platform
// via an Adapter, pumps inbound messages through the Router and
// CommandHandler, and runs the claim, retention and digest schedulers.
type Daemon struct {
	db      *gorm.DB
	cfg     *config.Config
	adapter Adapter
	out     io.Writer
}

// DaemonOpts holds parameters for creating a new Daemon.
type DaemonOpts struct {
	DB      *gorm.DB
	Config  *config.Config
	Adapter Adapter
	Out     io.Writer // defaults to os.Stdout
}

// NewDaemon creates a Daemon with the given options.
func NewDaemon(opts DaemonOpts) (*Daemon, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("relay: db is required")
	}
	if opts.Config == nil {
		return nil, fmt.Errorf("relay: config is required")
	}
	if opts.Adapter == nil {
		return nil, fmt.Errorf("relay: adapter is required")
	}
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}
	return &Daemon{
		db:      opts.DB,
		cfg:     opts.Config,
		adapter: opts.Adapter,
		out:     out,
	}, nil
}

// Run starts the switchboard daemon. It connects the adapter, builds all
// subsystems (store, vault, claim coordinator, dispatcher, router, command
// handler), and blocks until the context is cancelled. On shutdown it
// closes the adapter gracefully.
func (d *Daemon) Run(ctx context.Context) error {
	fmt.Fprintf(d.out, "Switchboard connecting...\n")
	if err := d.adapter.Connect(ctx); err != nil {
		return fmt.Errorf("relay: connect: %w", err)
	}

	// Extract bot user ID if the adapter supports it.
	var botUserID string
	if bui, ok := d.adapter.(BotUserIDer); ok {
		botUserID = bui.BotUserID()
	}

	st, err := store.New(d.db)
	if err != nil {
		d.adapter.Close()
		return fmt.Errorf("relay: build store: %w", err)
	}

	vlt, err := vault.New(vault.Opts{
		DB:        d.db,
		Store:     st,
		Elevated:  d.cfg.Privacy.Elevated,
		MaxActive: d.cfg.Relay.MaxActiveSuggestions,
		Cooldown:  d.cfg.Cooldown(),
	})
	if err != nil {
		d.adapter.Close()
		return fmt.Errorf("relay: build vault: %w", err)
	}

	claims, err := claim.New(st, d.cfg.ClaimWindow())
	if err != nil {
		d.adapter.Close()
		return fmt.Errorf("relay: build claim coordinator: %w", err)
	}

	dispatcher, err := NewDispatcher(DispatcherOpts{
		Store:      st,
		Vault:      vlt,
		Adapter:    d.adapter,
		ModChannel: d.cfg.ModChannel(),
	})
	if err != nil {
		d.adapter.Close()
		return fmt.Errorf("relay: build dispatcher: %w", err)
	}

	router, err := NewRouter(RouterOpts{
		Store:           st,
		Vault:           vlt,
		Claims:          claims,
		Dispatcher:      dispatcher,
		RestrictHistory: d.cfg.Privacy.RestrictHistory,
		Out:             d.out,
	})
	if err != nil {
		d.adapter.Close()
		return fmt.Errorf("relay: build router: %w", err)
	}

	cmdHandler, err := NewCommandHandler(CommandHandlerOpts{Router: router})
	if err != nil {
		d.adapter.Close()
		return fmt.Errorf("relay: build command handler: %w", err)
	}

	inbound, err := d.adapter.Listen(ctx)
	if err != nil {
		d.adapter.Close()
		return fmt.Errorf("relay: listen: %w", err)
	}

	go d.runClaimSweeper(ctx, claims, dispatcher)
	go d.runRetentionSweeper(ctx, vlt)
	go d.runDigestScheduler(ctx, router, dispatcher)

	fmt.Fprintf(d.out, "Switchboard online\n")

	if err := d.adapter.SendChannel(ctx, d.cfg.ModChannel(), "Switchboard online"); err != nil {
		log.Printf("relay: send online message: %v", err)
	}

	// Main event loop: pump inbound messages until context is cancelled.
	for {
		select {
		case <-ctx.Done():
			fmt.Fprintf(d.out, "Switchboard shutting down...\n")
			d.sendShutdown()
			if err := d.adapter.Close(); err != nil {
				log.Printf("relay: close adapter: %v", err)
			}
			fmt.Fprintf(d.out, "Switchboard stopped\n")
			return nil

		case msg, ok := <-inbound:
			if !ok {
				fmt.Fprintf(d.out, "Switchboard inbound channel closed\n")
				return nil
			}
			d.handleInbound(ctx, msg, botUserID, router, cmdHandler)
		}
	}
}

// handleInbound routes one platform event. DMs are submitter traffic;
// "!sb" lines in the mod channel are moderator commands; everything else
// is ignored.
func (d *Daemon) handleInbound(ctx context.Context, msg InboundMessage, botUserID string, router *Router, cmdHandler *CommandHandler) {
	if msg.UserID == "" || msg.UserID == botUserID {
		return
	}

	if msg.Direct {
		d.handleSubmitterDM(ctx, msg, router)
		return
	}

	if msg.ChannelID == d.cfg.ModChannel() && strings.HasPrefix(strings.TrimSpace(msg.Text), commandPrefix) {
		if !d.isModerator(ctx, msg.UserID) {
			return
		}
		resp := cmdHandler.Execute(ctx, msg)
		if err := d.adapter.SendChannel(ctx, msg.ChannelID, resp); err != nil {
			log.Printf("relay: send command response: %v", err)
		}
	}
}

// handleSubmitterDM processes a direct message from a participant. The
// word "close" on its own ends the participant's live case; anything else
// opens a case or appends a follow-up.
func (d *Daemon) handleSubmitterDM(ctx context.Context, msg InboundMessage, router *Router) {
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return
	}

	if strings.EqualFold(text, "close") {
		c, err := router.ActiveCaseFor(msg.UserID)
		if errors.Is(err, store.ErrNotFound) {
			d.dmReply(ctx, msg.UserID, "You have no open case. Send a message to start one.")
			return
		}
		if err != nil {
			log.Printf("relay: dm close from %s: %v", msg.UserID, err)
			return
		}
		if err := router.OnCloseRequest(ctx, c.ID, "the submitter", msg.UserID); err != nil {
			log.Printf("relay: dm close case %d: %v", c.ID, err)
		}
		return
	}

	idemKey := msg.Platform + ":" + msg.MessageID
	_, err := router.OnSubmitterMessage(ctx, msg.UserID, text, idemKey)
	switch {
	case err == nil:
	case errors.Is(err, vault.ErrDuplicateActiveCase):
		d.dmReply(ctx, msg.UserID, "You already have an open suggestion. Wait for it to be resolved before opening another.")
	case errors.Is(err, vault.ErrRateLimited):
		d.dmReply(ctx, msg.UserID, "You are sending suggestions too quickly. Please wait a bit and try again.")
	default:
		log.Printf("relay: dm from %s: %v", msg.UserID, err)
	}
}

// isModerator checks command authorization when the adapter can answer it.
// Adapters without a ModeratorChecker rely on channel membership alone.
func (d *Daemon) isModerator(ctx context.Context, userID string) bool {
	mc, ok := d.adapter.(ModeratorChecker)
	if !ok {
		return true
	}
	isMod, err := mc.IsModerator(ctx, userID)
	if err != nil {
		log.Printf("relay: moderator check for %s: %v", userID, err)
		return false
	}
	return isMod
}

// dmReply sends a best-effort DM outside any case.
func (d *Daemon) dmReply(ctx context.Context, userID, text string) {
	if err := d.adapter.SendDM(ctx, userID, text); err != nil {
		log.Printf("relay: dm to %s: %v", userID, err)
	}
}

// runClaimSweeper periodically reverts abandoned claims to the open pool
// and, when configured, tells the mod channel which claims lapsed.
func (d *Daemon) runClaimSweeper(ctx context.Context, claims *claim.Coordinator, dispatcher *Dispatcher) {
	ticker := time.NewTicker(claimSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			reverted, err := claims.ExpireStale(time.Now())
			if err != nil {
				log.Printf("relay: claim sweep: %v", err)
				continue
			}
			if !d.cfg.Relay.NotifyExpiredClaims {
				continue
			}
			for _, c := range reverted {
				if err := dispatcher.DeliverToModChannel(ctx, c.ID, 0, formatClaimExpiry(c)); err != nil {
					log.Printf("relay: claim expiry notice for case %d: %v", c.ID, err)
				}
			}
		}
	}
}

// runRetentionSweeper purges identity mappings of cases closed longer ago
// than the retention window. Message logs and audits are kept.
func (d *Daemon) runRetentionSweeper(ctx context.Context, vlt *vault.Vault) {
	ticker := time.NewTicker(retentionSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := vlt.PurgeExpired(d.cfg.Retention(), time.Now())
			if err != nil {
				log.Printf("relay: retention sweep: %v", err)
				continue
			}
			if n > 0 {
				fmt.Fprintf(d.out, "relay: purged %d expired identity mappings\n", n)
			}
		}
	}
}

// runDigestScheduler posts a cron-scheduled open-case digest to the mod
// channel. It returns immediately if no digest cron is configured.
func (d *Daemon) runDigestScheduler(ctx context.Context, router *Router, dispatcher *Dispatcher) {
	expr := d.cfg.Relay.DigestCron
	if expr == "" {
		return
	}

	var timer *time.Timer
	if next := nextCronDuration(expr); next > 0 {
		timer = time.NewTimer(next)
	}
	if timer == nil {
		log.Printf("relay: digest cron %q did not parse; digest disabled", expr)
		return
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			d.fireDigest(ctx, router, dispatcher)
			if next := nextCronDuration(expr); next > 0 {
				timer.Reset(next)
			}
		}
	}
}

// fireDigest builds and posts a single open-case digest. An empty digest
// is suppressed.
func (d *Daemon) fireDigest(ctx context.Context, router *Router, dispatcher *Dispatcher) {
	cases, err := router.ListOpenCases("")
	if err != nil {
		log.Printf("relay: digest: %v", err)
		return
	}
	text := formatDigest(cases)
	if text == "" {
		return
	}
	if err := dispatcher.DeliverToModChannel(ctx, 0, 0, text); err != nil {
		log.Printf("relay: send digest: %v", err)
	}
}

// sendShutdown posts a shutdown message to the mod channel (best-effort).
func (d *Daemon) sendShutdown() {
	ctx := context.Background()
	if err := d.adapter.SendChannel(ctx, d.cfg.ModChannel(), "Switchboard shutting down"); err != nil {
		log.Printf("relay: send shutdown message: %v", err)
	}
}
