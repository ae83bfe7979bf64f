package relay

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/zulandar/switchboard/internal/claim"
	"github.com/zulandar/switchboard/internal/models"
	"github.com/zulandar/switchboard/internal/store"
	"github.com/zulandar/switchboard/internal/vault"
)

// commandPrefix marks moderator commands in the mod channel.
const commandPrefix = "!sb"

// CommandHandler processes "!sb" commands from the moderator channel.
// Mutations go through the Router, which owns case locking and delivery.
type CommandHandler struct {
	router *Router
}

// CommandHandlerOpts holds parameters for creating a CommandHandler.
type CommandHandlerOpts struct {
	Router *Router
}

// NewCommandHandler creates a CommandHandler.
func NewCommandHandler(opts CommandHandlerOpts) (*CommandHandler, error) {
	if opts.Router == nil {
		return nil, fmt.Errorf("relay: command handler: router is required")
	}
	return &CommandHandler{router: opts.Router}, nil
}

// Execute parses and executes a "!sb" command string on behalf of the
// moderator identified by msg. Returns the response text to send back to
// the mod channel.
func (ch *CommandHandler) Execute(ctx context.Context, msg InboundMessage) string {
	args := parseCommand(msg.Text)
	if len(args) == 0 {
		return ch.helpText()
	}

	switch args[0] {
	case "reply":
		return ch.cmdReply(ctx, msg, args[1:])
	case "claim":
		return ch.cmdClaim(msg, args[1:])
	case "release":
		return ch.cmdRelease(msg, args[1:])
	case "close":
		return ch.cmdClose(ctx, msg, args[1:])
	case "notice":
		return ch.cmdNotice(ctx, msg, args[1:])
	case "cases":
		return ch.cmdCases(args[1:])
	case "history":
		return ch.cmdHistory(msg, args[1:])
	case "help":
		return ch.helpText()
	default:
		return fmt.Sprintf("Unknown command: `%s`\n\n%s", args[0], ch.helpText())
	}
}

// parseCommand strips the "!sb" prefix and splits the remaining text.
func parseCommand(text string) []string {
	text = strings.TrimSpace(text)
	if text == commandPrefix {
		return nil
	}
	text = strings.TrimPrefix(text, commandPrefix+" ")
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	return strings.Fields(text)
}

// parseCaseID parses a case ID argument, tolerating a leading "#".
func parseCaseID(arg string) (uint, error) {
	id, err := strconv.ParseUint(strings.TrimPrefix(arg, "#"), 10, 32)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("relay: bad case id %q", arg)
	}
	return uint(id), nil
}

// cmdReply handles "!sb reply <case-id> <text>".
func (ch *CommandHandler) cmdReply(ctx context.Context, msg InboundMessage, args []string) string {
	if len(args) < 2 {
		return "Usage: `!sb reply <case-id> <text>`"
	}
	caseID, err := parseCaseID(args[0])
	if err != nil {
		return fmt.Sprintf("Bad case id: `%s`", args[0])
	}
	body := strings.Join(args[1:], " ")

	err = ch.router.OnModeratorReply(ctx, caseID, msg.UserID, body, msg.Platform+":"+msg.MessageID)
	switch {
	case err == nil:
		return fmt.Sprintf("Reply sent on case #%d.", caseID)
	case errors.Is(err, claim.ErrAlreadyClaimed):
		return fmt.Sprintf("Case #%d is claimed by another moderator. Ask them to release it first.", caseID)
	case errors.Is(err, store.ErrCaseClosed):
		return fmt.Sprintf("Case #%d is closed.", caseID)
	case errors.Is(err, store.ErrNotFound):
		return fmt.Sprintf("No case #%d.", caseID)
	case errors.Is(err, ErrDeliveryFailed):
		return fmt.Sprintf("Reply recorded on case #%d but could not be delivered.", caseID)
	default:
		return fmt.Sprintf("Error: %v", err)
	}
}

// cmdClaim handles "!sb claim <case-id>".
func (ch *CommandHandler) cmdClaim(msg InboundMessage, args []string) string {
	if len(args) == 0 {
		return "Usage: `!sb claim <case-id>`"
	}
	caseID, err := parseCaseID(args[0])
	if err != nil {
		return fmt.Sprintf("Bad case id: `%s`", args[0])
	}

	err = ch.router.ClaimCase(caseID, msg.UserID)
	switch {
	case err == nil:
		return fmt.Sprintf("Case #%d is yours.", caseID)
	case errors.Is(err, claim.ErrAlreadyClaimed):
		return fmt.Sprintf("Case #%d is already claimed by another moderator.", caseID)
	case errors.Is(err, store.ErrCaseClosed):
		return fmt.Sprintf("Case #%d is closed.", caseID)
	case errors.Is(err, store.ErrNotFound):
		return fmt.Sprintf("No case #%d.", caseID)
	default:
		return fmt.Sprintf("Error: %v", err)
	}
}

// cmdRelease handles "!sb release <case-id>".
func (ch *CommandHandler) cmdRelease(msg InboundMessage, args []string) string {
	if len(args) == 0 {
		return "Usage: `!sb release <case-id>`"
	}
	caseID, err := parseCaseID(args[0])
	if err != nil {
		return fmt.Sprintf("Bad case id: `%s`", args[0])
	}

	err = ch.router.ReleaseCase(caseID, msg.UserID)
	switch {
	case err == nil:
		return fmt.Sprintf("Case #%d is back in the open pool.", caseID)
	case errors.Is(err, claim.ErrNotClaimant):
		return fmt.Sprintf("You do not hold the claim on case #%d.", caseID)
	case errors.Is(err, store.ErrNotFound):
		return fmt.Sprintf("No case #%d.", caseID)
	default:
		return fmt.Sprintf("Error: %v", err)
	}
}

// cmdClose handles "!sb close <case-id>".
func (ch *CommandHandler) cmdClose(ctx context.Context, msg InboundMessage, args []string) string {
	if len(args) == 0 {
		return "Usage: `!sb close <case-id>`"
	}
	caseID, err := parseCaseID(args[0])
	if err != nil {
		return fmt.Sprintf("Bad case id: `%s`", args[0])
	}

	err = ch.router.OnCloseRequest(ctx, caseID, "the moderation team", msg.UserID)
	switch {
	case err == nil:
		return fmt.Sprintf("Case #%d closed.", caseID)
	case errors.Is(err, store.ErrInvalidTransition):
		return fmt.Sprintf("Case #%d is already closed.", caseID)
	case errors.Is(err, store.ErrNotFound):
		return fmt.Sprintf("No case #%d.", caseID)
	default:
		return fmt.Sprintf("Error: %v", err)
	}
}

// cmdNotice handles "!sb notice <user-id> <text>".
func (ch *CommandHandler) cmdNotice(ctx context.Context, msg InboundMessage, args []string) string {
	if len(args) < 2 {
		return "Usage: `!sb notice <user-id> <text>`"
	}
	target := strings.Trim(args[0], "<@>")
	body := strings.Join(args[1:], " ")

	c, err := ch.router.OnModeratorNotice(ctx, msg.UserID, target, body)
	switch {
	case err == nil:
		return fmt.Sprintf("Notice delivered as case #%d (`%s`).", c.ID, c.Pseudonym)
	case errors.Is(err, ErrDeliveryFailed):
		return fmt.Sprintf("Notice recorded as case #%d but could not be delivered.", c.ID)
	default:
		return fmt.Sprintf("Error: %v", err)
	}
}

// cmdCases handles "!sb cases [suggestion|notice]".
func (ch *CommandHandler) cmdCases(args []string) string {
	kind := ""
	if len(args) > 0 {
		switch args[0] {
		case "suggestion", "suggestions":
			kind = models.KindSuggestion
		case "notice", "notices":
			kind = models.KindModNotice
		default:
			return "Usage: `!sb cases [suggestion|notice]`"
		}
	}

	cases, err := ch.router.ListOpenCases(kind)
	if err != nil {
		return fmt.Sprintf("Error listing cases: %v", err)
	}
	if len(cases) == 0 {
		return "No open cases."
	}
	return formatCaseTable(cases)
}

// cmdHistory handles "!sb history <case-id>".
func (ch *CommandHandler) cmdHistory(msg InboundMessage, args []string) string {
	if len(args) == 0 {
		return "Usage: `!sb history <case-id>`"
	}
	caseID, err := parseCaseID(args[0])
	if err != nil {
		return fmt.Sprintf("Bad case id: `%s`", args[0])
	}

	c, msgs, err := ch.router.CaseHistory(caseID, msg.UserID)
	switch {
	case err == nil:
		return formatHistory(c, msgs)
	case errors.Is(err, vault.ErrPermissionDenied):
		return fmt.Sprintf("Case #%d history is restricted to the claimant and elevated moderators.", caseID)
	case errors.Is(err, store.ErrNotFound):
		return fmt.Sprintf("No case #%d.", caseID)
	default:
		return fmt.Sprintf("Error: %v", err)
	}
}

// helpText returns usage information for all commands.
func (ch *CommandHandler) helpText() string {
	return "**Switchboard Commands**\n" +
		"`!sb reply <case-id> <text>` — Reply anonymously (claims the case)\n" +
		"`!sb claim <case-id>` — Take a case\n" +
		"`!sb release <case-id>` — Return a case to the pool\n" +
		"`!sb close <case-id>` — Close a case\n" +
		"`!sb notice <user-id> <text>` — Open an anonymous mod notice\n" +
		"`!sb cases [suggestion|notice]` — List open cases\n" +
		"`!sb history <case-id>` — Show a case's message log\n" +
		"`!sb help` — This message"
}
