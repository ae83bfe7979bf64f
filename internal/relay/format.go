package relay

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/zulandar/switchboard/internal/models"
)

// excerptLen bounds how much of a message body appears in mod-channel
// alerts and digests.
const excerptLen = 140

// formatNewCaseAlert builds the mod-channel alert for a freshly opened
// case. Only the pseudonym and case ID identify the submitter.
func formatNewCaseAlert(c *models.Case, body string) string {
	label := "Suggestion"
	if c.Kind == models.KindModNotice {
		label = "Mod notice"
	}
	alert := fmt.Sprintf("**%s case #%d** from `%s`:\n> %s", label, c.ID, c.Pseudonym, excerpt(body))
	if c.PriorCaseID != nil {
		alert += fmt.Sprintf("\n(reopens case #%d)", *c.PriorCaseID)
	}
	return alert
}

// formatFollowUpAlert builds the mod-channel alert for a follow-up message
// on an existing case.
func formatFollowUpAlert(c *models.Case, body string) string {
	return fmt.Sprintf("**Case #%d** (`%s`) follow-up:\n> %s", c.ID, c.Pseudonym, excerpt(body))
}

// formatSubmitterAck is the DM confirming a case was opened.
func formatSubmitterAck(c *models.Case) string {
	return fmt.Sprintf(
		"Thanks — your message was passed to the moderation team as case #%d. "+
			"Replies will arrive here. You stay anonymous to the team; "+
			"reply in this DM to add more, or send `close` to end the exchange.", c.ID)
}

// formatModReply wraps a moderator's reply for anonymous delivery to the
// submitter. The moderator's identity never appears.
func formatModReply(caseID uint, body string) string {
	return fmt.Sprintf("Reply from the moderation team on case #%d:\n> %s", caseID, body)
}

// formatModNotice wraps a moderator-initiated notice for delivery.
func formatModNotice(caseID uint, body string) string {
	return fmt.Sprintf("Notice from the moderation team (case #%d):\n> %s\nYou can reply in this DM.", caseID, body)
}

// formatDeliveryWarning is the mod-channel warning when a submitter could
// not be reached (e.g. DMs disabled).
func formatDeliveryWarning(caseID uint) string {
	return fmt.Sprintf("⚠ Could not deliver the reply for case #%d — the submitter may have DMs disabled. "+
		"The message is recorded and will show in the case history.", caseID)
}

// formatClaimExpiry is the mod-channel note when an abandoned claim lapses.
func formatClaimExpiry(c models.Case) string {
	return fmt.Sprintf("Claim on case #%d (`%s`) by %s expired — the case is open again.", c.ID, c.Pseudonym, c.ClaimedBy)
}

// formatDigest summarizes open cases for the scheduled digest. Returns ""
// when there is nothing to report.
func formatDigest(cases []models.Case) string {
	if len(cases) == 0 {
		return ""
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Open cases: %d\n", len(cases))
	for _, c := range cases {
		status := c.Status
		if c.Status == models.StatusClaimed && c.ClaimedBy != "" {
			status = fmt.Sprintf("claimed by %s", c.ClaimedBy)
		}
		fmt.Fprintf(&b, "• #%d `%s` [%s] %s\n", c.ID, c.Pseudonym, c.Kind, status)
	}
	return strings.TrimRight(b.String(), "\n")
}

// formatCaseTable formats open cases as a fixed-width table.
func formatCaseTable(cases []models.Case) string {
	var b strings.Builder
	fmt.Fprintf(&b, "**Open cases** (%d)\n", len(cases))
	fmt.Fprintf(&b, "%-6s %-24s %-12s %-10s %s\n",
		"ID", "PSEUDONYM", "KIND", "STATUS", "CLAIMED BY")
	for _, c := range cases {
		claimedBy := c.ClaimedBy
		if claimedBy == "" {
			claimedBy = "-"
		}
		fmt.Fprintf(&b, "#%-5d %-24s %-12s %-10s %s\n",
			c.ID, c.Pseudonym, c.Kind, c.Status, claimedBy)
	}
	return strings.TrimRight(b.String(), "\n")
}

// formatHistory renders a case's message log for moderators. Submitter
// turns show the pseudonym only.
func formatHistory(c *models.Case, msgs []models.CaseMessage) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Case #%d `%s` [%s] %s\n", c.ID, c.Pseudonym, c.Kind, c.Status)
	for _, m := range msgs {
		sender := c.Pseudonym
		if m.SenderRole == models.RoleModerator {
			sender = "mod:" + m.ModeratorID
		}
		mark := ""
		if !m.Delivered {
			mark = " (undelivered)"
		}
		fmt.Fprintf(&b, "%d. %s%s: %s\n", m.Seq, sender, mark, m.Body)
	}
	return strings.TrimRight(b.String(), "\n")
}

// excerpt returns body truncated to excerptLen with ellipsis, flattened to
// a single line. The cut lands on a rune boundary so multi-byte text stays
// valid UTF-8.
func excerpt(body string) string {
	flat := strings.Join(strings.Fields(body), " ")
	if len(flat) <= excerptLen {
		return flat
	}
	cut := excerptLen
	for cut > 0 && !utf8.RuneStart(flat[cut]) {
		cut--
	}
	return flat[:cut] + "..."
}
