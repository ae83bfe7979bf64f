package relay

import (
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/zulandar/switchboard/internal/models"
)

func TestExcerpt(t *testing.T) {
	if got := excerpt("short one"); got != "short one" {
		t.Errorf("excerpt = %q", got)
	}
	if got := excerpt("line\none\n\nline two"); got != "line one line two" {
		t.Errorf("excerpt flattening = %q", got)
	}
	long := strings.Repeat("x", excerptLen+50)
	got := excerpt(long)
	if len(got) != excerptLen+3 || !strings.HasSuffix(got, "...") {
		t.Errorf("excerpt truncation = %d chars", len(got))
	}
}

func TestExcerpt_MultiByteTruncation(t *testing.T) {
	// 3-byte runes guarantee the byte limit lands mid-rune.
	long := strings.Repeat("あ", excerptLen)
	got := excerpt(long)
	if !utf8.ValidString(got) {
		t.Errorf("excerpt produced invalid UTF-8: %q", got)
	}
	if !strings.HasSuffix(got, "...") {
		t.Errorf("excerpt not truncated: %q", got)
	}
	if len(got) > excerptLen+3 {
		t.Errorf("excerpt length = %d bytes, want <= %d", len(got), excerptLen+3)
	}
}

func TestFormatNewCaseAlert(t *testing.T) {
	c := &models.Case{Pseudonym: "brisk-finch-9c", Kind: models.KindSuggestion}
	c.ID = 3

	alert := formatNewCaseAlert(c, "add a jazz night")
	if !strings.Contains(alert, "brisk-finch-9c") || !strings.Contains(alert, "#3") {
		t.Errorf("alert = %q", alert)
	}
	if strings.Contains(alert, "reopens") {
		t.Errorf("fresh case must not mention a prior: %q", alert)
	}

	prior := uint(1)
	c.PriorCaseID = &prior
	alert = formatNewCaseAlert(c, "one more thing")
	if !strings.Contains(alert, "reopens case #1") {
		t.Errorf("reopen alert = %q", alert)
	}
}

func TestFormatModReply_NoModeratorIdentity(t *testing.T) {
	got := formatModReply(5, "we will fix it")
	if !strings.Contains(got, "moderation team") || !strings.Contains(got, "we will fix it") {
		t.Errorf("reply = %q", got)
	}
}

func TestFormatDigest(t *testing.T) {
	if got := formatDigest(nil); got != "" {
		t.Errorf("empty digest = %q, want empty string", got)
	}

	cases := []models.Case{
		{Pseudonym: "brisk-finch-9c", Kind: models.KindSuggestion, Status: models.StatusOpen},
		{Pseudonym: "witty-stork-2a", Kind: models.KindModNotice, Status: models.StatusClaimed, ClaimedBy: "mod1"},
	}
	cases[0].ID = 1
	cases[1].ID = 2

	got := formatDigest(cases)
	if !strings.Contains(got, "Open cases: 2") {
		t.Errorf("digest header missing: %q", got)
	}
	if !strings.Contains(got, "claimed by mod1") {
		t.Errorf("digest claim note missing: %q", got)
	}
}

func TestFormatCaseTable(t *testing.T) {
	cases := []models.Case{
		{Pseudonym: "brisk-finch-9c", Kind: models.KindSuggestion, Status: models.StatusOpen},
	}
	cases[0].ID = 4

	got := formatCaseTable(cases)
	if !strings.Contains(got, "PSEUDONYM") || !strings.Contains(got, "#4") {
		t.Errorf("table = %q", got)
	}
	// Unclaimed cases show a dash.
	if !strings.Contains(got, "-") {
		t.Errorf("table = %q, want dash for unclaimed", got)
	}
}

func TestFormatHistory(t *testing.T) {
	c := &models.Case{Pseudonym: "brisk-finch-9c", Kind: models.KindSuggestion, Status: models.StatusAnswered}
	c.ID = 2
	msgs := []models.CaseMessage{
		{CaseID: 2, Seq: 1, SenderRole: models.RoleSubmitter, Body: "hello", Delivered: true},
		{CaseID: 2, Seq: 2, SenderRole: models.RoleModerator, ModeratorID: "mod1", Body: "hi", Delivered: false},
	}

	got := formatHistory(c, msgs)
	if !strings.Contains(got, "brisk-finch-9c: hello") {
		t.Errorf("submitter line = %q", got)
	}
	if !strings.Contains(got, "mod:mod1") {
		t.Errorf("moderator line = %q", got)
	}
	if !strings.Contains(got, "(undelivered)") {
		t.Errorf("undelivered mark missing: %q", got)
	}
}

func TestNextCronDuration(t *testing.T) {
	// Every minute: the next fire is at most a minute out.
	d := nextCronDuration("* * * * *")
	if d <= 0 || d > time.Minute {
		t.Errorf("duration = %v, want within (0, 1m]", d)
	}
	if d := nextCronDuration("not a cron expr"); d != 0 {
		t.Errorf("bad expr duration = %v, want 0", d)
	}
}
