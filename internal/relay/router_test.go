package relay

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/zulandar/switchboard/internal/claim"
	"github.com/zulandar/switchboard/internal/models"
	"github.com/zulandar/switchboard/internal/store"
	"github.com/zulandar/switchboard/internal/vault"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const testModChannel = "mod-channel"

func openRelayTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	if err := db.AutoMigrate(
		&models.Case{},
		&models.CaseMessage{},
		&models.IdentityMapping{},
		&models.RevealAudit{},
	); err != nil {
		t.Fatalf("migrate test db: %v", err)
	}
	return db
}

type relayFixture struct {
	db      *gorm.DB
	store   *store.Store
	vault   *vault.Vault
	claims  *claim.Coordinator
	adapter *MockAdapter
	router  *Router
}

type fixtureOpts struct {
	elevated        []string
	restrictHistory bool
}

func setupRelay(t *testing.T, opts fixtureOpts) *relayFixture {
	t.Helper()
	db := openRelayTestDB(t)

	st, err := store.New(db)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	vlt, err := vault.New(vault.Opts{DB: db, Store: st, Elevated: opts.elevated})
	if err != nil {
		t.Fatalf("new vault: %v", err)
	}
	claims, err := claim.New(st, 0)
	if err != nil {
		t.Fatalf("new claim coordinator: %v", err)
	}

	adapter := NewMockAdapter()
	if err := adapter.Connect(context.Background()); err != nil {
		t.Fatalf("connect mock: %v", err)
	}

	dispatcher, err := NewDispatcher(DispatcherOpts{
		Store:      st,
		Vault:      vlt,
		Adapter:    adapter,
		ModChannel: testModChannel,
	})
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}

	var out bytes.Buffer
	router, err := NewRouter(RouterOpts{
		Store:           st,
		Vault:           vlt,
		Claims:          claims,
		Dispatcher:      dispatcher,
		RestrictHistory: opts.restrictHistory,
		Out:             &out,
	})
	if err != nil {
		t.Fatalf("new router: %v", err)
	}

	return &relayFixture{db: db, store: st, vault: vlt, claims: claims, adapter: adapter, router: router}
}

func TestNewRouter_Validation(t *testing.T) {
	if _, err := NewRouter(RouterOpts{}); err == nil {
		t.Fatal("expected error for empty opts")
	}
}

func TestOnSubmitterMessage_OpensCase(t *testing.T) {
	f := setupRelay(t, fixtureOpts{})
	ctx := context.Background()

	c, err := f.router.OnSubmitterMessage(ctx, "user-1", "please add a jazz night", "discord:m1")
	if err != nil {
		t.Fatalf("submitter message: %v", err)
	}
	if c.Kind != models.KindSuggestion || c.Status != models.StatusOpen {
		t.Errorf("case = %s/%s, want suggestion/open", c.Kind, c.Status)
	}

	// The submitter got an acknowledgment naming the case.
	dms := f.adapter.DMsTo("user-1")
	if len(dms) != 1 {
		t.Fatalf("submitter DMs = %d, want 1", len(dms))
	}
	if !strings.Contains(dms[0].Text, "case #") {
		t.Errorf("ack = %q, want case reference", dms[0].Text)
	}

	// The mod channel alert carries the pseudonym, never the identity.
	posts := f.adapter.ChannelPosts(testModChannel)
	if len(posts) != 1 {
		t.Fatalf("mod channel posts = %d, want 1", len(posts))
	}
	if !strings.Contains(posts[0].Text, c.Pseudonym) {
		t.Errorf("alert = %q, want pseudonym %q", posts[0].Text, c.Pseudonym)
	}
	if strings.Contains(posts[0].Text, "user-1") {
		t.Errorf("alert leaked the real identity: %q", posts[0].Text)
	}

	// The message is durably recorded and confirmed delivered.
	msgs, _ := f.store.History(c.ID)
	if len(msgs) != 1 || msgs[0].SenderRole != models.RoleSubmitter {
		t.Fatalf("history = %v, want one submitter message", msgs)
	}
	if !msgs[0].Delivered {
		t.Error("expected alert delivery confirmed")
	}
}

func TestOnSubmitterMessage_FollowUpJoinsCase(t *testing.T) {
	f := setupRelay(t, fixtureOpts{})
	ctx := context.Background()

	first, _ := f.router.OnSubmitterMessage(ctx, "user-1", "first", "k1")
	second, err := f.router.OnSubmitterMessage(ctx, "user-1", "second", "k2")
	if err != nil {
		t.Fatalf("follow-up: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("follow-up opened case %d, want %d", second.ID, first.ID)
	}

	msgs, _ := f.store.History(first.ID)
	if len(msgs) != 2 || msgs[1].Seq != 2 {
		t.Errorf("history = %d messages, want 2 in order", len(msgs))
	}
}

func TestOnSubmitterMessage_ReopenLinksPrior(t *testing.T) {
	f := setupRelay(t, fixtureOpts{})
	ctx := context.Background()

	first, _ := f.router.OnSubmitterMessage(ctx, "user-1", "original", "k1")
	if err := f.router.OnCloseRequest(ctx, first.ID, "the moderation team", "mod1"); err != nil {
		t.Fatalf("close: %v", err)
	}

	fresh, err := f.router.OnSubmitterMessage(ctx, "user-1", "one more thing", "k2")
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if fresh.ID == first.ID {
		t.Fatal("expected a new case after close")
	}
	if fresh.PriorCaseID == nil || *fresh.PriorCaseID != first.ID {
		t.Errorf("PriorCaseID = %v, want %d", fresh.PriorCaseID, first.ID)
	}
	if fresh.Pseudonym == first.Pseudonym {
		t.Error("expected a fresh pseudonym on reopen")
	}
}

func TestOnSubmitterMessage_DuplicateEventIgnored(t *testing.T) {
	f := setupRelay(t, fixtureOpts{})
	ctx := context.Background()

	c, _ := f.router.OnSubmitterMessage(ctx, "user-1", "hello", "discord:m1")
	if _, err := f.router.OnSubmitterMessage(ctx, "user-1", "hello", "discord:m1"); err != nil {
		t.Fatalf("duplicate event: %v", err)
	}

	msgs, _ := f.store.History(c.ID)
	if len(msgs) != 1 {
		t.Errorf("history = %d messages, want 1 after duplicate delivery", len(msgs))
	}
}

func TestOnModeratorReply_AnswersAnonymously(t *testing.T) {
	f := setupRelay(t, fixtureOpts{})
	ctx := context.Background()

	c, _ := f.router.OnSubmitterMessage(ctx, "user-1", "suggestion", "k1")

	if err := f.router.OnModeratorReply(ctx, c.ID, "mod1", "thanks, we will do it", "k2"); err != nil {
		t.Fatalf("moderator reply: %v", err)
	}

	got, _ := f.store.GetCase(c.ID)
	if got.Status != models.StatusAnswered {
		t.Errorf("status = %q, want answered", got.Status)
	}

	dms := f.adapter.DMsTo("user-1")
	last := dms[len(dms)-1]
	if !strings.Contains(last.Text, "thanks, we will do it") {
		t.Errorf("reply DM = %q, want body", last.Text)
	}
	if strings.Contains(last.Text, "mod1") {
		t.Errorf("reply DM leaked the moderator identity: %q", last.Text)
	}

	msgs, _ := f.store.History(c.ID)
	reply := msgs[len(msgs)-1]
	if reply.SenderRole != models.RoleModerator || reply.ModeratorID != "mod1" {
		t.Errorf("reply record = %+v, want moderator/mod1", reply)
	}
	if !reply.Delivered {
		t.Error("expected reply confirmed delivered")
	}
}

func TestOnModeratorReply_ClaimContention(t *testing.T) {
	f := setupRelay(t, fixtureOpts{})
	ctx := context.Background()

	c, _ := f.router.OnSubmitterMessage(ctx, "user-1", "suggestion", "k1")
	if err := f.router.ClaimCase(c.ID, "mod1"); err != nil {
		t.Fatalf("claim: %v", err)
	}

	err := f.router.OnModeratorReply(ctx, c.ID, "mod2", "mine now", "k2")
	if !errors.Is(err, claim.ErrAlreadyClaimed) {
		t.Fatalf("err = %v, want ErrAlreadyClaimed", err)
	}

	// The contending reply was not recorded.
	msgs, _ := f.store.History(c.ID)
	if len(msgs) != 1 {
		t.Errorf("history = %d messages, want 1", len(msgs))
	}
}

func TestOnModeratorReply_DeliveryFailureKeepsRecord(t *testing.T) {
	f := setupRelay(t, fixtureOpts{})
	ctx := context.Background()

	c, _ := f.router.OnSubmitterMessage(ctx, "user-1", "suggestion", "k1")
	f.adapter.FailDMsTo("user-1", true)

	err := f.router.OnModeratorReply(ctx, c.ID, "mod1", "are you there", "k2")
	if !errors.Is(err, ErrDeliveryFailed) {
		t.Fatalf("err = %v, want ErrDeliveryFailed", err)
	}

	// The reply is durably recorded, just unconfirmed.
	msgs, _ := f.store.History(c.ID)
	reply := msgs[len(msgs)-1]
	if reply.Body != "are you there" {
		t.Fatalf("reply not recorded: %v", msgs)
	}
	if reply.Delivered {
		t.Error("undeliverable reply must stay unconfirmed")
	}

	// Moderators were warned.
	posts := f.adapter.ChannelPosts(testModChannel)
	warned := false
	for _, p := range posts {
		if strings.Contains(p.Text, "Could not deliver") {
			warned = true
		}
	}
	if !warned {
		t.Error("expected a delivery warning in the mod channel")
	}
}

func TestOnModeratorNotice(t *testing.T) {
	f := setupRelay(t, fixtureOpts{})
	ctx := context.Background()

	c, err := f.router.OnModeratorNotice(ctx, "mod1", "user-9", "please tone it down")
	if err != nil {
		t.Fatalf("notice: %v", err)
	}
	if c.Kind != models.KindModNotice {
		t.Errorf("kind = %q, want mod_notice", c.Kind)
	}
	got, _ := f.store.GetCase(c.ID)
	if got.Status != models.StatusAnswered {
		t.Errorf("status = %q, want answered", got.Status)
	}

	dms := f.adapter.DMsTo("user-9")
	if len(dms) != 1 {
		t.Fatalf("target DMs = %d, want 1", len(dms))
	}
	if strings.Contains(dms[0].Text, "mod1") {
		t.Errorf("notice leaked the moderator identity: %q", dms[0].Text)
	}

	// The target can reply and the exchange continues on the same case.
	follow, err := f.router.OnSubmitterMessage(ctx, "user-9", "understood, sorry", "k9")
	if err != nil {
		t.Fatalf("target reply: %v", err)
	}
	if follow.ID != c.ID {
		t.Errorf("target reply opened case %d, want %d", follow.ID, c.ID)
	}
}

func TestOnCloseRequest(t *testing.T) {
	f := setupRelay(t, fixtureOpts{})
	ctx := context.Background()

	c, _ := f.router.OnSubmitterMessage(ctx, "user-1", "suggestion", "k1")
	if err := f.router.OnCloseRequest(ctx, c.ID, "the submitter", "user-1"); err != nil {
		t.Fatalf("close: %v", err)
	}

	got, _ := f.store.GetCase(c.ID)
	if got.Status != models.StatusClosed {
		t.Errorf("status = %q, want closed", got.Status)
	}

	// Both sides heard about it.
	dms := f.adapter.DMsTo("user-1")
	if !strings.Contains(dms[len(dms)-1].Text, "closed") {
		t.Errorf("submitter close notice = %q", dms[len(dms)-1].Text)
	}
	posts := f.adapter.ChannelPosts(testModChannel)
	if !strings.Contains(posts[len(posts)-1].Text, "closed") {
		t.Errorf("mod close notice = %q", posts[len(posts)-1].Text)
	}

	// Appends are refused afterwards.
	_, err := f.store.AppendMessage(c.ID, models.RoleSubmitter, "late", store.AppendOpts{})
	if !errors.Is(err, store.ErrCaseClosed) {
		t.Errorf("append after close: err = %v, want ErrCaseClosed", err)
	}

	// Closing again is an invalid transition.
	if err := f.router.OnCloseRequest(ctx, c.ID, "the moderation team", "mod1"); !errors.Is(err, store.ErrInvalidTransition) {
		t.Errorf("double close: err = %v, want ErrInvalidTransition", err)
	}
}

func TestReleaseCase(t *testing.T) {
	f := setupRelay(t, fixtureOpts{})
	ctx := context.Background()

	c, _ := f.router.OnSubmitterMessage(ctx, "user-1", "suggestion", "k1")
	f.router.ClaimCase(c.ID, "mod1")

	if err := f.router.ReleaseCase(c.ID, "mod2"); !errors.Is(err, claim.ErrNotClaimant) {
		t.Fatalf("release by non-holder: err = %v", err)
	}
	if err := f.router.ReleaseCase(c.ID, "mod1"); err != nil {
		t.Fatalf("release: %v", err)
	}
	got, _ := f.store.GetCase(c.ID)
	if got.Status != models.StatusOpen {
		t.Errorf("status = %q, want open", got.Status)
	}
}

func TestCaseHistory_RestrictedToClaimantAndElevated(t *testing.T) {
	f := setupRelay(t, fixtureOpts{elevated: []string{"admin1"}, restrictHistory: true})
	ctx := context.Background()

	c, _ := f.router.OnSubmitterMessage(ctx, "user-1", "sensitive", "k1")
	f.router.ClaimCase(c.ID, "mod1")

	if _, _, err := f.router.CaseHistory(c.ID, "mod2"); !errors.Is(err, vault.ErrPermissionDenied) {
		t.Fatalf("outsider history: err = %v, want ErrPermissionDenied", err)
	}

	if _, msgs, err := f.router.CaseHistory(c.ID, "mod1"); err != nil || len(msgs) != 1 {
		t.Fatalf("claimant history: %v (%d messages)", err, len(msgs))
	}
	if _, _, err := f.router.CaseHistory(c.ID, "admin1"); err != nil {
		t.Fatalf("elevated history: %v", err)
	}
}

func TestCaseHistory_UnrestrictedByDefault(t *testing.T) {
	f := setupRelay(t, fixtureOpts{})
	ctx := context.Background()

	c, _ := f.router.OnSubmitterMessage(ctx, "user-1", "public enough", "k1")
	if _, msgs, err := f.router.CaseHistory(c.ID, "anyone"); err != nil || len(msgs) != 1 {
		t.Fatalf("history: %v (%d messages)", err, len(msgs))
	}
}
