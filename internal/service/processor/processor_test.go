package processor

import (
	"context"
	"errors"
	"fmt"
	"testing"

	mqcontracts "mailpilot/contracts/mq"
	"mailpilot/internal/mailbox"
	"mailpilot/internal/mailparse"
	"mailpilot/internal/model"
	"mailpilot/internal/service/relationship"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type harness struct {
	store      *memStore
	session    *memSession
	determiner *scriptedDeterminer
	inference  *stubInference
	p          *Processor
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store:      newMemStore(),
		session:    newMemSession(),
		determiner: &scriptedDeterminer{bySender: make(map[string]model.Analysis)},
		inference:  &stubInference{},
	}
	h.p = New(
		h.store,
		memOpener{session: h.session},
		h.determiner,
		relationship.NewResolver(zap.NewNop()),
		mailbox.NewEffector(),
		func(ctx context.Context, provider string) (Inference, error) { return h.inference, nil },
		Config{BatchSize: 2, Concurrency: 2},
		zap.NewNop(),
	)
	return h
}

func (h *harness) decide(sender string, a model.ActionType) {
	h.determiner.bySender[sender] = model.Analysis{Action: a, Source: model.SourceInference, Relationship: "EXTERNAL"}
}

func (h *harness) processUID(uid uint32, force bool) model.ProcessResult {
	res, err := h.p.ProcessUID(context.Background(), SingleRequest{UserID: 1, AccountID: 10, UID: uid, Force: force})
	if err != nil {
		panic(err)
	}
	return res
}

func TestProcessUID_KeepInInboxIsNoOp(t *testing.T) {
	h := newHarness(t)
	h.session.add("INBOX", 1, rawMail("m1@example.com", "boss@co.com", "me@example.com", "status"))
	h.decide("boss@co.com", model.ActionReplyNeeded)

	res := h.processUID(1, false)
	require.True(t, res.Success, res.Error)
	assert.Equal(t, model.StatusProcessed, res.Status)
	assert.Equal(t, model.ActionReplyNeeded, res.Action)
	assert.Equal(t, "INBOX", res.Destination)
	assert.False(t, res.Moved)
	assert.NotEmpty(t, res.PersonEmailID)
	assert.Empty(t, h.session.moves)

	rec := h.store.record("m1@example.com")
	require.NotNil(t, rec)
	assert.Equal(t, "reply-needed", rec.ActionTaken)
	assert.Equal(t, "INBOX", *rec.DestinationFolder)
	assert.Equal(t, res.PersonEmailID, rec.PersonEmailID)
	assert.True(t, h.store.applied[rec.ID])
	assert.Equal(t, []string{mqcontracts.RoutingKeyActionRecorded + ":m1@example.com"}, h.store.events)
	assert.Equal(t, 1, h.session.closed)
}

func TestProcessUID_Idempotent(t *testing.T) {
	h := newHarness(t)
	h.session.add("INBOX", 1, rawMail("m1@example.com", "news@list.org", "me@example.com", "weekly"))
	h.decide("news@list.org", model.ActionSilentLargeList)

	first := h.processUID(1, false)
	require.True(t, first.Success, first.Error)

	second := h.processUID(1, false)
	assert.True(t, second.Success)
	assert.Equal(t, model.StatusAlreadyProcessed, second.Status)
	assert.Equal(t, 1, h.determiner.calls)
	assert.Len(t, h.session.moves, 1)

	forced := h.processUID(1, true)
	require.True(t, forced.Success, forced.Error)
	assert.Equal(t, model.StatusProcessed, forced.Status)
	assert.Equal(t, first.RecordID, forced.RecordID)
	assert.Equal(t, 2, h.determiner.calls)
}

func TestProcessUID_ConcurrentWinnerIsAlreadyProcessed(t *testing.T) {
	h := newHarness(t)
	h.session.add("INBOX", 1, rawMail("m1@example.com", "a@vendor.io", "me@example.com", "hi"))
	require.True(t, h.processUID(1, false).Success)

	// 幂等预检没看到另一个 worker 的提交，靠唯一键兜底
	h.store.hideProcessed = true
	res := h.processUID(1, false)
	assert.True(t, res.Success)
	assert.Equal(t, model.StatusAlreadyProcessed, res.Status)
	assert.False(t, res.Committed)
	assert.Len(t, h.store.events, 1)
}

func TestProcessUID_SilentMovesToRecordedFolder(t *testing.T) {
	h := newHarness(t)
	h.store.prefs.Folders.RootFolder = "Mailpilot"
	h.session.add("INBOX", 4, rawMail("m4@example.com", "fyi@co.com", "me@example.com", "heads up"))
	h.decide("fyi@co.com", model.ActionSilentFyi)

	res := h.processUID(4, false)
	require.True(t, res.Success, res.Error)
	assert.True(t, res.Moved)
	assert.Equal(t, "Mailpilot/FYI", res.Destination)
	require.Len(t, h.session.moves, 1)
	assert.Equal(t, move{UID: 4, From: "INBOX", To: "Mailpilot/FYI"}, h.session.moves[0])
	assert.Equal(t, h.session.moves[0].To, *h.store.record("m4@example.com").DestinationFolder)
}

func TestProcessUID_DraftGenerationDisabled(t *testing.T) {
	h := newHarness(t)
	h.store.prefs.DraftGeneration = false
	h.session.add("INBOX", 2, rawMail("m2@example.com", "alice@example.com", "me@example.com", "lunch?"))
	h.decide("alice@example.com", model.ActionReply)

	res := h.processUID(2, false)
	require.True(t, res.Success, res.Error)
	assert.Equal(t, model.ActionReply, res.RawAction)
	assert.Equal(t, model.ActionKeepInInbox, res.Action)
	assert.Equal(t, "INBOX", res.Destination)
	assert.False(t, res.Moved)
	assert.Empty(t, h.session.drafts)
	assert.Empty(t, h.session.moves)
	assert.Equal(t, 0, h.inference.replies)
	assert.Empty(t, h.store.drafts)
}

func TestProcessUID_ReplyUploadsDraft(t *testing.T) {
	h := newHarness(t)
	h.session.add("INBOX", 3, rawMail("m3@example.com", "Alice <alice@example.com>", "me@example.com, bob@example.com", "lunch?"))
	h.decide("alice@example.com", model.ActionReplyAll)

	res := h.processUID(3, false)
	require.True(t, res.Success, res.Error)
	assert.Equal(t, "Drafts", res.Destination)
	assert.False(t, res.Moved)
	assert.Equal(t, 1, h.inference.replies)
	require.Len(t, h.session.drafts, 1)
	assert.Equal(t, "Drafts", h.session.drafts[0].Folder)
	require.Len(t, h.store.drafts, 1)
	assert.Equal(t, res.RecordID, h.store.drafts[0].ActionRecordID)

	draft, err := mailparse.Parse(h.session.drafts[0].MIME)
	require.NoError(t, err)
	assert.Equal(t, "me@example.com", draft.From)
	assert.Equal(t, []string{"alice@example.com"}, draft.To)
	assert.Equal(t, []string{"bob@example.com"}, draft.Cc)
	assert.Equal(t, "m3@example.com", draft.InReplyTo)
	assert.Equal(t, "Re: lunch?", draft.Subject)
}

func TestProcessUID_PersistFailureLeavesNoTrace(t *testing.T) {
	h := newHarness(t)
	h.store.failEnqueue = errors.New("outbox unavailable")
	h.session.add("INBOX", 5, rawMail("m5@example.com", "todo@co.com", "me@example.com", "do this"))
	h.decide("todo@co.com", model.ActionSilentTodo)

	res := h.processUID(5, false)
	assert.False(t, res.Success)
	assert.Equal(t, model.StatusFailed, res.Status)
	assert.False(t, res.Committed)
	assert.Nil(t, h.store.record("m5@example.com"))
	assert.Empty(t, h.store.people)
	assert.Empty(t, h.store.emails)
	assert.Empty(t, h.session.moves)
}

func TestProcessUID_MailboxFailureAfterCommitIsReplayable(t *testing.T) {
	h := newHarness(t)
	h.session.moveErr = errors.New("imap connection reset")
	h.session.add("INBOX", 6, rawMail("m6@example.com", "todo@co.com", "me@example.com", "do this"))
	h.decide("todo@co.com", model.ActionSilentTodo)

	res := h.processUID(6, false)
	assert.False(t, res.Success)
	assert.True(t, res.Committed)
	rec := h.store.record("m6@example.com")
	require.NotNil(t, rec)
	assert.False(t, h.store.applied[rec.ID])

	h.session.moveErr = nil
	out, err := h.p.ReplayMailbox(context.Background(), 1, 10, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, out.Processed)
	assert.True(t, h.store.applied[rec.ID])
	require.Len(t, h.session.moves, 1)
	assert.Equal(t, "Todo", h.session.moves[0].To)
}

func TestProcessUID_MalformedMessage(t *testing.T) {
	h := newHarness(t)
	h.session.add("INBOX", 7, []byte("Subject: no sender\r\n\r\nbody\r\n"))

	res := h.processUID(7, false)
	assert.False(t, res.Success)
	assert.ErrorIs(t, res.Err, model.ErrMalformedInput)
	assert.Empty(t, h.store.records)
	assert.Equal(t, 0, h.determiner.calls)
}

func TestProcessUID_MissingDate(t *testing.T) {
	h := newHarness(t)
	h.session.add("INBOX", 8, []byte("Message-ID: <m8@example.com>\r\nFrom: a@vendor.io\r\nSubject: undated\r\n\r\nbody\r\n"))

	res := h.processUID(8, false)
	assert.False(t, res.Success)
	assert.ErrorIs(t, res.Err, model.ErrValidation)
	assert.Empty(t, h.store.records)
}

func TestProcessUID_UnknownUID(t *testing.T) {
	h := newHarness(t)
	_, err := h.p.ProcessUID(context.Background(), SingleRequest{UserID: 1, AccountID: 10, UID: 99})
	assert.ErrorIs(t, err, model.ErrValidation)
}

func TestProcessUID_AccountOwnerMismatch(t *testing.T) {
	h := newHarness(t)
	_, err := h.p.ProcessUID(context.Background(), SingleRequest{UserID: 2, AccountID: 10, UID: 1})
	assert.ErrorIs(t, err, model.ErrPermanent)
}

func TestProcessSent_NoRecipients(t *testing.T) {
	h := newHarness(t)
	h.session.add("Sent", 1, rawMail("s1@example.com", "me@example.com", "", "note to self"))

	res, err := h.p.ProcessUID(context.Background(), SingleRequest{UserID: 1, AccountID: 10, UID: 1, Kind: mqcontracts.JobKindSent})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, "No recipients found for sent email", res.Error)
	assert.ErrorIs(t, res.Err, model.ErrValidation)
	assert.Empty(t, h.store.records)
	assert.Empty(t, h.store.people)
}

func TestProcessSent_RecordsWithoutMailboxEffect(t *testing.T) {
	h := newHarness(t)
	h.session.add("Sent", 1, rawMail("s1@example.com", "me@example.com", "Carol <carol@example.com>", "re: plans"))

	res, err := h.p.ProcessUID(context.Background(), SingleRequest{UserID: 1, AccountID: 10, UID: 1, Kind: mqcontracts.JobKindSent})
	require.NoError(t, err)
	require.True(t, res.Success, res.Error)
	assert.Equal(t, model.ActionSent, res.Action)
	assert.Equal(t, "Sent", res.Destination)
	assert.Empty(t, h.session.moves)
	assert.Equal(t, 0, h.determiner.calls)

	rec := h.store.record("s1@example.com")
	require.NotNil(t, rec)
	assert.Equal(t, "sent", rec.ActionTaken)
	_, ok := h.store.emails["carol@example.com"]
	assert.True(t, ok)
}

func TestProcessBatch_Pagination(t *testing.T) {
	h := newHarness(t)
	for uid := uint32(1); uid <= 3; uid++ {
		h.session.add("INBOX", uid, rawMail(fmt.Sprintf("b%d@example.com", uid), "a@vendor.io", "me@example.com", "hello"))
	}

	first, err := h.p.ProcessBatch(context.Background(), BatchRequest{UserID: 1, AccountID: 10})
	require.NoError(t, err)
	assert.Equal(t, 2, first.Fetched)
	assert.Equal(t, 2, first.Processed)
	assert.True(t, first.HasMore)
	assert.Equal(t, 2, first.NextOffset)
	// 最新的在前
	assert.Equal(t, uint32(3), first.Results[0].UID)
	assert.Equal(t, uint32(2), first.Results[1].UID)

	second, err := h.p.ProcessBatch(context.Background(), BatchRequest{UserID: 1, AccountID: 10, Offset: first.NextOffset})
	require.NoError(t, err)
	assert.Equal(t, 1, second.Fetched)
	assert.Equal(t, 1, second.Processed)
	assert.False(t, second.HasMore)
	assert.Equal(t, 3, second.NextOffset)

	empty, err := h.p.ProcessBatch(context.Background(), BatchRequest{UserID: 1, AccountID: 10, Offset: 3})
	require.NoError(t, err)
	assert.Equal(t, 0, empty.Fetched)
	assert.False(t, empty.HasMore)
}

func TestProcessBatch_SkipsProcessedAndDuplicates(t *testing.T) {
	h := newHarness(t)
	h.session.add("INBOX", 1, rawMail("dup@example.com", "a@vendor.io", "me@example.com", "one"))
	h.session.add("INBOX", 2, rawMail("dup@example.com", "a@vendor.io", "me@example.com", "one again"))
	h.session.add("INBOX", 3, rawMail("done@example.com", "a@vendor.io", "me@example.com", "old"))
	require.True(t, h.processUID(3, false).Success)
	calls := h.determiner.calls

	out, err := h.p.ProcessBatch(context.Background(), BatchRequest{UserID: 1, AccountID: 10, BatchSize: 10})
	require.NoError(t, err)
	assert.Equal(t, 3, out.Fetched)
	assert.Equal(t, 1, out.Processed)
	assert.Equal(t, 2, out.Skipped)
	assert.Equal(t, 0, out.Failed)
	assert.False(t, out.HasMore)
	assert.Equal(t, calls+1, h.determiner.calls)
}

func TestProcessBatch_OneFailureDoesNotStopPage(t *testing.T) {
	h := newHarness(t)
	h.session.add("INBOX", 1, []byte("Subject: broken\r\n\r\nno sender\r\n"))
	h.session.add("INBOX", 2, rawMail("ok@example.com", "a@vendor.io", "me@example.com", "fine"))

	out, err := h.p.ProcessBatch(context.Background(), BatchRequest{UserID: 1, AccountID: 10, BatchSize: 10})
	require.NoError(t, err)
	assert.Equal(t, 1, out.Processed)
	assert.Equal(t, 1, out.Failed)
}

func TestProcessBatch_EmbeddingFailureIsNotFatal(t *testing.T) {
	h := newHarness(t)
	h.inference.embedErr = errors.New("embedding service down")
	h.session.add("INBOX", 1, rawMail("e1@example.com", "a@vendor.io", "me@example.com", "fine"))

	out, err := h.p.ProcessBatch(context.Background(), BatchRequest{UserID: 1, AccountID: 10})
	require.NoError(t, err)
	assert.Equal(t, 1, out.Processed)
	assert.Nil(t, h.store.record("e1@example.com").SemanticVector)
}

func TestReplayMailbox_SkipsDrafts(t *testing.T) {
	h := newHarness(t)
	h.store.markAppliedErr = errors.New("db blip")
	h.session.add("INBOX", 1, rawMail("r1@example.com", "alice@example.com", "me@example.com", "lunch?"))
	h.decide("alice@example.com", model.ActionReply)
	require.True(t, h.processUID(1, false).Success)

	h.store.markAppliedErr = nil
	out, err := h.p.ReplayMailbox(context.Background(), 1, 10, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, out.Failed)
	assert.ErrorIs(t, out.Results[0].Err, model.ErrValidation)
	assert.Len(t, h.session.drafts, 1)
}

func TestResetToPending_AllowsReprocessing(t *testing.T) {
	h := newHarness(t)
	h.session.add("INBOX", 1, rawMail("p1@example.com", "a@vendor.io", "me@example.com", "hi"))
	require.True(t, h.processUID(1, false).Success)

	ok, err := h.p.ResetToPending(context.Background(), 1, 10, "<p1@example.com>")
	require.NoError(t, err)
	assert.True(t, ok)

	res := h.processUID(1, false)
	assert.Equal(t, model.StatusProcessed, res.Status)
	assert.Equal(t, 2, h.determiner.calls)
}
