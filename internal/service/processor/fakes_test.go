package processor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	dbcontracts "mailpilot/contracts/db"
	"mailpilot/internal/mailbox"
	"mailpilot/internal/mailparse"
	"mailpilot/internal/model"
	"mailpilot/internal/repository"
	"mailpilot/internal/service/action"
)

// memStore 内存版存储。InTx 在出错时整体回滚到快照。
type memStore struct {
	mu sync.Mutex

	account *dbcontracts.EmailAccount
	prefs   model.Preferences

	records map[string]*dbcontracts.ActionRecord
	people  map[string]*dbcontracts.Person
	emails  map[string]dbcontracts.PersonEmail
	drafts  []dbcontracts.DraftTracking
	events  []string
	applied map[int64]bool
	seq     int64

	failEnqueue    error
	hideProcessed  bool
	markAppliedErr error
}

func newMemStore() *memStore {
	return &memStore{
		account: &dbcontracts.EmailAccount{ID: 10, UserID: 1, Address: "me@example.com", IsActive: true},
		prefs:   model.DefaultPreferences(),
		records: make(map[string]*dbcontracts.ActionRecord),
		people:  make(map[string]*dbcontracts.Person),
		emails:  make(map[string]dbcontracts.PersonEmail),
		applied: make(map[int64]bool),
	}
}

type snapshot struct {
	records map[string]dbcontracts.ActionRecord
	people  map[string]dbcontracts.Person
	emails  map[string]dbcontracts.PersonEmail
	drafts  int
	events  int
	seq     int64
}

func (s *memStore) snapshot() snapshot {
	snap := snapshot{
		records: make(map[string]dbcontracts.ActionRecord, len(s.records)),
		people:  make(map[string]dbcontracts.Person, len(s.people)),
		emails:  make(map[string]dbcontracts.PersonEmail, len(s.emails)),
		drafts:  len(s.drafts),
		events:  len(s.events),
		seq:     s.seq,
	}
	for k, v := range s.records {
		snap.records[k] = *v
	}
	for k, v := range s.people {
		snap.people[k] = *v
	}
	for k, v := range s.emails {
		snap.emails[k] = v
	}
	return snap
}

func (s *memStore) restore(snap snapshot) {
	s.records = make(map[string]*dbcontracts.ActionRecord, len(snap.records))
	for k, v := range snap.records {
		v := v
		s.records[k] = &v
	}
	s.people = make(map[string]*dbcontracts.Person, len(snap.people))
	for k, v := range snap.people {
		v := v
		s.people[k] = &v
	}
	s.emails = snap.emails
	s.drafts = s.drafts[:snap.drafts]
	s.events = s.events[:snap.events]
	s.seq = snap.seq
}

func (s *memStore) InTx(ctx context.Context, fn func(ctx context.Context, tx repository.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := s.snapshot()
	if err := fn(ctx, &memTx{s: s}); err != nil {
		s.restore(snap)
		return err
	}
	return nil
}

func (s *memStore) record(emailID string) *dbcontracts.ActionRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.records[emailID]
}

func (s *memStore) Account(ctx context.Context, accountID int64) (*dbcontracts.EmailAccount, error) {
	if accountID != s.account.ID {
		return nil, fmt.Errorf("account %d: %w", accountID, model.ErrPermanent)
	}
	return s.account, nil
}

func (s *memStore) UserPreferences(ctx context.Context, userID int64) (model.Preferences, error) {
	return s.prefs, nil
}

func (s *memStore) FindByEmail(ctx context.Context, userID int64, email string) (*dbcontracts.PersonMatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return (&memTx{s: s}).FindByEmail(ctx, userID, email)
}

func (s *memStore) IsProcessed(ctx context.Context, userID, accountID int64, emailID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.hideProcessed {
		return false, nil
	}
	rec, ok := s.records[emailID]
	return ok && model.ActionType(rec.ActionTaken).IsTerminal(), nil
}

func (s *memStore) ActionStates(ctx context.Context, userID, accountID int64, emailIDs []string) (map[string]model.ActionType, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]model.ActionType)
	for _, id := range emailIDs {
		if rec, ok := s.records[id]; ok {
			out[id] = model.ActionType(rec.ActionTaken)
		}
	}
	return out, nil
}

func (s *memStore) RecentTextsWith(ctx context.Context, userID int64, address string, limit int) ([]string, error) {
	return nil, nil
}

func (s *memStore) MarkMailboxApplied(ctx context.Context, recordID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.markAppliedErr != nil {
		return s.markAppliedErr
	}
	s.applied[recordID] = true
	return nil
}

func (s *memStore) PendingReplays(ctx context.Context, userID, accountID int64, limit int) ([]dbcontracts.ActionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []dbcontracts.ActionRecord
	for _, rec := range s.records {
		act := model.ActionType(rec.ActionTaken)
		if s.applied[rec.ID] || act == model.ActionPending || act == model.ActionSent {
			continue
		}
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memStore) ResetToPending(ctx context.Context, userID, accountID int64, emailID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[emailID]
	if !ok {
		return false, nil
	}
	rec.ActionTaken = string(model.ActionPending)
	delete(s.applied, rec.ID)
	return true, nil
}

// memTx 在持有 memStore 锁时使用
type memTx struct {
	s *memStore
}

func (t *memTx) FindByEmail(ctx context.Context, userID int64, email string) (*dbcontracts.PersonMatch, error) {
	pe, ok := t.s.emails[email]
	if !ok {
		return nil, nil
	}
	return &dbcontracts.PersonMatch{Person: *t.s.people[pe.PersonID], Email: pe}, nil
}

func (t *memTx) CreatePerson(ctx context.Context, userID int64, name string) (string, error) {
	for id, p := range t.s.people {
		if p.Name == name {
			return id, nil
		}
	}
	t.s.seq++
	id := fmt.Sprintf("person-%d", t.s.seq)
	t.s.people[id] = &dbcontracts.Person{ID: id, UserID: userID, Name: name}
	return id, nil
}

func (t *memTx) EnsurePersonEmail(ctx context.Context, personID, email string, primary bool) (string, error) {
	if pe, ok := t.s.emails[email]; ok {
		return pe.ID, nil
	}
	t.s.seq++
	pe := dbcontracts.PersonEmail{ID: fmt.Sprintf("pe-%d", t.s.seq), PersonID: personID, EmailAddress: email, IsPrimary: primary}
	t.s.emails[email] = pe
	return pe.ID, nil
}

func (t *memTx) UpdateRelationship(ctx context.Context, personID string, expected *string, next string, confidence float64) (bool, error) {
	p := t.s.people[personID]
	if p.RelationshipUserSet {
		return false, nil
	}
	p.RelationshipType = &next
	p.RelationshipConfidence = confidence
	return true, nil
}

func (t *memTx) UpsertAction(ctx context.Context, rec *dbcontracts.ActionRecord, overwrite bool) (int64, error) {
	if rec.PersonEmailID == "" {
		return 0, errors.New("person_email_id is required")
	}
	if existing, ok := t.s.records[rec.EmailID]; ok {
		if existing.ActionTaken != string(model.ActionPending) && !overwrite {
			return 0, model.ErrDuplicate
		}
		cp := *rec
		cp.ID = existing.ID
		t.s.records[rec.EmailID] = &cp
		delete(t.s.applied, cp.ID)
		return cp.ID, nil
	}
	t.s.seq++
	cp := *rec
	cp.ID = t.s.seq
	t.s.records[rec.EmailID] = &cp
	return cp.ID, nil
}

func (t *memTx) InsertDraftTracking(ctx context.Context, row *dbcontracts.DraftTracking) error {
	t.s.drafts = append(t.s.drafts, *row)
	return nil
}

func (t *memTx) EnqueueEvent(ctx context.Context, routingKey, aggregateID string, payload any) error {
	if t.s.failEnqueue != nil {
		return t.s.failEnqueue
	}
	t.s.events = append(t.s.events, routingKey+":"+aggregateID)
	return nil
}

type move struct {
	UID      uint32
	From, To string
}

type appended struct {
	Folder string
	MIME   []byte
}

// memSession 内存邮箱
type memSession struct {
	mu      sync.Mutex
	folders map[string][]uint32
	raw     map[uint32][]byte
	moves   []move
	drafts  []appended
	moveErr error
	closed  int
}

func newMemSession() *memSession {
	return &memSession{folders: make(map[string][]uint32), raw: make(map[uint32][]byte)}
}

func (m *memSession) add(folder string, uid uint32, raw []byte) {
	m.folders[folder] = append(m.folders[folder], uid)
	sort.Slice(m.folders[folder], func(i, j int) bool { return m.folders[folder][i] < m.folders[folder][j] })
	m.raw[uid] = raw
}

func (m *memSession) FetchMessages(ctx context.Context, folder string, opts mailbox.FetchOptions) ([]mailbox.MessageSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	uids := append([]uint32(nil), m.folders[folder]...)
	if opts.Descending {
		sort.Slice(uids, func(i, j int) bool { return uids[i] > uids[j] })
	}
	if opts.Offset >= len(uids) {
		return nil, nil
	}
	uids = uids[opts.Offset:]
	if opts.Limit > 0 && len(uids) > opts.Limit {
		uids = uids[:opts.Limit]
	}

	out := make([]mailbox.MessageSummary, 0, len(uids))
	for _, uid := range uids {
		s := mailbox.MessageSummary{UID: uid}
		if p, err := mailparse.Parse(m.raw[uid]); err == nil {
			s.MessageID, s.From, s.Subject, s.To, s.Date = p.MessageID, p.From, p.Subject, p.To, p.Date
		}
		out = append(out, s)
	}
	return out, nil
}

func (m *memSession) FetchRaw(ctx context.Context, folder string, uids []uint32) (map[uint32][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[uint32][]byte)
	for _, uid := range uids {
		for _, u := range m.folders[folder] {
			if u == uid {
				out[uid] = m.raw[uid]
			}
		}
	}
	return out, nil
}

func (m *memSession) Move(ctx context.Context, uid uint32, fromFolder, toFolder string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.moveErr != nil {
		return m.moveErr
	}
	m.moves = append(m.moves, move{UID: uid, From: fromFolder, To: toFolder})
	return nil
}

func (m *memSession) AppendDraft(ctx context.Context, folder string, mime []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.drafts = append(m.drafts, appended{Folder: folder, MIME: mime})
	return nil
}

func (m *memSession) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed++
	return nil
}

type memOpener struct{ session *memSession }

func (o memOpener) Open(ctx context.Context, account *dbcontracts.EmailAccount) (mailbox.Session, error) {
	return o.session, nil
}

// scriptedDeterminer 按发件人返回动作，默认 keep-in-inbox
type scriptedDeterminer struct {
	mu       sync.Mutex
	bySender map[string]model.Analysis
	calls    int
}

func (d *scriptedDeterminer) Determine(ctx context.Context, in action.Input) (model.Analysis, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if a, ok := d.bySender[in.Email.From]; ok {
		a.Context = model.ContextOf(in.Email)
		return a, nil
	}
	return model.Analysis{Action: model.ActionKeepInInbox, Source: model.SourceInference}, nil
}

type stubInference struct {
	mu       sync.Mutex
	replies  int
	embedErr error
}

func (s *stubInference) ClassifySpam(ctx context.Context, in model.SpamCheckInput) (model.SpamResult, error) {
	return model.SpamResult{}, nil
}

func (s *stubInference) RecommendAction(ctx context.Context, in model.ActionContext) (model.Recommendation, error) {
	return model.Recommendation{Action: model.ActionKeepInInbox}, nil
}

func (s *stubInference) GenerateReply(ctx context.Context, in model.ReplyContext) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replies++
	return "Sounds good, talk soon.", nil
}

func (s *stubInference) Embed(ctx context.Context, space, text string) ([]float32, error) {
	if s.embedErr != nil {
		return nil, s.embedErr
	}
	return []float32{0.1, 0.2}, nil
}

func rawMail(id, from, to, subject string) []byte {
	var toHeader string
	if to != "" {
		toHeader = "To: " + to + "\r\n"
	}
	return []byte("Message-ID: <" + id + ">\r\n" +
		"From: " + from + "\r\n" +
		toHeader +
		"Subject: " + subject + "\r\n" +
		"Date: Fri, 02 Jan 2026 15:04:05 +0000\r\n" +
		"MIME-Version: 1.0\r\n" +
		"Content-Type: text/plain; charset=utf-8\r\n" +
		"\r\n" +
		"Hello there, the project plan is ready.\r\n")
}
