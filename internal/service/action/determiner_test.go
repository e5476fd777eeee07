package action

import (
	"context"
	"errors"
	"testing"

	dbcontracts "mailpilot/contracts/db"
	"mailpilot/internal/model"
	"mailpilot/internal/service/relationship"
	"mailpilot/internal/service/rules"
	"mailpilot/internal/service/spam"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeRules struct {
	match rules.Match
	calls int
}

func (f *fakeRules) CheckRules(ctx context.Context, userID int64, sender string, rel model.RelationshipType) (rules.Match, error) {
	f.calls++
	return f.match, nil
}

type fakeSpam struct {
	result model.SpamResult
	calls  int
}

func (f *fakeSpam) CheckSpam(ctx context.Context, classifier spam.Classifier, in spam.Input) (model.SpamResult, error) {
	f.calls++
	return f.result, nil
}

type fakeDetector struct {
	result model.RelationshipResult
	err    error
}

func (f *fakeDetector) Detect(ctx context.Context, store relationship.Reader, in relationship.Input) (model.RelationshipResult, error) {
	return f.result, f.err
}

type fakeInference struct {
	rec   model.Recommendation
	err   error
	calls int
}

func (f *fakeInference) ClassifySpam(ctx context.Context, in model.SpamCheckInput) (model.SpamResult, error) {
	return model.SpamResult{}, nil
}

func (f *fakeInference) RecommendAction(ctx context.Context, in model.ActionContext) (model.Recommendation, error) {
	f.calls++
	return f.rec, f.err
}

type noPeople struct{}

func (noPeople) FindByEmail(ctx context.Context, userID int64, email string) (*dbcontracts.PersonMatch, error) {
	return nil, nil
}

func newInput(inf Inference) Input {
	return Input{
		UserID:    1,
		Email:     &model.ParsedEmail{From: "boss@co.com", Subject: "status", BodyText: "where is it"},
		SafeText:  "where is it",
		Prefs:     model.DefaultPreferences(),
		People:    noPeople{},
		Inference: inf,
	}
}

func TestDetermine_RuleShortCircuits(t *testing.T) {
	r := &fakeRules{match: rules.Match{
		Matched: true,
		Action:  model.ActionReplyNeeded,
		Analysis: model.Analysis{
			Action:       model.ActionReplyNeeded,
			Source:       model.SourceRule,
			Relationship: model.RuleBasedRelationship,
			Confidence:   1.0,
			RuleID:       9,
		},
	}}
	s := &fakeSpam{}
	inf := &fakeInference{}
	d := NewDeterminer(r, s, &fakeDetector{result: model.RelationshipResult{Relationship: model.RelationshipColleague}}, zap.NewNop())

	got, err := d.Determine(context.Background(), newInput(inf))
	require.NoError(t, err)
	assert.Equal(t, model.ActionReplyNeeded, got.Action)
	assert.Equal(t, model.SourceRule, got.Source)
	assert.Equal(t, model.RuleBasedRelationship, got.Relationship)
	assert.Equal(t, 1.0, got.Confidence)
	assert.Equal(t, 0, s.calls)
	assert.Equal(t, 0, inf.calls)
}

func TestDetermine_SpamBeforeInference(t *testing.T) {
	s := &fakeSpam{result: model.SpamResult{IsSpam: true, Indicators: []string{"lottery"}}}
	inf := &fakeInference{}
	d := NewDeterminer(&fakeRules{}, s, &fakeDetector{result: model.RelationshipResult{Relationship: model.RelationshipExternal, Confidence: 0.3}}, zap.NewNop())

	got, err := d.Determine(context.Background(), newInput(inf))
	require.NoError(t, err)
	assert.Equal(t, model.ActionSilentSpam, got.Action)
	assert.Equal(t, model.SourceSpam, got.Source)
	require.NotNil(t, got.Spam)
	assert.Equal(t, []string{"lottery"}, got.Spam.Indicators)
	assert.Equal(t, 0, inf.calls)
}

func TestDetermine_InferenceRecommendation(t *testing.T) {
	inf := &fakeInference{rec: model.Recommendation{Action: model.ActionReply, Urgency: "high", AddressedTo: "me"}}
	d := NewDeterminer(&fakeRules{}, &fakeSpam{}, &fakeDetector{result: model.RelationshipResult{Relationship: model.RelationshipFriends, Confidence: 0.5}}, zap.NewNop())

	got, err := d.Determine(context.Background(), newInput(inf))
	require.NoError(t, err)
	assert.Equal(t, model.ActionReply, got.Action)
	assert.Equal(t, model.SourceInference, got.Source)
	assert.Equal(t, "FRIENDS", got.Relationship)
	assert.Equal(t, "high", got.Urgency)
	assert.Equal(t, 1, inf.calls)
}

func TestDetermine_UnknownRecommendationKeepsInInbox(t *testing.T) {
	for _, action := range []model.ActionType{"delete-everything", model.ActionPending, model.ActionSent} {
		inf := &fakeInference{rec: model.Recommendation{Action: action}}
		d := NewDeterminer(&fakeRules{}, &fakeSpam{}, &fakeDetector{result: model.RelationshipResult{Relationship: model.RelationshipExternal}}, zap.NewNop())

		got, err := d.Determine(context.Background(), newInput(inf))
		require.NoError(t, err)
		assert.Equal(t, model.ActionKeepInInbox, got.Action, action)
	}
}

func TestDetermine_SuppliedDraftWins(t *testing.T) {
	r := &fakeRules{}
	inf := &fakeInference{}
	d := NewDeterminer(r, &fakeSpam{}, &fakeDetector{err: errors.New("must not be called")}, zap.NewNop())

	in := newInput(inf)
	in.Draft = &model.Draft{Meta: model.DraftMeta{Action: model.ActionReplyAll, Urgency: "low"}, Relationship: "FAMILY"}

	got, err := d.Determine(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, model.ActionReplyAll, got.Action)
	assert.Equal(t, model.SourceDraft, got.Source)
	assert.Equal(t, 0, r.calls)
	assert.Equal(t, 0, inf.calls)
}

func TestDetermine_InferenceErrorPropagates(t *testing.T) {
	boom := errors.New("upstream down")
	d := NewDeterminer(&fakeRules{}, &fakeSpam{}, &fakeDetector{result: model.RelationshipResult{Relationship: model.RelationshipExternal}}, zap.NewNop())

	_, err := d.Determine(context.Background(), newInput(&fakeInference{err: boom}))
	assert.ErrorIs(t, err, boom)
}
