package validator

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kase1111-hash/learning-contracts/pkg/contracts"
)

var now = time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)

func fixed() *Validator {
	return New(WithClock(contracts.ClockFunc(func() time.Time { return now })))
}

func build(d contracts.Draft) *contracts.LearningContract {
	return d.Build("lc-1", now.Add(-time.Hour))
}

func coding() contracts.Scope {
	return contracts.Scope{Domains: []string{"coding"}}
}

func hasMessage(list []string, substr string) bool {
	for _, s := range list {
		if strings.Contains(s, substr) {
			return true
		}
	}
	return false
}

func TestFactoryDraftsAreValid(t *testing.T) {
	for _, typ := range []contracts.Type{
		contracts.TypeObservation,
		contracts.TypeEpisodic,
		contracts.TypeProcedural,
		contracts.TypeStrategic,
		contracts.TypeProhibited,
	} {
		t.Run(string(typ), func(t *testing.T) {
			d, err := contracts.NewDraft(typ, "alice", coding())
			require.NoError(t, err)
			res := fixed().Validate(build(d))
			assert.True(t, res.Valid, res.Errors)
			assert.NoError(t, res.Err())
		})
	}
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *contracts.LearningContract)
		want   string
	}{
		{"missing id", func(c *contracts.LearningContract) { c.ContractID = " " }, "contract_id is required"},
		{"missing owner", func(c *contracts.LearningContract) { c.CreatedBy = "" }, "created_by is required"},
		{"missing created_at", func(c *contracts.LearningContract) { c.CreatedAt = time.Time{} }, "created_at is required"},
		{"bad state", func(c *contracts.LearningContract) { c.State = "limbo" }, "invalid state"},
		{"bad type", func(c *contracts.LearningContract) { c.ContractType = "vibes" }, "invalid contract_type"},
		{"bad abstraction", func(c *contracts.LearningContract) { c.Scope.MaxAbstraction = "cosmic" }, "max_abstraction"},
		{"bad boundary", func(c *contracts.LearningContract) { c.RecallRules.BoundaryModeMin = "open" }, "boundary_mode_min"},
		{"blank scope entry", func(c *contracts.LearningContract) { c.Scope.Tools = []string{""} }, "scope.tools[0]"},
		{"cap too high", func(c *contracts.LearningContract) { c.MemoryPermissions.ClassificationCap = 6 }, "classification_cap 6"},
		{"cap negative", func(c *contracts.LearningContract) { c.MemoryPermissions.ClassificationCap = -1 }, "classification_cap -1"},
		{"timebound without deadline", func(c *contracts.LearningContract) {
			c.MemoryPermissions.Retention = contracts.TimeboundRetention(time.Time{})
		}, "retention_until is required"},
		{"timebound in the past", func(c *contracts.LearningContract) {
			c.MemoryPermissions.Retention = contracts.TimeboundRetention(now.Add(-time.Minute))
		}, "not in the future"},
		{"expiration before creation", func(c *contracts.LearningContract) {
			exp := c.CreatedAt.Add(-time.Second)
			c.Expiration = &exp
		}, "expiration"},
		{"episodic generalizes", func(c *contracts.LearningContract) {
			c.GeneralizationRules = contracts.GeneralizationRules{Allowed: true, Conditions: []string{"x"}}
		}, "episodic contracts must not allow generalization"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := build(contracts.EpisodicDraft("alice", coding()))
			tt.mutate(c)
			res := fixed().Validate(c)
			assert.False(t, res.Valid)
			assert.True(t, hasMessage(res.Errors, tt.want), "errors %v should mention %q", res.Errors, tt.want)
		})
	}
}

func TestValidate_TypeRules(t *testing.T) {
	obs := build(contracts.ObservationDraft("alice", coding()))
	obs.MemoryPermissions.MayStore = true
	obs.GeneralizationRules.Allowed = true
	res := fixed().Validate(obs)
	assert.True(t, hasMessage(res.Errors, "observation contracts must not allow memory storage"))
	assert.True(t, hasMessage(res.Errors, "observation contracts must not allow generalization"))

	strat := build(contracts.StrategicDraft("alice", coding()))
	strat.RecallRules.BoundaryModeMin = contracts.BoundaryNormal
	res = fixed().Validate(strat)
	assert.True(t, hasMessage(res.Errors, "trusted or privileged"))
	strat.RecallRules.BoundaryModeMin = contracts.BoundaryPrivileged
	assert.True(t, fixed().Validate(strat).Valid)

	prohib := build(contracts.ProhibitedDraft("alice", coding()))
	prohib.Revocable = true
	prohib.MemoryPermissions.MayStore = true
	res = fixed().Validate(prohib)
	assert.True(t, hasMessage(res.Errors, "must not be revocable"))
	assert.True(t, hasMessage(res.Errors, "prohibited contracts must not allow memory storage"))
}

func TestValidate_Warnings(t *testing.T) {
	empty := build(contracts.EpisodicDraft("alice", contracts.Scope{}))
	res := fixed().Validate(empty)
	assert.True(t, res.Valid)
	assert.True(t, hasMessage(res.Warnings, "will be denied"))

	dup := build(contracts.EpisodicDraft("alice", contracts.Scope{Domains: []string{"coding", "coding"}}))
	res = fixed().Validate(dup)
	assert.True(t, res.Valid)
	assert.True(t, hasMessage(res.Warnings, "duplicate"))

	proc := build(contracts.ProceduralDraft("alice", coding()))
	proc.GeneralizationRules.Conditions = nil
	proc.Scope.MaxAbstraction = contracts.AbstractionStrategy
	res = fixed().Validate(proc)
	assert.True(t, res.Valid)
	assert.True(t, hasMessage(res.Warnings, "without any stated conditions"))
	assert.True(t, hasMessage(res.Warnings, "consider a strategic contract"))
}

func TestValidate_CollectsAllErrors(t *testing.T) {
	c := build(contracts.EpisodicDraft("", coding()))
	c.ContractID = ""
	c.MemoryPermissions.ClassificationCap = 99

	res := fixed().Validate(c)
	require.False(t, res.Valid)
	assert.Len(t, res.Errors, 3)

	err := res.Err()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidContract))
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, res.Errors, verr.Errors)
}

func TestValidate_Nil(t *testing.T) {
	res := Validate(nil)
	assert.False(t, res.Valid)
}

func TestValidateTransition(t *testing.T) {
	valid := [][2]contracts.State{
		{contracts.StateDraft, contracts.StateReview},
		{contracts.StateReview, contracts.StateActive},
		{contracts.StateReview, contracts.StateDraft},
		{contracts.StateActive, contracts.StateExpired},
		{contracts.StateActive, contracts.StateRevoked},
		{contracts.StateActive, contracts.StateAmended},
		{contracts.StateAmended, contracts.StateReview},
	}
	for _, tr := range valid {
		res := ValidateTransition(tr[0], tr[1])
		assert.True(t, res.Valid, "%s -> %s", tr[0], tr[1])
		assert.NoError(t, res.Err())
	}

	invalid := [][2]contracts.State{
		{contracts.StateDraft, contracts.StateActive},
		{contracts.StateActive, contracts.StateDraft},
		{contracts.StateExpired, contracts.StateActive},
		{contracts.StateRevoked, contracts.StateReview},
		{contracts.StateDraft, "limbo"},
	}
	for _, tr := range invalid {
		res := ValidateTransition(tr[0], tr[1])
		assert.False(t, res.Valid, "%s -> %s", tr[0], tr[1])
		assert.ErrorIs(t, res.Err(), ErrInvalidTransition)
	}

	res := ValidateTransition(contracts.StateExpired, contracts.StateActive)
	assert.Contains(t, res.Errors[0], "terminal")
}

func TestAllowedTransitionsIsACopy(t *testing.T) {
	out := AllowedTransitions(contracts.StateActive)
	require.Len(t, out, 3)
	out[0] = contracts.StateDraft
	assert.False(t, CanTransition(contracts.StateActive, contracts.StateDraft))
}
