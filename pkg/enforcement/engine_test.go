package enforcement

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kase1111-hash/learning-contracts/pkg/audit"
	"github.com/kase1111-hash/learning-contracts/pkg/contracts"
	"github.com/kase1111-hash/learning-contracts/pkg/lifecycle"
	"github.com/kase1111-hash/learning-contracts/pkg/override"
	"github.com/kase1111-hash/learning-contracts/pkg/store"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	engine   *Engine
	lc       *lifecycle.Manager
	override *override.Manager
	audit    *audit.Logger
	clock    *testClock
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clk := &testClock{now: time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)}
	log := audit.NewLogger(audit.WithClock(clk))

	var n atomic.Int64
	lc := lifecycle.NewManager(store.NewMemoryRepository(), log,
		lifecycle.WithClock(clk),
		lifecycle.WithIDGenerator(func() string { return fmt.Sprintf("lc-%d", n.Add(1)) }),
	)
	ov := override.NewManager(override.Config{}, log, override.WithClock(clk))
	t.Cleanup(ov.Close)

	return &harness{
		engine:   New(lc, log, ov),
		lc:       lc,
		override: ov,
		audit:    log,
		clock:    clk,
	}
}

func (h *harness) active(t *testing.T, d contracts.Draft) *contracts.LearningContract {
	t.Helper()
	ctx := context.Background()
	c, err := h.lc.CreateDraft(ctx, d)
	require.NoError(t, err)
	_, err = h.lc.SubmitForReview(ctx, c.ContractID, "alice")
	require.NoError(t, err)
	c, err = h.lc.Activate(ctx, c.ContractID, "alice")
	require.NoError(t, err)
	return c
}

func coding() contracts.Scope {
	return contracts.Scope{Domains: []string{"coding"}}
}

// Scenario: an episodic contract enforces its classification cap.
func TestScenario_EpisodicClassificationCap(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c := h.active(t, contracts.EpisodicDraft("alice", coding()))
	oc := OperationContext{Contract: c, Domain: "coding", Requester: "alice"}

	res := h.engine.CheckMemoryCreation(ctx, oc, 2)
	assert.True(t, res.Allowed, res.Reason)
	assert.Equal(t, c.ContractID, res.ContractID)

	res = h.engine.CheckMemoryCreation(ctx, oc, 5)
	assert.False(t, res.Allowed)
	assert.Contains(t, res.Reason, "exceeds cap")
	assert.Contains(t, res.Reason, "3")
}

// Scenario: strategic recall needs a trusted boundary and the owner.
func TestScenario_StrategicRecall(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c := h.active(t, contracts.StrategicDraft("alice", coding()))

	res := h.engine.CheckRecall(ctx, OperationContext{Contract: c, BoundaryMode: contracts.BoundaryNormal, Requester: "alice"})
	assert.False(t, res.Allowed)
	assert.Contains(t, res.Reason, "boundary mode")

	res = h.engine.CheckRecall(ctx, OperationContext{Contract: c, BoundaryMode: contracts.BoundaryTrusted, Requester: "alice"})
	assert.True(t, res.Allowed, res.Reason)

	res = h.engine.CheckRecall(ctx, OperationContext{Contract: c, BoundaryMode: contracts.BoundaryTrusted, Requester: "bob"})
	assert.False(t, res.Allowed)
	assert.Contains(t, res.Reason, "owner")
}

// Scenario: the emergency override blocks every hook until disabled.
func TestScenario_EmergencyOverride(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c := h.active(t, contracts.EpisodicDraft("alice", coding()))
	oc := OperationContext{Contract: c, Domain: "coding", Requester: "alice", BoundaryMode: contracts.BoundaryNormal}

	_, err := h.override.Trigger(ctx, "security-team", "Security incident", 1)
	require.NoError(t, err)

	results := []Result{
		h.engine.CheckMemoryCreation(ctx, oc, 1),
		h.engine.CheckAbstraction(ctx, oc, contracts.AbstractionRaw),
		h.engine.CheckRecall(ctx, oc),
		h.engine.CheckExport(ctx, oc),
	}
	for i, res := range results {
		assert.False(t, res.Allowed, "hook %d", i)
		assert.Contains(t, res.Reason, "Security incident", "hook %d", i)
	}
	assert.Equal(t, uint64(len(results)), h.override.Status().OperationsBlocked)

	_, err = h.override.Disable(ctx, "security-team", "resolved", "")
	require.NoError(t, err)

	res := h.engine.CheckMemoryCreation(ctx, oc, 1)
	assert.True(t, res.Allowed, res.Reason)
}

// Scenario: revocation tombstones memory.
func TestScenario_RevokedRecall(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c := h.active(t, contracts.EpisodicDraft("alice", coding()))

	revoked, err := h.lc.Revoke(ctx, c.ContractID, "alice", "done")
	require.NoError(t, err)

	res := h.engine.CheckRecall(ctx, OperationContext{
		Contract:     revoked,
		BoundaryMode: contracts.BoundaryPrivileged,
		Requester:    "alice",
		Domain:       "coding",
	})
	assert.False(t, res.Allowed)
	assert.Contains(t, res.Reason, "revoked")
	assert.Contains(t, res.Reason, "tombstoned")
}

// Scenario: amendment keeps the original identity and links a new draft.
func TestScenario_Amendment(t *testing.T) {
	h := newHarness(t)
	c := h.active(t, contracts.EpisodicDraft("alice", coding()))

	original, draft, err := h.lc.Amend(context.Background(), c.ContractID, "alice", contracts.Amendment{}, "scope update")
	require.NoError(t, err)
	assert.Equal(t, contracts.StateAmended, original.State)
	assert.Equal(t, contracts.StateDraft, draft.State)
	assert.Equal(t, original.ContractID, draft.Metadata[contracts.MetaAmendedFrom])

	// the amended contract no longer authorizes anything
	res := h.engine.CheckMemoryCreation(context.Background(), OperationContext{Contract: original, Domain: "coding"}, 1)
	assert.False(t, res.Allowed)
}

func TestRecall_ExpiredIsFrozen(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	d := contracts.EpisodicDraft("alice", coding())
	exp := h.clock.Now().Add(time.Hour)
	d.Expiration = &exp
	c := h.active(t, d)

	oc := OperationContext{Contract: c, BoundaryMode: contracts.BoundaryNormal, Requester: "alice"}
	require.True(t, h.engine.CheckRecall(ctx, oc).Allowed)

	// past its expiration but not yet swept
	h.clock.Advance(2 * time.Hour)
	res := h.engine.CheckRecall(ctx, oc)
	assert.False(t, res.Allowed)
	assert.Contains(t, res.Reason, "frozen")

	expired, err := h.lc.Expire(ctx, c.ContractID, "scheduler", "expiration reached")
	require.NoError(t, err)
	oc.Contract = expired
	res = h.engine.CheckRecall(ctx, oc)
	assert.False(t, res.Allowed)
	assert.Contains(t, res.Reason, "frozen")
}

func TestRecall_OwnerCheckedBeforeScope(t *testing.T) {
	h := newHarness(t)
	c := h.active(t, contracts.EpisodicDraft("alice", coding()))

	res := h.engine.CheckRecall(context.Background(), OperationContext{
		Contract:     c,
		BoundaryMode: contracts.BoundaryNormal,
		Requester:    "bob",
		Domain:       "finance",
	})
	assert.False(t, res.Allowed)
	assert.Contains(t, res.Reason, "owner")

	res = h.engine.CheckRecall(context.Background(), OperationContext{
		Contract:     c,
		BoundaryMode: contracts.BoundaryNormal,
		Domain:       "coding",
	})
	assert.False(t, res.Allowed)
	assert.Contains(t, res.Reason, "no requester")

	res = h.engine.CheckRecall(context.Background(), OperationContext{
		Contract:     c,
		BoundaryMode: contracts.BoundaryNormal,
		Requester:    "Alice",
		Domain:       "coding",
	})
	assert.False(t, res.Allowed, "owner match is case-sensitive")
}

func TestRecall_OwnerNotRequired(t *testing.T) {
	h := newHarness(t)
	d := contracts.EpisodicDraft("alice", coding())
	d.RecallRules.RequiresOwner = false
	c := h.active(t, d)

	res := h.engine.CheckRecall(context.Background(), OperationContext{
		Contract:     c,
		BoundaryMode: contracts.BoundaryNormal,
		Requester:    "bob",
		Domain:       "coding",
	})
	assert.True(t, res.Allowed, res.Reason)
}

func TestRecall_NonActiveStatesFollowRecallOrder(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name  string
		setup func(t *testing.T, h *harness) *contracts.LearningContract
		state contracts.State
	}{
		{"draft", func(t *testing.T, h *harness) *contracts.LearningContract {
			c, err := h.lc.CreateDraft(ctx, contracts.EpisodicDraft("alice", coding()))
			require.NoError(t, err)
			return c
		}, contracts.StateDraft},
		{"review", func(t *testing.T, h *harness) *contracts.LearningContract {
			c, err := h.lc.CreateDraft(ctx, contracts.EpisodicDraft("alice", coding()))
			require.NoError(t, err)
			c, err = h.lc.SubmitForReview(ctx, c.ContractID, "alice")
			require.NoError(t, err)
			return c
		}, contracts.StateReview},
		{"amended", func(t *testing.T, h *harness) *contracts.LearningContract {
			c := h.active(t, contracts.EpisodicDraft("alice", coding()))
			original, _, err := h.lc.Amend(ctx, c.ContractID, "alice", contracts.Amendment{}, "rework")
			require.NoError(t, err)
			return original
		}, contracts.StateAmended},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			c := tt.setup(t, h)
			require.Equal(t, tt.state, c.State)

			oc := OperationContext{Contract: c, BoundaryMode: contracts.BoundaryNormal, Requester: "alice", Domain: "coding"}
			res := h.engine.CheckRecall(ctx, oc)
			assert.True(t, res.Allowed, res.Reason)

			oc.Requester = "bob"
			res = h.engine.CheckRecall(ctx, oc)
			assert.False(t, res.Allowed)
			assert.Contains(t, res.Reason, "owner")

			oc.Requester = "alice"
			oc.Domain = "finance"
			res = h.engine.CheckRecall(ctx, oc)
			assert.False(t, res.Allowed)
			assert.Contains(t, res.Reason, "finance")
		})
	}
}

func TestMemoryCreation_CheckOrder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	prohibited := h.active(t, contracts.ProhibitedDraft("alice", coding()))
	res := h.engine.CheckMemoryCreation(ctx, OperationContext{Contract: prohibited, Domain: "elsewhere"}, 9)
	assert.Contains(t, res.Reason, "prohibited")

	observation := h.active(t, contracts.ObservationDraft("alice", coding()))
	res = h.engine.CheckMemoryCreation(ctx, OperationContext{Contract: observation, Domain: "elsewhere"}, 9)
	assert.Contains(t, res.Reason, "does not permit memory storage")

	episodic := h.active(t, contracts.EpisodicDraft("alice", coding()))
	res = h.engine.CheckMemoryCreation(ctx, OperationContext{Contract: episodic, Domain: "elsewhere"}, 4)
	assert.Contains(t, res.Reason, "exceeds cap")

	res = h.engine.CheckMemoryCreation(ctx, OperationContext{Contract: episodic, Domain: "elsewhere"}, 1)
	assert.Contains(t, res.Reason, `domain "elsewhere"`)

	res = h.engine.CheckMemoryCreation(ctx, OperationContext{Contract: episodic, Domain: "coding"}, -1)
	assert.Contains(t, res.Reason, "outside")
}

func TestMemoryCreation_NotEnforceable(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c, err := h.lc.CreateDraft(ctx, contracts.EpisodicDraft("alice", coding()))
	require.NoError(t, err)

	res := h.engine.CheckMemoryCreation(ctx, OperationContext{Contract: c, Domain: "coding"}, 1)
	assert.False(t, res.Allowed)
	assert.Contains(t, res.Reason, "not active")

	res = h.engine.CheckMemoryCreation(ctx, OperationContext{Domain: "coding"}, 1)
	assert.False(t, res.Allowed)
	assert.Empty(t, res.ContractID)
}

func TestAbstraction(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	procedural := h.active(t, contracts.ProceduralDraft("alice", coding()))
	oc := OperationContext{Contract: procedural, Domain: "coding"}
	require.Equal(t, contracts.AbstractionHeuristic, procedural.Scope.MaxAbstraction)

	res := h.engine.CheckAbstraction(ctx, oc, contracts.AbstractionStrategy)
	assert.False(t, res.Allowed)
	assert.Contains(t, res.Reason, "exceeds maximum")

	assert.True(t, h.engine.CheckAbstraction(ctx, oc, contracts.AbstractionPattern).Allowed)
	assert.True(t, h.engine.CheckAbstraction(ctx, oc, contracts.AbstractionHeuristic).Allowed)

	res = h.engine.CheckAbstraction(ctx, oc, contracts.AbstractionLevel("galaxy-brain"))
	assert.False(t, res.Allowed)

	episodic := h.active(t, contracts.EpisodicDraft("alice", coding()))
	res = h.engine.CheckAbstraction(ctx, OperationContext{Contract: episodic, Domain: "coding"}, contracts.AbstractionRaw)
	assert.Contains(t, res.Reason, "does not permit generalization")

	prohibited := h.active(t, contracts.ProhibitedDraft("alice", coding()))
	res = h.engine.CheckAbstraction(ctx, OperationContext{Contract: prohibited, Domain: "coding"}, contracts.AbstractionRaw)
	assert.Contains(t, res.Reason, "prohibited")
}

func TestExport(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	c := h.active(t, contracts.EpisodicDraft("alice", coding()))
	res := h.engine.CheckExport(ctx, OperationContext{Contract: c, IsTransfer: true})
	assert.False(t, res.Allowed)
	assert.Contains(t, res.Reason, "not transferable")

	scope := coding()
	scope.Transferable = true
	c = h.active(t, contracts.EpisodicDraft("alice", scope))
	res = h.engine.CheckExport(ctx, OperationContext{Contract: c, IsTransfer: true})
	assert.True(t, res.Allowed, res.Reason)
}

func TestEveryCheckIsAudited(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c := h.active(t, contracts.EpisodicDraft("alice", coding()))
	before := h.audit.Count()

	h.engine.CheckMemoryCreation(ctx, OperationContext{Contract: c, Domain: "coding", Requester: "alice"}, 1)
	assert.Equal(t, before+1, h.audit.Count())

	h.engine.CheckMemoryCreation(ctx, OperationContext{Contract: c, Domain: "coding", Requester: "alice"}, 5)
	assert.Equal(t, before+3, h.audit.Count())

	events := h.audit.Export()
	check, violation := events[len(events)-2], events[len(events)-1]
	assert.Equal(t, audit.EventEnforcementCheck, check.EventType)
	assert.Equal(t, audit.EventEnforcementViolation, violation.EventType)
	assert.Equal(t, "alice", violation.Actor)

	details, ok := violation.Details.(audit.ViolationDetails)
	require.True(t, ok)
	assert.Equal(t, audit.HookMemoryCreation, details.Hook)
	require.NotNil(t, details.ViolationDetails.Classification)
	assert.Equal(t, 5, *details.ViolationDetails.Classification)
	assert.Equal(t, "coding", details.ViolationDetails.Domain)
}

type brokenRecorder struct{}

func (brokenRecorder) LogEnforcementCheck(context.Context, audit.Hook, audit.ContextSnapshot, audit.Decision) error {
	return errors.New("disk full")
}

func TestUnauditableDecisionIsDenied(t *testing.T) {
	h := newHarness(t)
	c := h.active(t, contracts.EpisodicDraft("alice", coding()))

	e := New(h.lc, brokenRecorder{}, nil)
	res := e.CheckMemoryCreation(context.Background(), OperationContext{Contract: c, Domain: "coding"}, 1)
	assert.False(t, res.Allowed)
	assert.Contains(t, res.Reason, "could not be audited")
	assert.Equal(t, c.ContractID, res.ContractID)
}

func TestEngineNeverMutatesContract(t *testing.T) {
	h := newHarness(t)
	c := h.active(t, contracts.EpisodicDraft("alice", coding()))
	before := c.Clone()

	oc := OperationContext{Contract: c, Domain: "coding", Requester: "alice", BoundaryMode: contracts.BoundaryNormal}
	h.engine.CheckMemoryCreation(context.Background(), oc, 1)
	h.engine.CheckAbstraction(context.Background(), oc, contracts.AbstractionPattern)
	h.engine.CheckRecall(context.Background(), oc)
	h.engine.CheckExport(context.Background(), oc)

	assert.Equal(t, before, c)
}
