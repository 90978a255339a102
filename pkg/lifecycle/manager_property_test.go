//go:build property
// +build property

package lifecycle

import (
	"context"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/kase1111-hash/learning-contracts/pkg/contracts"
)

var allStates = []contracts.State{
	contracts.StateDraft, contracts.StateReview, contracts.StateActive,
	contracts.StateExpired, contracts.StateRevoked, contracts.StateAmended,
}

// Property: IsEnforceable(c) iff c is ACTIVE and has no expiration at or
// before now.
func TestIsEnforceableDefinition(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	f := newFixture(t)
	now := f.clock.Now()

	properties.Property("enforceable iff active and unexpired", prop.ForAll(
		func(state int, hasExpiration bool, offsetMinutes int) bool {
			c := contracts.EpisodicDraft("alice", coding()).Build("lc-p", now.Add(-24*time.Hour))
			c.State = allStates[state]
			if hasExpiration {
				exp := now.Add(time.Duration(offsetMinutes) * time.Minute)
				c.Expiration = &exp
			}
			want := c.State == contracts.StateActive && (c.Expiration == nil || c.Expiration.After(now))
			return f.mgr.IsEnforceable(c) == want
		},
		gen.IntRange(0, len(allStates)-1),
		gen.Bool(),
		gen.IntRange(-120, 120),
	))

	properties.TestingRun(t)
}

// Property: amendment keeps the original identity, mints a fresh one for the
// successor and links them through metadata.
func TestAmendNeverReusesIdentity(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 30
	properties := gopter.NewProperties(parameters)

	f := newFixture(t)

	properties.Property("successor id differs and points back", prop.ForAll(
		func(domains []string, reason string) bool {
			ctx := context.Background()
			c := f.activate(t, contracts.EpisodicDraft("alice", coding()))

			var changes contracts.Amendment
			if len(domains) > 0 && domains[0] != "" {
				changes.Scope = &contracts.Scope{Domains: domains[:1]}
			}
			original, draft, err := f.mgr.Amend(ctx, c.ContractID, "alice", changes, reason)
			if err != nil {
				return false
			}
			return original.ContractID == c.ContractID &&
				original.State == contracts.StateAmended &&
				draft.ContractID != c.ContractID &&
				draft.State == contracts.StateDraft &&
				draft.AmendedFrom() == c.ContractID
		},
		gen.SliceOf(gen.AlphaString()),
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}
