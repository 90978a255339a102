package enforcement

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/kase1111-hash/learning-contracts/pkg/contracts"
)

func TestMatchScope(t *testing.T) {
	tests := []struct {
		name    string
		scope   contracts.Scope
		oc      OperationContext
		allowed bool
		reason  string
	}{
		{
			name:    "domain in scope",
			scope:   contracts.Scope{Domains: []string{"coding"}},
			oc:      OperationContext{Domain: "coding"},
			allowed: true,
		},
		{
			name:   "domain outside scope",
			scope:  contracts.Scope{Domains: []string{"coding"}},
			oc:     OperationContext{Domain: "finance"},
			reason: `domain "finance" is not in contract scope`,
		},
		{
			name:   "match is case-sensitive",
			scope:  contracts.Scope{Domains: []string{"coding"}},
			oc:     OperationContext{Domain: "Coding"},
			reason: `domain "Coding" is not in contract scope`,
		},
		{
			name:    "empty dimension is a wildcard",
			scope:   contracts.Scope{Domains: []string{"coding"}},
			oc:      OperationContext{Domain: "coding", Tool: "editor"},
			allowed: true,
		},
		{
			name:   "tool outside scope",
			scope:  contracts.Scope{Domains: []string{"coding"}, Tools: []string{"editor"}},
			oc:     OperationContext{Domain: "coding", Tool: "shell"},
			reason: `tool "shell" is not in contract scope`,
		},
		{
			name:   "context outside scope",
			scope:  contracts.Scope{Contexts: []string{"work"}},
			oc:     OperationContext{Context: "home"},
			reason: `context "home" is not in contract scope`,
		},
		{
			name:    "unqueried dimensions are ignored",
			scope:   contracts.Scope{Domains: []string{"coding"}},
			oc:      OperationContext{},
			allowed: true,
		},
		{
			name:    "NFC and NFD forms match",
			scope:   contracts.Scope{Domains: []string{"caf\u00e9"}},
			oc:      OperationContext{Domain: "cafe\u0301"},
			allowed: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reason, ok := matchScope(tt.scope, tt.oc)
			assert.Equal(t, tt.allowed, ok)
			assert.Equal(t, tt.reason, reason)
		})
	}
}

func TestMatchScope_EmptyScopeNothingQueried(t *testing.T) {
	reason, ok := matchScope(contracts.Scope{}, OperationContext{})
	assert.True(t, ok)
	assert.Empty(t, reason)
}

func TestMatchScope_EmptyScopeFailsClosed(t *testing.T) {
	for _, oc := range []OperationContext{
		{Domain: "coding"},
		{Context: "work"},
		{Tool: "editor"},
	} {
		reason, ok := matchScope(contracts.Scope{}, oc)
		assert.False(t, ok)
		assert.Equal(t, EmptyScopeReason, reason)
		assert.Contains(t, reason, "empty")
	}
}
