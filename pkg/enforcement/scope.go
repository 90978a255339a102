package enforcement

import (
	"fmt"

	"golang.org/x/text/unicode/norm"

	"github.com/kase1111-hash/learning-contracts/pkg/contracts"
)

// EmptyScopeReason is returned when a contract names no domains, contexts or
// tools but the operation names at least one of them.
const EmptyScopeReason = "contract scope is empty, denying by default"

// matchScope checks the operation's domain, context and tool against the
// contract scope. Values are compared case-sensitively after NFC
// normalization. An empty set on one dimension is a wildcard for that
// dimension.
func matchScope(s contracts.Scope, oc OperationContext) (reason string, ok bool) {
	dims := []struct {
		name    string
		value   string
		allowed []string
	}{
		{"domain", oc.Domain, s.Domains},
		{"context", oc.Context, s.Contexts},
		{"tool", oc.Tool, s.Tools},
	}

	queried := false
	for _, d := range dims {
		if d.value == "" {
			continue
		}
		queried = true
		if len(d.allowed) > 0 && !containsNormalized(d.allowed, d.value) {
			return fmt.Sprintf("%s %q is not in contract scope", d.name, d.value), false
		}
	}

	// Nothing named: there is nothing for the scope to reject.
	if !queried {
		return "", true
	}
	// Something named against a contract that lists nothing: fail closed.
	if s.IsEmpty() {
		return EmptyScopeReason, false
	}
	return "", true
}

func containsNormalized(set []string, value string) bool {
	v := norm.NFC.String(value)
	for _, s := range set {
		if norm.NFC.String(s) == v {
			return true
		}
	}
	return false
}
