// Package modulepolicy implements the Module Policy: the runtime-
// mutable global whitelist of importable Starlark modules.
package modulepolicy

import "fmt"

// Decision is the outcome of checking a module name against the policy.
type Decision int

const (
	// DecisionForbiddenPermanent can never be lifted, even by admin approval.
	DecisionForbiddenPermanent Decision = iota
	// DecisionUnapproved means the module is neither whitelisted nor
	// permanently forbidden: an admin approval request is needed.
	DecisionUnapproved
	// DecisionAllowed means the module may be imported.
	DecisionAllowed
)

func (d Decision) String() string {
	switch d {
	case DecisionForbiddenPermanent:
		return "forbidden"
	case DecisionUnapproved:
		return "unapproved"
	case DecisionAllowed:
		return "allowed"
	default:
		return fmt.Sprintf("Decision(%d)", int(d))
	}
}

// Classification distinguishes stdlib modules from third-party ones for
// display/status purposes; it has no bearing on the allow decision.
type Classification string

const (
	ClassificationStdlib      Classification = "stdlib"
	ClassificationThirdParty  Classification = "third_party"
)

// permanentlyForbidden is the load-bearing denylist: no
// admin action, not even approval, can lift these. operator is banned
// because indirect-attribute-access utilities would otherwise let guest
// code route around the textual denylist of the validator.
var permanentlyForbidden = map[string]bool{
	"operator": true, "os": true, "sys": true, "subprocess": true,
	"shutil": true, "pathlib": true, "pickle": true, "marshal": true,
	"socket": true, "inspect": true, "gc": true, "builtins": true,
	"ctypes": true, "multiprocessing": true, "importlib": true,
	"threading": true,
}

// ModuleStatus is one row of ListWithStatus's output.
type ModuleStatus struct {
	Name           string
	Decision       Decision
	Classification Classification
	Approver       string // who approved it, if DecisionAllowed and not a built-in default
}
