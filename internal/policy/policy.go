// Package policy maps command names to risk class, required approval count,
// and approval window. The table is static; changing it means a redeploy.
package policy

// Risk classes.
const (
	RiskLow      = "LOW"
	RiskHigh     = "HIGH"
	RiskCritical = "CRITICAL"
)

// ConfirmAllIdentity is the reserved approval identity for bulk order
// confirmation, which shares a single approval across all pending tickets.
const ConfirmAllIdentity = "*"

// DefaultWindowSec is the standard confirmation window for dual-control
// rows. APPROVAL_WINDOW_SEC moves it at runtime; rows carrying a different
// window in the table keep theirs.
const DefaultWindowSec = 90

// Policy is the classification of one command name.
type Policy struct {
	Risk              string
	RequiredApprovals int
	WindowSec         int
}

var table = map[string]Policy{
	"state.pause":        {RiskLow, 1, 0},
	"state.resume":       {RiskLow, 1, 0},
	"state.stop":         {RiskLow, 1, 0},
	"mode.switch":        {RiskLow, 1, 0},
	"orders.confirm":     {RiskHigh, 2, DefaultWindowSec},
	"orders.reject":      {RiskHigh, 2, DefaultWindowSec},
	"orders.confirm_all": {RiskHigh, 2, DefaultWindowSec},
	"orders.cancel":      {RiskHigh, 2, DefaultWindowSec},
	"live.cancel":        {RiskHigh, 2, DefaultWindowSec},
	"portfolio.adjust":   {RiskHigh, 2, 120},
	"stop.now":           {RiskCritical, 1, 0},
}

// Classify returns the policy for a command name. Unknown commands are LOW
// risk with a single approval, so novel low-stakes commands pass through
// without a table change.
func Classify(cmd string) Policy {
	if p, ok := table[cmd]; ok {
		return p
	}
	return Policy{RiskLow, 1, 0}
}

// HighRisk reports whether the command needs dual control or a PIN session.
func HighRisk(cmd string) bool {
	p := Classify(cmd)
	return p.Risk == RiskHigh || p.Risk == RiskCritical
}

// Target derives the canonical approval identity of a command: two commands
// with the same (name, target) share one approval.
func Target(cmd string, args map[string]any) string {
	switch cmd {
	case "orders.confirm", "orders.reject", "orders.cancel":
		if tok, ok := args["token"].(string); ok && tok != "" {
			return tok
		}
		return "unknown"
	case "orders.confirm_all":
		return ConfirmAllIdentity
	case "live.cancel":
		if sel, ok := args["selector"].(string); ok && sel != "" {
			return sel
		}
		return "all"
	case "mode.switch":
		if target, ok := args["target"].(string); ok && target != "" {
			return target
		}
		return "unknown"
	case "stop.now":
		return "stop"
	case "portfolio.adjust":
		if id, ok := args["id"].(string); ok && id != "" {
			return id
		}
		return "unknown"
	default:
		if target, ok := args["target"].(string); ok && target != "" {
			return target
		}
		return "default"
	}
}
