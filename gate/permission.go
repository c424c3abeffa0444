package gate

import "strings"

// Action describes the kind of operation a subject wants to perform.
type Action string

const (
	ActionView   Action = "view"
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
	ActionList   Action = "list"

	// Domain actions beyond plain CRUD.
	ActionFinalize Action = "finalize" // invoices
	ActionVoid     Action = "void"     // invoices, contracts
	ActionPay      Action = "pay"      // payments and refunds
	ActionSend     Action = "send"     // contract signature invites
	ActionAmend    Action = "amend"    // contract amendments
	ActionBook     Action = "book"     // appointments
	ActionCancel   Action = "cancel"   // appointments
)

// Permission represents an allowed action on a resource type.
// Format: "resource:action" (e.g. "invoice:finalize", "contract:amend").
type Permission string

func NewPermission(resourceType string, action Action) Permission {
	return Permission(resourceType + ":" + string(action))
}

// Parse splits a permission into resource type and action.
func (p Permission) Parse() (resourceType string, action Action) {
	parts := strings.SplitN(string(p), ":", 2)
	if len(parts) != 2 {
		return "", ""
	}
	return parts[0], Action(parts[1])
}

// Wildcards for super permissions
const (
	WildcardAll                      = "*"
	PermissionSuperAdmin  Permission = "*:*"
)

// Matches checks if this permission matches a requested permission.
// Supports wildcards: "*:*" matches all, "contract:*" matches all contract actions.
func (p Permission) Matches(requested Permission) bool {
	if p == PermissionSuperAdmin {
		return true
	}
	if p == requested {
		return true
	}
	res, act := p.Parse()
	reqRes, _ := requested.Parse()
	if res == reqRes && string(act) == WildcardAll {
		return true
	}
	return false
}
