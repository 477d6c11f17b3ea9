package dispatcher

import "context"

// Decision is the outcome of a permission check for a PermissionClass.
type Decision string

const (
	Allow   Decision = "allow"
	Deny    Decision = "deny"
	AskUser Decision = "ask_user"
)

// Policy decides, per PermissionClass, whether tools in that class may run
// without interaction. Supplied by the host.
type Policy interface {
	Decide(class PermissionClass) Decision
}

// PolicyFunc adapts a function to Policy.
type PolicyFunc func(class PermissionClass) Decision

func (f PolicyFunc) Decide(class PermissionClass) Decision { return f(class) }

// AllowAllPolicy allows every permission class; useful for tests and
// trusted automation.
func AllowAllPolicy() Policy {
	return PolicyFunc(func(PermissionClass) Decision { return Allow })
}

// UserInteraction is the user-interaction capability AskUser needs:
// ask_permission(tool_name, args_summary) -> Allow | Deny.
type UserInteraction interface {
	AskPermission(ctx context.Context, toolName, argsSummary string) (bool, error)
}

// UserInteractionFunc adapts a function to UserInteraction.
type UserInteractionFunc func(ctx context.Context, toolName, argsSummary string) (bool, error)

func (f UserInteractionFunc) AskPermission(ctx context.Context, toolName, argsSummary string) (bool, error) {
	return f(ctx, toolName, argsSummary)
}

// DenyAllInteraction always denies AskUser classes when no real
// interaction capability is wired — a safe default rather than silently
// allowing.
func DenyAllInteraction() UserInteraction {
	return UserInteractionFunc(func(context.Context, string, string) (bool, error) {
		return false, nil
	})
}
