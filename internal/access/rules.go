package access

// Capabilities checked at the boundary of core operations.
const (
	RubricWrite     = "rubric:write"
	RubricView      = "rubric:view"
	AttemptRecord   = "attempt:record"
	AttemptViewAll  = "attempt:view-all"
	AttemptViewOwn  = "attempt:view-own"
	FinalViewAll    = "final:view-all"
	FinalViewOwn    = "final:view-own"
	RetryAuthorize  = "retry:authorize"
	AwardReconcile  = "award:reconcile"
	ProgressViewAll = "progress:view-all"
	ProgressViewOwn = "progress:view-own"
	BadgeWrite      = "badge:write"
	FeedbackDraft   = "feedback:draft"
	UsersManage     = "users:manage"
)

// RolePermissions is the default role to capability table.
var RolePermissions = map[string][]string{
	"student": {
		RubricView,
		AttemptViewOwn,
		FinalViewOwn,
		ProgressViewOwn,
	},
	"teacher": {
		"rubric:*",
		"attempt:*",
		"final:*",
		RetryAuthorize,
		AwardReconcile,
		"progress:*",
		BadgeWrite,
		FeedbackDraft,
	},
	"admin": {
		"*",
	},
}
