// Package permission decides whether a viewer's roles satisfy an action's
// role requirement.
package permission

import "github.com/msageha/taskconsole/internal/model"

// Named requirement sets used by the action descriptors.
var (
	// Owners are the viewer relationships that may control a task's execution.
	Owners = model.NewRoleSet(model.RoleCreator, model.RoleProjectOwner, model.RoleProjectDBA)
	// Approvers may pass or reject an approval node.
	Approvers = model.NewRoleSet(model.RoleApprover)
	// Anyone is the empty requirement: every authenticated viewer qualifies.
	Anyone = model.NewRoleSet()
)

// Evaluate returns true when extra holds and either required is empty or
// actual shares at least one role with required. An empty actual set never
// satisfies a non-empty requirement.
func Evaluate(required, actual model.RoleSet, extra bool) bool {
	if !extra {
		return false
	}
	if required.Empty() {
		return true
	}
	if actual.Empty() {
		return false
	}
	return required.Intersects(actual)
}

// Checker binds a viewer's effective roles so descriptors can ask repeated
// questions about the same task.
type Checker struct {
	roles model.RoleSet
}

func NewChecker(roles model.RoleSet) Checker {
	return Checker{roles: roles}
}

// Allow is Evaluate with the bound roles.
func (c Checker) Allow(required model.RoleSet, extra bool) bool {
	return Evaluate(required, c.roles, extra)
}

func (c Checker) Roles() model.RoleSet {
	return c.roles
}
