package directory

import (
	"fmt"

	"github.com/odyssey-erp/odyssey-directory/internal/permission"
	"github.com/odyssey-erp/odyssey-directory/internal/shared"
)

// guard enforces that an acting principal never hands out more authority than
// it holds itself.
type guard struct {
	actor  Principal
	grants permission.Set
}

func newGuard(actor Principal) guard {
	return guard{actor: actor, grants: actor.Grants()}
}

func (g guard) super() bool {
	return g.grants.Has(permission.Wildcard)
}

func (g guard) require(code string) error {
	ok, err := permission.HasCapability(g.grants, code)
	if err != nil {
		return err
	}
	if !ok {
		return shared.Forbidden(fmt.Sprintf("missing permission %s", code))
	}
	return nil
}

func (g guard) active() error {
	if !g.actor.Active() {
		return shared.Forbidden("acting principal is inactive")
	}
	return nil
}

// canAssignRole checks the role against the actor's assignable codes and level.
func (g guard) canAssignRole(role RoleSnapshot) error {
	if g.super() {
		return nil
	}
	if !g.actor.Role.CanAssign(role.Code) {
		return shared.Forbidden(fmt.Sprintf("role %s is not assignable by %s", role.Code, g.actor.Role.Code))
	}
	if role.Outranks(g.actor.Role) {
		return shared.Forbidden(fmt.Sprintf("role %s outranks the acting principal", role.Code))
	}
	return nil
}

// canGrant checks that every code is already covered by the actor's grants.
func (g guard) canGrant(codes []string) error {
	for _, code := range codes {
		if code == permission.Wildcard && !g.super() {
			return shared.Forbidden("only a wildcard holder may grant *")
		}
		ok, err := permission.HasCapability(g.grants, code)
		if err != nil {
			return shared.Validation("grantedPermissions", err.Error())
		}
		if !ok {
			return shared.Forbidden(fmt.Sprintf("cannot grant %s beyond own permissions", code))
		}
	}
	return nil
}

// canManage rejects targets carrying more authority than the actor.
func (g guard) canManage(target Principal) error {
	if g.super() || target.ID == g.actor.ID {
		return nil
	}
	if target.Role.Outranks(g.actor.Role) {
		return shared.Forbidden("target principal outranks the acting principal")
	}
	if target.Grants().Has(permission.Wildcard) {
		return shared.Forbidden("target principal holds the wildcard permission")
	}
	return nil
}

func (g guard) authorizeCreate(in CreateInput) error {
	if err := g.active(); err != nil {
		return err
	}
	if err := g.require(shared.PermUsersCreate); err != nil {
		return err
	}
	if err := g.canAssignRole(in.Role); err != nil {
		return err
	}
	return g.canGrant(in.GrantedPermissions)
}

func (g guard) authorizeUpdate(target Principal, p Patch) error {
	if err := g.active(); err != nil {
		return err
	}
	if err := g.require(shared.PermUsersEdit); err != nil {
		return err
	}
	self := target.ID == g.actor.ID
	if self && (p.Role != nil || p.Status != nil || p.GrantedPermissions != nil) {
		return shared.Forbidden("a principal cannot change its own role, status or permissions")
	}
	if err := g.canManage(target); err != nil {
		return err
	}
	if p.Role != nil {
		if err := g.require(shared.PermUsersEditRole); err != nil {
			return err
		}
		if err := g.canAssignRole(*p.Role); err != nil {
			return err
		}
	}
	if p.GrantedPermissions != nil {
		if err := g.require(shared.PermUsersEditPermissions); err != nil {
			return err
		}
		if err := g.canGrant(p.GrantedPermissions); err != nil {
			return err
		}
	}
	if p.Status != nil {
		if err := g.require(shared.PermUsersEditStatus); err != nil {
			return err
		}
	}
	return nil
}

func (g guard) authorizeDelete(target Principal) error {
	if err := g.active(); err != nil {
		return err
	}
	if err := g.require(shared.PermUsersDelete); err != nil {
		return err
	}
	if target.ID == g.actor.ID {
		return shared.Forbidden("a principal cannot delete itself")
	}
	return g.canManage(target)
}
