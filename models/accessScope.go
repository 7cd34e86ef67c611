package models

import (
	"strings"

	"gorm.io/gorm"
)

type ScopeKind int

const (
	ScopeAll ScopeKind = iota
	ScopeBranch
	ScopeDepartment
	ScopeName
	// ScopeNone matches nothing. Used when the actor's scoping attribute is empty.
	ScopeNone
)

func (k ScopeKind) String() string {
	switch k {
	case ScopeAll:
		return "all"
	case ScopeBranch:
		return "branch"
	case ScopeDepartment:
		return "department"
	case ScopeName:
		return "name"
	default:
		return "none"
	}
}

// Scope is the visibility filter an actor's roles resolve to.
type Scope struct {
	Kind       ScopeKind
	Branch     string
	Department string
	FirstName  string
	LastName   string
}

// scopedRecord is implemented by records the Scope can be evaluated against.
type scopedRecord interface {
	scopeFields() (branch, department, firstName, lastName string)
}

// RecoveryScope resolves the recovery visibility of actor. The first
// matching role wins; roles are never combined.
func RecoveryScope(actor Actor) Scope {
	switch {
	case actor.HasRole(RoleAdmin), actor.HasRole(RoleIctFinance):
		return Scope{Kind: ScopeAll}
	case actor.HasRole(RoleBranchAdmin), actor.HasRole(RoleBranchAgent):
		branch := strings.TrimSpace(actor.Branch)
		if branch == "" {
			return Scope{Kind: ScopeNone}
		}
		return Scope{Kind: ScopeBranch, Branch: branch}
	case actor.HasRole(RoleDeptFinance):
		return departmentScope(actor)
	default:
		first, last := DeriveName(actor)
		if first == "" {
			return Scope{Kind: ScopeNone}
		}
		return Scope{Kind: ScopeName, FirstName: first, LastName: last}
	}
}

// JournalScope is the two-tier journal visibility: Admin and IctFinance see
// every journal, everyone else their own department.
func JournalScope(actor Actor) Scope {
	if actor.HasRole(RoleAdmin) || actor.HasRole(RoleIctFinance) {
		return Scope{Kind: ScopeAll}
	}
	return departmentScope(actor)
}

func departmentScope(actor Actor) Scope {
	dept := strings.TrimSpace(actor.Department)
	if dept == "" {
		return Scope{Kind: ScopeNone}
	}
	return Scope{Kind: ScopeDepartment, Department: dept}
}

// DeriveName returns the actor's first and last name. Without both explicit
// names it falls back to the local part of the display identifier split on
// "." (jane.doe@corp -> jane, doe); names with more dots misparse.
func DeriveName(actor Actor) (first, last string) {
	if actor.FirstName != "" && actor.LastName != "" {
		return actor.FirstName, actor.LastName
	}
	display := actor.DisplayName
	if display == "" {
		display = actor.Email
	}
	local, _, _ := strings.Cut(display, "@")
	parts := strings.Split(local, ".")
	first = strings.TrimSpace(parts[0])
	if len(parts) > 1 {
		last = strings.TrimSpace(parts[1])
	}
	return first, last
}

var likeEscaper = strings.NewReplacer("!", "!!", "%", "!%", "_", "!_")

// branchPattern is the LIKE pattern for a case-insensitive substring match.
func branchPattern(branch string) string {
	return "%" + likeEscaper.Replace(strings.ToLower(branch)) + "%"
}

// Apply narrows db to the records the scope admits.
func (s Scope) Apply(db *gorm.DB) *gorm.DB {
	switch s.Kind {
	case ScopeAll:
		return db
	case ScopeBranch:
		return db.Where("LOWER(branch) LIKE ? ESCAPE '!'", branchPattern(s.Branch))
	case ScopeDepartment:
		return db.Where("department = ?", s.Department)
	case ScopeName:
		return db.Where("lastName = ? AND firstName = ?", s.LastName, s.FirstName)
	default:
		return db.Where("1 = 0")
	}
}

// Matches evaluates the scope against a loaded record, agreeing with Apply.
func (s Scope) Matches(record scopedRecord) bool {
	branch, department, firstName, lastName := record.scopeFields()
	switch s.Kind {
	case ScopeAll:
		return true
	case ScopeBranch:
		return strings.Contains(strings.ToLower(branch), strings.ToLower(s.Branch))
	case ScopeDepartment:
		return department == s.Department
	case ScopeName:
		return lastName == s.LastName && firstName == s.FirstName
	default:
		return false
	}
}
