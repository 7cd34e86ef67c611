package models

import "strings"

// RecoveryStatus is the organisation-defined workflow state of a recovery.
// The constants below are the states the workflow is known to use; other
// non-empty values are accepted.
type RecoveryStatus string

const (
	RecoveryStatusDraft            RecoveryStatus = "Draft"
	RecoveryStatusSubmitted        RecoveryStatus = "Submitted"
	RecoveryStatusPurchaseApproved RecoveryStatus = "Purchase Approved"
	RecoveryStatusReDraft          RecoveryStatus = "Re-Draft"
	RecoveryStatusApproved         RecoveryStatus = "Approved"
	RecoveryStatusRejected         RecoveryStatus = "Rejected"
	RecoveryStatusCompleted        RecoveryStatus = "Completed"
)

// FreezesModUser reports whether a write that lands in this status must leave
// modUser untouched.
func (s RecoveryStatus) FreezesModUser() bool {
	return s == RecoveryStatusPurchaseApproved || s == RecoveryStatusReDraft
}

func (s RecoveryStatus) Valid() bool {
	return strings.TrimSpace(string(s)) != ""
}

// Roles as issued by the identity directory.
const (
	RoleAdmin       = "Admin"
	RoleIctFinance  = "IctFinance"
	RoleBranchAdmin = "BranchAdmin"
	RoleBranchAgent = "BranchAgent"
	RoleDeptFinance = "DeptFinance"
	RoleTech        = "Tech"
)

var (
	recoveryCreateRoles  = []string{RoleAdmin, RoleBranchAdmin, RoleBranchAgent}
	documentUploadRoles  = []string{RoleAdmin, RoleTech}
	journalReadRoles     = []string{RoleAdmin, RoleIctFinance, RoleDeptFinance}
	journalMutationRoles = []string{RoleAdmin, RoleIctFinance}
)
