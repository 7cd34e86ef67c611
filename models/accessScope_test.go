package models_test

import (
	"testing"

	"github.com/mmdatafocus/recoveries_backend/models"
)

func TestRecoveryScope(t *testing.T) {
	cases := []struct {
		name  string
		actor models.Actor
		want  models.Scope
	}{
		{"admin", models.Actor{Roles: []string{models.RoleAdmin}, Branch: "North"}, models.Scope{Kind: models.ScopeAll}},
		{"ict finance", models.Actor{Roles: []string{models.RoleIctFinance}}, models.Scope{Kind: models.ScopeAll}},
		{"branch admin", models.Actor{Roles: []string{models.RoleBranchAdmin}, Branch: " North "}, models.Scope{Kind: models.ScopeBranch, Branch: "North"}},
		{"branch agent without branch", models.Actor{Roles: []string{models.RoleBranchAgent}}, models.Scope{Kind: models.ScopeNone}},
		{"dept finance", models.Actor{Roles: []string{models.RoleDeptFinance}, Department: "Finance"}, models.Scope{Kind: models.ScopeDepartment, Department: "Finance"}},
		{"dept finance without department", models.Actor{Roles: []string{models.RoleDeptFinance}}, models.Scope{Kind: models.ScopeNone}},
		{"branch role wins over department", models.Actor{Roles: []string{models.RoleDeptFinance, models.RoleBranchAgent}, Branch: "East", Department: "Finance"}, models.Scope{Kind: models.ScopeBranch, Branch: "East"}},
		{"claimant by display name", models.Actor{DisplayName: "jane.doe@corp.test"}, models.Scope{Kind: models.ScopeName, FirstName: "jane", LastName: "doe"}},
		{"claimant explicit names", models.Actor{DisplayName: "whatever", FirstName: "Jane", LastName: "Doe"}, models.Scope{Kind: models.ScopeName, FirstName: "Jane", LastName: "Doe"}},
		{"claimant without identity", models.Actor{}, models.Scope{Kind: models.ScopeNone}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := models.RecoveryScope(tc.actor); got != tc.want {
				t.Fatalf("RecoveryScope() = %+v, want %+v", got, tc.want)
			}
		})
	}
}

func TestJournalScope(t *testing.T) {
	if got := models.JournalScope(models.Actor{Roles: []string{models.RoleIctFinance}, Department: "ICT"}); got.Kind != models.ScopeAll {
		t.Fatalf("ict finance scope = %v, want all", got.Kind)
	}
	got := models.JournalScope(models.Actor{Roles: []string{models.RoleDeptFinance}, Department: "Finance"})
	if got.Kind != models.ScopeDepartment || got.Department != "Finance" {
		t.Fatalf("dept finance scope = %+v", got)
	}
	if got := models.JournalScope(models.Actor{Roles: []string{models.RoleBranchAgent}}); got.Kind != models.ScopeNone {
		t.Fatalf("no department scope = %v, want none", got.Kind)
	}
}

func TestDeriveName(t *testing.T) {
	cases := []struct {
		actor       models.Actor
		first, last string
	}{
		{models.Actor{DisplayName: "jane.doe@corp.test"}, "jane", "doe"},
		{models.Actor{Email: "john.smith@corp.test"}, "john", "smith"},
		{models.Actor{DisplayName: "solo@corp.test"}, "solo", ""},
		{models.Actor{DisplayName: "a.b.c@corp.test"}, "a", "b"},
		// one explicit name is not enough
		{models.Actor{DisplayName: "jane.doe@corp.test", FirstName: "Janet"}, "jane", "doe"},
		{models.Actor{DisplayName: "x", FirstName: "Janet", LastName: "Doe"}, "Janet", "Doe"},
	}
	for _, tc := range cases {
		first, last := models.DeriveName(tc.actor)
		if first != tc.first || last != tc.last {
			t.Errorf("DeriveName(%+v) = %q, %q; want %q, %q", tc.actor, first, last, tc.first, tc.last)
		}
	}
}

func TestScopeMatches(t *testing.T) {
	rec := models.Recovery{Branch: "Yangon North", Department: "Finance", FirstName: "jane", LastName: "doe"}
	cases := []struct {
		scope models.Scope
		want  bool
	}{
		{models.Scope{Kind: models.ScopeAll}, true},
		{models.Scope{Kind: models.ScopeBranch, Branch: "north"}, true},
		{models.Scope{Kind: models.ScopeBranch, Branch: "South"}, false},
		{models.Scope{Kind: models.ScopeDepartment, Department: "Finance"}, true},
		{models.Scope{Kind: models.ScopeDepartment, Department: "finance"}, false},
		{models.Scope{Kind: models.ScopeName, FirstName: "jane", LastName: "doe"}, true},
		{models.Scope{Kind: models.ScopeName, FirstName: "jane", LastName: "roe"}, false},
		{models.Scope{Kind: models.ScopeNone}, false},
	}
	for _, tc := range cases {
		if got := tc.scope.Matches(rec); got != tc.want {
			t.Errorf("%s scope %+v Matches = %v, want %v", tc.scope.Kind, tc.scope, got, tc.want)
		}
	}
	if !(models.Scope{Kind: models.ScopeDepartment, Department: "Ops"}).Matches(models.JournalVoucher{Department: "Ops"}) {
		t.Fatal("journal department should match")
	}
}
