package config

import (
	"os"
	"strings"
)

func envFlag(key string) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	return v == "1" || v == "true" || v == "yes" || v == "y"
}

// FeatureFlags switches behaviors whose intended semantics are still being
// confirmed with finance. Zero value is the default behavior.
type FeatureFlags struct {
	// DocumentReplaceByRecoveryOnly restores the legacy replace that
	// overwrote every document of the recovery instead of the named one.
	// Env: DOCUMENT_REPLACE_BY_RECOVERY_ONLY=true
	DocumentReplaceByRecoveryOnly bool

	// JournalGetApplyScope applies the department scope to single journal
	// fetch, matching the list endpoint.
	// Env: JOURNAL_GET_APPLY_SCOPE=true
	JournalGetApplyScope bool

	// DocumentGetApplyScope applies the recovery scope to document download.
	// Env: DOCUMENT_GET_APPLY_SCOPE=true
	DocumentGetApplyScope bool

	// JournalDeleteKeepReferences leaves journalID on the member recoveries
	// when a journal is deleted (legacy behavior).
	// Env: JOURNAL_DELETE_KEEP_REFERENCES=true
	JournalDeleteKeepReferences bool
}

func FeatureFlagsFromEnv() FeatureFlags {
	return FeatureFlags{
		DocumentReplaceByRecoveryOnly: envFlag("DOCUMENT_REPLACE_BY_RECOVERY_ONLY"),
		JournalGetApplyScope:          envFlag("JOURNAL_GET_APPLY_SCOPE"),
		DocumentGetApplyScope:         envFlag("DOCUMENT_GET_APPLY_SCOPE"),
		JournalDeleteKeepReferences:   envFlag("JOURNAL_DELETE_KEEP_REFERENCES"),
	}
}
