package app

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/lamb-project/completion-gateway/internal/assistant"
	"github.com/lamb-project/completion-gateway/internal/sharing"
)

// bootstrapDefaultOrg seeds memDB with a single organization, its owning
// creator user, and one published assistant, from a local JSON file
// shaped like orgconfig.OrgConfig. This stands in for the real
// multi-tenant admin API (out of scope per spec.md); a deployment that
// needs more than one organization replaces memDB with a real store
// instead of adding more bootstrap paths here.
func bootstrapDefaultOrg(db *memDB, owner, configPath string) error {
	if owner == "" || configPath == "" {
		return nil
	}

	raw, err := os.ReadFile(configPath)
	if err != nil {
		return fmt.Errorf("bootstrap: read %s: %w", configPath, err)
	}
	if !json.Valid(raw) {
		return fmt.Errorf("bootstrap: %s is not valid JSON", configPath)
	}

	const orgID = 1
	const ownerUserID = 1

	db.seedAssistant(
		assistant.Assistant{
			ID:          1,
			Name:        "default_assistant",
			Owner:       owner,
			RawMetadata: `{"connector":"openai_compat"}`,
			Publication: &assistant.Publication{GroupID: "assistant_1"},
		},
		sharing.CreatorUser{ID: ownerUserID, Email: owner, IsAdmin: true, CanShare: true},
		orgID,
		json.RawMessage(raw),
	)
	return nil
}
