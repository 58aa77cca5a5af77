package ingest

import "github.com/fidde/otlp_usage_tracker/pkg/models"

// Attribute names accepted for each identity field, in lookup order.
var (
	sessionIDKeys = []string{"session.id", "session_id"}
	userIDKeys    = []string{"user.id", "user_id"}
	userEmailKeys = []string{"user.email", "user_email"}
	orgIDKeys     = []string{"organization.id", "organization_id", "org.id", "org_id"}
	modelKeys     = []string{"model", "model.name", "model_name"}

	messageIDKeys      = []string{"message_id", "message.id"}
	conversationIDKeys = []string{"conversation_id", "conversation.id"}
	roleKeys           = []string{"role", "message.role", "message_role"}

	projectPathKeys = []string{"project.path", "project_path"}

	tokenTypeKeys        = []string{"type"}
	messageTokenTypeKeys = []string{"type", "token.type"}
)

// ResolveSession resolves session identity. Resource attributes win over
// data point attributes; within a source the dotted name is tried before the
// underscored one. Empty strings count as unset.
func ResolveSession(resource, dataPoint Attributes) models.SessionIdentity {
	sources := []Attributes{resource, dataPoint}
	return models.SessionIdentity{
		SessionID: firstString(sources, sessionIDKeys),
		UserID:    firstString(sources, userIDKeys),
		UserEmail: firstString(sources, userEmailKeys),
		OrgID:     firstString(sources, orgIDKeys),
		Model:     firstString(sources, modelKeys),
	}
}

// ResolveMessage resolves message identity from one attribute set. The
// session id is left for the caller to fill from session context.
func ResolveMessage(attrs Attributes) models.MessageIdentity {
	sources := []Attributes{attrs}
	return models.MessageIdentity{
		MessageID:      firstString(sources, messageIDKeys),
		ConversationID: firstString(sources, conversationIDKeys),
		Role:           firstString(sources, roleKeys),
		Model:          firstString(sources, modelKeys),
	}
}

// ResolveProjectPath returns the project path, resource attributes first.
func ResolveProjectPath(resource, dataPoint Attributes) string {
	return firstString([]Attributes{resource, dataPoint}, projectPathKeys)
}

func firstString(sources []Attributes, keys []string) string {
	for _, attrs := range sources {
		for _, key := range keys {
			if s, ok := attrs.String(key); ok && s != "" {
				return s
			}
		}
	}
	return ""
}
