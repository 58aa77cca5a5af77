package ingest

import (
	"testing"

	"github.com/fidde/otlp_usage_tracker/pkg/models"
	"github.com/stretchr/testify/assert"
)

func strAttrs(kv ...string) Attributes {
	out := Attributes{}
	for i := 0; i+1 < len(kv); i += 2 {
		out[kv[i]] = Value{Kind: KindString, Str: kv[i+1]}
	}
	return out
}

func TestResolveSession(t *testing.T) {
	tests := []struct {
		name      string
		resource  Attributes
		dataPoint Attributes
		want      models.SessionIdentity
	}{
		{
			name:     "resource only",
			resource: strAttrs("session.id", "S1", "user.id", "U1", "organization.id", "O1"),
			want:     models.SessionIdentity{SessionID: "S1", UserID: "U1", OrgID: "O1"},
		},
		{
			name:      "resource wins over data point",
			resource:  strAttrs("session_id", "S1"),
			dataPoint: strAttrs("session.id", "S2", "model", "claude"),
			want:      models.SessionIdentity{SessionID: "S1", Model: "claude"},
		},
		{
			name:     "dotted before underscored",
			resource: strAttrs("session_id", "under", "session.id", "dot", "user_email", "a@b.c"),
			want:     models.SessionIdentity{SessionID: "dot", UserEmail: "a@b.c"},
		},
		{
			name:      "empty string is unset",
			resource:  strAttrs("session.id", "", "org_id", ""),
			dataPoint: strAttrs("session_id", "S3", "org.id", "O3"),
			want:      models.SessionIdentity{SessionID: "S3", OrgID: "O3"},
		},
		{
			name: "nothing",
			want: models.SessionIdentity{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ResolveSession(tt.resource, tt.dataPoint))
		})
	}
}

func TestResolveSessionNonStringID(t *testing.T) {
	resource := Attributes{"session.id": {Kind: KindInt, Int: 7}}
	assert.Equal(t, "7", ResolveSession(resource, nil).SessionID)
}

func TestResolveMessage(t *testing.T) {
	got := ResolveMessage(strAttrs(
		"message.id", "M1",
		"conversation_id", "C1",
		"message_role", "user",
		"model.name", "claude-sonnet",
	))
	assert.Equal(t, models.MessageIdentity{
		MessageID:      "M1",
		ConversationID: "C1",
		Role:           "user",
		Model:          "claude-sonnet",
	}, got)

	got = ResolveMessage(strAttrs("message_id", "M2", "message.id", "M3", "role", ""))
	assert.Equal(t, "M2", got.MessageID)
	assert.Empty(t, got.Role)
	assert.Empty(t, got.SessionID)
}

func TestResolveProjectPath(t *testing.T) {
	assert.Equal(t, "/srv/app", ResolveProjectPath(strAttrs("project.path", "/srv/app"), strAttrs("project_path", "/other")))
	assert.Equal(t, "/other", ResolveProjectPath(nil, strAttrs("project_path", "/other")))
	assert.Empty(t, ResolveProjectPath(nil, nil))
}
