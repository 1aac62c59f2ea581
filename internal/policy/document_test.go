package policy

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"verdict/pkg/cel"
)

func TestDecodeDocument_RoundTrip(t *testing.T) {
	doc := Document{
		Version: 1,
		Clauses: []Clause{
			{Name: "allow_admins", Effect: EffectAllow, Roles: []string{"admin"}},
		},
	}

	content, err := json.Marshal(doc)
	require.NoError(t, err)

	decoded := DecodeDocument(content)
	require.Len(t, decoded.Clauses, 1)
	assert.Equal(t, "allow_admins", decoded.Clauses[0].Name)
	assert.Equal(t, []string{"admin"}, decoded.Clauses[0].Roles)
}

func TestDecodeDocument_FallsBackToEmpty(t *testing.T) {
	tests := []struct {
		name    string
		content json.RawMessage
	}{
		{name: "garbage", content: json.RawMessage(`{{{{not json`)},
		{name: "wrong shape", content: json.RawMessage(`[1, 2, 3]`)},
		{name: "empty", content: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc := DecodeDocument(tt.content)
			assert.Empty(t, doc.Clauses)
		})
	}
}

func TestValidator(t *testing.T) {
	evaluator, err := cel.NewEvaluator()
	require.NoError(t, err)
	v := NewValidator(evaluator)

	tests := []struct {
		name      string
		content   string
		wantError bool
	}{
		{
			name:    "valid document",
			content: `{"clauses": [{"name": "a", "effect": "allow", "roles": ["admin"]}]}`,
		},
		{
			name:    "valid with guard",
			content: `{"clauses": [{"name": "a", "effect": "deny", "when": "role == \"contractor\""}]}`,
		},
		{
			name:      "not json",
			content:   `nope`,
			wantError: true,
		},
		{
			name:      "unknown field",
			content:   `{"clauses": [{"name": "a", "effect": "allow", "priority": 5}]}`,
			wantError: true,
		},
		{
			name:      "missing clause name",
			content:   `{"clauses": [{"effect": "allow"}]}`,
			wantError: true,
		},
		{
			name:      "duplicate clause name",
			content:   `{"clauses": [{"name": "a", "effect": "allow"}, {"name": "a", "effect": "deny"}]}`,
			wantError: true,
		},
		{
			name:      "bad effect",
			content:   `{"clauses": [{"name": "a", "effect": "maybe"}]}`,
			wantError: true,
		},
		{
			name:      "negative amount_max",
			content:   `{"clauses": [{"name": "a", "effect": "allow", "amount_max": -1}]}`,
			wantError: true,
		},
		{
			name:      "bad guard expression",
			content:   `{"clauses": [{"name": "a", "effect": "allow", "when": "this is !!! not CEL"}]}`,
			wantError: true,
		},
		{
			name:      "non-bool guard expression",
			content:   `{"clauses": [{"name": "a", "effect": "allow", "when": "amount"}]}`,
			wantError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.Validate(json.RawMessage(tt.content))
			if tt.wantError {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestContext_ParseAmount(t *testing.T) {
	tests := []struct {
		name   string
		amount string
		want   float64
		ok     bool
	}{
		{name: "valid", amount: "1500", want: 1500, ok: true},
		{name: "decimal", amount: "99.95", want: 99.95, ok: true},
		{name: "zero", amount: "0", want: 0, ok: true},
		{name: "absent", amount: "", ok: false},
		{name: "unparsable", amount: "lots", ok: false},
		{name: "negative", amount: "-10", ok: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Context{Amount: tt.amount}.ParseAmount()
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func TestContext_IsOwnResource(t *testing.T) {
	assert.True(t, Context{UserID: "u1"}.IsOwnResource())
	assert.True(t, Context{UserID: "u1", ResourceOwner: "u1"}.IsOwnResource())
	assert.False(t, Context{UserID: "u1", ResourceOwner: "u2"}.IsOwnResource())
}
