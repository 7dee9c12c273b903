package agent

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/haasonsaas/datachat/pkg/models"
)

func TestRepairTranscript(t *testing.T) {
	user := models.Message{Role: models.RoleUser, Content: "q"}
	call := func(ids ...string) models.Message {
		msg := models.Message{Role: models.RoleAssistant}
		for _, id := range ids {
			msg.ToolCalls = append(msg.ToolCalls, models.ToolCall{ID: id, Name: "t", Arguments: "{}"})
		}
		return msg
	}
	result := func(id string) models.Message {
		return models.Message{Role: models.RoleTool, ToolCallID: id, Content: "{}"}
	}
	answer := models.Message{Role: models.RoleAssistant, Content: "a"}

	tests := []struct {
		name string
		in   []models.Message
		want []models.Message
	}{
		{
			name: "empty",
			in:   nil,
			want: []models.Message{},
		},
		{
			name: "complete round untouched",
			in:   []models.Message{user, call("1", "2"), result("1"), result("2"), answer},
			want: []models.Message{user, call("1", "2"), result("1"), result("2"), answer},
		},
		{
			name: "dangling call removed",
			in:   []models.Message{user, call("1"), user},
			want: []models.Message{user, user},
		},
		{
			name: "partially answered call trimmed",
			in:   []models.Message{user, call("1", "2"), result("2")},
			want: []models.Message{user, call("2"), result("2")},
		},
		{
			name: "orphan result dropped",
			in:   []models.Message{user, result("9"), answer},
			want: []models.Message{user, answer},
		},
		{
			name: "result for another round dropped",
			in:   []models.Message{user, call("1"), result("1"), answer, result("1")},
			want: []models.Message{user, call("1"), result("1"), answer},
		},
		{
			name: "duplicate result dropped",
			in:   []models.Message{user, call("1"), result("1"), result("1")},
			want: []models.Message{user, call("1"), result("1")},
		},
		{
			name: "assistant text kept when calls stripped",
			in: []models.Message{user, {
				Role:      models.RoleAssistant,
				Content:   "checking",
				ToolCalls: []models.ToolCall{{ID: "1", Name: "t"}},
			}},
			want: []models.Message{user, {Role: models.RoleAssistant, Content: "checking"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := repairTranscript(tt.in)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("repairTranscript mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestRepairTranscript_DoesNotMutateInput(t *testing.T) {
	in := []models.Message{
		{Role: models.RoleUser, Content: "q"},
		{Role: models.RoleAssistant, ToolCalls: []models.ToolCall{{ID: "1"}, {ID: "2"}}},
		{Role: models.RoleTool, ToolCallID: "2"},
	}
	_ = repairTranscript(in)

	if len(in[1].ToolCalls) != 2 || in[1].ToolCalls[0].ID != "1" {
		t.Errorf("input mutated: %+v", in[1].ToolCalls)
	}
}
