package agent

import "github.com/haasonsaas/datachat/pkg/models"

// repairTranscript returns a copy of history that model APIs will accept.
// A turn that failed mid-round leaves an assistant message whose tool calls
// have no results; those calls are stripped, and tool messages that do not
// answer a call in the immediately preceding assistant message are dropped.
// The stored history is never modified.
func repairTranscript(history []models.Message) []models.Message {
	repaired := make([]models.Message, 0, len(history))

	for i := 0; i < len(history); i++ {
		msg := history[i]

		switch msg.Role {
		case models.RoleAssistant:
			if !msg.HasToolCalls() {
				repaired = append(repaired, msg.Clone())
				continue
			}

			// Collect the tool messages that follow this assistant turn.
			end := i + 1
			for end < len(history) && history[end].Role == models.RoleTool {
				end++
			}

			pending := make(map[string]struct{}, len(msg.ToolCalls))
			for _, call := range msg.ToolCalls {
				if call.ID != "" {
					pending[call.ID] = struct{}{}
				}
			}
			answered := make(map[string]struct{}, len(msg.ToolCalls))
			results := make([]models.Message, 0, end-i-1)
			for _, res := range history[i+1 : end] {
				if _, ok := pending[res.ToolCallID]; !ok {
					continue
				}
				if _, dup := answered[res.ToolCallID]; dup {
					continue
				}
				answered[res.ToolCallID] = struct{}{}
				results = append(results, res.Clone())
			}

			fixed := msg.Clone()
			fixed.ToolCalls = fixed.ToolCalls[:0]
			for _, call := range msg.ToolCalls {
				if _, ok := answered[call.ID]; ok {
					fixed.ToolCalls = append(fixed.ToolCalls, call)
				}
			}
			if len(fixed.ToolCalls) == 0 {
				fixed.ToolCalls = nil
				if fixed.Content == "" {
					i = end - 1
					continue
				}
			}

			repaired = append(repaired, fixed)
			repaired = append(repaired, results...)
			i = end - 1
		case models.RoleTool:
			// Orphaned: not preceded by an assistant tool-call message.
			continue
		default:
			repaired = append(repaired, msg.Clone())
		}
	}

	return repaired
}
