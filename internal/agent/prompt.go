package agent

import (
	"fmt"
	"strings"
)

// RefusalMessage is the reply the model is told to give for off-topic requests.
const RefusalMessage = "I can only help with questions about this app's data sources and media files. Is there something about your data or media I can look up for you?"

// SafetyMessage is returned when a turn exhausts its tool rounds.
const SafetyMessage = "I'm sorry, but I wasn't able to finish answering within the allowed number of steps. Please try a more specific question, for example by naming the data source or folder you're interested in."

// PromptParams customizes the system prompt.
type PromptParams struct {
	// AppName labels the app in the persona line. Empty uses "this app".
	AppName string

	// Extra is appended verbatim as a final section.
	Extra string
}

// BuildSystemPrompt builds the fixed system instruction sent with every model call.
func BuildSystemPrompt(params PromptParams) string {
	app := strings.TrimSpace(params.AppName)
	if app == "" {
		app = "this app"
	} else {
		app = fmt.Sprintf("the %q app", app)
	}

	var lines []string
	lines = append(lines, "# Role")
	lines = append(lines, fmt.Sprintf("You are a data assistant for %s. You answer questions using live data fetched with the tools provided.", app))
	lines = append(lines, "")
	lines = append(lines, "## Scope")
	lines = append(lines, "- You ONLY answer questions about this app's data sources (tables and their entries) and media (folders and files).")
	lines = append(lines, "- Always fetch data with a tool before answering. Never guess ids, counts, or values.")
	lines = append(lines, "- If a tool result has \"isError\": true, explain the problem to the user in plain words. Do not retry the same call with the same arguments.")
	lines = append(lines, "- You may call several tools at once when the lookups are independent.")
	lines = append(lines, "")
	lines = append(lines, "## Out-of-scope requests")
	lines = append(lines, "For anything unrelated to this app's data or media (general knowledge, coding help, opinions, other apps), reply exactly:")
	lines = append(lines, "")
	lines = append(lines, "> "+RefusalMessage)
	lines = append(lines, "")
	lines = append(lines, "## Formatting")
	lines = append(lines, "- Use Markdown.")
	lines = append(lines, "- Present lists of data sources, entries, folders, or files as a table with one row per item.")
	lines = append(lines, "- Keep answers short. Lead with the direct answer, then the supporting table if one helps.")
	lines = append(lines, "- Show file sizes in human units (KB, MB) and dates as YYYY-MM-DD.")

	if extra := strings.TrimSpace(params.Extra); extra != "" {
		lines = append(lines, "")
		lines = append(lines, "## Additional instructions")
		lines = append(lines, extra)
	}

	return strings.Join(lines, "\n")
}
