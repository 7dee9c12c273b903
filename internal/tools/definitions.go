package tools

import (
	"encoding/json"

	"github.com/haasonsaas/datachat/pkg/models"
)

// Tool names exposed to the model.
const (
	ListDataSources       = "list_data_sources"
	GetDataSource         = "get_data_source"
	ListDataSourceEntries = "list_data_source_entries"
	QueryDataSource       = "query_data_source"
	ListMedia             = "list_media"
	GetMediaFile          = "get_media_file"
)

var definitions = []models.ToolDefinition{
	{
		Name:        ListDataSources,
		Description: "List every data source (table) in the app with its id and name. Use this first when the user asks what data exists or refers to a data source by name.",
		Parameters: json.RawMessage(`{
  "type": "object",
  "properties": {},
  "additionalProperties": false
}`),
	},
	{
		Name:        GetDataSource,
		Description: "Get the metadata of one data source: name, columns, entry count, and timestamps.",
		Parameters: json.RawMessage(`{
  "type": "object",
  "properties": {
    "data_source_id": { "type": ["integer", "string"], "description": "Data source id from list_data_sources" }
  },
  "required": ["data_source_id"],
  "additionalProperties": false
}`),
	},
	{
		Name:        ListDataSourceEntries,
		Description: "List all entries (rows) of a data source. Prefer query_data_source when the user asks about a subset.",
		Parameters: json.RawMessage(`{
  "type": "object",
  "properties": {
    "data_source_id": { "type": ["integer", "string"], "description": "Data source id from list_data_sources" }
  },
  "required": ["data_source_id"],
  "additionalProperties": false
}`),
	},
	{
		Name:        QueryDataSource,
		Description: "Query the entries of a data source with an optional filter, limit, and offset. The filter matches column values, e.g. {\"Status\": \"Active\"}.",
		Parameters: json.RawMessage(`{
  "type": "object",
  "properties": {
    "data_source_id": { "type": ["integer", "string"], "description": "Data source id from list_data_sources" },
    "where": { "type": "object", "description": "Column/value filter applied to entry data", "additionalProperties": true },
    "limit": { "type": "integer", "minimum": 1, "maximum": 1000, "description": "Maximum entries to return" },
    "offset": { "type": "integer", "minimum": 0, "description": "Entries to skip" }
  },
  "required": ["data_source_id"],
  "additionalProperties": false
}`),
	},
	{
		Name:        ListMedia,
		Description: "List the app's media folders and files. Optionally restrict to one folder.",
		Parameters: json.RawMessage(`{
  "type": "object",
  "properties": {
    "folder_id": { "type": ["integer", "string"], "description": "Optional folder id to list" }
  },
  "additionalProperties": false
}`),
	},
	{
		Name:        GetMediaFile,
		Description: "Get the metadata of one media file: name, type, size, URL, and folder.",
		Parameters: json.RawMessage(`{
  "type": "object",
  "properties": {
    "file_id": { "type": ["integer", "string"], "description": "Media file id from list_media" }
  },
  "required": ["file_id"],
  "additionalProperties": false
}`),
	},
}

// Definitions returns a copy of the static tool definition list.
func Definitions() []models.ToolDefinition {
	out := make([]models.ToolDefinition, len(definitions))
	copy(out, definitions)
	return out
}
