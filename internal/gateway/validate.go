package gateway

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const (
	// MaxMessageLength caps a user message, in characters.
	MaxMessageLength = 4000

	maxBodyBytes = 64 << 10
)

var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

// ValidSessionID reports whether id has the accepted shape.
func ValidSessionID(id string) bool {
	return sessionIDPattern.MatchString(id)
}

type chatRequest struct {
	Message   string `json:"message"`
	SessionID string `json:"sessionId,omitempty"`
}

type resetRequest struct {
	SessionID string `json:"sessionId"`
}

type requestSchemaRegistry struct {
	once    sync.Once
	initErr error
	schemas map[string]*jsonschema.Schema
}

var requestSchemas requestSchemaRegistry

func initRequestSchemas() error {
	requestSchemas.once.Do(func() {
		sources := map[string]string{
			"chat":     chatRequestSchema,
			"reset":    resetRequestSchema,
			"ws_frame": wsFrameSchema,
		}
		requestSchemas.schemas = make(map[string]*jsonschema.Schema, len(sources))
		for name, src := range sources {
			compiled, err := jsonschema.CompileString("request_"+name, src)
			if err != nil {
				requestSchemas.initErr = err
				return
			}
			requestSchemas.schemas[name] = compiled
		}
	})
	return requestSchemas.initErr
}

// decodeRequest reads a JSON body, validates it against the named schema,
// and decodes it into dst.
func decodeRequest(body io.Reader, schemaName string, dst any) error {
	if err := initRequestSchemas(); err != nil {
		return err
	}
	raw, err := io.ReadAll(io.LimitReader(body, maxBodyBytes+1))
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	if len(raw) > maxBodyBytes {
		return errors.New("request body too large")
	}
	return validatePayload(raw, schemaName, dst)
}

func validatePayload(raw []byte, schemaName string, dst any) error {
	if err := initRequestSchemas(); err != nil {
		return err
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return errors.New("request body is required")
	}

	var payload any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return errors.New("request body must be valid JSON")
	}
	schema := requestSchemas.schemas[schemaName]
	if schema == nil {
		return fmt.Errorf("unknown request schema %q", schemaName)
	}
	if err := schema.Validate(payload); err != nil {
		return describeValidation(err)
	}
	return json.Unmarshal(raw, dst)
}

// describeValidation reduces a schema failure to its most specific cause.
func describeValidation(err error) error {
	var verr *jsonschema.ValidationError
	if !errors.As(err, &verr) {
		return err
	}
	leaf := verr
	for len(leaf.Causes) > 0 {
		leaf = leaf.Causes[0]
	}
	field := strings.TrimPrefix(leaf.InstanceLocation, "/")
	if field == "" {
		return errors.New(leaf.Message)
	}
	return fmt.Errorf("%s: %s", field, leaf.Message)
}

func (r *chatRequest) validate() error {
	r.Message = strings.TrimSpace(r.Message)
	if r.Message == "" {
		return errors.New("message is required")
	}
	if utf8.RuneCountInString(r.Message) > MaxMessageLength {
		return fmt.Errorf("message exceeds %d characters", MaxMessageLength)
	}
	if r.SessionID != "" && !ValidSessionID(r.SessionID) {
		return errors.New("sessionId is malformed")
	}
	return nil
}

const chatRequestSchema = `{
  "type": "object",
  "required": ["message"],
  "properties": {
    "message": { "type": "string", "minLength": 1 },
    "sessionId": { "type": "string", "pattern": "^[A-Za-z0-9_-]{0,128}$" }
  },
  "additionalProperties": false
}`

const resetRequestSchema = `{
  "type": "object",
  "required": ["sessionId"],
  "properties": {
    "sessionId": { "type": "string", "pattern": "^[A-Za-z0-9_-]{1,128}$" }
  },
  "additionalProperties": false
}`

const wsFrameSchema = `{
  "type": "object",
  "required": ["type", "id", "method"],
  "properties": {
    "type": { "const": "req" },
    "id": { "type": "string", "minLength": 1, "maxLength": 128 },
    "method": { "type": "string", "minLength": 1 },
    "params": { "type": "object" }
  },
  "additionalProperties": false
}`
