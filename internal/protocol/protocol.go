// Package protocol holds the wire-level contracts shared by the generation
// queue and the observer feed: per-type task payload schemas and the string
// error codes surfaced to operators.
package protocol

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const Version = "1.0"

// Task payload types. They match forum.TaskType values.
const (
	PayloadThreadStart = "thread_start"
	PayloadReply       = "reply"
	PayloadDM          = "dm"
)

//go:embed schemas/*.schema.json
var schemaFS embed.FS

const schemaBase = "mem://ghostship/schemas/"

var (
	compileOnce sync.Once
	compiled    map[string]*jsonschema.Schema
	compileErr  error
)

func schemas() (map[string]*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		c := jsonschema.NewCompiler()
		names := []string{PayloadThreadStart, PayloadReply, PayloadDM}
		for _, name := range names {
			file := name + ".schema.json"
			b, err := schemaFS.ReadFile("schemas/" + file)
			if err != nil {
				compileErr = err
				return
			}
			if err := c.AddResource(schemaBase+file, bytes.NewReader(b)); err != nil {
				compileErr = fmt.Errorf("add %s: %w", file, err)
				return
			}
		}
		out := make(map[string]*jsonschema.Schema, len(names))
		for _, name := range names {
			s, err := c.Compile(schemaBase + name + ".schema.json")
			if err != nil {
				compileErr = fmt.Errorf("compile %s: %w", name, err)
				return
			}
			out[name] = s
		}
		compiled = out
	})
	return compiled, compileErr
}

// ValidatePayload checks a task payload against the schema for its type.
// The payload is normalized through JSON first so Go slices and ints are
// seen the way a stored payload would be.
func ValidatePayload(taskType string, payload map[string]any) error {
	all, err := schemas()
	if err != nil {
		return &Error{Code: ErrInternal, Err: err}
	}
	s, ok := all[taskType]
	if !ok {
		return &Error{Code: ErrBadPayload, Err: fmt.Errorf("unknown task type %q", taskType)}
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return &Error{Code: ErrBadPayload, Err: err}
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return &Error{Code: ErrBadPayload, Err: err}
	}
	if err := s.Validate(doc); err != nil {
		return &Error{Code: ErrBadPayload, Err: err}
	}
	return nil
}
