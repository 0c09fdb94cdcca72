// Copyright 2024-2026 Aiku AI

package importer

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const roomFilterSchemaURL = "https://github.com/aiku/mattermost-matrix-bridge/schemas/roomfilter.json"

// roomFilterSchema accepts an array of channel ids, as strings or as
// objects with an id.
const roomFilterSchema = `{
	"type": "array",
	"items": {
		"oneOf": [
			{"type": "string", "minLength": 1},
			{
				"type": "object",
				"required": ["id"],
				"properties": {"id": {"type": "string", "minLength": 1}}
			}
		]
	}
}`

var compileRoomFilter = sync.OnceValues(func() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(roomFilterSchema))
	if err != nil {
		return nil, err
	}
	c := jsonschema.NewCompiler()
	if err = c.AddResource(roomFilterSchemaURL, doc); err != nil {
		return nil, err
	}
	return c.Compile(roomFilterSchemaURL)
})

// ReadRoomFilter reads the channel ids listed in a room filter file.
func ReadRoomFilter(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read room filter: %w", err)
	}
	return ParseRoomFilter(data)
}

// ParseRoomFilter validates and decodes room filter JSON.
func ParseRoomFilter(data []byte) ([]string, error) {
	schema, err := compileRoomFilter()
	if err != nil {
		return nil, fmt.Errorf("failed to compile room filter schema: %w", err)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to parse room filter: %w", err)
	}
	if err = schema.Validate(inst); err != nil {
		return nil, fmt.Errorf("invalid room filter: %w", err)
	}
	var entries []json.RawMessage
	if err = json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("failed to parse room filter: %w", err)
	}
	ids := make([]string, 0, len(entries))
	for _, entry := range entries {
		var id string
		if err = json.Unmarshal(entry, &id); err != nil {
			var obj struct {
				ID string `json:"id"`
			}
			if err = json.Unmarshal(entry, &obj); err != nil {
				return nil, fmt.Errorf("failed to parse room filter entry: %w", err)
			}
			id = obj.ID
		}
		ids = append(ids, id)
	}
	return ids, nil
}
