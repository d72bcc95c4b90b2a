// Copyright 2026 The Eddi Authors
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"encoding/json"
	"io"
	"os"
	"reflect"
)

// Stdout receives command output. Tests point it at a buffer.
var Stdout io.Writer = os.Stdout

// JSONOutput adds a --json flag when embedded in a params struct:
//
//	type params struct {
//	    cli.JSONOutput
//	    All bool `flag:"all"`
//	}
//
// Run calls EmitJSON first and falls back to text when it reports false.
type JSONOutput struct {
	OutputJSON bool `json:"-" flag:"json" desc:"print the result as JSON"`
}

// EmitJSON prints result as indented JSON when --json was given and
// reports whether it did. A nil slice prints as [] rather than null.
func (j *JSONOutput) EmitJSON(result any) (bool, error) {
	if !j.OutputJSON {
		return false, nil
	}
	if value := reflect.ValueOf(result); value.Kind() == reflect.Slice && value.IsNil() {
		result = reflect.MakeSlice(value.Type(), 0, 0).Interface()
	}
	return true, WriteJSON(result)
}

// WriteJSON prints value as indented JSON.
func WriteJSON(value any) error {
	encoder := json.NewEncoder(Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}

// WriteJSONLine prints value as one line of JSON, for streamed output.
func WriteJSONLine(value any) error {
	return json.NewEncoder(Stdout).Encode(value)
}
