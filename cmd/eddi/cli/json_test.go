// Copyright 2026 The Eddi Authors
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"bytes"
	"strings"
	"testing"
)

func captureStdout(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buffer bytes.Buffer
	previous := Stdout
	Stdout = &buffer
	t.Cleanup(func() { Stdout = previous })
	return &buffer
}

func TestEmitJSON(t *testing.T) {
	buffer := captureStdout(t)

	output := JSONOutput{}
	done, err := output.EmitJSON([]string{"a"})
	if done || err != nil {
		t.Fatalf("EmitJSON without --json = (%v, %v), want (false, nil)", done, err)
	}
	if buffer.Len() != 0 {
		t.Fatalf("EmitJSON without --json wrote %q", buffer.String())
	}

	output.OutputJSON = true
	var empty []string
	done, err = output.EmitJSON(empty)
	if !done || err != nil {
		t.Fatalf("EmitJSON with --json = (%v, %v), want (true, nil)", done, err)
	}
	if got := strings.TrimSpace(buffer.String()); got != "[]" {
		t.Errorf("nil slice encoded as %q, want []", got)
	}
}

func TestWriteJSONLine(t *testing.T) {
	buffer := captureStdout(t)
	if err := WriteJSONLine(map[string]int{"n": 1}); err != nil {
		t.Fatal(err)
	}
	if buffer.String() != "{\"n\":1}\n" {
		t.Errorf("WriteJSONLine = %q", buffer.String())
	}
}
