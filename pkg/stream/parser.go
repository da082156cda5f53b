// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package stream

import (
	"encoding/json"
	"fmt"
	"strings"
)

// =============================================================================
// Interface Definition
// =============================================================================

// SSEParser turns SSE lines into StreamEvents.
//
// # Description
//
// Only `data:` lines carry events. Blank lines, `:` comments (keepalives)
// and the other SSE fields (`event:`, `id:`, `retry:`) are ignored.
//
// # Thread Safety
//
// Implementations must be stateless and safe for concurrent use.
type SSEParser interface {
	// ParseLine parses one line. Returns (nil, nil) for lines that carry no event.
	ParseLine(line string) (*StreamEvent, error)

	// ParseRawJSON parses the payload of a data line.
	ParseRawJSON(jsonData []byte) (*StreamEvent, error)
}

type sseParser struct{}

// NewSSEParser creates a parser for the generation stream wire format.
func NewSSEParser() SSEParser {
	return &sseParser{}
}

// ParseLine implements SSEParser.
func (p *sseParser) ParseLine(line string) (*StreamEvent, error) {
	line = strings.TrimRight(line, "\r\n")
	if strings.TrimSpace(line) == "" || strings.HasPrefix(line, ":") {
		return nil, nil
	}

	data, ok := strings.CutPrefix(line, "data:")
	if !ok {
		return nil, nil
	}
	data = strings.TrimPrefix(data, " ")
	return p.ParseRawJSON([]byte(data))
}

// ParseRawJSON implements SSEParser.
func (p *sseParser) ParseRawJSON(jsonData []byte) (*StreamEvent, error) {
	var event StreamEvent
	if err := json.Unmarshal(jsonData, &event); err != nil {
		return nil, fmt.Errorf("decode stream event: %w", err)
	}
	if event.Type == "" {
		return nil, fmt.Errorf("decode stream event: missing type")
	}
	return &event, nil
}

var _ SSEParser = (*sseParser)(nil)
