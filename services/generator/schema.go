// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package generator

import (
	"sync"

	"github.com/invopop/jsonschema"
)

var (
	outlineSchemaOnce sync.Once
	outlineSchemaVal  *jsonschema.Schema
)

// OutlineSchema is the JSON schema of the outline answer, reflected from
// rawOutline. Objects are inlined and closed so backends with strict
// structured output accept it.
func OutlineSchema() *jsonschema.Schema {
	outlineSchemaOnce.Do(func() {
		r := jsonschema.Reflector{
			AllowAdditionalProperties: false,
			DoNotReference:            true,
		}
		outlineSchemaVal = r.Reflect(&rawOutline{})
		outlineSchemaVal.Version = ""
		outlineSchemaVal.ID = ""
	})
	return outlineSchemaVal
}
