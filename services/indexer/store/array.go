// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package store

import (
	"database/sql/driver"
	"fmt"
	"strings"
)

// TextArray maps a Postgres text[] column through database/sql. The pgx
// stdlib driver hands arrays over as their literal form, so both Value
// and Scan speak `{a,"b c"}`.
type TextArray []string

// Value renders the array literal.
func (a TextArray) Value() (driver.Value, error) {
	if a == nil {
		return nil, nil
	}
	var b strings.Builder
	b.WriteByte('{')
	for i, element := range a {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteByte('"')
		b.WriteString(strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(element))
		b.WriteByte('"')
	}
	b.WriteByte('}')
	return b.String(), nil
}

// Scan parses the array literal back into a slice.
func (a *TextArray) Scan(src any) error {
	if src == nil {
		*a = nil
		return nil
	}
	var literal string
	switch v := src.(type) {
	case string:
		literal = v
	case []byte:
		literal = string(v)
	default:
		return fmt.Errorf("cannot scan %T into TextArray", src)
	}
	*a = parseArrayLiteral(literal)
	return nil
}

func parseArrayLiteral(literal string) []string {
	trimmed := strings.TrimPrefix(strings.TrimSuffix(literal, "}"), "{")
	if trimmed == "" {
		return []string{}
	}
	var (
		out      []string
		current  strings.Builder
		inQuotes bool
		escaped  bool
	)
	for _, r := range trimmed {
		switch {
		case escaped:
			current.WriteRune(r)
			escaped = false
		case r == '\\':
			escaped = true
		case r == '"':
			inQuotes = !inQuotes
		case r == ',' && !inQuotes:
			out = append(out, current.String())
			current.Reset()
		default:
			current.WriteRune(r)
		}
	}
	out = append(out, current.String())
	return out
}
