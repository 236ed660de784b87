package model

import (
	"fmt"
	"log/slog"
	"slices"
	"strings"

	cue "cuelang.org/go/cue"
	cueerrors "cuelang.org/go/cue/errors"
)

// Codes of CueErrorDetail.
const (
	CodeUnknownField = "unknown_field"
	CodeInvalidMode  = "invalid_mode"
	CodeOutOfBound   = "out_of_bound"
	CodeWrongType    = "wrong_type"
	CodeInvalid      = "invalid_value"
)

type CueErrorDetail struct {
	Path    string // modes.storage
	Code    string
	Message string
	Pos     CueErrorPosition
	Raw     string // CUE messages reported for Pos, joined by "; "
}

func (c CueErrorDetail) Attr(name string) slog.Attr {
	return slog.GroupAttrs(
		name,
		slog.String("code", c.Code),
		slog.String("path", c.Path),
		slog.String("message", c.Message),
		slog.String("file", c.Pos.Filename),
		slog.Int("line", c.Pos.Line),
		slog.Int("column", c.Pos.Column),
	)
}

type CueErrorPosition struct {
	Filename string
	Line     int
	Column   int
}

// CueErrDetails turns an error returned by LoadConfig into one detail per
// offending config value. A single bad value usually yields several CUE
// errors (one per disjunct), they are merged by position.
func CueErrDetails(err error) []CueErrorDetail {
	if err == nil {
		return nil
	}

	type group struct {
		path string
		raws []string
	}
	var order []CueErrorPosition
	groups := make(map[CueErrorPosition]*group)

	for _, e := range cueerrors.Errors(err) {
		pos := position(e)
		if pos.Filename == "" {
			continue
		}
		format, args := e.Msg()
		raw := fmt.Sprintf(format, args...)
		g, ok := groups[pos]
		if !ok {
			g = &group{path: normalizePath(e.Path())}
			groups[pos] = g
			order = append(order, pos)
		}
		if !slices.Contains(g.raws, raw) {
			g.raws = append(g.raws, raw)
		}
	}

	out := make([]CueErrorDetail, 0, len(order))
	for _, pos := range order {
		g := groups[pos]
		code, msg := describe(g.path, g.raws)
		out = append(out, CueErrorDetail{
			Path:    g.path,
			Code:    code,
			Message: msg,
			Pos:     pos,
			Raw:     strings.Join(g.raws, "; "),
		})
	}
	return out
}

// describe says what the schema expects at path.
func describe(path string, raws []string) (code, msg string) {
	anyRaw := func(substr string) (string, bool) {
		for _, r := range raws {
			if strings.Contains(r, substr) {
				return r, true
			}
		}
		return "", false
	}

	if _, ok := anyRaw("not allowed"); ok {
		return CodeUnknownField, fmt.Sprintf("%s is not a configuration field", path)
	}

	if values, dflt, ok := modeValues(path); ok {
		return CodeInvalidMode, fmt.Sprintf("%s must be one of %s (default %s)", path, strings.Join(values, ", "), dflt)
	}
	if raw, ok := anyRaw("out of bound"); ok {
		return CodeOutOfBound, fmt.Sprintf("%s is out of bound %s", path, bound(raw))
	}
	field := schema.LookupPath(cue.ParsePath(path))
	if _, ok := anyRaw("mismatched types"); ok && field.Exists() {
		return CodeWrongType, fmt.Sprintf("%s must be of type %s", path, field.IncompleteKind())
	}
	return CodeInvalid, strings.Join(raws, "; ")
}

// modeValues lists the accepted values of a modes.* path and its default.
func modeValues(path string) (values []string, dflt string, ok bool) {
	defaults := DefaultConfig().Modes
	switch path {
	case "modes.storage":
		return toStrings(StorageModes), string(defaults.Storage), true
	case "modes.key_manager":
		return toStrings(KeyManagerModes), string(defaults.KeyManager), true
	case "modes.mailer":
		return toStrings(MailerModes), string(defaults.Mailer), true
	default:
		return nil, "", false
	}
}

func toStrings[T ~string](modes []T) []string {
	ret := make([]string, len(modes))
	for i, m := range modes {
		ret[i] = string(m)
	}
	return ret
}

// bound extracts ">0" from `invalid value 0 (out of bound >0)`.
func bound(raw string) string {
	_, after, ok := strings.Cut(raw, "out of bound ")
	if !ok {
		return raw
	}
	return strings.TrimSuffix(after, ")")
}

func position(err cueerrors.Error) CueErrorPosition {
	for _, r := range cueerrors.Positions(err) {
		if r.Filename() == "" {
			continue
		}
		return CueErrorPosition{
			Filename: r.Filename(),
			Line:     r.Line(),
			Column:   r.Column(),
		}
	}
	return CueErrorPosition{}
}

func normalizePath(p []string) string {
	// #Config is the root of every path
	if len(p) > 0 && strings.HasPrefix(p[0], "#") {
		p = p[1:]
	}
	return strings.Join(p, ".")
}
