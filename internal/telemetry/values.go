package telemetry

import (
    "encoding/json"
    "fmt"
    "strings"
)

// valuesDoc is the structured shape of a values payload:
// {"values":[{"name":...,"type":...,"value":...}]}
type valuesDoc struct {
    Values []struct {
        Name  string `json:"name"`
        Type  string `json:"type"`
        Value any    `json:"value"`
    } `json:"values"`
}

// FirstName extracts the name of the first value in a values payload.
// See FirstValue for the parsing strategy.
func FirstName(values string) string {
    if doc, ok := decodeValues(values); ok && len(doc.Values) > 0 {
        return doc.Values[0].Name
    }
    return scanTag(values, "name")
}

// FirstValue extracts the value of the first entry in a values payload,
// rendered as a string.
//
// Devices send the payload in two shapes: a well-formed structured literal,
// or a literal whose value field itself embeds an unescaped structured
// literal, which no strict decoder accepts. Parsing is therefore two-stage:
// strict decode (as sent, then with quote normalization), and a scanner
// fallback that slices out the value between its tag and the closing
// "}]}" of the document. The scanner tolerates exactly one level of
// embedded literal; deeper nesting is unspecified.
func FirstValue(values string) string {
    if doc, ok := decodeValues(values); ok && len(doc.Values) > 0 {
        return stringify(doc.Values[0].Value)
    }
    if v := scanValue(values); v != "" {
        return v
    }
    return values
}

// decodeValues is the strict stage: first the text as sent, then with
// single quotes normalized to double quotes.
func decodeValues(s string) (valuesDoc, bool) {
    var doc valuesDoc
    if err := json.Unmarshal([]byte(s), &doc); err == nil && len(doc.Values) > 0 {
        return doc, true
    }
    norm := strings.ReplaceAll(s, "'", `"`)
    if err := json.Unmarshal([]byte(norm), &doc); err == nil && len(doc.Values) > 0 {
        return doc, true
    }
    return valuesDoc{}, false
}

// scanValue slices out everything between the value tag and the trailing
// "}]}", minus the closing quote.
func scanValue(s string) string {
    for _, q := range []string{"'", `"`} {
        tag := q + "value" + q + ":" + q
        start := strings.Index(s, tag)
        end := strings.Index(s, "}]}")
        if start == -1 || end == -1 || start+len(tag) > end-1 {
            continue
        }
        return s[start+len(tag) : end-1]
    }
    return ""
}

// scanTag finds the quoted value immediately following key, for fields that
// never embed quotes themselves (like name).
func scanTag(s, key string) string {
    for _, q := range []string{"'", `"`} {
        tag := q + key + q + ":" + q
        start := strings.Index(s, tag)
        if start == -1 {
            continue
        }
        start += len(tag)
        end := strings.Index(s[start:], q)
        if end == -1 {
            continue
        }
        return s[start : start+end]
    }
    return ""
}

func stringify(v any) string {
    switch t := v.(type) {
    case string:
        return t
    case nil:
        return ""
    case float64:
        if t == float64(int64(t)) {
            return fmt.Sprintf("%d", int64(t))
        }
        return fmt.Sprintf("%g", t)
    default:
        b, err := json.Marshal(v)
        if err != nil {
            return fmt.Sprintf("%v", v)
        }
        return string(b)
    }
}
