package telemetry

import "testing"

func TestFirstValue_StrictJSON(t *testing.T) {
	s := `{"values":[{"name":"air_temp","type":"float","value":"22.5"}]}`
	if v := FirstValue(s); v != "22.5" { t.Fatalf("value: %q", v) }
	if n := FirstName(s); n != "air_temp" { t.Fatalf("name: %q", n) }
}

func TestFirstValue_SingleQuoted(t *testing.T) {
	s := "{'values':[{'name':'URL', 'type':'str', 'value':'https://example.com/a.png'}]}"
	if v := FirstValue(s); v != "https://example.com/a.png" { t.Fatalf("value: %q", v) }
	if n := FirstName(s); n != "URL" { t.Fatalf("name: %q", n) }
}

// One embedded string level: the value field itself contains an unescaped
// literal, which defeats both strict decode stages.
func TestFirstValue_EmbeddedLiteralFallsBackToScanner(t *testing.T) {
	s := "{'values':[{'name':'LEDPanel-Top', 'type':'str', 'value':'{'400-449': 0.0, '450-499': 0.0, '500-549': 83.33}'}]}"
	want := "{'400-449': 0.0, '450-499': 0.0, '500-549': 83.33}"
	if v := FirstValue(s); v != want { t.Fatalf("value: %q", v) }
	if n := FirstName(s); n != "LEDPanel-Top" { t.Fatalf("name: %q", n) }
}

func TestFirstValue_NumericValue(t *testing.T) {
	s := `{"values":[{"name":"air_rh","type":"float","value":52}]}`
	if v := FirstValue(s); v != "52" { t.Fatalf("value: %q", v) }
}

func TestFirstValue_Unparseable(t *testing.T) {
	// Nothing structured at all: the raw text comes back unchanged.
	if v := FirstValue("garbage"); v != "garbage" { t.Fatalf("value: %q", v) }
	if n := FirstName("garbage"); n != "" { t.Fatalf("name: %q", n) }
}
