package utils

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"intoview/internal/models"
)

func TestStripFences(t *testing.T) {
	input := "```json\n{\"a\":1}\n```\n"
	want := `{"a":1}`

	if got := StripFences(input); got != want {
		t.Fatalf("StripFences: expected %q, got %q", want, got)
	}

	raw := "  {\"a\":1}  "
	if got := StripFences(raw); got != `{"a":1}` {
		t.Fatalf("StripFences (no fences): expected trimmed string, got %q", got)
	}

	bare := "```\n[1,2]\n```"
	if got := StripFences(bare); got != "[1,2]" {
		t.Fatalf("StripFences (no language): got %q", got)
	}
}

func TestStripANSI(t *testing.T) {
	in := "\x1b[32mPASS\x1b[0m src/cart.test.ts\r\n"
	if got := StripANSI(in); got != "PASS src/cart.test.ts\n" {
		t.Fatalf("StripANSI: got %q", got)
	}
}

func TestTruncate(t *testing.T) {
	if got := Truncate("hello", 10); got != "hello" {
		t.Fatalf("Truncate short: got %q", got)
	}
	if got := Truncate("hello world", 5); got != "hello…" {
		t.Fatalf("Truncate long: got %q", got)
	}
	if got := Truncate("héllo", 2); got != "hé…" {
		t.Fatalf("Truncate runes: got %q", got)
	}
}

func TestFormatOffset(t *testing.T) {
	cases := map[time.Duration]string{
		0:                              "00:00",
		-3 * time.Second:               "00:00",
		65 * time.Second:               "01:05",
		75*time.Minute + 9*time.Second: "75:09",
	}
	for in, want := range cases {
		if got := FormatOffset(in); got != want {
			t.Fatalf("FormatOffset(%v): expected %s, got %s", in, want, got)
		}
	}
}

func TestJSONHelpers(t *testing.T) {
	rec := httptest.NewRecorder()
	payload := map[string]string{"hello": "world"}

	JSON(rec, http.StatusCreated, payload)

	if rec.Code != http.StatusCreated {
		t.Fatalf("JSON: expected status %d, got %d", http.StatusCreated, rec.Code)
	}
	if contentType := rec.Header().Get("Content-Type"); contentType != "application/json" {
		t.Fatalf("JSON: expected content-type application/json, got %s", contentType)
	}

	rec2 := httptest.NewRecorder()
	Error(rec2, http.StatusNotFound, "session_not_found", "no such session")

	var got models.ErrorResponse
	if err := json.NewDecoder(rec2.Body).Decode(&got); err != nil {
		t.Fatalf("Error decode failed: %v", err)
	}
	if rec2.Code != http.StatusNotFound || got.Code != "session_not_found" {
		t.Fatalf("Error: unexpected response %d %+v", rec2.Code, got)
	}
}
