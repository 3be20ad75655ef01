package httpkit

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestDecodeJSON(t *testing.T) {
	type body struct {
		Name string `json:"name"`
	}
	tests := []struct {
		name    string
		raw     string
		wantErr bool
	}{
		{name: "ok", raw: `{"name":"a"}`},
		{name: "trailing whitespace", raw: "{\"name\":\"a\"}\n"},
		{name: "unknown field", raw: `{"name":"a","extra":1}`, wantErr: true},
		{name: "two values", raw: `{"name":"a"} {"name":"b"}`, wantErr: true},
		{name: "too large", raw: `{"name":"` + strings.Repeat("x", MaxJSONBody) + `"}`, wantErr: true},
		{name: "empty", raw: ``, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(tt.raw))
			var v body
			err := DecodeJSON(r, &v)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestWriteErrEnvelope(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteErr(rec, http.StatusConflict, "CONFLICT", "already done", map[string]any{"id": "x"})

	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("content type = %q", ct)
	}
	want := `{"error":{"code":"CONFLICT","message":"already done","details":{"id":"x"}}}`
	if got := strings.TrimSpace(rec.Body.String()); got != want {
		t.Fatalf("body = %s", got)
	}
}
