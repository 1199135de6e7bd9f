package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"reflect"
	"testing"
)

func TestParseCSV(t *testing.T) {
	cases := []struct {
		in   string
		want []string
	}{
		{"", nil},
		{"round", []string{"round"}},
		{"ROUND, Oval ,pear", []string{"round", "oval", "pear"}},
		{",,round,,", []string{"round"}},
	}
	for _, tc := range cases {
		got := parseCSV(tc.in)
		if !reflect.DeepEqual(got, tc.want) {
			t.Fatalf("parseCSV(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestParseLimitOffset(t *testing.T) {
	cases := []struct {
		url        string
		wantLimit  int
		wantOffset int
	}{
		{"/v1/diamond", 20, 0},
		{"/v1/diamond?limit=50&offset=100", 50, 100},
		{"/v1/diamond?limit=0", 20, 0},
		{"/v1/diamond?limit=999", 20, 0},
		{"/v1/diamond?limit=abc&offset=-5", 20, 0},
		{"/v1/diamond?limit=200", 200, 0},
	}
	for _, tc := range cases {
		r := httptest.NewRequest("GET", tc.url, nil)
		limit, offset := parseLimitOffset(r)
		if limit != tc.wantLimit || offset != tc.wantOffset {
			t.Fatalf("%s: limit=%d offset=%d, want %d/%d", tc.url, limit, offset, tc.wantLimit, tc.wantOffset)
		}
	}
}

func TestParseFloatParam(t *testing.T) {
	cases := []struct {
		url    string
		want   float64
		wantOK bool
	}{
		{"/v1/diamond", 0, true},
		{"/v1/diamond?min_price=1500.5", 1500.5, true},
		{"/v1/diamond?min_price=abc", 0, false},
		{"/v1/diamond?min_price=-10", 0, false},
	}
	for _, tc := range cases {
		r := httptest.NewRequest("GET", tc.url, nil)
		got, ok := parseFloatParam(r, "min_price")
		if got != tc.want || ok != tc.wantOK {
			t.Fatalf("%s: got %g/%t, want %g/%t", tc.url, got, ok, tc.want, tc.wantOK)
		}
	}
}

func TestWriteAPIErrorEnvelope(t *testing.T) {
	w := httptest.NewRecorder()
	writeAPIError(w, http.StatusNotFound, "not_found", "diamond not found")

	if w.Code != http.StatusNotFound {
		t.Fatalf("status %d, want 404", w.Code)
	}
	var env struct {
		Error map[string]string `json:"error"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.Error["code"] != "not_found" || env.Error["message"] != "diamond not found" {
		t.Fatalf("error envelope %v", env.Error)
	}
}

func TestWriteAPIResponseEnvelope(t *testing.T) {
	w := httptest.NewRecorder()
	writeAPIResponse(w, []string{"a"}, map[string]interface{}{"total": 1}, nil)

	var env map[string]json.RawMessage
	if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if _, ok := env["data"]; !ok {
		t.Fatal("envelope missing data")
	}
	if _, ok := env["_meta"]; !ok {
		t.Fatal("envelope missing _meta")
	}
	if _, ok := env["error"]; ok {
		t.Fatal("success envelope carries an error")
	}
}
