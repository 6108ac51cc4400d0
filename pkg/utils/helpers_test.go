package utils

import (
	"testing"
	"time"
)

func TestParseDuration(t *testing.T) {
	if got := ParseDuration("5m", time.Second); got != 5*time.Minute {
		t.Errorf("ParseDuration(5m) = %v, want 5m", got)
	}
	if got := ParseDuration("", time.Second); got != time.Second {
		t.Errorf("ParseDuration(empty) = %v, want fallback", got)
	}
	if got := ParseDuration("soon", time.Second); got != time.Second {
		t.Errorf("ParseDuration(garbage) = %v, want fallback", got)
	}
}

func TestParseValue(t *testing.T) {
	cases := []struct {
		in   string
		want interface{}
	}{
		{"42", 42},
		{" 42 ", 42},
		{"10.50", 10.50},
		{"D1", "D1"},
		{"2024-01-01 08:00:00", "2024-01-01 08:00:00"},
		{"", ""},
	}
	for _, tc := range cases {
		if got := ParseValue(tc.in); got != tc.want {
			t.Errorf("ParseValue(%q) = %v (%T), want %v (%T)", tc.in, got, got, tc.want, tc.want)
		}
	}
}

func TestNumeric(t *testing.T) {
	cases := []struct {
		in   interface{}
		want float64
	}{
		{42, 42},
		{int64(7), 7},
		{10.5, 10.5},
		{float32(2), 2},
		{"not a number", 0},
		{nil, 0},
	}
	for _, tc := range cases {
		if got := Numeric(tc.in); got != tc.want {
			t.Errorf("Numeric(%v) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestCollapseWhitespace(t *testing.T) {
	cases := []struct{ in, want string }{
		{"JFK   Airport", "JFK Airport"},
		{"  LaGuardia\n\tAirport  ", "LaGuardia Airport"},
		{"plain", "plain"},
		{"   ", ""},
	}
	for _, tc := range cases {
		if got := CollapseWhitespace(tc.in); got != tc.want {
			t.Errorf("CollapseWhitespace(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestStringify(t *testing.T) {
	cases := []struct {
		in   interface{}
		want string
	}{
		{"D1", "D1"},
		{42, "42"},
		{int64(7), "7"},
		{10.5, "10.5"},
		{10.0, "10"},
		{nil, ""},
		{true, "true"},
	}
	for _, tc := range cases {
		if got := Stringify(tc.in); got != tc.want {
			t.Errorf("Stringify(%v) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
