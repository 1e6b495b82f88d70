package logging

import (
	"fmt"
	"testing"
)

func TestLoggerRingBuffer(t *testing.T) {
	l := New(3, LevelDebug)
	l.SetEcho(false)

	for i := 0; i < 5; i++ {
		l.Log(LevelInfo, CatCard, fmt.Sprintf("msg %d", i), nil)
	}

	entries := l.GetEntries(0, nil, nil)
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	if entries[0].Message != "msg 2" || entries[2].Message != "msg 4" {
		t.Errorf("unexpected order: %q .. %q", entries[0].Message, entries[2].Message)
	}

	stats := l.Stats()
	if stats.Capacity != 3 || stats.Stored != 3 || stats.ByLevel["info"] != 5 {
		t.Errorf("unexpected stats: %+v", stats)
	}
}

func TestLoggerMinLevel(t *testing.T) {
	l := New(10, LevelWarn)
	l.SetEcho(false)

	l.Log(LevelDebug, CatReader, "dropped", nil)
	l.Log(LevelInfo, CatReader, "dropped", nil)
	l.Log(LevelError, CatReader, "kept", nil)

	entries := l.GetEntries(0, nil, nil)
	if len(entries) != 1 || entries[0].Message != "kept" {
		t.Errorf("expected only the error entry, got %+v", entries)
	}
}

func TestLoggerFilters(t *testing.T) {
	l := New(10, LevelDebug)
	l.SetEcho(false)

	l.Log(LevelDebug, CatCard, "a", nil)
	l.Log(LevelWarn, CatCard, "b", nil)
	l.Log(LevelError, CatKanban, "c", nil)
	l.Log(LevelInfo, CatKanban, "d", nil)

	warn := LevelWarn
	if got := l.GetEntries(0, &warn, nil); len(got) != 2 {
		t.Errorf("level filter: expected 2 entries, got %d", len(got))
	}

	cat := CatKanban
	got := l.GetEntries(0, nil, &cat)
	if len(got) != 2 || got[0].Message != "c" {
		t.Errorf("category filter: unexpected entries %+v", got)
	}

	if got := l.GetEntries(1, nil, nil); len(got) != 1 || got[0].Message != "d" {
		t.Errorf("limit: expected newest entry, got %+v", got)
	}
}

func TestLoggerClear(t *testing.T) {
	l := New(5, LevelDebug)
	l.SetEcho(false)
	l.Log(LevelInfo, CatSystem, "x", nil)
	l.Clear()

	if got := l.GetEntries(0, nil, nil); len(got) != 0 {
		t.Errorf("expected no entries after Clear, got %d", len(got))
	}
	if l.Stats().Stored != 0 {
		t.Error("expected Stored to be 0 after Clear")
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want Level
		ok   bool
	}{
		{"debug", LevelDebug, true},
		{"INFO", LevelInfo, true},
		{"warning", LevelWarn, true},
		{"error", LevelError, true},
		{"loud", LevelInfo, false},
	}
	for _, tt := range tests {
		got, ok := ParseLevel(tt.in)
		if got != tt.want || ok != tt.ok {
			t.Errorf("ParseLevel(%q) = %v, %v; want %v, %v", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}

func TestFormatData(t *testing.T) {
	got := formatData(map[string]any{"block": 5, "reader": "ACR122U"})
	if got != " block=5 reader=ACR122U" {
		t.Errorf("formatData() = %q", got)
	}
	if formatData(nil) != "" {
		t.Error("formatData(nil) should be empty")
	}
}
