package main

import (
	"bytes"
	"context"
	"os"
	"strings"
	"testing"
)

func TestRun_List(t *testing.T) {
	var out bytes.Buffer
	if err := run(context.Background(), []string{"-list"}, &out); err != nil {
		t.Fatalf("run: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) < 2 {
		t.Fatalf("expected at least 2 migrations, got %q", out.String())
	}
	if !strings.HasPrefix(lines[0], "0001_create_checkpoints.sql ") {
		t.Errorf("first line = %q", lines[0])
	}
	for _, line := range lines {
		fields := strings.Fields(line)
		if len(fields) != 2 || len(fields[1]) != 64 {
			t.Errorf("malformed line %q", line)
		}
	}
}

func TestRun_MissingDatabaseURL(t *testing.T) {
	prev, hadPrev := os.LookupEnv("DATABASE_URL")
	os.Unsetenv("DATABASE_URL")
	t.Cleanup(func() {
		if hadPrev {
			os.Setenv("DATABASE_URL", prev)
		}
	})

	err := run(context.Background(), nil, &bytes.Buffer{})
	if err == nil || !strings.Contains(err.Error(), "database URL not provided") {
		t.Fatalf("expected missing database URL error, got %v", err)
	}
}

func TestRun_InvalidFlag(t *testing.T) {
	err := run(context.Background(), []string{"--nonexistent"}, &bytes.Buffer{})
	if err == nil || !strings.Contains(err.Error(), "flag provided but not defined") {
		t.Fatalf("expected flag error, got %v", err)
	}
}
