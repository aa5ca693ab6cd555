package executor

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stagekeeper/stagekeeper/complexity"
	"github.com/stagekeeper/stagekeeper/config"
)

func TestRegistryLookup(t *testing.T) {
	if Get("local") == nil {
		t.Fatal("local executor should be registered")
	}
	if Get("no-such-executor") != nil {
		t.Error("unknown executor should return nil")
	}

	found := false
	for _, name := range List() {
		if name == "local" {
			found = true
		}
	}
	if !found {
		t.Errorf("List() = %v, should include local", List())
	}
}

func TestLocalExecutorWritesArtifact(t *testing.T) {
	dir := t.TempDir()
	outputPath := filepath.Join(dir, "artifacts", "spec.md")

	req := Request{
		ProjectID:       "billing-engine",
		Stage:           "specification",
		TaskName:        "draft-spec",
		TaskDescription: "Write the specification for the billing engine.",
		ProfileName:     "architect",
		Profile:         config.Profile{Provider: "local", Model: "deep-reasoner"},
		Strategy: complexity.Strategy{
			MentalModel:   complexity.FirstPrinciples,
			ChainStrategy: complexity.Sequential,
		},
		Context: map[string]string{
			"docs/brief.md": "short brief",
		},
		OutputPath: outputPath,
	}

	result, err := (&LocalExecutor{}).Execute(context.Background(), req)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if result.ArtifactRef != outputPath {
		t.Errorf("artifact ref = %q, want %q", result.ArtifactRef, outputPath)
	}

	data, err := os.ReadFile(outputPath)
	if err != nil {
		t.Fatalf("artifact not written: %v", err)
	}
	content := string(data)
	for _, want := range []string{
		"# Task: draft-spec",
		"Write the specification for the billing engine.",
		"architect",
		"docs/brief.md",
		string(complexity.FirstPrinciples),
	} {
		if !strings.Contains(content, want) {
			t.Errorf("artifact missing %q", want)
		}
	}
}

func TestLocalExecutorRequiresOutputPath(t *testing.T) {
	_, err := (&LocalExecutor{}).Execute(context.Background(), Request{TaskName: "t"})
	if err == nil {
		t.Fatal("expected error for empty output path")
	}
	if !IsPermanent(err) {
		t.Errorf("missing output path should be permanent, got %v", err)
	}
}
