package tfplan

import (
	"strings"
	"testing"
)

const mixedPlan = `{
  "format_version": "1.2",
  "terraform_version": "1.9.5",
  "resource_changes": [
    {"address": "aws_s3_bucket.logs", "mode": "managed", "type": "aws_s3_bucket", "name": "logs",
     "change": {"actions": ["create"]}},
    {"address": "aws_kms_key.main", "mode": "managed", "type": "aws_kms_key", "name": "main",
     "change": {"actions": ["update"]}},
    {"address": "aws_iam_role.old", "mode": "managed", "type": "aws_iam_role", "name": "old",
     "change": {"actions": ["delete"]}},
    {"address": "aws_sqs_queue.jobs", "mode": "managed", "type": "aws_sqs_queue", "name": "jobs",
     "change": {"actions": ["delete", "create"]}},
    {"address": "aws_sns_topic.alerts", "mode": "managed", "type": "aws_sns_topic", "name": "alerts",
     "change": {"actions": ["no-op"]}}
  ],
  "resource_drift": [
    {"address": "aws_kms_key.main", "mode": "managed", "type": "aws_kms_key", "name": "main",
     "change": {"actions": ["update"]}}
  ]
}`

func TestAnalyze_CountsActions(t *testing.T) {
	s, err := Analyze([]byte(mixedPlan))
	if err != nil {
		t.Fatalf("Analyze() error = %v", err)
	}

	if s.Create != 1 || s.Update != 1 || s.Delete != 1 || s.Replace != 1 || s.NoOp != 1 {
		t.Errorf("unexpected counts: %+v", s)
	}
	if !s.ChangesPending() {
		t.Error("expected changes pending")
	}
	if !s.HasDestructive() {
		t.Fatal("expected destructive changes")
	}

	got := strings.Join(s.DestructiveAddresses(), ",")
	if got != "aws_iam_role.old,aws_sqs_queue.jobs" {
		t.Errorf("DestructiveAddresses() = %s", got)
	}
	if len(s.Drifted) != 1 || s.Drifted[0] != "aws_kms_key.main" {
		t.Errorf("Drifted = %v", s.Drifted)
	}
}

func TestAnalyze_NoChanges(t *testing.T) {
	s, err := Analyze([]byte(`{"format_version": "1.2", "resource_changes": []}`))
	if err != nil {
		t.Fatalf("Analyze() error = %v", err)
	}
	if s.ChangesPending() || s.HasDestructive() {
		t.Errorf("expected empty summary, got %+v", s)
	}
}

func TestAnalyze_Invalid(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{name: "not json", data: "Plan: 1 to add"},
		{name: "missing format version", data: `{"resource_changes": []}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Analyze([]byte(tt.data)); err == nil {
				t.Error("expected error")
			}
		})
	}
}
