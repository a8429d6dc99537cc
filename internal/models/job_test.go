package models

import (
	"errors"
	"testing"
	"time"
)

func strPtr(s string) *string { return &s }
func intPtr(i int) *int       { return &i }
func statusPtr(s JobStatus) *JobStatus {
	return &s
}

func uploadingJob() ConversionJob {
	return ConversionJob{
		ID:           1,
		FileName:     "report.docx",
		FileSize:     204800,
		SourceFormat: "docx",
		TargetFormat: "pdf",
		Status:       StatusUploading,
		UploadedAt:   time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC),
	}
}

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to JobStatus
		want     bool
	}{
		{StatusUploading, StatusProcessing, true},
		{StatusUploading, StatusError, true},
		{StatusUploading, StatusCompleted, false},
		{StatusProcessing, StatusProcessing, true},
		{StatusProcessing, StatusCompleted, true},
		{StatusProcessing, StatusUploading, false},
		{StatusCompleted, StatusProcessing, false},
		{StatusCompleted, StatusError, false},
		{StatusError, StatusUploading, false},
	}
	for _, tc := range cases {
		if got := tc.from.CanTransition(tc.to); got != tc.want {
			t.Fatalf("%s -> %s: expected %v got %v", tc.from, tc.to, tc.want, got)
		}
	}
}

func TestApplyCompletesJob(t *testing.T) {
	job := uploadingJob()
	job, err := JobPatch{Status: statusPtr(StatusProcessing), Progress: intPtr(25)}.Apply(job)
	if err != nil {
		t.Fatalf("processing: %v", err)
	}
	done := time.Date(2024, 1, 15, 10, 5, 0, 0, time.UTC)
	job, err = JobPatch{
		Status:      statusPtr(StatusCompleted),
		Progress:    intPtr(100),
		CompletedAt: &done,
		DownloadURL: strPtr("/downloads/report.pdf"),
	}.Apply(job)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if job.Status != StatusCompleted || job.Progress != 100 || job.CompletedAt == nil || job.DownloadURL == nil {
		t.Fatalf("unexpected completed job: %+v", job)
	}
}

func TestApplyRejectsCompletionWithoutResult(t *testing.T) {
	job := uploadingJob()
	job.Status = StatusProcessing
	job.Progress = 75

	_, err := JobPatch{Status: statusPtr(StatusCompleted), Progress: intPtr(100)}.Apply(job)
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestApplyRejectsProgressRegression(t *testing.T) {
	job := uploadingJob()
	job.Status = StatusProcessing
	job.Progress = 50

	_, err := JobPatch{Progress: intPtr(25)}.Apply(job)
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestApplyRejectsLeavingTerminalState(t *testing.T) {
	done := time.Now()
	job := uploadingJob()
	job.Status = StatusCompleted
	job.Progress = 100
	job.CompletedAt = &done
	job.DownloadURL = strPtr("/downloads/report.pdf")

	if _, err := (JobPatch{Status: statusPtr(StatusProcessing)}).Apply(job); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if _, err := (JobPatch{Status: statusPtr(StatusError)}).Apply(job); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error for completed -> error, got %v", err)
	}
}

func TestApplyErrorClearsCompletionFields(t *testing.T) {
	job := uploadingJob()
	job.Status = StatusProcessing
	job.Progress = 75

	failed, err := JobPatch{
		Status:      statusPtr(StatusError),
		DownloadURL: strPtr("/downloads/stale.pdf"),
	}.Apply(job)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if failed.Progress != 0 {
		t.Fatalf("expected progress 0, got %d", failed.Progress)
	}
	if failed.DownloadURL != nil || failed.CompletedAt != nil {
		t.Fatalf("expected completion fields cleared, got %+v", failed)
	}
}

func TestApplyDoesNotMutateInput(t *testing.T) {
	job := uploadingJob()
	job.PreviewURL = strPtr("/previews/report.jpg")

	next, err := JobPatch{PreviewURL: strPtr("/previews/other.jpg")}.Apply(job)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if *job.PreviewURL != "/previews/report.jpg" {
		t.Fatalf("input mutated: %s", *job.PreviewURL)
	}
	if *next.PreviewURL != "/previews/other.jpg" {
		t.Fatalf("patch not applied: %s", *next.PreviewURL)
	}
}

func TestNormalizeFormat(t *testing.T) {
	for in, want := range map[string]string{"PDF": "pdf", ".Docx": "docx", " png ": "png", "": ""} {
		if got := NormalizeFormat(in); got != want {
			t.Fatalf("NormalizeFormat(%q) = %q, want %q", in, got, want)
		}
	}
}
