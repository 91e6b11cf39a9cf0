package domain

import "testing"

func TestTableNamesMatchSchemaConvention(t *testing.T) {
	cases := []struct {
		name string
		got  string
		want string
	}{
		{"Job", Job{}.TableName(), "job"},
		{"WorkItem", WorkItem{}.TableName(), "work_item"},
		{"FailureRecord", FailureRecord{}.TableName(), "failure_record"},
		{"LogEntry", LogEntry{}.TableName(), "log_entry"},
	}
	for _, c := range cases {
		if c.got != c.want {
			t.Errorf("%s.TableName() = %q, want %q", c.name, c.got, c.want)
		}
	}
}

// Every job state this implementation can reach must be one of the six named states;
// catches accidental typos introduced when a new transition is added elsewhere.
func TestJobStatesAreClosedSet(t *testing.T) {
	known := map[JobState]bool{
		JobStatePending: true, JobStateQueued: true, JobStateProcessing: true,
		JobStateCompleted: true, JobStateFailed: true, JobStateCancelled: true,
	}
	if len(known) != 6 {
		t.Fatalf("expected exactly 6 job states")
	}
}

func TestFailureKindsCoverWorkerAndSinkTaxonomies(t *testing.T) {
	workerKinds := map[FailureKind]bool{
		FailureKindTimeout: true, FailureKindHTMLConversion: true, FailureKindUpload: true,
		FailureKindProfileFetch: true, FailureKindStore: true, FailureKindUnknown: true,
	}
	sinkOnlyKinds := map[FailureKind]bool{FailureKindMissingUserID: true, FailureKindWebhookFailed: true}

	for k := range sinkOnlyKinds {
		if workerKinds[k] {
			t.Fatalf("sink-only failure kind %q unexpectedly overlaps worker taxonomy", k)
		}
	}
}
