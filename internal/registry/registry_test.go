package registry

import (
	"errors"
	"testing"

	"claimbot/internal/claim"
)

func TestLifecycle(t *testing.T) {
	r := New(4)
	j := r.Create(2, claim.TriggerAPI)
	if j.Status != claim.StatusRunning || j.TotalUsers != 2 || j.ProcessID == "" {
		t.Fatalf("unexpected job %+v", j)
	}

	if _, err := r.Finish(j.ProcessID, claim.StatusCompleted, ""); !errors.Is(err, ErrIncomplete) {
		t.Fatalf("finish before results: %v", err)
	}

	got, err := r.Record(j.ProcessID, claim.Result{AccountID: "a", Outcome: claim.OutcomeSuccess, Items: []string{"gem"}})
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if got.CompletedUsers != 1 || got.FailedUsers != 0 {
		t.Fatalf("counts %+v", got)
	}
	if _, err := r.Record(j.ProcessID, claim.Result{AccountID: "b", Outcome: claim.OutcomeFailed}); err != nil {
		t.Fatalf("record: %v", err)
	}
	if _, err := r.Record(j.ProcessID, claim.Result{AccountID: "c", Outcome: claim.OutcomeFailed}); !errors.Is(err, ErrOverflow) {
		t.Fatalf("expected overflow, got %v", err)
	}

	fin, err := r.Finish(j.ProcessID, claim.StatusCompleted, "")
	if err != nil {
		t.Fatalf("finish: %v", err)
	}
	if fin.FinishedAt.IsZero() || fin.Done() != fin.TotalUsers {
		t.Fatalf("bad terminal job %+v", fin)
	}
	if len(r.ListActive()) != 0 {
		t.Fatalf("job should not be active")
	}

	// terminal jobs never mutate
	if _, err := r.Record(j.ProcessID, claim.Result{AccountID: "z"}); !errors.Is(err, ErrTerminal) {
		t.Fatalf("record on terminal: %v", err)
	}
	if _, err := r.Finish(j.ProcessID, claim.StatusFailed, "x"); !errors.Is(err, ErrTerminal) {
		t.Fatalf("finish twice: %v", err)
	}
	after, ok := r.Get(j.ProcessID)
	if !ok || after.Status != claim.StatusCompleted || len(after.Results) != 2 {
		t.Fatalf("get after finish %+v", after)
	}
	if after.Results[0].AccountID != "a" || after.Results[1].AccountID != "b" {
		t.Fatalf("results not in completion order: %+v", after.Results)
	}
}

func TestReadsAreDeepCopies(t *testing.T) {
	r := New(1)
	j := r.Create(1, claim.TriggerManual)
	_, _ = r.Record(j.ProcessID, claim.Result{AccountID: "a", Outcome: claim.OutcomeSuccess, Items: []string{"x"}})

	snap, _ := r.Get(j.ProcessID)
	snap.Results[0].Items[0] = "mutated"
	snap.Results = append(snap.Results, claim.Result{})

	again, _ := r.Get(j.ProcessID)
	if again.Results[0].Items[0] != "x" || len(again.Results) != 1 {
		t.Fatalf("registry state leaked: %+v", again)
	}
}

func TestFinishedJobsAreBounded(t *testing.T) {
	r := New(2)
	var ids []string
	for i := 0; i < 3; i++ {
		j := r.Create(0, claim.TriggerSchedule)
		if _, err := r.Finish(j.ProcessID, claim.StatusCompleted, ""); err != nil {
			t.Fatalf("finish: %v", err)
		}
		ids = append(ids, j.ProcessID)
	}
	if _, ok := r.Get(ids[0]); ok {
		t.Fatalf("oldest finished job should be evicted")
	}
	if got := len(r.List()); got != 2 {
		t.Fatalf("list=%d", got)
	}
	if _, err := r.Record("missing", claim.Result{}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err=%v", err)
	}
}
