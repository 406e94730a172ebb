package cmd

import (
	"context"
	"os"
	"testing"
)

// syncItems uploads every unsynced item so verification has something to
// check against.
func syncItems(t *testing.T, eng *testEngine) {
	t.Helper()
	batch, err := eng.uploader().IncrementalUpload(context.Background())
	if err != nil {
		t.Fatalf("setup upload failed: %v", err)
	}
	if !batch.Clean() {
		t.Fatalf("setup upload not clean: %+v", batch)
	}
}

func TestVerifyAllMatch(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	eng.seedItem(t, "aaa", 2023, "first message")
	eng.seedItem(t, "bbb", 2023, "second message")
	syncItems(t, eng)

	findings, report, err := eng.checker().Verify(ctx, 0)
	if err != nil {
		t.Fatalf("verify failed: %v", err)
	}
	if len(findings) != 0 {
		t.Fatalf("intact remote should produce no findings: %+v", findings)
	}
	if report.Checked != 2 || report.Matched != 2 {
		t.Fatalf("expected 2 checked and matched, got %+v", report)
	}
	if !report.Clean() {
		t.Fatalf("report should be clean: %+v", report)
	}

	summary, err := eng.store.Summarize(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if summary.Verified != 2 {
		t.Fatalf("both records should carry a verified stamp, got %d", summary.Verified)
	}
}

func TestVerifyClassifiesDamage(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	eng.seedItem(t, "intact", 2023, "fine")
	missing := eng.seedItem(t, "missing", 2023, "will vanish remotely")
	corrupt := eng.seedItem(t, "corrupt", 2023, "will rot remotely")
	syncItems(t, eng)

	up := eng.uploader()
	if err := eng.remote.Delete(ctx, up.bodyRemotePath(missing)); err != nil {
		t.Fatal(err)
	}
	eng.remote.put(up.bodyRemotePath(corrupt), []byte("rotted bytes"))

	findings, report, err := eng.checker().Verify(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if report.Matched != 1 || report.Missing != 1 || report.Corrupt != 1 {
		t.Fatalf("misclassified damage: %+v", report)
	}

	outcomes := make(map[string]Outcome, len(findings))
	for _, f := range findings {
		outcomes[f.Item.Fingerprint] = f.Outcome
	}
	if outcomes["missing"] != OutcomeMissingRemote {
		t.Fatalf("expected missing-remote for 'missing', got %s", outcomes["missing"])
	}
	if outcomes["corrupt"] != OutcomeCorruptRemote {
		t.Fatalf("expected corrupt-remote for 'corrupt', got %s", outcomes["corrupt"])
	}
}

func TestVerifySampleBound(t *testing.T) {
	eng := newTestEngine(t)

	for _, fp := range []string{"s1", "s2", "s3", "s4", "s5"} {
		eng.seedItem(t, fp, 2023, "sampled "+fp)
	}
	syncItems(t, eng)

	_, report, err := eng.checker().Verify(context.Background(), 2)
	if err != nil {
		t.Fatal(err)
	}
	if report.Checked != 2 {
		t.Fatalf("sample of 2 should check exactly 2 records, got %d", report.Checked)
	}
}

func TestVerifyAndRepairRestores(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	damaged := eng.seedItem(t, "damaged", 2023, "local copy still good")
	syncItems(t, eng)

	up := eng.uploader()
	remotePath := up.bodyRemotePath(damaged)
	eng.remote.put(remotePath, []byte("bit rot"))

	report, err := eng.checker().VerifyAndRepair(ctx, 0)
	if err != nil {
		t.Fatalf("verify-and-repair failed: %v", err)
	}
	if report.Corrupt != 1 || report.Repaired != 1 {
		t.Fatalf("expected 1 corrupt and 1 repaired, got %+v", report)
	}
	if len(report.Unrepairable) != 0 {
		t.Fatalf("nothing should be unrepairable: %+v", report.Unrepairable)
	}

	// The repaired object must match the local content again
	hash, err := eng.remote.Hash(ctx, remotePath)
	if err != nil {
		t.Fatal(err)
	}
	if hash != damaged.SHA256 {
		t.Fatalf("repair did not restore content: got %s, want %s", hash, damaged.SHA256)
	}
}

func TestVerifyAndRepairUnrepairable(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	lost := eng.seedItem(t, "lost", 2023, "will be lost on both sides")
	syncItems(t, eng)

	up := eng.uploader()
	if err := eng.remote.Delete(ctx, up.bodyRemotePath(lost)); err != nil {
		t.Fatal(err)
	}
	if err := os.Remove(lost.Path); err != nil {
		t.Fatal(err)
	}

	report, err := eng.checker().VerifyAndRepair(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(report.Unrepairable) != 1 || report.Unrepairable[0] != "lost" {
		t.Fatalf("both copies gone must be reported unrepairable: %+v", report)
	}
	if report.Clean() {
		t.Fatal("a report with unrepairable records is never clean")
	}
}

func TestVerifyAndRepairDisabled(t *testing.T) {
	eng := newTestEngine(t)
	eng.config.RepairEnabled = false
	ctx := context.Background()

	damaged := eng.seedItem(t, "damaged", 2023, "repair is off")
	syncItems(t, eng)

	up := eng.uploader()
	eng.remote.put(up.bodyRemotePath(damaged), []byte("still rotten"))

	report, err := eng.checker().VerifyAndRepair(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if report.Repaired != 0 {
		t.Fatalf("repair disabled must not repair anything: %+v", report)
	}
	if len(report.Failed) != 1 || report.Failed[0] != "damaged" {
		t.Fatalf("unresolved finding should be reported failed: %+v", report.Failed)
	}
}

func TestVerifyNothingSynced(t *testing.T) {
	eng := newTestEngine(t)

	// Processed but never uploaded: outside verification scope
	eng.seedItem(t, "pending", 2023, "not synced yet")

	findings, report, err := eng.checker().Verify(context.Background(), 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(findings) != 0 || report.Checked != 0 {
		t.Fatalf("unsynced records must not be verified: %+v", report)
	}
}
