package fota

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

type blockWrite struct {
	Offset int
	Len    int
}

// fakeSlot is an in-memory Coordinator recording every call.
type fakeSlot struct {
	data   []byte
	writes []blockWrite

	inits        int
	checkedSizes []int
	markedValid  int
	resets       int

	writeErr     error
	failWriteAt  int // 1-based write call number that fails
	integrityErr error
	markErr      error

	afterUpdate   bool
	afterRollback bool
}

func (f *fakeSlot) InitDownloadSlot() error {
	f.inits++
	f.data = nil
	f.writes = nil
	return nil
}

func (f *fakeSlot) WriteAligned(src []byte, offset int) error {
	if f.failWriteAt != 0 && len(f.writes)+1 == f.failWriteAt {
		return f.writeErr
	}
	f.writes = append(f.writes, blockWrite{Offset: offset, Len: len(src)})
	f.data = append(f.data, src...)
	return nil
}

func (f *fakeSlot) CheckIntegrity(size int) error {
	f.checkedSizes = append(f.checkedSizes, size)
	return f.integrityErr
}

func (f *fakeSlot) MarkValid() error {
	if f.markErr != nil {
		return f.markErr
	}
	f.markedValid++
	return nil
}

func (f *fakeSlot) SwapAndReset() {
	f.resets++
}

func (f *fakeSlot) BootedAfterUpdate() bool   { return f.afterUpdate }
func (f *fakeSlot) BootedAfterRollback() bool { return f.afterRollback }

type delayedJob struct {
	delay time.Duration
	fn    func()
}

// fakeScheduler collects jobs; tests run them explicitly.
type fakeScheduler struct {
	jobs []delayedJob
}

func (f *fakeScheduler) Delayed(d time.Duration, fn func()) {
	f.jobs = append(f.jobs, delayedJob{delay: d, fn: fn})
}

func (f *fakeScheduler) runAll() {
	jobs := f.jobs
	f.jobs = nil
	for _, j := range jobs {
		j.fn()
	}
}

func newTestSession(t *testing.T) (*Session, *fakeSlot, *fakeScheduler) {
	t.Helper()
	slot := &fakeSlot{}
	sched := &fakeScheduler{}
	return NewSession(slot, sched), slot, sched
}

func payload(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i*7 + 3)
	}
	return b
}

func TestSession_ExactMultiple(t *testing.T) {
	s, slot, _ := newTestSession(t)

	if err := s.Open("coap://example/fw", ""); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	data := payload(512)
	for _, chunk := range [][]byte{data[:100], data[100:400], data[400:]} {
		if err := s.Write(chunk); err != nil {
			t.Fatalf("Write failed: %v", err)
		}
	}

	want := []blockWrite{{Offset: 0, Len: 256}, {Offset: 256, Len: 256}}
	if diff := cmp.Diff(want, slot.writes); diff != "" {
		t.Errorf("Unexpected slot writes (-want +got):\n%s", diff)
	}

	if err := s.Finish(); err != nil {
		t.Fatalf("Finish failed: %v", err)
	}
	if diff := cmp.Diff(want, slot.writes); diff != "" {
		t.Errorf("Expected no flush write (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]int{512}, slot.checkedSizes); diff != "" {
		t.Errorf("Unexpected integrity check sizes (-want +got):\n%s", diff)
	}
}

func TestSession_Remainder(t *testing.T) {
	s, slot, _ := newTestSession(t)

	if err := s.Open("coap://example/fw", "v2"); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	data := payload(300)
	if err := s.Write(data); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if diff := cmp.Diff([]blockWrite{{Offset: 0, Len: 256}}, slot.writes); diff != "" {
		t.Errorf("Unexpected slot writes after Write (-want +got):\n%s", diff)
	}

	if err := s.Finish(); err != nil {
		t.Fatalf("Finish failed: %v", err)
	}

	want := []blockWrite{{Offset: 0, Len: 256}, {Offset: 256, Len: 44}}
	if diff := cmp.Diff(want, slot.writes); diff != "" {
		t.Errorf("Unexpected slot writes after Finish (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]int{300}, slot.checkedSizes); diff != "" {
		t.Errorf("Unexpected integrity check sizes (-want +got):\n%s", diff)
	}
	if s.Received() != 300 {
		t.Errorf("Expected 300 bytes received, got %d", s.Received())
	}
	if !bytes.Equal(slot.data, data) {
		t.Errorf("Slot content does not match image")
	}
	if s.Active() {
		t.Errorf("Expected session to be idle after Finish")
	}
	if !s.Verified() {
		t.Errorf("Expected session to hold a verified image")
	}
	if slot.markedValid != 0 {
		t.Errorf("Expected image not to be marked valid by Finish")
	}
}

func TestSession_FailedIntegrity(t *testing.T) {
	s, slot, sched := newTestSession(t)
	slot.integrityErr = errors.New("sha256 mismatch")

	if err := s.Open("coap://example/fw", ""); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := s.Write(payload(400)); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	err := s.Finish()
	ie, ok := IsIntegrityError(err)
	if !ok {
		t.Fatalf("Expected IntegrityError, got %v", err)
	}
	if ie.Size != 400 {
		t.Errorf("Expected integrity error over 400 bytes, got %d", ie.Size)
	}
	if !errors.Is(err, slot.integrityErr) {
		t.Errorf("Expected the slot error to be wrapped")
	}
	if s.Active() {
		t.Errorf("Expected session to be idle after a failed Finish")
	}
	if slot.markedValid != 0 {
		t.Errorf("Expected slot to stay unmarked")
	}

	if err := s.PerformUpgrade(); !errors.Is(err, ErrNoVerifiedImage) {
		t.Errorf("Expected ErrNoVerifiedImage, got %v", err)
	}
	if len(sched.jobs) != 0 {
		t.Errorf("Expected no reboot to be scheduled")
	}

	// A new download starts from scratch.
	slot.integrityErr = nil
	if err := s.Open("coap://example/fw", ""); err != nil {
		t.Fatalf("Reopen failed: %v", err)
	}
	if slot.inits != 2 {
		t.Errorf("Expected slot to be initialized twice, got %d", slot.inits)
	}
	if s.Received() != 0 {
		t.Errorf("Expected received counter reset, got %d", s.Received())
	}
	data := payload(10)
	if err := s.Write(data); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if err := s.Finish(); err != nil {
		t.Fatalf("Finish failed: %v", err)
	}
	if diff := cmp.Diff([]blockWrite{{Offset: 0, Len: 10}}, slot.writes); diff != "" {
		t.Errorf("Expected slot overwritten from offset 0 (-want +got):\n%s", diff)
	}
}

func TestSession_AbortMidDownload(t *testing.T) {
	s, slot, _ := newTestSession(t)

	if err := s.Open("coap://example/fw", ""); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := s.Write(payload(100)); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	s.Reset()
	if s.Active() {
		t.Fatalf("Expected session to be idle after Reset")
	}

	if err := s.Open("coap://example/fw", ""); err != nil {
		t.Fatalf("Open after Reset failed: %v", err)
	}
	if !s.Active() {
		t.Errorf("Expected session to be active")
	}
	if slot.inits != 2 {
		t.Errorf("Expected 2 slot initializations, got %d", slot.inits)
	}
}

func TestSession_ResetIdempotent(t *testing.T) {
	s, slot, sched := newTestSession(t)

	for i := 0; i < 3; i++ {
		s.Reset()
		if s.Active() {
			t.Fatalf("Expected session to stay idle")
		}
	}

	if slot.inits != 0 || len(slot.writes) != 0 || len(slot.checkedSizes) != 0 || slot.markedValid != 0 || slot.resets != 0 {
		t.Errorf("Expected no coordinator calls, got %+v", slot)
	}
	if len(sched.jobs) != 0 {
		t.Errorf("Expected no scheduled jobs, got %d", len(sched.jobs))
	}
}

func TestSession_WriteErrorKeepsSessionActive(t *testing.T) {
	s, slot, _ := newTestSession(t)
	slot.writeErr = errors.New("program failed")
	slot.failWriteAt = 2

	if err := s.Open("coap://example/fw", ""); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := s.Write(payload(300)); err != nil {
		t.Fatalf("First Write failed: %v", err)
	}

	err := s.Write(payload(300))
	se, ok := IsSinkError(err)
	if !ok {
		t.Fatalf("Expected SinkError, got %v", err)
	}
	if se.Offset != 256 {
		t.Errorf("Expected failure at offset 256, got %d", se.Offset)
	}
	if !errors.Is(err, slot.writeErr) {
		t.Errorf("Expected the slot error to be wrapped")
	}
	if !s.Active() {
		t.Errorf("Expected session to stay active after a write failure")
	}
	if s.Received() != 300 {
		t.Errorf("Expected received counter to exclude the failed write, got %d", s.Received())
	}

	s.Reset()
	if s.Active() {
		t.Errorf("Expected session to be idle after Reset")
	}
}

func TestSession_FlushErrorLeavesSessionIdle(t *testing.T) {
	s, slot, _ := newTestSession(t)
	slot.writeErr = errors.New("program failed")
	slot.failWriteAt = 1

	if err := s.Open("coap://example/fw", ""); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := s.Write(payload(20)); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	if _, ok := IsSinkError(s.Finish()); !ok {
		t.Fatalf("Expected SinkError from Finish")
	}
	if s.Active() {
		t.Errorf("Expected session to be idle after a failed Finish")
	}
	if len(slot.checkedSizes) != 0 {
		t.Errorf("Expected integrity check to be skipped")
	}
}

func TestSession_PerformUpgrade(t *testing.T) {
	s, slot, sched := newTestSession(t)

	if err := s.Open("coap://example/fw", ""); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := s.Write(payload(64)); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if err := s.Finish(); err != nil {
		t.Fatalf("Finish failed: %v", err)
	}

	if err := s.PerformUpgrade(); err != nil {
		t.Fatalf("PerformUpgrade failed: %v", err)
	}
	if slot.markedValid != 1 {
		t.Errorf("Expected slot marked valid once, got %d", slot.markedValid)
	}
	if len(sched.jobs) != 1 {
		t.Fatalf("Expected one scheduled job, got %d", len(sched.jobs))
	}
	if sched.jobs[0].delay != DefaultRebootDelay {
		t.Errorf("Expected reboot delay %v, got %v", DefaultRebootDelay, sched.jobs[0].delay)
	}
	if slot.resets != 0 {
		t.Errorf("Expected no reset before the job runs")
	}

	sched.runAll()
	if slot.resets != 1 {
		t.Errorf("Expected one swap and reset, got %d", slot.resets)
	}
}

func TestSession_UpgradeIsFinal(t *testing.T) {
	s, slot, sched := newTestSession(t)

	if err := s.Open("coap://example/fw", ""); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := s.Write(payload(300)); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if err := s.Finish(); err != nil {
		t.Fatalf("Finish failed: %v", err)
	}
	if err := s.PerformUpgrade(); err != nil {
		t.Fatalf("PerformUpgrade failed: %v", err)
	}
	if !s.Upgrading() {
		t.Errorf("Expected session to be upgrading")
	}

	if err := s.PerformUpgrade(); !errors.Is(err, ErrUpgradeScheduled) {
		t.Errorf("Expected ErrUpgradeScheduled from a second upgrade, got %v", err)
	}
	if err := s.Open("coap://example/fw2", ""); !errors.Is(err, ErrUpgradeScheduled) {
		t.Errorf("Expected ErrUpgradeScheduled from Open, got %v", err)
	}
	s.Reset()
	if err := s.Open("coap://example/fw2", ""); !errors.Is(err, ErrUpgradeScheduled) {
		t.Errorf("Expected Reset to keep the upgrade, got %v", err)
	}

	if slot.inits != 1 {
		t.Errorf("Expected the download slot to be initialized once, got %d", slot.inits)
	}
	if slot.markedValid != 1 {
		t.Errorf("Expected slot marked valid once, got %d", slot.markedValid)
	}
	if len(sched.jobs) != 1 {
		t.Fatalf("Expected exactly one scheduled job, got %d", len(sched.jobs))
	}
	if s.Active() {
		t.Errorf("Expected no open download")
	}

	sched.runAll()
	if slot.resets != 1 {
		t.Errorf("Expected one swap and reset, got %d", slot.resets)
	}
}

func TestSession_PerformUpgradeMarkFailure(t *testing.T) {
	s, slot, sched := newTestSession(t)
	slot.markErr = errors.New("state write failed")

	if err := s.Open("coap://example/fw", ""); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := s.Finish(); err != nil {
		t.Fatalf("Finish failed: %v", err)
	}

	if err := s.PerformUpgrade(); !errors.Is(err, slot.markErr) {
		t.Errorf("Expected mark error, got %v", err)
	}
	if len(sched.jobs) != 0 {
		t.Errorf("Expected no reboot to be scheduled")
	}
}

func TestSession_ResetForgetsVerifiedImage(t *testing.T) {
	s, _, _ := newTestSession(t)

	if err := s.Open("coap://example/fw", ""); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := s.Finish(); err != nil {
		t.Fatalf("Finish failed: %v", err)
	}
	s.Reset()

	if err := s.PerformUpgrade(); !errors.Is(err, ErrNoVerifiedImage) {
		t.Errorf("Expected ErrNoVerifiedImage, got %v", err)
	}
}

func TestSession_ProtocolMisusePanics(t *testing.T) {
	testCases := []struct {
		name string
		op   string
		call func(s *Session)
	}{
		{name: "write while idle", op: "write", call: func(s *Session) { s.Write([]byte{1}) }},
		{name: "finish while idle", op: "finish", call: func(s *Session) { s.Finish() }},
		{name: "finish twice", op: "finish", call: func(s *Session) {
			s.Open("coap://example/fw", "")
			s.Finish()
			s.Finish()
		}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			s, _, _ := newTestSession(t)
			defer func() {
				r := recover()
				e, ok := r.(*ProtocolMisuseError)
				if !ok {
					t.Fatalf("Expected ProtocolMisuseError panic, got %v", r)
				}
				if e.Op != tc.op {
					t.Errorf("Expected op %q, got %q", tc.op, e.Op)
				}
			}()
			tc.call(s)
		})
	}
}

func TestSession_WithOptions(t *testing.T) {
	slot := &fakeSlot{}
	sched := &fakeScheduler{}
	s := NewSession(slot, sched, WithAlignment(16), WithRebootDelay(5*time.Second))

	if err := s.Open("coap://example/fw", ""); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := s.Write(payload(40)); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if err := s.Finish(); err != nil {
		t.Fatalf("Finish failed: %v", err)
	}

	want := []blockWrite{{Offset: 0, Len: 16}, {Offset: 16, Len: 16}, {Offset: 32, Len: 8}}
	if diff := cmp.Diff(want, slot.writes); diff != "" {
		t.Errorf("Unexpected slot writes (-want +got):\n%s", diff)
	}

	if err := s.PerformUpgrade(); err != nil {
		t.Fatalf("PerformUpgrade failed: %v", err)
	}
	if sched.jobs[0].delay != 5*time.Second {
		t.Errorf("Expected reboot delay 5s, got %v", sched.jobs[0].delay)
	}
}

func TestInitialState(t *testing.T) {
	testCases := []struct {
		name          string
		afterUpdate   bool
		afterRollback bool
		want          BootOutcome
		wantString    string
	}{
		{name: "normal boot", want: Normal, wantString: "normal"},
		{name: "after update", afterUpdate: true, want: FreshUpdate, wantString: "fresh-update"},
		{name: "after rollback", afterRollback: true, want: Rollback, wantString: "rollback"},
		{name: "update takes precedence", afterUpdate: true, afterRollback: true, want: FreshUpdate, wantString: "fresh-update"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got := InitialState(&fakeSlot{afterUpdate: tc.afterUpdate, afterRollback: tc.afterRollback})
			if got != tc.want {
				t.Errorf("Expected %v, got %v", tc.want, got)
			}
			if got.String() != tc.wantString {
				t.Errorf("Expected %q, got %q", tc.wantString, got.String())
			}
		})
	}
}
