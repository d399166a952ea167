package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordSubmittedAndCompleted(t *testing.T) {
	before := testutil.ToFloat64(InstructionsSubmitted.WithLabelValues("test.Instr"))
	RecordSubmitted("test.Instr")
	RecordSubmitted("test.Instr")
	if got := testutil.ToFloat64(InstructionsSubmitted.WithLabelValues("test.Instr")) - before; got != 2 {
		t.Errorf("expected 2 submissions, got %v", got)
	}

	RecordCompleted("test.Instr", "completed", 5*time.Millisecond)
	if got := testutil.ToFloat64(InstructionsCompleted.WithLabelValues("test.Instr", "completed")); got < 1 {
		t.Errorf("expected at least one completion, got %v", got)
	}
}

func TestRecordValidationError(t *testing.T) {
	before := testutil.ToFloat64(ValidationErrors.WithLabelValues("copy"))
	RecordValidationError("copy")
	if got := testutil.ToFloat64(ValidationErrors.WithLabelValues("copy")) - before; got != 1 {
		t.Errorf("expected 1 validation error, got %v", got)
	}
}

func TestGauges(t *testing.T) {
	RecordPinnedBytes(4096)
	if got := testutil.ToFloat64(PinnedBytes); got != 4096 {
		t.Errorf("expected 4096 pinned bytes, got %v", got)
	}

	RecordDeviceMemory("device:0", 1<<20)
	if got := testutil.ToFloat64(DeviceMemoryAllocated.WithLabelValues("device:0")); got != 1<<20 {
		t.Errorf("expected 1MiB, got %v", got)
	}

	RecordQueueDepth("h2d:0", 3)
	if got := testutil.ToFloat64(StreamQueueDepth.WithLabelValues("h2d:0")); got != 3 {
		t.Errorf("expected depth 3, got %v", got)
	}

	RecordPendingRequests(7)
	if got := testutil.ToFloat64(CollectivePendingRequests); got != 7 {
		t.Errorf("expected 7 pending, got %v", got)
	}
}

func TestRecordCollectiveGroup(t *testing.T) {
	okBefore := testutil.ToFloat64(CollectiveGroups.WithLabelValues("all_reduce", "ok"))
	failBefore := testutil.ToFloat64(CollectiveGroups.WithLabelValues("all_reduce", "failed"))

	RecordCollectiveGroup("all_reduce", 8, time.Millisecond, nil)
	RecordCollectiveGroup("all_reduce", 2, time.Millisecond, errors.New("peer lost"))

	if got := testutil.ToFloat64(CollectiveGroups.WithLabelValues("all_reduce", "ok")) - okBefore; got != 1 {
		t.Errorf("expected 1 ok group, got %v", got)
	}
	if got := testutil.ToFloat64(CollectiveGroups.WithLabelValues("all_reduce", "failed")) - failBefore; got != 1 {
		t.Errorf("expected 1 failed group, got %v", got)
	}
}

func TestCounters(t *testing.T) {
	RecordHostRegister("register", "already_registered")
	RecordTransfer("h2d", "dma", 4096)
	RecordWatchdogTrip()
	RecordTransportRetry("flight")
	RecordFatal("vm")

	if got := testutil.ToFloat64(TransferBytes.WithLabelValues("h2d", "dma")); got < 4096 {
		t.Errorf("expected at least 4096 transferred bytes, got %v", got)
	}
}
