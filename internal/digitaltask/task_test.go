package digitaltask

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/opencane/edge-runtime/internal/store"
	"github.com/rs/zerolog"
)

type fakeStore struct {
	mu         sync.Mutex
	tasks      map[string]*store.TaskRecord
	pushQueue  []store.PushQueueEntry
	nextPushID int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{tasks: make(map[string]*store.TaskRecord)}
}

func (f *fakeStore) CreateTask(ctx context.Context, id, deviceID, sessionID, directive string, pushContext json.RawMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks[id] = &store.TaskRecord{ID: id, DeviceID: deviceID, SessionID: sessionID, Directive: directive, Status: StatusPending, PushContext: pushContext}
	return nil
}

func (f *fakeStore) StartTask(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks[id].Status = StatusRunning
	return nil
}

func (f *fakeStore) FinishTask(ctx context.Context, id, status string, result json.RawMessage, errMsg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[id]
	if !ok {
		return errors.New("no such task")
	}
	// Canceled always wins: ignore a late success/failure arriving after
	// the task is already terminal via cancel.
	if isTerminal(t.Status) && t.Status == StatusCanceled {
		return nil
	}
	t.Status = status
	t.Result = result
	t.Error = errMsg
	return nil
}

func (f *fakeStore) AppendTaskStep(ctx context.Context, taskID string, stepIndex int, kind string, detail json.RawMessage) error {
	return nil
}

func (f *fakeStore) NonTerminalTasks(ctx context.Context) ([]store.TaskRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.TaskRecord
	for _, t := range f.tasks {
		if !isTerminal(t.Status) {
			out = append(out, *t)
		}
	}
	return out, nil
}

func (f *fakeStore) EnqueuePush(ctx context.Context, taskID string, payload json.RawMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextPushID++
	f.pushQueue = append(f.pushQueue, store.PushQueueEntry{ID: f.nextPushID, TaskID: taskID, Payload: payload})
	return nil
}

func (f *fakeStore) DuePushes(ctx context.Context, limit int) ([]store.PushQueueEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]store.PushQueueEntry{}, f.pushQueue...), nil
}

func (f *fakeStore) RecordPushFailure(ctx context.Context, id int64, backoff time.Duration, errMsg string) error {
	return nil
}

func (f *fakeStore) DeletePush(ctx context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, e := range f.pushQueue {
		if e.ID == id {
			f.pushQueue = append(f.pushQueue[:i], f.pushQueue[i+1:]...)
			break
		}
	}
	return nil
}

func (f *fakeStore) status(id string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tasks[id].Status
}

func (f *fakeStore) taskError(id string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tasks[id].Error
}

type fakeExecutor struct {
	delay time.Duration
	err   error
}

func (e *fakeExecutor) Execute(ctx context.Context, req Request) (json.RawMessage, error) {
	select {
	case <-time.After(e.delay):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if e.err != nil {
		return nil, e.err
	}
	return json.RawMessage(`{"ok":true}`), nil
}

func TestServiceExecuteSucceeds(t *testing.T) {
	fs := newFakeStore()
	svc := New(Options{Store: fs, Executor: &fakeExecutor{}, Log: zerolog.Nop()})

	taskID, accepted, err := svc.Execute(context.Background(), Request{DeviceID: "d1", Directive: "do thing"})
	if err != nil || !accepted {
		t.Fatalf("Execute() = %v, %v, %v", taskID, accepted, err)
	}

	waitForStatus(t, fs, taskID, StatusSuccess)
}

func TestServiceExecuteFails(t *testing.T) {
	fs := newFakeStore()
	svc := New(Options{Store: fs, Executor: &fakeExecutor{err: errors.New("boom")}, Log: zerolog.Nop()})

	taskID, _, err := svc.Execute(context.Background(), Request{DeviceID: "d1", Directive: "do thing"})
	if err != nil {
		t.Fatal(err)
	}
	waitForStatus(t, fs, taskID, StatusFailed)
}

func TestServiceCancelWinsOverLateSuccess(t *testing.T) {
	fs := newFakeStore()
	svc := New(Options{Store: fs, Executor: &fakeExecutor{delay: 50 * time.Millisecond}, Log: zerolog.Nop()})

	taskID, _, err := svc.Execute(context.Background(), Request{DeviceID: "d1", Directive: "slow thing"})
	if err != nil {
		t.Fatal(err)
	}

	if err := svc.Cancel(context.Background(), taskID, "user_abort"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if got := fs.status(taskID); got != StatusCanceled {
		t.Fatalf("status = %q, want canceled immediately after Cancel", got)
	}

	time.Sleep(100 * time.Millisecond)
	if got := fs.status(taskID); got != StatusCanceled {
		t.Errorf("status = %q, want canceled to stick even after executor returns", got)
	}
}

func TestServiceInterruptPrevious(t *testing.T) {
	fs := newFakeStore()
	svc := New(Options{Store: fs, Executor: &fakeExecutor{delay: 200 * time.Millisecond}, Log: zerolog.Nop()})

	first, _, err := svc.Execute(context.Background(), Request{DeviceID: "d1", Directive: "first"})
	if err != nil {
		t.Fatal(err)
	}
	second, _, err := svc.Execute(context.Background(), Request{DeviceID: "d1", Directive: "second", InterruptPrevious: true})
	if err != nil {
		t.Fatal(err)
	}

	if got := fs.status(first); got != StatusCanceled {
		t.Errorf("first task status = %q, want canceled (interrupted by second)", got)
	}
	if got := fs.taskError(first); got != "interrupted_by_new_task" {
		t.Errorf("first task error = %q, want %q", got, "interrupted_by_new_task")
	}
	waitForStatus(t, fs, second, StatusSuccess)
}

func TestServiceRecoverNonTerminal(t *testing.T) {
	fs := newFakeStore()
	pc, _ := json.Marshal(PushContext{DeviceID: "d1", Speak: true})
	fs.tasks["stuck"] = &store.TaskRecord{ID: "stuck", DeviceID: "d1", Directive: "resume me", Status: StatusRunning, PushContext: pc}

	var gotUpdates []StatusUpdate
	var mu sync.Mutex
	cb := func(ctx context.Context, u StatusUpdate) error {
		mu.Lock()
		defer mu.Unlock()
		gotUpdates = append(gotUpdates, u)
		return nil
	}
	svc := New(Options{Store: fs, Executor: &fakeExecutor{}, Callback: cb, Log: zerolog.Nop()})

	if err := svc.RecoverNonTerminal(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitForStatus(t, fs, "stuck", StatusSuccess)

	mu.Lock()
	defer mu.Unlock()
	for _, u := range gotUpdates {
		if !u.Speak {
			t.Errorf("update %+v lost the recovered push context's speak flag", u)
		}
	}
}

func TestServiceInterruptRequiresFlag(t *testing.T) {
	fs := newFakeStore()
	svc := New(Options{Store: fs, Executor: &fakeExecutor{delay: 100 * time.Millisecond}, Log: zerolog.Nop()})

	first, _, err := svc.Execute(context.Background(), Request{DeviceID: "d1", Directive: "first"})
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := svc.Execute(context.Background(), Request{DeviceID: "d1", Directive: "second"}); err != nil {
		t.Fatal(err)
	}

	waitForStatus(t, fs, first, StatusSuccess)
}

func waitForStatus(t *testing.T, fs *fakeStore, taskID, want string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if fs.status(taskID) == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("status = %q, want %q before deadline", fs.status(taskID), want)
}
