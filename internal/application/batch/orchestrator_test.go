package batch

import (
	"context"
	stderrors "errors"
	"fmt"
	"reflect"
	"sync"
	"testing"
	"time"

	"z-novel-studio/internal/application/session"
	"z-novel-studio/internal/domain/entity"
	"z-novel-studio/pkg/errors"
)

var testConfig = Config{
	PollInterval:      2 * time.Millisecond,
	ReadyPollInterval: time.Millisecond,
	ReadyTimeout:      20 * time.Millisecond,
}

type fakeGenerator struct {
	mu       sync.Mutex
	calls    []int
	fail     map[int]bool
	startErr map[int]error
	hold     map[int]chan struct{}
	started  chan int
	last     *session.Session
	overlap  bool
}

func (g *fakeGenerator) Generate(_ context.Context, unit int) (*session.Session, error) {
	g.mu.Lock()
	if g.last != nil && !g.last.Status().IsTerminal() {
		g.overlap = true
	}
	g.calls = append(g.calls, unit)
	if err := g.startErr[unit]; err != nil {
		g.mu.Unlock()
		return nil, err
	}
	s := session.New(session.Options{UnitNumber: unit})
	g.last = s
	fail := g.fail[unit]
	hold := g.hold[unit]
	g.mu.Unlock()

	if g.started != nil {
		g.started <- unit
	}
	go func() {
		if hold != nil {
			<-hold
		}
		s.Apply(entity.PhaseEvent("正在构思"))
		if fail {
			s.Apply(entity.ErrorEvent("模型超时"))
			return
		}
		s.Apply(entity.MessageEvent(fmt.Sprintf("第%d章正文。", unit)))
		s.Apply(entity.DoneEvent())
	}()
	return s, nil
}

func (g *fakeGenerator) Calls() []int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]int(nil), g.calls...)
}

type fakeUnits struct {
	mu        sync.Mutex
	created   []int
	notReady  map[int]bool
	createErr map[int]error
}

func (u *fakeUnits) CreateNextUnit(_ context.Context, unit int) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if err := u.createErr[unit]; err != nil {
		return err
	}
	u.created = append(u.created, unit)
	return nil
}

func (u *fakeUnits) IsUnitReady(_ context.Context, unit int) (bool, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return !u.notReady[unit], nil
}

func (u *fakeUnits) Created() []int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]int(nil), u.created...)
}

func units(from, to int) []int {
	out := []int{}
	for i := from; i <= to; i++ {
		out = append(out, i)
	}
	return out
}

// TestRunAllCyclesSucceed runs ten cycles starting at unit 5.
func TestRunAllCyclesSucceed(t *testing.T) {
	gen := &fakeGenerator{}
	us := &fakeUnits{}
	o := New(entity.NewBatchJob("b1", "p1"), gen, us, nil, testConfig)

	snap, err := o.Run(context.Background(), 10, 5)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if snap.State != entity.BatchStateCompleted {
		t.Fatalf("state = %q, want completed", snap.State)
	}
	if !reflect.DeepEqual(snap.Succeeded, units(5, 14)) {
		t.Fatalf("succeeded = %v, want 5..14", snap.Succeeded)
	}
	if len(snap.Failed) != 0 {
		t.Fatalf("failed = %v, want empty", snap.Failed)
	}
	if snap.CurrentIndex != 10 {
		t.Fatalf("current index = %d, want 10", snap.CurrentIndex)
	}
	// 最后一个周期之后不再创建单元
	if got := us.Created(); !reflect.DeepEqual(got, units(6, 14)) {
		t.Fatalf("created = %v, want 6..14", got)
	}
	if !reflect.DeepEqual(gen.Calls(), units(5, 14)) {
		t.Fatalf("generate calls = %v", gen.Calls())
	}
	if gen.overlap {
		t.Fatal("a session started while the previous one was still running")
	}
}

// TestRunContinueAfterFailure records the failed unit and moves on.
func TestRunContinueAfterFailure(t *testing.T) {
	gen := &fakeGenerator{fail: map[int]bool{8: true}}
	us := &fakeUnits{}

	var seen []entity.CycleFailure
	decider := DecisionFunc(func(_ context.Context, snap entity.BatchSnapshot, f entity.CycleFailure) (entity.Decision, error) {
		if snap.State != entity.BatchStateAwaitingDecision || snap.PendingDecision == nil {
			t.Errorf("decision snapshot = %+v, want pending decision", snap)
		}
		seen = append(seen, f)
		return entity.DecisionContinue, nil
	})
	o := New(entity.NewBatchJob("b2", "p1"), gen, us, decider, testConfig)

	snap, err := o.Run(context.Background(), 10, 5)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if snap.State != entity.BatchStateCompleted {
		t.Fatalf("state = %q, want completed", snap.State)
	}
	if !reflect.DeepEqual(snap.Failed, []int{8}) {
		t.Fatalf("failed = %v, want [8]", snap.Failed)
	}
	if len(snap.Succeeded) != 9 {
		t.Fatalf("succeeded = %v, want 9 units", snap.Succeeded)
	}
	if len(seen) != 1 || seen[0].Index != 3 || seen[0].Kind != entity.FailureGeneration {
		t.Fatalf("decisions = %+v", seen)
	}
	if seen[0].Message != "模型超时" {
		t.Fatalf("failure message = %q", seen[0].Message)
	}
	calls := gen.Calls()
	if len(calls) != 10 || calls[4] != 9 {
		t.Fatalf("generate calls = %v, want cycle 4 to run unit 9", calls)
	}
}

// TestRunAbortAfterFailure ends the batch as cancelled.
func TestRunAbortAfterFailure(t *testing.T) {
	gen := &fakeGenerator{startErr: map[int]error{2: stderrors.New("connection refused")}}
	us := &fakeUnits{}
	o := New(entity.NewBatchJob("b3", "p1"), gen, us, PolicyDecider{Policy: entity.DecisionAbort}, testConfig)

	snap, err := o.Run(context.Background(), 5, 1)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if snap.State != entity.BatchStateCancelled || !snap.Cancelled {
		t.Fatalf("snapshot = %+v, want cancelled", snap)
	}
	if !reflect.DeepEqual(snap.Succeeded, []int{1}) || len(snap.Failed) != 0 {
		t.Fatalf("succeeded/failed = %v/%v, want [1]/[]", snap.Succeeded, snap.Failed)
	}
	if snap.LastError == "" {
		t.Fatal("aborted cycle error should be kept in last error")
	}
	if snap.PendingDecision != nil {
		t.Fatalf("pending decision left behind: %+v", snap.PendingDecision)
	}
	if got := us.Created(); !reflect.DeepEqual(got, []int{2}) {
		t.Fatalf("created = %v, want [2]", got)
	}
}

// TestRunMaxConsecutiveFailures escalates repeated failures to abort.
func TestRunMaxConsecutiveFailures(t *testing.T) {
	gen := &fakeGenerator{fail: map[int]bool{1: true, 2: true, 3: true, 4: true}}
	o := New(entity.NewBatchJob("b4", "p1"), gen, &fakeUnits{},
		PolicyDecider{Policy: entity.DecisionContinue, MaxConsecutiveFailures: 3}, testConfig)

	snap, err := o.Run(context.Background(), 10, 1)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if snap.State != entity.BatchStateCancelled {
		t.Fatalf("state = %q, want cancelled", snap.State)
	}
	if !reflect.DeepEqual(snap.Failed, []int{1, 2}) {
		t.Fatalf("failed = %v, want [1 2]", snap.Failed)
	}
	if snap.CurrentIndex != 2 {
		t.Fatalf("current index = %d, want 2", snap.CurrentIndex)
	}
}

// TestCancelDuringGeneration stops before creating any further unit.
func TestCancelDuringGeneration(t *testing.T) {
	hold := make(chan struct{})
	defer close(hold)
	gen := &fakeGenerator{
		hold:    map[int]chan struct{}{3: hold},
		started: make(chan int, 10),
	}
	us := &fakeUnits{}
	o := New(entity.NewBatchJob("b5", "p1"), gen, us, nil, testConfig)

	type result struct {
		snap entity.BatchSnapshot
		err  error
	}
	done := make(chan result, 1)
	go func() {
		snap, err := o.Run(context.Background(), 10, 1)
		done <- result{snap, err}
	}()

	for unit := range gen.started {
		if unit == 3 {
			break
		}
	}
	if !o.Cancel() {
		t.Fatal("first Cancel() = false, want true")
	}
	if o.Cancel() {
		t.Fatal("second Cancel() = true, want false")
	}

	var res result
	select {
	case res = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("batch did not observe cancellation")
	}
	if res.err != nil {
		t.Fatalf("Run() error = %v", res.err)
	}
	if res.snap.State != entity.BatchStateCancelled {
		t.Fatalf("state = %q, want cancelled", res.snap.State)
	}
	if res.snap.CurrentIndex > 3 {
		t.Fatalf("current index = %d, want at most 3", res.snap.CurrentIndex)
	}
	if !reflect.DeepEqual(res.snap.Succeeded, []int{1, 2}) {
		t.Fatalf("succeeded = %v, want [1 2]", res.snap.Succeeded)
	}
	if got := us.Created(); !reflect.DeepEqual(got, []int{2, 3}) {
		t.Fatalf("created = %v, want [2 3]", got)
	}
	// 进行中的会话不被中断
	if cur := o.CurrentSession(); cur == nil || cur.UnitNumber() != 3 || cur.Status().IsTerminal() {
		t.Fatalf("current session = %v, want running unit 3", cur)
	}
}

// TestCancelBeforeConfirm cancels a proposed batch.
func TestCancelBeforeConfirm(t *testing.T) {
	gen := &fakeGenerator{}
	o := New(entity.NewBatchJob("b6", "p1"), gen, &fakeUnits{}, nil, testConfig)
	if err := o.Propose(3, 1); err != nil {
		t.Fatalf("Propose() error = %v", err)
	}
	o.Cancel()
	if got := o.Snapshot().State; got != entity.BatchStateCancelled {
		t.Fatalf("state = %q, want cancelled", got)
	}
	if _, err := o.Confirm(context.Background()); !stderrors.Is(err, errors.ErrBatchState) {
		t.Fatalf("Confirm() error = %v, want batch state error", err)
	}
	if len(gen.Calls()) != 0 {
		t.Fatalf("generate calls = %v, want none", gen.Calls())
	}
}

// TestRunContextCancelled treats a cancelled context as a cancel request.
func TestRunContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	o := New(entity.NewBatchJob("b7", "p1"), &fakeGenerator{}, &fakeUnits{}, nil, testConfig)

	snap, err := o.Run(ctx, 3, 1)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if snap.State != entity.BatchStateCancelled || snap.CurrentIndex != 0 {
		t.Fatalf("snapshot = %+v, want cancelled at index 0", snap)
	}
}

// TestUnitReadyTimeout asks for a decision when the next unit never appears.
func TestUnitReadyTimeout(t *testing.T) {
	gen := &fakeGenerator{}
	us := &fakeUnits{notReady: map[int]bool{2: true}}

	var got entity.CycleFailure
	decider := DecisionFunc(func(_ context.Context, _ entity.BatchSnapshot, f entity.CycleFailure) (entity.Decision, error) {
		got = f
		return entity.DecisionAbort, nil
	})
	o := New(entity.NewBatchJob("b8", "p1"), gen, us, decider, testConfig)

	snap, err := o.Run(context.Background(), 3, 1)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if got.Kind != entity.FailureUnitReadyTimeout || got.UnitNumber != 2 || got.Index != 1 {
		t.Fatalf("failure = %+v, want ready timeout for unit 2", got)
	}
	if snap.State != entity.BatchStateCancelled {
		t.Fatalf("state = %q, want cancelled", snap.State)
	}
	if !reflect.DeepEqual(snap.Succeeded, []int{1}) {
		t.Fatalf("succeeded = %v, want [1]", snap.Succeeded)
	}
	if !reflect.DeepEqual(gen.Calls(), []int{1}) {
		t.Fatalf("generate calls = %v, want [1]", gen.Calls())
	}
}

// TestUnitCreateFailureContinue proceeds to generate the next unit anyway.
func TestUnitCreateFailureContinue(t *testing.T) {
	gen := &fakeGenerator{}
	us := &fakeUnits{createErr: map[int]error{2: stderrors.New("db down")}}
	o := New(entity.NewBatchJob("b9", "p1"), gen, us, nil, testConfig)

	snap, err := o.Run(context.Background(), 2, 1)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if snap.State != entity.BatchStateCompleted {
		t.Fatalf("state = %q, want completed", snap.State)
	}
	if !reflect.DeepEqual(gen.Calls(), []int{1, 2}) {
		t.Fatalf("generate calls = %v", gen.Calls())
	}
}

// TestProposeValidation rejects bad parameters and states.
func TestProposeValidation(t *testing.T) {
	cfg := testConfig
	cfg.MaxCycles = 5
	o := New(entity.NewBatchJob("b10", "p1"), &fakeGenerator{}, &fakeUnits{}, nil, cfg)

	tests := []struct {
		name  string
		total int
		start int
	}{
		{"zero cycles", 0, 1},
		{"negative cycles", -1, 1},
		{"over limit", 6, 1},
		{"zero start", 3, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := o.Propose(tt.total, tt.start); !stderrors.Is(err, errors.ErrInvalidParam) {
				t.Fatalf("Propose(%d, %d) error = %v, want invalid param", tt.total, tt.start, err)
			}
		})
	}

	if _, err := o.Confirm(context.Background()); !stderrors.Is(err, errors.ErrBatchState) {
		t.Fatalf("Confirm() before Propose error = %v, want batch state error", err)
	}
}

// TestSubscribeSeesStates delivers snapshots through the state machine.
func TestSubscribeSeesStates(t *testing.T) {
	o := New(entity.NewBatchJob("b11", "p1"), &fakeGenerator{}, &fakeUnits{}, nil, testConfig)

	var mu sync.Mutex
	states := map[entity.BatchState]bool{}
	o.Subscribe(func(s entity.BatchSnapshot) {
		mu.Lock()
		states[s.State] = true
		mu.Unlock()
	})
	if _, err := o.Run(context.Background(), 2, 1); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	for _, st := range []entity.BatchState{
		entity.BatchStateAwaitingConfirmation,
		entity.BatchStateRunningCycle,
		entity.BatchStateAwaitingGeneration,
		entity.BatchStateAwaitingUnitCreation,
		entity.BatchStateAwaitingUnitReady,
		entity.BatchStateCompleted,
	} {
		if !states[st] {
			t.Errorf("state %q never observed", st)
		}
	}
}
