package oauth

import (
	"context"
	"errors"
	"strings"
	"testing"
)

// recordingHandler appends its tag to a shared trace when invoked.
type recordingHandler struct {
	tag   string
	trace *[]string
	then  func(c Context)
}

func (h *recordingHandler) Handle(c Context) error {
	*h.trace = append(*h.trace, h.tag)
	if h.then != nil {
		h.then(c)
	}
	return nil
}

func record(t *testing.T, name string, stage Stage, order int, trace *[]string, filters ...Filter) Descriptor {
	t.Helper()
	b := NewDescriptor(stage).Named(name).Use(&recordingHandler{tag: name, trace: trace}).SetOrder(order)
	for _, f := range filters {
		b.AddFilter(f)
	}
	return b.MustBuild()
}

func newTestTransaction(t *testing.T) *Transaction {
	t.Helper()
	opts := NewOptions("https://auth.example.com")
	return NewTransaction(context.Background(), opts)
}

func TestRegistry_Register_DuplicateName(t *testing.T) {
	r := NewRegistry()
	var trace []string

	if err := r.Register(record(t, "dup", StageProcessRequest, 10, &trace)); err != nil {
		t.Fatalf("Register() = %v", err)
	}
	if err := r.Register(record(t, "dup", StageProcessRequest, 20, &trace)); err == nil {
		t.Error("Register() with duplicate name should fail")
	}
}

func TestRegistry_OrderWithRegistrationTieBreak(t *testing.T) {
	r := NewRegistry()
	var trace []string

	// A and B share order 10; C has order 20. Registration order A, C, B
	// must yield execution order A, B, C (ties break by registration).
	if err := r.Register(record(t, "a", StageProcessRequest, 10, &trace)); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(record(t, "c", StageProcessRequest, 20, &trace)); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(record(t, "b", StageProcessRequest, 10, &trace)); err != nil {
		t.Fatal(err)
	}

	d := NewDispatcher(r)
	if err := d.Dispatch(NewProcessRequestContext(newTestTransaction(t))); err != nil {
		t.Fatalf("Dispatch() = %v", err)
	}

	if got := strings.Join(trace, ","); got != "a,b,c" {
		t.Errorf("execution order = %q, want \"a,b,c\"", got)
	}
}

func TestRegistry_StageAnyExpansion(t *testing.T) {
	r := NewRegistry()
	var trace []string

	if err := r.Register(record(t, "everywhere", StageAny, 10, &trace)); err != nil {
		t.Fatalf("Register(StageAny) = %v", err)
	}

	for s := Stage(0); s < stageCount; s++ {
		handlers := r.Handlers(s)
		if len(handlers) != 1 || handlers[0].Name() != "everywhere" {
			t.Errorf("stage %v: handlers = %d, want the StageAny descriptor", s, len(handlers))
		}
	}
}

func TestRegistry_Remove(t *testing.T) {
	r := NewRegistry()
	var trace []string

	if err := r.Register(record(t, "gone", StageAny, 10, &trace)); err != nil {
		t.Fatal(err)
	}
	if !r.Remove("gone") {
		t.Error("Remove() = false, want true")
	}
	for s := Stage(0); s < stageCount; s++ {
		if len(r.Handlers(s)) != 0 {
			t.Errorf("stage %v still has handlers after Remove", s)
		}
	}
	if r.Remove("gone") {
		t.Error("second Remove() = true, want false")
	}
}

func TestRegistry_Replace_KeepsTiePosition(t *testing.T) {
	r := NewRegistry()
	var trace []string

	// first and second share order 10; replacing first must keep it ahead
	// of second.
	if err := r.Register(record(t, "first", StageProcessRequest, 10, &trace)); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(record(t, "second", StageProcessRequest, 10, &trace)); err != nil {
		t.Fatal(err)
	}

	replacement := NewDescriptor(StageProcessRequest).
		Named("first").
		Use(&recordingHandler{tag: "first-v2", trace: &trace}).
		SetOrder(10).
		MustBuild()
	if err := r.Replace(replacement); err != nil {
		t.Fatalf("Replace() = %v", err)
	}

	d := NewDispatcher(r)
	if err := d.Dispatch(NewProcessRequestContext(newTestTransaction(t))); err != nil {
		t.Fatal(err)
	}
	if got := strings.Join(trace, ","); got != "first-v2,second" {
		t.Errorf("execution order = %q, want \"first-v2,second\"", got)
	}
}

func TestRegistry_Replace_RejectsStageOrOrderChange(t *testing.T) {
	r := NewRegistry()
	var trace []string
	if err := r.Register(record(t, "pinned", StageProcessRequest, 10, &trace)); err != nil {
		t.Fatal(err)
	}

	wrongStage := record(t, "pinned", StageAuthenticate, 10, &trace)
	if err := r.Replace(wrongStage); err == nil {
		t.Error("Replace() with different stage should fail")
	}
	wrongOrder := record(t, "pinned", StageProcessRequest, 99, &trace)
	if err := r.Replace(wrongOrder); err == nil {
		t.Error("Replace() with different order should fail")
	}
}

func TestDispatcher_FilterGating(t *testing.T) {
	r := NewRegistry()
	var trace []string

	never := func(c Context) bool { return false }
	if err := r.Register(record(t, "filtered-out", StageProcessRequest, 10, &trace, never)); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(record(t, "runs", StageProcessRequest, 20, &trace)); err != nil {
		t.Fatal(err)
	}

	d := NewDispatcher(r)
	if err := d.Dispatch(NewProcessRequestContext(newTestTransaction(t))); err != nil {
		t.Fatal(err)
	}
	if got := strings.Join(trace, ","); got != "runs" {
		t.Errorf("execution order = %q, want \"runs\"", got)
	}
}

func TestDispatcher_FiltersReevaluatedPerHandler(t *testing.T) {
	r := NewRegistry()
	var trace []string

	// The first handler sets a property; the second handler's filter reads
	// it. The filter must see the value written during this same dispatch.
	setter := NewDescriptor(StageProcessRequest).
		Named("setter").
		UseFunc(func(c Context) error {
			c.Transaction().SetProperty("flag", "on")
			return nil
		}).
		SetOrder(10).
		MustBuild()
	flagOn := func(c Context) bool { return c.Transaction().StringProperty("flag") == "on" }
	if err := r.Register(setter); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(record(t, "reader", StageProcessRequest, 20, &trace, flagOn)); err != nil {
		t.Fatal(err)
	}

	d := NewDispatcher(r)
	if err := d.Dispatch(NewProcessRequestContext(newTestTransaction(t))); err != nil {
		t.Fatal(err)
	}
	if got := strings.Join(trace, ","); got != "reader" {
		t.Errorf("execution order = %q, want \"reader\"", got)
	}
}

func TestDispatcher_StopsAfterHandleRequest(t *testing.T) {
	r := NewRegistry()
	var trace []string

	handled := &recordingHandler{tag: "terminal", trace: &trace, then: func(c Context) { c.HandleRequest() }}
	if err := r.Register(NewDescriptor(StageProcessRequest).Named("terminal").Use(handled).SetOrder(10).MustBuild()); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(record(t, "unreached", StageProcessRequest, 20, &trace)); err != nil {
		t.Fatal(err)
	}

	d := NewDispatcher(r)
	c := NewProcessRequestContext(newTestTransaction(t))
	if err := d.Dispatch(c); err != nil {
		t.Fatal(err)
	}
	if got := strings.Join(trace, ","); got != "terminal" {
		t.Errorf("execution order = %q, want \"terminal\"", got)
	}
	if !c.IsRequestHandled() {
		t.Error("IsRequestHandled() = false")
	}
}

func TestDispatcher_RejectionDoesNotStopDispatch(t *testing.T) {
	r := NewRegistry()
	var trace []string

	rejecting := &recordingHandler{tag: "rejects", trace: &trace, then: func(c Context) {
		c.Reject(ErrorCodeInvalidRequest, "bad request", "")
	}}
	if err := r.Register(NewDescriptor(StageProcessRequest).Named("rejects").Use(rejecting).SetOrder(10).MustBuild()); err != nil {
		t.Fatal(err)
	}
	// Housekeeping handler without the FilterNotRejected guard still runs.
	if err := r.Register(record(t, "housekeeping", StageProcessRequest, 20, &trace)); err != nil {
		t.Fatal(err)
	}
	// Stage-specific handler guarded by FilterNotRejected does not.
	if err := r.Register(record(t, "guarded", StageProcessRequest, 30, &trace, FilterNotRejected)); err != nil {
		t.Fatal(err)
	}

	d := NewDispatcher(r)
	c := NewProcessRequestContext(newTestTransaction(t))
	if err := d.Dispatch(c); err != nil {
		t.Fatal(err)
	}
	if got := strings.Join(trace, ","); got != "rejects,housekeeping" {
		t.Errorf("execution order = %q, want \"rejects,housekeeping\"", got)
	}
	if !c.IsRejected() {
		t.Error("IsRejected() = false")
	}
}

func TestDispatcher_HandlerErrorAbortsDispatch(t *testing.T) {
	r := NewRegistry()
	var trace []string

	boom := errors.New("backing store unavailable")
	failing := NewDescriptor(StageProcessRequest).
		Named("failing").
		UseFunc(func(c Context) error { return boom }).
		SetOrder(10).
		MustBuild()
	if err := r.Register(failing); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(record(t, "unreached", StageProcessRequest, 20, &trace)); err != nil {
		t.Fatal(err)
	}

	d := NewDispatcher(r)
	err := d.Dispatch(NewProcessRequestContext(newTestTransaction(t)))
	if !errors.Is(err, boom) {
		t.Errorf("Dispatch() = %v, want wrapped %v", err, boom)
	}
	if len(trace) != 0 {
		t.Errorf("handlers ran after dispatch failure: %v", trace)
	}
}

func TestDispatcher_CancelledExchange(t *testing.T) {
	r := NewRegistry()
	var trace []string
	if err := r.Register(record(t, "unreached", StageProcessRequest, 10, &trace)); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	tx := NewTransaction(ctx, NewOptions("https://auth.example.com"))

	d := NewDispatcher(r)
	err := d.Dispatch(NewProcessRequestContext(tx))
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Dispatch() = %v, want context.Canceled", err)
	}
	if len(trace) != 0 {
		t.Errorf("handlers ran on a cancelled exchange: %v", trace)
	}
}

func TestDispatcher_TransientLifetime(t *testing.T) {
	r := NewRegistry()

	instances := 0
	factory := func() Handler {
		instances++
		return HandlerFunc(func(c Context) error { return nil })
	}
	desc := NewDescriptor(StageProcessRequest).
		Named("transient").
		UseFactory(factory).
		MustBuild()
	if err := r.Register(desc); err != nil {
		t.Fatal(err)
	}

	d := NewDispatcher(r)
	for i := 0; i < 3; i++ {
		if err := d.Dispatch(NewProcessRequestContext(newTestTransaction(t))); err != nil {
			t.Fatal(err)
		}
	}
	if instances != 3 {
		t.Errorf("factory constructed %d instances, want 3", instances)
	}
}
