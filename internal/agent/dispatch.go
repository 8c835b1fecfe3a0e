package agent

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/theturtlecsz/code-sub000/internal/logging"
	"github.com/theturtlecsz/code-sub000/internal/prompt"
)

// Dispatch modes.
const (
	Sequential = "sequential"
	Parallel   = "parallel"
)

// CancelFlag is a cooperative cancellation signal for one run. It is checked
// before each agent starts; calls already in flight run to completion or
// time out.
type CancelFlag struct {
	set atomic.Bool
}

// Cancel raises the flag. Safe on a nil flag.
func (c *CancelFlag) Cancel() {
	if c != nil {
		c.set.Store(true)
	}
}

// Cancelled reports whether the flag was raised.
func (c *CancelFlag) Cancelled() bool {
	return c != nil && c.set.Load()
}

// RetryPolicy governs retries of provider errors for a single agent call.
type RetryPolicy struct {
	MaxAttempts   int
	Initial       time.Duration
	Max           time.Duration
	Multiplier    float64
	Jitter        float64
	RetryTimeouts bool
}

// DefaultRetryPolicy returns 3 attempts, 100ms doubling to at most 10s, with
// 50% jitter. Timeouts are not retried.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, Initial: 100 * time.Millisecond, Max: 10 * time.Second, Multiplier: 2, Jitter: 0.5}
}

// Backoff returns the delay before retry number attempt (1-based).
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	d := float64(p.Initial) * math.Pow(p.Multiplier, float64(attempt-1))
	if p.Max > 0 && d > float64(p.Max) {
		d = float64(p.Max)
	}
	if p.Jitter > 0 {
		d += d * p.Jitter * (rand.Float64()*2 - 1)
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}

// Slot is the result of one agent in dispatch order.
type Slot struct {
	Index        int
	Agent        string
	Content      string
	ModelVersion string
	ProducedAt   time.Time
	Duration     time.Duration
	Failure      *Failure
}

// OK reports whether the slot produced an answer.
func (s Slot) OK() bool { return s.Failure == nil }

// Request describes one stage dispatch.
type Request struct {
	Stage      prompt.StageInput
	Agents     []Agent
	Mode       string
	MinSuccess int
	Timeout    time.Duration // per agent call; zero means no deadline
	// AgentTimeouts override Timeout for the named agents.
	AgentTimeouts map[string]time.Duration
	Cancel        *CancelFlag
	// OnOutput is called once per slot as it completes, including failures
	// and skipped slots. Calls may come from several goroutines.
	OnOutput func(Slot)
}

// Result is the joined outcome of a dispatch.
type Result struct {
	Slots     []Slot
	Successes int
	Degraded  bool
	Cancelled bool
}

// Outputs returns the successful slots in dispatch order.
func (r *Result) Outputs() []Slot {
	var out []Slot
	for _, s := range r.Slots {
		if s.OK() {
			out = append(out, s)
		}
	}
	return out
}

// Dispatcher sends stage prompts to agents.
type Dispatcher struct {
	prompts *prompt.Builder
	retry   RetryPolicy
	log     *logging.Logger
	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error
}

// NewDispatcher creates a Dispatcher. A nil builder uses the built-in stage
// templates and a nil logger discards output.
func NewDispatcher(prompts *prompt.Builder, retry RetryPolicy, log *logging.Logger) *Dispatcher {
	if prompts == nil {
		prompts = prompt.NewBuilder()
	}
	if log == nil {
		log = logging.Nop()
	}
	if retry.MaxAttempts < 1 {
		retry.MaxAttempts = 1
	}
	return &Dispatcher{prompts: prompts, retry: retry, log: log, now: time.Now, sleep: sleepCtx}
}

// Dispatch runs every agent of req and returns the slots in dispatch order.
// Agent failures are recorded in their slots; the returned error is non-nil
// only when the prompt cannot be built.
//
// Cancelling ctx raises req.Cancel. Agent calls already started are not
// interrupted: only their timeout bounds them.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (*Result, error) {
	if req.Cancel == nil {
		req.Cancel = &CancelFlag{}
	}
	stop := context.AfterFunc(ctx, req.Cancel.Cancel)
	defer stop()

	var (
		res *Result
		err error
	)
	if req.Mode == Sequential {
		res, err = d.sequential(ctx, req)
	} else {
		res, err = d.parallel(ctx, req)
	}
	if err != nil {
		return nil, err
	}

	for _, s := range res.Slots {
		if s.OK() {
			res.Successes++
		}
	}
	res.Degraded = res.Successes < req.MinSuccess
	res.Cancelled = req.Cancel.Cancelled()
	return res, nil
}

func (d *Dispatcher) sequential(ctx context.Context, req Request) (*Result, error) {
	res := &Result{Slots: make([]Slot, len(req.Agents))}
	var prior []prompt.Prior
	for i, a := range req.Agents {
		if req.Cancel.Cancelled() || ctx.Err() != nil {
			res.Slots[i] = d.skipped(i, a, req.OnOutput)
			continue
		}
		p, err := d.prompts.Build(req.Stage, prior)
		if err != nil {
			return nil, err
		}
		slot := d.invoke(ctx, i, a, p, req.timeoutFor(a), req.Cancel)
		res.Slots[i] = slot
		if req.OnOutput != nil {
			req.OnOutput(slot)
		}
		if slot.OK() {
			prior = append(prior, prompt.Prior{Agent: slot.Agent, Content: slot.Content})
		}
	}
	return res, nil
}

func (d *Dispatcher) parallel(ctx context.Context, req Request) (*Result, error) {
	p, err := d.prompts.Build(req.Stage, nil)
	if err != nil {
		return nil, err
	}

	res := &Result{Slots: make([]Slot, len(req.Agents))}
	var g errgroup.Group
	for i, a := range req.Agents {
		if req.Cancel.Cancelled() || ctx.Err() != nil {
			res.Slots[i] = d.skipped(i, a, req.OnOutput)
			continue
		}
		g.Go(func() error {
			slot := d.invoke(ctx, i, a, p, req.timeoutFor(a), req.Cancel)
			res.Slots[i] = slot
			if req.OnOutput != nil {
				req.OnOutput(slot)
			}
			// A failed slot never aborts its siblings.
			return nil
		})
	}
	_ = g.Wait()
	return res, nil
}

func (d *Dispatcher) skipped(i int, a Agent, onOutput func(Slot)) Slot {
	slot := Slot{
		Index:   i,
		Agent:   a.Name(),
		Failure: &Failure{Agent: a.Name(), Reason: "skipped", Err: ErrSkipped},
	}
	if onOutput != nil {
		onOutput(slot)
	}
	return slot
}

func (r Request) timeoutFor(a Agent) time.Duration {
	if t, ok := r.AgentTimeouts[a.Name()]; ok && t > 0 {
		return t
	}
	return r.Timeout
}

// invoke calls one agent with retries on provider errors. No retry starts
// once the run is cancelled.
func (d *Dispatcher) invoke(ctx context.Context, i int, a Agent, p string, timeout time.Duration, cancel *CancelFlag) Slot {
	log := d.log.With("agent", a.Name())
	start := d.now()
	slot := Slot{Index: i, Agent: a.Name()}

	var lastErr error
	reason := "provider"
	attempts := 0
	for attempts < d.retry.MaxAttempts {
		attempts++
		resp, err := d.call(context.WithoutCancel(ctx), a, p, timeout)
		if err == nil {
			slot.Content = resp.Content
			slot.ModelVersion = resp.ModelVersion
			slot.ProducedAt = d.now()
			slot.Duration = slot.ProducedAt.Sub(start)
			log.Debug("agent answered", "attempts", attempts, "duration_ms", slot.Duration.Milliseconds())
			return slot
		}
		lastErr = err
		reason = "provider"
		if errors.Is(err, ErrTimeout) {
			reason = "timeout"
			if !d.retry.RetryTimeouts {
				break
			}
		}
		if cancel.Cancelled() || attempts >= d.retry.MaxAttempts {
			break
		}
		wait := d.retry.Backoff(attempts)
		log.Warn("agent call failed, retrying", "attempt", attempts, "backoff", wait.String(), "error", err.Error())
		if d.sleep(ctx, wait) != nil || cancel.Cancelled() {
			break
		}
	}

	slot.Duration = d.now().Sub(start)
	slot.Failure = &Failure{Agent: a.Name(), Reason: reason, Attempts: attempts, Err: lastErr}
	log.Warn("agent failed", "reason", reason, "attempts", attempts, "error", lastErr.Error())
	return slot
}

func (d *Dispatcher) call(ctx context.Context, a Agent, p string, timeout time.Duration) (Response, error) {
	callCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	resp, err := a.Invoke(callCtx, p)
	// An answer that arrives after the deadline counts as a timeout too.
	if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		return Response{}, ErrTimeout
	}
	if err != nil {
		return Response{}, err
	}
	return resp, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
