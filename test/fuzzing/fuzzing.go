package fuzzing

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"reflect"
	"runtime"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"otwatch/internal/components/telemetry"
)

// Target is a stateful component under test together with a model of what
// its state should be.
//
// Every mutation the fuzzer may perform is a "step", a method with the
// signature:
//
// `Step*(ctx context.Context, res *Results) error`
//
// A step compares the component against the model after acting on it and
// records violated invariants with res.Fail. The returned error is reserved
// for setup problems, a step that cannot run at all.
//
// If a method matching the signature:
//
// `OnEnd(ctx context.Context, res *Results)`
//
// is present, it will be called at the end of the fuzz path.
type Target interface{}

func getTargetMethods(target Target) (steps []reflect.Method, onEnd reflect.Method) {
	t := reflect.TypeOf(target)
	ctxType := reflect.TypeOf((*context.Context)(nil)).Elem()
	resType := reflect.TypeOf(&Results{})
	errType := reflect.TypeOf((*error)(nil)).Elem()

	for i := 0; i < t.NumMethod(); i++ {
		method := t.Method(i)
		methodType := method.Type

		if methodType.NumIn() != 3 {
			continue
		}
		if methodType.In(1) != ctxType || methodType.In(2) != resType {
			continue
		}

		if method.Name == "OnEnd" {
			onEnd = method
			continue
		}
		if !strings.HasPrefix(method.Name, "Step") {
			continue
		}
		if methodType.NumOut() != 1 || methodType.Out(0) != errType {
			continue
		}

		steps = append(steps, method)
	}

	return steps, onEnd
}

// Results collects the invariant violations of one path.
type Results struct {
	failures []error
}

func (r *Results) Fail(err error) {
	r.failures = append(r.failures, err)
}

func (r *Results) Failures() []error {
	return r.failures
}

func (r *Results) formatFails() string {
	var out strings.Builder

	out.WriteString("====== CHECKS FAILED ======\n\n")
	for _, err := range r.failures {
		fmt.Fprintf(&out, "\t- %v\n", err)
	}

	return out.String()
}

type TargetProvider interface {
	CreateTarget(tel telemetry.API, rndm *rand.Rand) (Target, error)
}

// F is a fuzzing job on a given fuzz target.
type F struct {
	tel telemetry.API

	provider TargetProvider
	steps    []reflect.Method
	onEnd    reflect.Method

	minSteps uint64
	maxSteps uint64
}

// New creates a new fuzzing job, every path it explores runs between
// minSteps and maxSteps steps.
func New(tel telemetry.API, provider TargetProvider, minSteps, maxSteps uint64) (F, error) {
	if maxSteps <= minSteps {
		return F{}, fmt.Errorf("max steps (%d) must be greater than min steps (%d)", maxSteps, minSteps)
	}

	f := F{
		tel:      telemetry.NewScopedAPI("fuzzer", tel),
		provider: provider,
		minSteps: minSteps,
		maxSteps: maxSteps,
	}

	target, err := provider.CreateTarget(telemetry.NoopAPI{}, rand.New(rand.NewSource(0)))
	if err != nil {
		return F{}, err
	}
	f.steps, f.onEnd = getTargetMethods(target)
	f.runOnEnd(target, context.Background(), &Results{})
	if len(f.steps) == 0 {
		return F{}, fmt.Errorf("target %T has no steps", target)
	}

	return f, nil
}

func (f F) runStep(target Target, stepIdx int, ctx context.Context, results *Results) error {
	step := f.steps[stepIdx]
	outs := step.Func.Call([]reflect.Value{
		reflect.ValueOf(target),
		reflect.ValueOf(ctx),
		reflect.ValueOf(results),
	})
	val := outs[0].Interface()
	if val == nil {
		return nil
	}
	return val.(error)
}

func (f F) runOnEnd(target Target, ctx context.Context, results *Results) {
	if !f.onEnd.Func.IsValid() {
		return
	}
	f.onEnd.Func.Call([]reflect.Value{
		reflect.ValueOf(target),
		reflect.ValueOf(ctx),
		reflect.ValueOf(results),
	})
}

// runPath runs stepCount random steps on target.
func (f F) runPath(ctx context.Context, target Target, rndm *rand.Rand, stepCount int) (*Results, error) {
	results := &Results{}

	for i := 0; i < stepCount; i++ {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		stepIdx := rndm.Intn(len(f.steps))
		err := f.runStep(target, stepIdx, ctx, results)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", f.steps[stepIdx].Name, err)
		}
	}
	f.runOnEnd(target, ctx, results)

	return results, nil
}

func (f F) run(ctx context.Context, tel telemetry.API, path Path) (*Results, error) {
	rndm := rand.New(rand.NewSource(path.Seed))
	target, err := f.provider.CreateTarget(tel, rndm)
	if err != nil {
		return nil, fmt.Errorf("setup fuzz target: %w", err)
	}
	return f.runPath(ctx, target, rndm, int(path.Steps))
}

// Run replays a single path, the same path always performs the same steps.
func (f F) Run(ctx context.Context, path Path) (*Results, error) {
	return f.run(ctx, f.tel, path)
}

// RandomPath picks a seed and a step count within the bounds of f.
func (f F) RandomPath(rndm *rand.Rand) Path {
	return Path{
		Seed:  rndm.Int63(),
		Steps: int64(f.minSteps) + rndm.Int63n(int64(f.maxSteps-f.minSteps)),
	}
}

// fuzzWorker explores random paths until ctx is done or a path fails.
func (f F) fuzzWorker(ctx context.Context, cancel func(), count *uint64, failed chan<- string) {
	for ctx.Err() == nil {
		path := f.RandomPath(rand.New(rand.NewSource(rand.Int63())))

		results, err := f.run(ctx, telemetry.NoopAPI{}, path)
		if errors.Is(err, context.Canceled) {
			return
		}
		if err != nil {
			f.tel.ReportBroken("fuzzer.path", err, "path", path.String())
			cancel()
			return
		}

		atomic.AddUint64(count, 1)

		if len(results.failures) == 0 {
			continue
		}

		select {
		case failed <- fmt.Sprintf("%s\npath: %s\n", results.formatFails(), path):
		default:
		}
		cancel()
		return
	}
}

// Explore runs random paths on every cpu until ctx is done or a path
// violates an invariant, in which case the failures and the path that
// replays them are returned as an error.
func (f F) Explore(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	cpus := runtime.NumCPU()
	f.tel.ReportDebug("starting fuzzing on all threads", telemetry.KV{Key: "count", Value: cpus})

	var count uint64
	failed := make(chan string, 1)

	for range cpus {
		go f.fuzzWorker(ctx, cancel, &count, failed)
	}

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case report := <-failed:
			return errors.New(report)
		case <-ctx.Done():
			select {
			case report := <-failed:
				return errors.New(report)
			default:
				return nil
			}
		case <-ticker.C:
			f.tel.ReportCount("fuzzer.paths", int64(atomic.LoadUint64(&count)))
		}
	}
}

// Path is a seed and the number of steps to take, it identifies one
// reproducible run of a target.
type Path struct {
	Seed  int64
	Steps int64
}

func (p Path) String() string {
	return fmt.Sprintf("%d:%d", p.Seed, p.Steps)
}

// ParsePath reads the "seed:steps" form printed for failing paths.
func ParsePath(text string) (Path, error) {
	segments := strings.Split(text, ":")
	if len(segments) != 2 {
		return Path{}, fmt.Errorf("parse fuzz path: expected one ':' in '%s'", text)
	}

	seed, err := strconv.ParseInt(segments[0], 10, 64)
	if err != nil {
		return Path{}, fmt.Errorf("parse fuzz path: %w", err)
	}
	steps, err := strconv.ParseInt(segments[1], 10, 64)
	if err != nil {
		return Path{}, fmt.Errorf("parse fuzz path: %w", err)
	}
	if steps <= 0 {
		return Path{}, fmt.Errorf("parse fuzz path: steps must be positive, got %d", steps)
	}

	return Path{Seed: seed, Steps: steps}, nil
}
