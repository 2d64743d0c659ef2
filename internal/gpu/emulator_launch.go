package gpu

import (
	"errors"
	"sync"

	"github.com/fxnlabs/gpu-matmul/internal/metrics"
	"golang.org/x/sync/errgroup"
)

// HostKernel is a kernel body executed by the software device once per work item.
type HostKernel struct {
	// NumArgs is the number of positional arguments the kernel takes.
	NumArgs int
	// LocalFloats is the size of the __local float array shared by a work-group.
	LocalFloats int
	// Barriers must be set when Body calls WorkItem.Barrier. Work items of such
	// kernels run concurrently; the others run one after another.
	Barriers bool
	Body     func(wi *WorkItem, args Args)
}

// Args are the bound kernel arguments as seen by a HostKernel.
type Args []any

// Floats returns the storage of the buffer bound at index i.
func (a Args) Floats(i int) []float32 { return a[i].(*emuBuffer).data }

// Uint returns the scalar bound at index i.
func (a Args) Uint(i int) uint32 { return a[i].(uint32) }

// WorkItem exposes the OpenCL work-item built-ins to a HostKernel body.
type WorkItem struct {
	global, local, group [2]int
	globalSize           [2]int
	localSize            [2]int
	shared               []float32
	barrier              *barrier
}

func (w *WorkItem) GlobalID(dim int) int   { return w.global[dim] }
func (w *WorkItem) LocalID(dim int) int    { return w.local[dim] }
func (w *WorkItem) GroupID(dim int) int    { return w.group[dim] }
func (w *WorkItem) GlobalSize(dim int) int { return w.globalSize[dim] }
func (w *WorkItem) LocalSize(dim int) int  { return w.localSize[dim] }

// Local returns the __local memory of the work-group.
func (w *WorkItem) Local() []float32 { return w.shared }

// Barrier blocks until every work item of the group reached it.
func (w *WorkItem) Barrier() {
	if w.barrier != nil {
		w.barrier.wait()
	}
}

// workGroupSize validates r against the device limits and resolves an unset local size.
func (d *emuDevice) workGroupSize(r NDRange) ([2]int, error) {
	g := r.Global
	if g[0] <= 0 || g[1] <= 0 {
		return [2]int{}, newError(StageLaunch, CodeInvalidGlobalWorkSize, "global size %v", g)
	}

	local := r.Local
	if local == ([2]int{}) {
		// Whole rows when they fit, otherwise the largest divisor that does.
		for l := min(g[0], d.spec.MaxWorkGroupSize); l >= 1; l-- {
			if g[0]%l == 0 {
				return [2]int{l, 1}, nil
			}
		}
	}

	if local[0] <= 0 || local[1] <= 0 || g[0]%local[0] != 0 || g[1]%local[1] != 0 {
		return [2]int{}, newError(StageLaunch, CodeInvalidWorkGroupSize, "local size %v does not divide global size %v", local, g)
	}
	if local[0]*local[1] > d.spec.MaxWorkGroupSize {
		return [2]int{}, newError(StageLaunch, CodeInvalidWorkGroupSize,
			"local size %v exceeds the maximum of %d work items", local, d.spec.MaxWorkGroupSize)
	}
	return local, nil
}

// launch executes every work-group of the range, several groups in parallel.
func (d *emuDevice) launch(k *HostKernel, args Args, global, local [2]int) error {
	groups := [2]int{global[0] / local[0], global[1] / local[1]}

	var eg errgroup.Group
	eg.SetLimit(d.parallel)
	for gy := 0; gy < groups[1]; gy++ {
		for gx := 0; gx < groups[0]; gx++ {
			eg.Go(func() error {
				return runGroup(k, args, global, local, [2]int{gx, gy})
			})
		}
	}
	err := eg.Wait()
	metrics.EmulatorWorkGroups.Add(float64(groups[0] * groups[1]))
	return err
}

func runGroup(k *HostKernel, args Args, global, local, group [2]int) error {
	var shared []float32
	if k.LocalFloats > 0 {
		shared = make([]float32, k.LocalFloats)
	}
	item := func(lx, ly int) WorkItem {
		return WorkItem{
			global:     [2]int{group[0]*local[0] + lx, group[1]*local[1] + ly},
			local:      [2]int{lx, ly},
			group:      group,
			globalSize: global,
			localSize:  local,
			shared:     shared,
		}
	}

	if !k.Barriers {
		return runSequential(k, args, local, item)
	}

	bar := newBarrier(local[0] * local[1])
	var (
		wg      sync.WaitGroup
		once    sync.Once
		failure error
	)
	for ly := 0; ly < local[1]; ly++ {
		for lx := 0; lx < local[0]; lx++ {
			wi := item(lx, ly)
			wi.barrier = bar
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer bar.leave()
				defer func() {
					if r := recover(); r != nil {
						if err, ok := r.(error); !ok || !errors.Is(err, errBarrierBroken) {
							once.Do(func() { failure = faulted(wi, r) })
						}
						bar.abort()
					}
				}()
				k.Body(&wi, args)
			}()
		}
	}
	wg.Wait()
	return failure
}

func runSequential(k *HostKernel, args Args, local [2]int, item func(lx, ly int) WorkItem) (err error) {
	var wi WorkItem
	defer func() {
		if r := recover(); r != nil {
			err = faulted(wi, r)
		}
	}()
	for ly := 0; ly < local[1]; ly++ {
		for lx := 0; lx < local[0]; lx++ {
			wi = item(lx, ly)
			k.Body(&wi, args)
		}
	}
	return nil
}

func faulted(wi WorkItem, r any) error {
	return newError(StageLaunch, CodeOutOfResources, "work item %v faulted: %v", wi.global, r)
}

var errBarrierBroken = errors.New("work-group barrier broken")

// barrier is a reusable work-group barrier. Work items that return leave the barrier so
// that the remaining ones are not blocked forever.
type barrier struct {
	mu      sync.Mutex
	cond    *sync.Cond
	parties int
	waiting int
	gen     uint64
	broken  bool
}

func newBarrier(parties int) *barrier {
	b := &barrier{parties: parties}
	b.cond = sync.NewCond(&b.mu)
	return b
}

func (b *barrier) wait() {
	b.mu.Lock()
	if b.broken {
		b.mu.Unlock()
		panic(errBarrierBroken)
	}
	gen := b.gen
	b.waiting++
	if b.waiting == b.parties {
		b.release()
		b.mu.Unlock()
		return
	}
	for gen == b.gen && !b.broken {
		b.cond.Wait()
	}
	broken := gen == b.gen
	b.mu.Unlock()
	if broken {
		panic(errBarrierBroken)
	}
}

// release opens the current generation. Callers hold b.mu.
func (b *barrier) release() {
	b.waiting = 0
	b.gen++
	b.cond.Broadcast()
}

func (b *barrier) leave() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.parties--
	if b.parties > 0 && b.waiting == b.parties {
		b.release()
	}
}

func (b *barrier) abort() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.broken = true
	b.cond.Broadcast()
}
