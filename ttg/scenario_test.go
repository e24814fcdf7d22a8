package ttg_test

import (
	"context"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/devreal/ttg/device"
	"github.com/devreal/ttg/engine"
	"github.com/devreal/ttg/ttg"
	"github.com/devreal/ttg/wire"
	"github.com/devreal/ttg/world"
)

func byKeyZero(any) int { return 0 }

var _ = Describe("S1 pipeline of three", func() {
	It("chains A->B->C applying arithmetic in order", func() {
		w := world.New(engine.NewSingleRank())
		defer w.Finalize()

		result := make(chan int, 1)

		c, err := ttg.New(w, 3, ttg.Config{
			Name:   "C",
			Inputs: []ttg.InputSpec{{Kind: ttg.InputValue}},
			KeyMap: byKeyZero,
			Func:   func(tc *ttg.TaskContext) { result <- tc.Input(0).(int) - 3 },
		})
		Expect(err).NotTo(HaveOccurred())

		b, err := ttg.New(w, 2, ttg.Config{
			Name:       "B",
			Inputs:     []ttg.InputSpec{{Kind: ttg.InputValue}},
			NumOutputs: 1,
			KeyMap:     byKeyZero,
			Func: func(tc *ttg.TaskContext) {
				Expect(tc.Out(0).Send(tc.Ctx, tc.Key, tc.Input(0).(int)*2)).To(Succeed())
			},
		})
		Expect(err).NotTo(HaveOccurred())
		b.Out(0).Connect(c, 0)

		a, err := ttg.New(w, 1, ttg.Config{
			Name:       "A",
			Inputs:     []ttg.InputSpec{{Kind: ttg.InputValue}},
			NumOutputs: 1,
			KeyMap:     byKeyZero,
			Func: func(tc *ttg.TaskContext) {
				Expect(tc.Out(0).Send(tc.Ctx, tc.Key, tc.Input(0).(int)+1)).To(Succeed())
			},
		})
		Expect(err).NotTo(HaveOccurred())
		a.Out(0).Connect(b, 0)

		Expect(a.SetArg(context.Background(), 0, "k", 0)).To(Succeed())

		Eventually(result, time.Second).Should(Receive(Equal(-1)))
	})
})

var _ = Describe("S3 streaming reducer", func() {
	It("fires once with the folded total once the goal is reached", func() {
		w := world.New(engine.NewSingleRank())
		defer w.Finalize()

		total := make(chan int, 1)
		s, err := ttg.New(w, 1, ttg.Config{
			Name: "S",
			Inputs: []ttg.InputSpec{{
				Kind:       ttg.InputStreaming,
				StaticGoal: 5,
				Reducer: func(acc, val any) any {
					if acc == nil {
						return val
					}
					return acc.(int) + val.(int)
				},
			}},
			KeyMap: byKeyZero,
			Func:   func(tc *ttg.TaskContext) { total <- tc.Input(0).(int) },
		})
		Expect(err).NotTo(HaveOccurred())

		ctx := context.Background()
		for _, v := range []int{1, 2, 3, 4, 5} {
			Expect(s.SetArg(ctx, 0, "k", v)).To(Succeed())
		}

		Eventually(total, time.Second).Should(Receive(Equal(15)))
	})
})

var _ = Describe("S4 deferred writer", func() {
	It("runs the reader before the writer mutates, with no duplication", func() {
		w := world.New(engine.NewSingleRank())
		defer w.Finalize()

		var mu sync.Mutex
		var order []string
		done := make(chan struct{}, 2)

		type box struct{ v int }

		reader, err := ttg.New(w, 2, ttg.Config{
			Name:   "R",
			Inputs: []ttg.InputSpec{{Kind: ttg.InputValue, ReadOnly: true}},
			KeyMap: byKeyZero,
			Func: func(tc *ttg.TaskContext) {
				mu.Lock()
				order = append(order, "R")
				mu.Unlock()
				Expect(tc.Input(0).(*box).v).To(Equal(1))
				done <- struct{}{}
			},
		})
		Expect(err).NotTo(HaveOccurred())

		writer, err := ttg.New(w, 3, ttg.Config{
			Name:   "W",
			Inputs: []ttg.InputSpec{{Kind: ttg.InputValue, ReadOnly: false}},
			KeyMap: byKeyZero,
			Func: func(tc *ttg.TaskContext) {
				mu.Lock()
				order = append(order, "W")
				mu.Unlock()
				tc.Input(0).(*box).v = 2
				done <- struct{}{}
			},
		})
		Expect(err).NotTo(HaveOccurred())

		producer, err := ttg.New(w, 1, ttg.Config{
			Name:       "P",
			Inputs:     []ttg.InputSpec{{Kind: ttg.InputValue}},
			NumOutputs: 1,
			KeyMap:     byKeyZero,
			Func: func(tc *ttg.TaskContext) {
				Expect(tc.Out(0).Send(tc.Ctx, tc.Key, tc.Input(0))).To(Succeed())
			},
		})
		Expect(err).NotTo(HaveOccurred())
		producer.Out(0).Connect(reader, 0)
		producer.Out(0).Connect(writer, 0)

		v := &box{v: 1}
		Expect(producer.SetArg(context.Background(), 0, "k", v)).To(Succeed())

		Eventually(done, time.Second).Should(Receive())
		Eventually(done, time.Second).Should(Receive())

		mu.Lock()
		defer mu.Unlock()
		Expect(order).To(Equal([]string{"R", "W"}))
		Expect(v.v).To(Equal(2)) // writer mutated the same, unduplicated value
	})
})

var _ = Describe("S6 device coroutine", func() {
	It("stages, runs the kernel, then sends the mutated buffer downstream", func() {
		w := world.New(engine.NewSingleRank())
		defer w.Finalize()

		seen := make(chan []int, 1)

		sink, err := ttg.New(w, 2, ttg.Config{
			Name:   "sink",
			Inputs: []ttg.InputSpec{{Kind: ttg.InputValue}},
			KeyMap: byKeyZero,
			Func:   func(tc *ttg.TaskContext) { seen <- append([]int{}, tc.Input(0).([]int)...) },
		})
		Expect(err).NotTo(HaveOccurred())

		drv := &inlineDriver{}
		devTask, err := ttg.New(w, 1, ttg.Config{
			Name:       "devtask",
			Inputs:     []ttg.InputSpec{{Kind: ttg.InputValue}},
			NumOutputs: 1,
			KeyMap:     byKeyZero,
			Func: func(tc *ttg.TaskContext) {
				data := tc.Input(0).([]int)
				buf := device.NewBuffer(data)
				tc.RunOnDevice(drv, device.Task{
					ToDevice: func() []*device.Buffer { return []*device.Buffer{buf} },
					Kernel: func(views []*device.Buffer) func() {
						return func() {
							d := views[0].Host.([]int)
							for i := range d {
								d[i] = i
							}
						}
					},
					Sends: func(views []*device.Buffer) {
						Expect(tc.Out(0).Send(tc.Ctx, tc.Key, views[0].Host)).To(Succeed())
					},
				})
			},
		})
		Expect(err).NotTo(HaveOccurred())
		devTask.Out(0).Connect(sink, 0)

		Expect(devTask.SetArg(context.Background(), 0, "k", []int{9, 9, 9})).To(Succeed())

		Eventually(seen, time.Second).Should(Receive(Equal([]int{0, 1, 2})))
	})
})

var _ = Describe("S2 cross-rank routing", func() {
	It("fires each key on its keymap-designated rank", func() {
		ranks := engine.NewLocalCluster(4)
		worlds := make([]*world.World, len(ranks))
		for i, eng := range ranks {
			worlds[i] = world.New(eng)
		}
		defer func() {
			for _, w := range worlds {
				w.Finalize()
			}
		}()

		type hit struct{ rank, key int }
		seen := make(chan hit, 4)
		keymap := func(k any) int { return k.(int) % 4 }
		decodeKey := func(b []byte) (any, error) {
			var k int
			err := (wire.DefaultDescriptor{}).Unpack(b, &k)
			return k, err
		}

		tasks := make([]*ttg.TemplateTask, len(worlds))
		for i, w := range worlds {
			i := i
			tsk, err := ttg.New(w, 42, ttg.Config{
				Name:      "A",
				Inputs:    []ttg.InputSpec{{Kind: ttg.InputValue}},
				KeyMap:    keymap,
				DecodeKey: decodeKey,
				DecodeInputs: []ttg.DecodeFunc{func(meta []byte, _ [][]byte) (any, error) {
					var v int
					err := (wire.DefaultDescriptor{}).Unpack(meta, &v)
					return v, err
				}},
				Func: func(tc *ttg.TaskContext) {
					seen <- hit{rank: i, key: tc.Key.(int)}
				},
			})
			Expect(err).NotTo(HaveOccurred())
			tasks[i] = tsk
		}

		ctx := context.Background()
		for k := 0; k < 4; k++ {
			Expect(tasks[0].SetArg(ctx, 0, k, k)).To(Succeed())
		}

		got := map[hit]bool{}
		for i := 0; i < 4; i++ {
			var h hit
			Eventually(seen, time.Second).Should(Receive(&h))
			got[h] = true
		}
		for k := 0; k < 4; k++ {
			Expect(got[hit{rank: k, key: k}]).To(BeTrue())
		}
	})
})

// splitPayload is a value type that separates a small tag from a bulk span,
// the way a real split-metadata value (e.g. a tensor descriptor plus its
// backing buffer) would.
type splitPayload struct {
	Tag  string
	Data []byte
}

func (v *splitPayload) Metadata() (any, error)   { return v.Tag, nil }
func (v *splitPayload) Iovecs() []wire.IovecSpan { return []wire.IovecSpan{{Bytes: v.Data}} }

var _ wire.SplitMetadata = (*splitPayload)(nil)

var _ = Describe("S5 split-metadata RDMA", func() {
	It("delivers the iovec span bit-equal and frees the producer's copy exactly once", func() {
		ranks := engine.NewLocalCluster(2)
		w0 := world.New(ranks[0])
		w1 := world.New(ranks[1])
		defer w0.Finalize()
		defer w1.Finalize()

		const spanSize = 1 << 20 // 1 MiB, per spec.md S5
		data := make([]byte, spanSize)
		for i := range data {
			data[i] = byte(i)
		}

		seen := make(chan []byte, 1)
		freed := make(chan struct{}, 1)

		consumerCfg := func() ttg.Config {
			return ttg.Config{
				Name:   "C",
				Inputs: []ttg.InputSpec{{Kind: ttg.InputValue}},
				KeyMap: func(any) int { return 1 },
				DecodeKey: func(b []byte) (any, error) {
					var k string
					err := (wire.DefaultDescriptor{}).Unpack(b, &k)
					return k, err
				},
				DecodeInputs: []ttg.DecodeFunc{func(meta []byte, iovecs [][]byte) (any, error) {
					var tag string
					if err := (wire.DefaultDescriptor{}).Unpack(meta, &tag); err != nil {
						return nil, err
					}
					return &splitPayload{Tag: tag, Data: iovecs[0]}, nil
				}},
				Func: func(tc *ttg.TaskContext) {
					seen <- tc.Input(0).(*splitPayload).Data
				},
			}
		}

		c0, err := ttg.New(w0, 99, consumerCfg())
		Expect(err).NotTo(HaveOccurred())
		_, err = ttg.New(w1, 99, consumerCfg())
		Expect(err).NotTo(HaveOccurred())

		p, err := ttg.New(w0, 100, ttg.Config{
			Name:       "P",
			Inputs:     []ttg.InputSpec{{Kind: ttg.InputValue}},
			NumOutputs: 1,
			KeyMap:     byKeyZero,
			Func: func(tc *ttg.TaskContext) {
				Expect(tc.Out(0).Send(tc.Ctx, tc.Key, tc.Input(0))).To(Succeed())
			},
			Destroy: func(any) { freed <- struct{}{} },
		})
		Expect(err).NotTo(HaveOccurred())
		p.Out(0).Connect(c0, 0)

		Expect(p.SetArg(context.Background(), 0, "k", &splitPayload{Tag: "v1", Data: data})).To(Succeed())

		var got []byte
		Eventually(seen, time.Second).Should(Receive(&got))
		Expect(got).To(Equal(data))
		Eventually(freed, time.Second).Should(Receive())
		Consistently(freed, 100*time.Millisecond).ShouldNot(Receive())
	})
})

var _ = Describe("Pull input eager/lazy resolution", func() {
	It("resolves an eager pull at record creation, before the other input arrives", func() {
		w := world.New(engine.NewSingleRank())
		defer w.Finalize()

		var src sync.Map
		src.Store("k", 42)
		pulled := make(chan struct{}, 1)
		fired := make(chan []any, 1)

		tsk, err := ttg.New(w, 1, ttg.Config{
			Name: "eager",
			Inputs: []ttg.InputSpec{
				{Kind: ttg.InputValue},
				{Kind: ttg.InputValue},
				{Kind: ttg.InputPull, Pull: func(key any) (any, bool) {
					pulled <- struct{}{}
					return src.Load(key)
				}},
			},
			KeyMap: byKeyZero,
			Func: func(tc *ttg.TaskContext) {
				fired <- []any{tc.Input(0), tc.Input(1), tc.Input(2)}
			},
		})
		Expect(err).NotTo(HaveOccurred())

		ctx := context.Background()
		Expect(tsk.SetArg(ctx, 0, "k", 1)).To(Succeed())

		Eventually(pulled, time.Second).Should(Receive())

		Expect(tsk.SetArg(ctx, 1, "k", 2)).To(Succeed())

		var ins []any
		Eventually(fired, time.Second).Should(Receive(&ins))
		Expect(ins).To(Equal([]any{1, 2, 42}))
	})

	It("defers a lazy pull until every non-pull input has arrived", func() {
		w := world.New(engine.NewSingleRank())
		defer w.Finalize()

		var src sync.Map
		src.Store("k", 7)
		pulled := make(chan struct{}, 1)
		fired := make(chan []any, 1)

		tsk, err := ttg.New(w, 1, ttg.Config{
			Name: "lazy",
			Inputs: []ttg.InputSpec{
				{Kind: ttg.InputValue},
				{Kind: ttg.InputValue},
				{Kind: ttg.InputPull, LazyPull: true, Pull: func(key any) (any, bool) {
					pulled <- struct{}{}
					return src.Load(key)
				}},
			},
			KeyMap: byKeyZero,
			Func: func(tc *ttg.TaskContext) {
				fired <- []any{tc.Input(0), tc.Input(1), tc.Input(2)}
			},
		})
		Expect(err).NotTo(HaveOccurred())

		ctx := context.Background()
		Expect(tsk.SetArg(ctx, 0, "k", 1)).To(Succeed())

		Consistently(pulled, 100*time.Millisecond).ShouldNot(Receive())

		Expect(tsk.SetArg(ctx, 1, "k", 2)).To(Succeed())

		Eventually(pulled, time.Second).Should(Receive())
		var ins []any
		Eventually(fired, time.Second).Should(Receive(&ins))
		Expect(ins).To(Equal([]any{1, 2, 7}))
	})
})

// inlineDriver runs staging and the kernel synchronously on the calling
// goroutine, standing in for a real device backend in tests.
type inlineDriver struct{}

func (inlineDriver) StageIn(views []*device.Buffer, done func(error)) { done(nil) }

func (inlineDriver) LaunchKernel(views []*device.Buffer, run func(), done func(error)) {
	run()
	done(nil)
}
