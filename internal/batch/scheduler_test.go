package batch

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeJob struct {
	name string
	len  int
	done bool
}

func (j *fakeJob) ContextLen() int { return j.len }
func (j *fakeJob) Finished() bool  { return j.done }

func names(jobs []Job) []string {
	out := make([]string, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, j.(*fakeJob).name)
	}
	return out
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	_, err := New(Config{MaxBatchSize: 0, MaxTokensSum: 10})
	assert.Error(t, err)
	_, err = New(Config{MaxBatchSize: 1, MaxTokensSum: 0})
	assert.Error(t, err)
}

func TestTokenBudgetScenario(t *testing.T) {
	s, err := New(Config{MaxBatchSize: 2, MaxTokensSum: 100})
	require.NoError(t, err)
	a := &fakeJob{name: "a", len: 60}
	b := &fakeJob{name: "b", len: 50}
	c := &fakeJob{name: "c", len: 10}
	s.Add(a)
	s.Add(b)
	s.Add(c)

	// 60+50 > 100, and c may not overtake b.
	assert.Equal(t, []string{"a"}, names(s.Schedule(false)))
	assert.Equal(t, 2, s.NumWaiting())

	a.done = true
	s.Finish()
	assert.Equal(t, 0, s.NumRunning())

	assert.Equal(t, []string{"b", "c"}, names(s.Schedule(false)))
	assert.Zero(t, s.NumWaiting())
	assert.Equal(t, 2, s.NumTotal())
}

func TestBatchSizeBound(t *testing.T) {
	s, err := New(Config{MaxBatchSize: 2, MaxTokensSum: 1000})
	require.NoError(t, err)
	for _, n := range []string{"a", "b", "c"} {
		s.Add(&fakeJob{name: n, len: 1})
	}
	assert.Equal(t, []string{"a", "b"}, names(s.Schedule(false)))
	assert.Equal(t, 1, s.NumWaiting())
}

func TestOversizedHeadBlocksQueue(t *testing.T) {
	s, err := New(Config{MaxBatchSize: 4, MaxTokensSum: 10})
	require.NoError(t, err)
	s.Add(&fakeJob{name: "big", len: 11})
	s.Add(&fakeJob{name: "small", len: 1})

	assert.Empty(t, s.Schedule(false))
	assert.Equal(t, 2, s.NumWaiting(), "strict FIFO never skips the head")
}

func TestConsumeClearsRunning(t *testing.T) {
	s, err := New(Config{MaxBatchSize: 4, MaxTokensSum: 100})
	require.NoError(t, err)
	s.Add(&fakeJob{name: "a", len: 5})
	got := s.Schedule(true)
	assert.Len(t, got, 1)
	assert.Equal(t, 0, s.NumRunning())
	assert.True(t, s.Empty())
}

func TestScheduleReturnsSnapshot(t *testing.T) {
	s, err := New(Config{MaxBatchSize: 4, MaxTokensSum: 100})
	require.NoError(t, err)
	s.Add(&fakeJob{name: "a", len: 5})
	snap := s.Schedule(false)
	snap[0] = &fakeJob{name: "mutated"}
	assert.Equal(t, []string{"a"}, names(s.Schedule(false)))
}

// Random admission sequences keep both bounds and never skip an eligible job.
func TestRandomSequencesKeepInvariants(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	cfg := Config{MaxBatchSize: 3, MaxTokensSum: 50}
	s, err := New(cfg)
	require.NoError(t, err)

	var order []*fakeJob
	admittedAt := map[*fakeJob]int{}
	for tick := 0; tick < 500; tick++ {
		for k := rng.Intn(3); k > 0; k-- {
			j := &fakeJob{name: "j", len: 1 + rng.Intn(40)}
			order = append(order, j)
			s.Add(j)
		}
		running := s.Schedule(false)
		sum := 0
		for _, j := range running {
			sum += j.ContextLen()
			fj := j.(*fakeJob)
			if _, ok := admittedAt[fj]; !ok {
				admittedAt[fj] = tick
			}
		}
		require.LessOrEqual(t, sum, cfg.MaxTokensSum)
		require.LessOrEqual(t, len(running), cfg.MaxBatchSize)
		for _, j := range running {
			if rng.Intn(2) == 0 {
				j.(*fakeJob).done = true
			}
		}
		s.Finish()
	}

	// FIFO: admission ticks are non-decreasing in enqueue order.
	last := -1
	for _, j := range order {
		at, ok := admittedAt[j]
		if !ok {
			last = 1 << 30
			continue
		}
		require.GreaterOrEqual(t, at, last)
		last = at
	}
}
