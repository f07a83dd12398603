package numbering

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/baltic-freight/tms/internal/shared"
)

type memorySequenceRepo struct {
	mu        sync.Mutex
	sequences map[SequenceKey]int64
	numbers   map[Kind][]string
	// taken simulates numbers present in a live table the prefix scan misses.
	taken   map[string]bool
	allTake bool
}

type memorySequenceTx struct {
	repo *memorySequenceRepo
}

func newMemorySequenceRepo() *memorySequenceRepo {
	return &memorySequenceRepo{
		sequences: make(map[SequenceKey]int64),
		numbers:   make(map[Kind][]string),
		taken:     make(map[string]bool),
	}
}

func (r *memorySequenceRepo) add(kind Kind, values ...string) {
	r.numbers[kind.sequenceKind()] = append(r.numbers[kind.sequenceKind()], values...)
}

func (r *memorySequenceRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	snapshot := make(map[SequenceKey]int64, len(r.sequences))
	for k, v := range r.sequences {
		snapshot[k] = v
	}
	if err := fn(ctx, &memorySequenceTx{repo: r}); err != nil {
		r.sequences = snapshot
		return err
	}
	return nil
}

func (r *memorySequenceRepo) ExistingNumbers(_ context.Context, kind Kind, prefix string) ([]string, error) {
	return append([]string(nil), r.numbers[kind.sequenceKind()]...), nil
}

func (t *memorySequenceTx) LockSequence(_ context.Context, key SequenceKey) (int64, error) {
	v, ok := t.repo.sequences[key]
	if !ok {
		t.repo.sequences[key] = 0
	}
	return v, nil
}

func (t *memorySequenceTx) SetSequence(_ context.Context, key SequenceKey, last int64) error {
	t.repo.sequences[key] = last
	return nil
}

func (t *memorySequenceTx) ExistingNumbers(ctx context.Context, kind Kind, prefix string) ([]string, error) {
	return t.repo.ExistingNumbers(ctx, kind, prefix)
}

func (t *memorySequenceTx) NumberExists(_ context.Context, kind Kind, number string) (bool, error) {
	if t.repo.allTake || t.repo.taken[number] {
		return true, nil
	}
	for _, v := range t.repo.numbers[kind.sequenceKind()] {
		if v == number {
			return true, nil
		}
	}
	return false, nil
}

var fixedNow = time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC)

var testFormats = Formats{
	SalesInvoice:        Format{Prefix: "LOG", Width: 7},
	OrderWidth:          3,
	ExpeditionCarrier:   Format{Prefix: "E", Width: 5},
	ExpeditionWarehouse: Format{Prefix: "WH-", Width: 5},
	ExpeditionCost:      Format{Prefix: "COST-", Width: 5},
	MaxGaps:             100,
}

func newTestService(repo Repository) (*Service, *[]time.Duration) {
	svc := NewService(repo, testFormats, nil)
	svc.now = func() time.Time { return fixedNow }
	var slept []time.Duration
	svc.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}
	return svc, &slept
}

func TestAllocateAfterManualInsert(t *testing.T) {
	repo := newMemorySequenceRepo()
	key := SequenceKey{Kind: KindSalesInvoice, Year: 2025}
	repo.sequences[key] = 10
	repo.add(KindSalesInvoice, "LOG0000020")
	svc, _ := newTestService(repo)

	number, err := svc.AllocateSalesInvoiceNumber(context.Background())
	require.NoError(t, err)
	require.Equal(t, "LOG0000021", number)
	require.Equal(t, int64(21), repo.sequences[key])
}

func TestAllocateCreatesSequenceRow(t *testing.T) {
	repo := newMemorySequenceRepo()
	svc, _ := newTestService(repo)

	number, err := svc.AllocateExpeditionNumber(context.Background(), ExpeditionWarehouse)
	require.NoError(t, err)
	require.Equal(t, "WH-00001", number)
	require.Equal(t, int64(1), repo.sequences[SequenceKey{Kind: KindExpeditionWarehouse}])

	number, err = svc.AllocateExpeditionNumber(context.Background(), ExpeditionCarrier)
	require.NoError(t, err)
	require.Equal(t, "E00001", number)

	_, err = svc.AllocateExpeditionNumber(context.Background(), "truck")
	require.ErrorIs(t, err, shared.ErrValidation)
}

func TestPurchaseAndSalesShareSequence(t *testing.T) {
	repo := newMemorySequenceRepo()
	repo.add(KindPurchaseInvoice, "LOG0000005")
	svc, _ := newTestService(repo)

	number, err := svc.AllocateSalesInvoiceNumber(context.Background())
	require.NoError(t, err)
	require.Equal(t, "LOG0000006", number)

	number, err = svc.AllocatePurchaseInvoiceNumber(context.Background())
	require.NoError(t, err)
	require.Equal(t, "LOG0000007", number)
}

func TestAllocateOrderNumberUsesYearPrefix(t *testing.T) {
	repo := newMemorySequenceRepo()
	repo.add(KindOrder, "2025-041", "2024-900")
	svc, _ := newTestService(repo)

	number, err := svc.AllocateOrderNumber(context.Background())
	require.NoError(t, err)
	require.Equal(t, "2025-042", number)
	require.Equal(t, int64(42), repo.sequences[SequenceKey{Kind: KindOrder, Year: 2025}])
}

func TestAllocateRetriesPastCollisions(t *testing.T) {
	repo := newMemorySequenceRepo()
	repo.taken["2025-001"] = true
	repo.taken["2025-002"] = true
	svc, slept := newTestService(repo)

	number, err := svc.AllocateOrderNumber(context.Background())
	require.NoError(t, err)
	require.Equal(t, "2025-003", number)
	require.Equal(t, []time.Duration{10 * time.Millisecond, 20 * time.Millisecond}, *slept)
}

func TestAllocateExhaustion(t *testing.T) {
	repo := newMemorySequenceRepo()
	repo.allTake = true
	svc, slept := newTestService(repo)

	_, err := svc.AllocateSalesInvoiceNumber(context.Background())
	require.ErrorIs(t, err, ErrNumberingExhausted)
	require.ErrorIs(t, err, shared.ErrNumberingExhausted)
	require.Equal(t, int64(MaxAttempts), repo.sequences[SequenceKey{Kind: KindSalesInvoice, Year: 2025}])
	require.Empty(t, *slept)
}

func TestAllocateHonoursCancellation(t *testing.T) {
	svc, _ := newTestService(newMemorySequenceRepo())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := svc.AllocateSalesInvoiceNumber(ctx)
	require.ErrorIs(t, err, context.Canceled)
}

func TestAllocateNeverCollidesUnderConcurrency(t *testing.T) {
	repo := newMemorySequenceRepo()
	repo.add(KindSalesInvoice, "LOG0000003")
	svc, _ := newTestService(repo)

	const workers = 20
	results := make(chan string, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, err := svc.AllocateSalesInvoiceNumber(context.Background())
			if err == nil {
				results <- n
			}
		}()
	}
	wg.Wait()
	close(results)

	seen := map[string]bool{}
	for n := range results {
		require.False(t, seen[n], "duplicate %s", n)
		require.NotEqual(t, "LOG0000003", n)
		seen[n] = true
	}
	require.Len(t, seen, workers)
}

func TestGapsAndFirstGap(t *testing.T) {
	repo := newMemorySequenceRepo()
	repo.add(KindSalesInvoice, "LOG0000001", "LOG0000003", "LOG0000007")
	svc, _ := newTestService(repo)
	f := testFormats.SalesInvoice

	gaps, err := svc.Gaps(context.Background(), KindSalesInvoice, f, 5)
	require.NoError(t, err)
	require.Equal(t, []Gap{{Start: 2, End: 2}, {Start: 4, End: 6}}, gaps)

	first, err := svc.FirstGap(context.Background(), KindSalesInvoice, f)
	require.NoError(t, err)
	require.Equal(t, "LOG0000002", first)

	gaps, err = svc.Gaps(context.Background(), KindSalesInvoice, f, 1)
	require.NoError(t, err)
	require.Equal(t, []Gap{{Start: 2, End: 2}}, gaps)
}

// blockingScanRepo holds ExistingNumbers until released and fails if the
// scan context was cancelled meanwhile.
type blockingScanRepo struct {
	*memorySequenceRepo
	once    sync.Once
	started chan struct{}
	release chan struct{}
}

func (r *blockingScanRepo) ExistingNumbers(ctx context.Context, kind Kind, prefix string) ([]string, error) {
	r.once.Do(func() { close(r.started) })
	<-r.release
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return r.memorySequenceRepo.ExistingNumbers(ctx, kind, prefix)
}

func TestGapsCancelledCallerDoesNotFailOthers(t *testing.T) {
	inner := newMemorySequenceRepo()
	inner.add(KindSalesInvoice, "LOG0000001", "LOG0000003")
	repo := &blockingScanRepo{
		memorySequenceRepo: inner,
		started:            make(chan struct{}),
		release:            make(chan struct{}),
	}
	svc, _ := newTestService(repo)
	f := testFormats.SalesInvoice

	ctx, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := svc.Gaps(ctx, KindSalesInvoice, f, 5)
		firstErr <- err
	}()
	<-repo.started
	cancel()
	require.ErrorIs(t, <-firstErr, context.Canceled)

	type result struct {
		gaps []Gap
		err  error
	}
	second := make(chan result, 1)
	go func() {
		gaps, err := svc.Gaps(context.Background(), KindSalesInvoice, f, 5)
		second <- result{gaps, err}
	}()
	close(repo.release)

	select {
	case res := <-second:
		require.NoError(t, res.err)
		require.Equal(t, []Gap{{Start: 2, End: 2}}, res.gaps)
	case <-time.After(5 * time.Second):
		t.Fatal("second caller did not receive gaps")
	}
}

func TestFirstGapEmptyWhenDense(t *testing.T) {
	repo := newMemorySequenceRepo()
	repo.add(KindSalesInvoice, "LOG0000001", "LOG0000002")
	svc, _ := newTestService(repo)

	first, err := svc.FirstGap(context.Background(), KindSalesInvoice, testFormats.SalesInvoice)
	require.NoError(t, err)
	require.Empty(t, first)
}

func TestGapsCoverIntervalExactly(t *testing.T) {
	used := []int64{3, 4, 9, 15, 16, 40}
	values := make([]string, 0, len(used))
	for _, n := range used {
		values = append(values, fmt.Sprintf("LOG%07d", n))
	}
	values = append(values, "OTHER0000002", "LOGX")

	gaps := FindGaps(values, "LOG", 0)

	covered := map[int64]int{}
	for _, n := range used {
		covered[n]++
	}
	for _, g := range gaps {
		require.LessOrEqual(t, g.Start, g.End)
		for n := g.Start; n <= g.End; n++ {
			covered[n]++
		}
	}
	for n := used[0]; n <= used[len(used)-1]; n++ {
		require.Equal(t, 1, covered[n], "value %d", n)
	}
	require.Len(t, covered, int(used[len(used)-1]-used[0]+1))
}

func TestResyncRewindsToMaxExisting(t *testing.T) {
	repo := newMemorySequenceRepo()
	key := SequenceKey{Kind: KindSalesInvoice, Year: 2025}
	repo.sequences[key] = 500
	repo.add(KindSalesInvoice, "LOG0000010", "log/0000042", "LOG0000007")
	svc, _ := newTestService(repo)

	res, err := svc.Resync(context.Background(), KindSalesInvoice, testFormats.SalesInvoice)
	require.NoError(t, err)
	require.Equal(t, int64(42), res.LastNumber)
	require.Equal(t, "/", res.Separator)
	require.Equal(t, "LOG/0000043", res.Next)
	require.Equal(t, int64(42), repo.sequences[key])
}

func TestExtractToken(t *testing.T) {
	cases := []struct {
		value  string
		prefix string
		ok     bool
		sep    string
		n      int64
	}{
		{"LOG0000020", "LOG", true, "", 20},
		{"log-0000020", "LOG", true, "-", 20},
		{"LOG2025-0007", "LOG", true, "2025-", 7},
		{"LOGABC", "LOG", false, "", 0},
		{"SF0001", "LOG", false, "", 0},
		{"LO", "LOG", false, "", 0},
	}
	for _, tc := range cases {
		tok, ok := ExtractToken(tc.value, tc.prefix)
		require.Equal(t, tc.ok, ok, tc.value)
		if tc.ok {
			require.Equal(t, tc.sep, tok.Separator, tc.value)
			require.Equal(t, tc.n, tok.N, tc.value)
		}
	}
}

func TestFormatValidate(t *testing.T) {
	require.ErrorIs(t, Format{Width: 3}.Validate(), shared.ErrValidation)
	require.ErrorIs(t, Format{Prefix: "E", Width: 0}.Validate(), shared.ErrValidation)
	require.Equal(t, "COST-00012", Format{Prefix: "COST-", Width: 5}.Render(12))
}

func TestFindGapsSorted(t *testing.T) {
	gaps := FindGaps([]string{"E00010", "E00001", "E00005"}, "E", 0)
	require.True(t, sort.SliceIsSorted(gaps, func(i, j int) bool { return gaps[i].Start < gaps[j].Start }))
	require.Equal(t, []Gap{{Start: 2, End: 4}, {Start: 6, End: 9}}, gaps)
}
