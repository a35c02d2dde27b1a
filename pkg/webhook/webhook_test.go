package webhook

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/morezero/api-gateway/pkg/apierror"
	"github.com/morezero/api-gateway/pkg/db"
	"github.com/morezero/api-gateway/pkg/events"
	"github.com/morezero/api-gateway/pkg/rpc"
)

const webhookTestPrefix = "webhook:webhook_test"

type recorder struct {
	mu     sync.Mutex
	events []*events.UploadCompletedEvent
	fail   error
}

func (r *recorder) publish(_ context.Context, e events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return r.fail
	}
	r.events = append(r.events, e.(*events.UploadCompletedEvent))
	return nil
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func validPayload() *UploadComplete {
	return &UploadComplete{FileID: "f-1", Key: "avatars/u-1.png", Bucket: "uploads", Size: 512, ContentType: "image/png", ETag: "abc"}
}

func TestDecode(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		wantStatus int
	}{
		{"valid", `{"key":"a.png","bucket":"uploads","size":1}`, 0},
		{"not json", `{`, http.StatusBadRequest},
		{"missing key", `{"bucket":"uploads"}`, http.StatusBadRequest},
		{"missing bucket", `{"key":"a.png"}`, http.StatusBadRequest},
		{"negative size", `{"key":"a.png","bucket":"uploads","size":-1}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.body))
			if tt.wantStatus == 0 {
				if err != nil {
					t.Fatalf("%s - unexpected error: %v", webhookTestPrefix, err)
				}
				return
			}
			var apiErr *apierror.Error
			if !errors.As(err, &apiErr) || apiErr.Status() != tt.wantStatus {
				t.Errorf("%s - error = %v, want status %d", webhookTestPrefix, err, tt.wantStatus)
			}
		})
	}
}

func TestReceive_ForwardsOnce(t *testing.T) {
	rec := &recorder{}
	r := NewReceiver(NewMemoryStore(), events.NewCallbackPublisher(rec.publish))
	ctx := context.Background()

	first, err := r.Receive(ctx, validPayload(), "", nil)
	if err != nil {
		t.Fatalf("%s - Receive: %v", webhookTestPrefix, err)
	}
	if first.Duplicate || !first.Forwarded || first.ReceiptID == "" {
		t.Errorf("%s - first result = %+v", webhookTestPrefix, first)
	}

	second, err := r.Receive(ctx, validPayload(), "", nil)
	if err != nil {
		t.Fatalf("%s - duplicate Receive: %v", webhookTestPrefix, err)
	}
	if !second.Duplicate || second.ReceiptID != first.ReceiptID {
		t.Errorf("%s - second result = %+v", webhookTestPrefix, second)
	}
	if rec.count() != 1 {
		t.Errorf("%s - forwarded %d times, want 1", webhookTestPrefix, rec.count())
	}

	ev := rec.events[0]
	if ev.ReceiptID != first.ReceiptID || ev.FileID != "f-1" || ev.Bucket != "uploads" || ev.Timestamp == "" {
		t.Errorf("%s - event = %+v", webhookTestPrefix, ev)
	}
}

func TestReceive_ExplicitKeySeparatesDeliveries(t *testing.T) {
	rec := &recorder{}
	r := NewReceiver(nil, events.NewCallbackPublisher(rec.publish))
	ctx := context.Background()

	if _, err := r.Receive(ctx, validPayload(), "delivery-1", nil); err != nil {
		t.Fatalf("%s - Receive: %v", webhookTestPrefix, err)
	}
	if _, err := r.Receive(ctx, validPayload(), "delivery-2", nil); err != nil {
		t.Fatalf("%s - Receive: %v", webhookTestPrefix, err)
	}
	if rec.count() != 2 {
		t.Errorf("%s - forwarded %d times, want 2", webhookTestPrefix, rec.count())
	}
}

func TestReceive_RetriesAfterFailedForward(t *testing.T) {
	rec := &recorder{fail: &rpc.TransportError{Exchange: "file_exchange", RoutingKey: "file.uploadCompleted", Err: errors.New("down")}}
	store := NewMemoryStore()
	r := NewReceiver(store, events.NewCallbackPublisher(rec.publish))
	ctx := context.Background()

	_, err := r.Receive(ctx, validPayload(), "", nil)
	if status, _ := apierror.Translate(err); status != http.StatusServiceUnavailable {
		t.Fatalf("%s - failed forward status = %d (%v), want 503", webhookTestPrefix, status, err)
	}

	page, _ := store.ListReceipts(ctx, 10, 0)
	if page.Total != 1 || page.Items[0].Forwarded() || page.Items[0].ForwardAttempts != 1 || page.Items[0].LastError == "" {
		t.Fatalf("%s - receipt after failure = %+v", webhookTestPrefix, page.Items)
	}

	rec.fail = nil
	res, err := r.Receive(ctx, validPayload(), "", nil)
	if err != nil {
		t.Fatalf("%s - retry Receive: %v", webhookTestPrefix, err)
	}
	if !res.Duplicate || !res.Forwarded {
		t.Errorf("%s - retry result = %+v", webhookTestPrefix, res)
	}
	if rec.count() != 1 {
		t.Errorf("%s - forwarded %d times, want 1", webhookTestPrefix, rec.count())
	}
}

func TestMemoryStore_ListReceiptsPaging(t *testing.T) {
	store := NewMemoryStore()
	r := NewReceiver(store, nil)
	ctx := context.Background()

	for _, key := range []string{"a", "b", "c"} {
		p := validPayload()
		p.Key = key
		if _, err := r.Receive(ctx, p, "", nil); err != nil {
			t.Fatalf("%s - Receive: %v", webhookTestPrefix, err)
		}
	}

	page, err := r.Receipts(ctx, 2, 0)
	if err != nil {
		t.Fatalf("%s - Receipts: %v", webhookTestPrefix, err)
	}
	if page.Total != 3 || len(page.Items) != 2 || page.Limit != 2 {
		t.Errorf("%s - first page = %+v", webhookTestPrefix, page)
	}

	page, _ = r.Receipts(ctx, 2, 2)
	if len(page.Items) != 1 {
		t.Errorf("%s - second page has %d items, want 1", webhookTestPrefix, len(page.Items))
	}

	page, _ = r.Receipts(ctx, 2, 10)
	if len(page.Items) != 0 {
		t.Errorf("%s - out-of-range page has %d items", webhookTestPrefix, len(page.Items))
	}
}

func TestMemoryStore_MarkUnknown(t *testing.T) {
	store := NewMemoryStore()
	if err := store.MarkForwarded(context.Background(), "nope"); err == nil {
		t.Errorf("%s - expected error for unknown key", webhookTestPrefix)
	}
	if err := store.MarkFailed(context.Background(), "nope", "x"); err == nil {
		t.Errorf("%s - expected error for unknown key", webhookTestPrefix)
	}
}

// gatedPublisher holds every publish until release is closed.
type gatedPublisher struct {
	entered chan struct{}
	release chan struct{}
	mu      sync.Mutex
	calls   int
}

func newGatedPublisher() *gatedPublisher {
	return &gatedPublisher{entered: make(chan struct{}, 16), release: make(chan struct{})}
}

func (g *gatedPublisher) publish(ctx context.Context, _ events.Event) error {
	g.mu.Lock()
	g.calls++
	g.mu.Unlock()
	g.entered <- struct{}{}
	select {
	case <-g.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *gatedPublisher) count() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

func TestReceive_DuplicateDuringInFlightForwardConflicts(t *testing.T) {
	pub := newGatedPublisher()
	r := NewReceiver(NewMemoryStore(), events.NewCallbackPublisher(pub.publish))
	ctx := context.Background()

	type outcome struct {
		res *Result
		err error
	}
	first := make(chan outcome, 1)
	go func() {
		res, err := r.Receive(ctx, validPayload(), "", nil)
		first <- outcome{res, err}
	}()

	select {
	case <-pub.entered:
	case <-time.After(5 * time.Second):
		t.Fatalf("%s - first forward never started", webhookTestPrefix)
	}

	_, err := r.Receive(ctx, validPayload(), "", nil)
	if status, body := apierror.Translate(err); status != http.StatusConflict || body.Message != MsgForwardInProgress {
		t.Errorf("%s - racing delivery = %d %q, want 409", webhookTestPrefix, status, body.Message)
	}

	close(pub.release)
	got := <-first
	if got.err != nil || !got.res.Forwarded {
		t.Fatalf("%s - first delivery = %+v, %v", webhookTestPrefix, got.res, got.err)
	}

	res, err := r.Receive(ctx, validPayload(), "", nil)
	if err != nil || !res.Duplicate || !res.Forwarded {
		t.Errorf("%s - later duplicate = %+v, %v", webhookTestPrefix, res, err)
	}
	if pub.count() != 1 {
		t.Errorf("%s - forwarded %d times, want 1", webhookTestPrefix, pub.count())
	}
}

func TestReceive_ConcurrentDuplicatesForwardOnce(t *testing.T) {
	var mu sync.Mutex
	forwards := 0
	slow := events.NewCallbackPublisher(func(_ context.Context, _ events.Event) error {
		time.Sleep(50 * time.Millisecond)
		mu.Lock()
		forwards++
		mu.Unlock()
		return nil
	})
	r := NewReceiver(NewMemoryStore(), slow)

	const deliveries = 8
	var wg sync.WaitGroup
	errs := make(chan error, deliveries)
	for i := 0; i < deliveries; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := r.Receive(context.Background(), validPayload(), "", nil); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if status, _ := apierror.Translate(err); status != http.StatusConflict {
			t.Errorf("%s - unexpected error %d: %v", webhookTestPrefix, status, err)
		}
	}
	mu.Lock()
	defer mu.Unlock()
	if forwards != 1 {
		t.Errorf("%s - forwarded %d times, want 1", webhookTestPrefix, forwards)
	}
}

func TestMemoryStore_ClaimForward(t *testing.T) {
	store := NewMemoryStore()
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	now := base
	store.now = func() time.Time { return now }
	ctx := context.Background()

	if _, err := store.ClaimForward(ctx, "nope", time.Minute); err == nil {
		t.Errorf("%s - expected error for unknown key", webhookTestPrefix)
	}

	if _, _, err := store.RecordReceipt(ctx, &db.Receipt{IdempotencyKey: "k", Key: "a", Bucket: "b"}); err != nil {
		t.Fatalf("%s - RecordReceipt: %v", webhookTestPrefix, err)
	}

	tests := []struct {
		name    string
		advance time.Duration
		want    bool
	}{
		{"first claim", 0, true},
		{"held claim", 10 * time.Second, false},
		{"expired claim", time.Minute, true},
	}
	for _, tt := range tests {
		now = now.Add(tt.advance)
		got, err := store.ClaimForward(ctx, "k", time.Minute)
		if err != nil || got != tt.want {
			t.Errorf("%s - %s: claimed=%v err=%v, want %v", webhookTestPrefix, tt.name, got, err, tt.want)
		}
	}

	if err := store.MarkFailed(ctx, "k", "down"); err != nil {
		t.Fatalf("%s - MarkFailed: %v", webhookTestPrefix, err)
	}
	if ok, _ := store.ClaimForward(ctx, "k", time.Minute); !ok {
		t.Errorf("%s - failed forward should release the claim", webhookTestPrefix)
	}
	if err := store.MarkForwarded(ctx, "k"); err != nil {
		t.Fatalf("%s - MarkForwarded: %v", webhookTestPrefix, err)
	}
	if ok, _ := store.ClaimForward(ctx, "k", 0); ok {
		t.Errorf("%s - forwarded receipt must not be claimable", webhookTestPrefix)
	}
}
