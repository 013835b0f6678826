package signaling

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func newTestHub(t *testing.T) string {
	t.Helper()
	hub := New(nil)
	server := httptest.NewServer(hub)
	t.Cleanup(server.Close)
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func TestDeliverThenAwaitReturnsPayload(t *testing.T) {
	url := newTestHub(t)
	client := NewClient(url, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.DeliverAnswer(ctx, "code-a", "sdp-answer-a"); err != nil {
		t.Fatalf("DeliverAnswer: %v", err)
	}

	ctx2, cancel2 := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel2()
	got, err := client.AwaitAnswer(ctx2, "code-a")
	if err != nil {
		t.Fatalf("AwaitAnswer: %v", err)
	}
	if got != "sdp-answer-a" {
		t.Fatalf("got %q, want sdp-answer-a", got)
	}
}

func TestAwaitThenDeliverReturnsPayload(t *testing.T) {
	url := newTestHub(t)
	client := NewClient(url, nil)

	result := make(chan string, 1)
	errCh := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		got, err := client.AwaitAnswer(ctx, "code-b")
		if err != nil {
			errCh <- err
			return
		}
		result <- got
	}()

	time.Sleep(200 * time.Millisecond) // let the subscriber register its mailbox
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.DeliverAnswer(ctx, "code-b", "sdp-answer-b"); err != nil {
		t.Fatalf("DeliverAnswer: %v", err)
	}

	select {
	case got := <-result:
		if got != "sdp-answer-b" {
			t.Fatalf("got %q, want sdp-answer-b", got)
		}
	case err := <-errCh:
		t.Fatalf("AwaitAnswer failed: %v", err)
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for subscriber to receive the answer")
	}
}

func TestAwaitTimesOutWhenNoDeliveryArrives(t *testing.T) {
	url := newTestHub(t)
	client := NewClient(url, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 1500*time.Millisecond)
	defer cancel()
	if _, err := client.AwaitAnswer(ctx, "code-c"); err == nil {
		t.Fatalf("expected a timeout error when no answer is ever delivered")
	}
}

func TestDistinctCodesDoNotCrossDeliver(t *testing.T) {
	url := newTestHub(t)
	client := NewClient(url, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.DeliverAnswer(ctx, "code-x", "sdp-x"); err != nil {
		t.Fatalf("DeliverAnswer: %v", err)
	}

	ctx2, cancel2 := context.WithTimeout(context.Background(), 1500*time.Millisecond)
	defer cancel2()
	if _, err := client.AwaitAnswer(ctx2, "code-y"); err == nil {
		t.Fatalf("expected code-y to have no pending answer")
	}
}
