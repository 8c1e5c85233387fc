package billing

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

type recordedRequest struct {
	method string
	path   string
	form   string
}

func newStripeServer(t *testing.T, status int) (*httptest.Server, *[]recordedRequest) {
	t.Helper()
	var (
		mu       sync.Mutex
		requests []recordedRequest
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		requests = append(requests, recordedRequest{method: r.Method, path: r.URL.Path, form: string(body)})
		mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if status >= 400 {
			fmt.Fprint(w, `{"error":{"type":"invalid_request_error","message":"bad"}}`)
			return
		}
		switch {
		case r.Method == http.MethodDelete:
			fmt.Fprint(w, `{"id":"cus_123","object":"customer","deleted":true}`)
		default:
			fmt.Fprint(w, `{"id":"cus_123","object":"customer"}`)
		}
	}))
	t.Cleanup(server.Close)
	return server, &requests
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestStripeCustomers_Lifecycle(t *testing.T) {
	server, requests := newStripeServer(t, http.StatusOK)
	c := NewStripeCustomers(StripeConfig{SecretKey: "sk_test_123", APIURL: server.URL}, testLogger())
	ctx := context.Background()

	id, err := c.CreateCustomer(ctx, "taro@example.com")
	if err != nil {
		t.Fatalf("CreateCustomer: %v", err)
	}
	if id != "cus_123" {
		t.Errorf("id = %q, want cus_123", id)
	}
	if err := c.TagCustomer(ctx, id, "acc-1"); err != nil {
		t.Fatalf("TagCustomer: %v", err)
	}
	if err := c.DeleteCustomer(ctx, id); err != nil {
		t.Fatalf("DeleteCustomer: %v", err)
	}

	got := *requests
	if len(got) != 3 {
		t.Fatalf("requests = %d, want 3", len(got))
	}
	if got[0].method != http.MethodPost || got[0].path != "/v1/customers" || !strings.Contains(got[0].form, "email=taro%40example.com") {
		t.Errorf("create request = %+v", got[0])
	}
	if got[1].path != "/v1/customers/cus_123" || !strings.Contains(got[1].form, "metadata[account_id]=acc-1") && !strings.Contains(got[1].form, "metadata%5Baccount_id%5D=acc-1") {
		t.Errorf("tag request = %+v", got[1])
	}
	if got[2].method != http.MethodDelete || got[2].path != "/v1/customers/cus_123" {
		t.Errorf("delete request = %+v", got[2])
	}
}

func TestStripeCustomers_CreateFailure(t *testing.T) {
	server, _ := newStripeServer(t, http.StatusBadRequest)
	c := NewStripeCustomers(StripeConfig{SecretKey: "sk_test_123", APIURL: server.URL}, testLogger())

	if _, err := c.CreateCustomer(context.Background(), "a@example.com"); err == nil {
		t.Error("Stripeのエラーはエラーとして返すこと")
	}
}

func TestLocalCustomers(t *testing.T) {
	l := NewLocalCustomers(testLogger())
	ctx := context.Background()

	a, err := l.CreateCustomer(ctx, "a@example.com")
	if err != nil {
		t.Fatalf("CreateCustomer: %v", err)
	}
	b, _ := l.CreateCustomer(ctx, "a@example.com")
	if !strings.HasPrefix(a, "cus_local_") || a == b {
		t.Errorf("ids = %q, %q", a, b)
	}
	if err := l.TagCustomer(ctx, a, "acc"); err != nil {
		t.Errorf("TagCustomer: %v", err)
	}
	if err := l.DeleteCustomer(ctx, a); err != nil {
		t.Errorf("DeleteCustomer: %v", err)
	}
}
