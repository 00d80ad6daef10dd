package executor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/avenhaus/harvester/internal/testutil"
)

// fakeProvider hands out sequential tokens and counts invalidations.
type fakeProvider struct {
	mu            sync.Mutex
	prefix        string
	generation    int
	invalidations int
	fetches       int
	err           error
}

func (p *fakeProvider) Token(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return "", p.err
	}
	p.fetches++
	return fmt.Sprintf("%s-%d", p.prefix, p.generation), nil
}

func (p *fakeProvider) Invalidate() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.invalidations++
	p.generation++
}

// newTestExecutor wires an executor against the mock server with a delay
// recorder instead of real sleeps.
func newTestExecutor(t *testing.T, mock *testutil.MockAPI, provider *fakeProvider) (*Executor, *[]time.Duration) {
	t.Helper()

	cfg := DefaultConfig(mock.URL(), provider)
	exec, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	delays := &[]time.Duration{}
	exec.SetSleeper(func(ctx context.Context, d time.Duration) error {
		*delays = append(*delays, d)
		return nil
	})

	return exec, delays
}

func TestNew_Validation(t *testing.T) {
	provider := &fakeProvider{prefix: "tok"}

	tests := []struct {
		name        string
		config      Config
		expectError bool
	}{
		{
			name:   "valid config",
			config: DefaultConfig("https://api.example.com", provider),
		},
		{
			name:        "missing base URL",
			config:      Config{Tokens: provider},
			expectError: true,
		},
		{
			name:        "missing token provider",
			config:      Config{BaseURL: "https://api.example.com"},
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.config)
			if tt.expectError && err == nil {
				t.Error("Expected error but got nil")
			}
			if !tt.expectError && err != nil {
				t.Errorf("Unexpected error: %v", err)
			}
		})
	}
}

func TestExecute_RequestValidation(t *testing.T) {
	mock := testutil.NewMockAPI()
	defer mock.Close()

	exec, _ := newTestExecutor(t, mock, &fakeProvider{prefix: "tok"})

	tests := []struct {
		name string
		req  Request
	}{
		{name: "missing method", req: Request{Path: "/api/v2/things"}},
		{name: "missing path", req: Request{Method: http.MethodGet}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := exec.Execute(context.Background(), tt.req)
			if !errors.Is(err, ErrInvalidRequest) {
				t.Errorf("Expected ErrInvalidRequest, got %v", err)
			}

			var apiErr *APIError
			if !errors.As(err, &apiErr) || apiErr.Class != ErrorClassValidation {
				t.Errorf("Expected validation APIError, got %v", err)
			}
			if mock.GetRequestCount() != 0 {
				t.Errorf("Expected no requests, got %d", mock.GetRequestCount())
			}
		})
	}
}

func TestExecute_ClientErrorSingleAttempt(t *testing.T) {
	tests := []struct {
		name   string
		status int
	}{
		{name: "400 bad request", status: 400},
		{name: "404 not found", status: 404},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := testutil.NewMockAPI()
			defer mock.Close()
			mock.SetResponse("/api/v2/things", testutil.MockResponse{StatusCode: tt.status})

			exec, delays := newTestExecutor(t, mock, &fakeProvider{prefix: "tok"})

			_, err := exec.Execute(context.Background(), Request{Method: http.MethodGet, Path: "/api/v2/things"})

			var apiErr *APIError
			if !errors.As(err, &apiErr) {
				t.Fatalf("Expected APIError, got %v", err)
			}
			if apiErr.Class != ErrorClassClient {
				t.Errorf("Class = %q, want %q", apiErr.Class, ErrorClassClient)
			}
			if mock.GetRequestCount() != 1 {
				t.Errorf("Expected exactly 1 attempt, got %d", mock.GetRequestCount())
			}
			if len(*delays) != 0 {
				t.Errorf("Expected no delays, got %v", *delays)
			}
		})
	}
}

func TestExecute_NoResponseSingleAttempt(t *testing.T) {
	mock := testutil.NewMockAPI()
	url := mock.URL()
	mock.Close() // nothing listens anymore

	provider := &fakeProvider{prefix: "tok"}
	exec, err := New(DefaultConfig(url, provider))
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	attempts := 0
	exec.SetSleeper(func(ctx context.Context, d time.Duration) error {
		attempts++
		return nil
	})

	_, err = exec.Execute(context.Background(), Request{Method: http.MethodGet, Path: "/api/v2/things"})

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("Expected APIError, got %v", err)
	}
	if apiErr.Class != ErrorClassClient {
		t.Errorf("Class = %q, want %q", apiErr.Class, ErrorClassClient)
	}
	if attempts != 0 {
		t.Errorf("Expected no retries for a dead upstream, got %d", attempts)
	}
}

func TestExecute_AuthRetryRefreshesCredential(t *testing.T) {
	mock := testutil.NewMockAPI()
	defer mock.Close()
	mock.SetStatusSequence("/api/v2/things", []int{401, 200}, `{"status": "ok"}`)

	provider := &fakeProvider{prefix: "tok"}
	exec, delays := newTestExecutor(t, mock, provider)

	resp, err := exec.Execute(context.Background(), Request{Method: http.MethodGet, Path: "/api/v2/things"})
	if err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	if resp.StatusCode != 200 {
		t.Errorf("StatusCode = %d, want 200", resp.StatusCode)
	}

	if provider.invalidations != 1 {
		t.Errorf("Invalidations = %d, want 1", provider.invalidations)
	}

	// The retried request must carry the freshly obtained credential.
	got := mock.LastRequestHeader.Get("Authorization")
	if got != "Bearer tok-1" {
		t.Errorf("Authorization = %q, want %q", got, "Bearer tok-1")
	}

	// 401 waits exactly one fixed default delay.
	if len(*delays) != 1 || (*delays)[0] != exec.config.DefaultDelay {
		t.Errorf("Delays = %v, want [%v]", *delays, exec.config.DefaultDelay)
	}
}

func TestExecute_RateLimitFixedDelay(t *testing.T) {
	mock := testutil.NewMockAPI()
	defer mock.Close()
	mock.SetStatusSequence("/api/v2/things", []int{429, 429, 200}, `{"status": "ok"}`)

	exec, delays := newTestExecutor(t, mock, &fakeProvider{prefix: "tok"})

	resp, err := exec.Execute(context.Background(), Request{Method: http.MethodGet, Path: "/api/v2/things"})
	if err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	if resp.StatusCode != 200 {
		t.Errorf("StatusCode = %d, want 200", resp.StatusCode)
	}

	// Exactly one fixed rate-limit delay per 429.
	want := []time.Duration{exec.config.RateLimitDelay, exec.config.RateLimitDelay}
	if len(*delays) != len(want) {
		t.Fatalf("Delays = %v, want %v", *delays, want)
	}
	for i, d := range *delays {
		if d != want[i] {
			t.Errorf("Delay[%d] = %v, want %v", i, d, want[i])
		}
	}
}

func TestExecute_ServerErrorExponentialBackoff(t *testing.T) {
	mock := testutil.NewMockAPI()
	defer mock.Close()
	mock.SetStatusSequence("/api/v2/things", []int{500, 502, 200}, `{"status": "ok"}`)

	exec, delays := newTestExecutor(t, mock, &fakeProvider{prefix: "tok"})

	_, err := exec.Execute(context.Background(), Request{Method: http.MethodGet, Path: "/api/v2/things"})
	if err != nil {
		t.Fatalf("Execute() error: %v", err)
	}

	// Delay before attempt k is serverErrorBase * 2^(k-2).
	base := exec.config.ServerErrorBase
	want := []time.Duration{base, 2 * base}
	if len(*delays) != len(want) {
		t.Fatalf("Delays = %v, want %v", *delays, want)
	}
	for i, d := range *delays {
		if d != want[i] {
			t.Errorf("Delay[%d] = %v, want %v", i, d, want[i])
		}
	}
}

func TestExecute_UnknownStatusLinearBackoff(t *testing.T) {
	mock := testutil.NewMockAPI()
	defer mock.Close()
	mock.SetStatusSequence("/api/v2/things", []int{418, 418, 200}, `{"status": "ok"}`)

	exec, delays := newTestExecutor(t, mock, &fakeProvider{prefix: "tok"})

	_, err := exec.Execute(context.Background(), Request{Method: http.MethodGet, Path: "/api/v2/things"})
	if err != nil {
		t.Fatalf("Execute() error: %v", err)
	}

	want := []time.Duration{exec.config.DefaultDelay, 2 * exec.config.DefaultDelay}
	if len(*delays) != len(want) {
		t.Fatalf("Delays = %v, want %v", *delays, want)
	}
	for i, d := range *delays {
		if d != want[i] {
			t.Errorf("Delay[%d] = %v, want %v", i, d, want[i])
		}
	}
}

func TestExecute_RetryExhausted(t *testing.T) {
	mock := testutil.NewMockAPI()
	defer mock.Close()
	mock.SetResponse("/api/v2/things", testutil.NewServerErrorResponse())

	exec, _ := newTestExecutor(t, mock, &fakeProvider{prefix: "tok"})

	_, err := exec.Execute(context.Background(), Request{Method: http.MethodGet, Path: "/api/v2/things"})

	if !errors.Is(err, ErrRetryExhausted) {
		t.Fatalf("Expected ErrRetryExhausted, got %v", err)
	}

	// The exhaustion error wraps the last classified failure.
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("Expected wrapped APIError, got %v", err)
	}
	if apiErr.StatusCode != 500 {
		t.Errorf("StatusCode = %d, want 500", apiErr.StatusCode)
	}

	if mock.GetRequestCount() != exec.config.RetryLimit {
		t.Errorf("Attempts = %d, want %d", mock.GetRequestCount(), exec.config.RetryLimit)
	}
}

func TestExecute_CallerAuthorizationSkipsProvider(t *testing.T) {
	mock := testutil.NewMockAPI()
	defer mock.Close()

	provider := &fakeProvider{prefix: "tok", err: errors.New("provider must not be called")}
	exec, _ := newTestExecutor(t, mock, provider)

	_, err := exec.Execute(context.Background(), Request{
		Method:  http.MethodGet,
		Path:    "/api/v2/things",
		Headers: map[string]string{"Authorization": "Bearer caller-supplied"},
	})
	if err != nil {
		t.Fatalf("Execute() error: %v", err)
	}

	got := mock.LastRequestHeader.Get("Authorization")
	if got != "Bearer caller-supplied" {
		t.Errorf("Authorization = %q, want caller-supplied header", got)
	}
}

func TestExecute_ContextCancelledDuringDelay(t *testing.T) {
	mock := testutil.NewMockAPI()
	defer mock.Close()
	mock.SetResponse("/api/v2/things", testutil.NewServerErrorResponse())

	exec, _ := newTestExecutor(t, mock, &fakeProvider{prefix: "tok"})
	exec.SetSleeper(func(ctx context.Context, d time.Duration) error {
		return context.Canceled
	})

	_, err := exec.Execute(context.Background(), Request{Method: http.MethodGet, Path: "/api/v2/things"})
	if !errors.Is(err, ErrContextCancelled) {
		t.Errorf("Expected ErrContextCancelled, got %v", err)
	}
}
