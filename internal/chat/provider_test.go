package chat

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/anthropics/anthropic-sdk-go/option"
)

func stubStreamerCreator(t *testing.T) {
	t.Helper()
	orig := newStreamer
	newStreamer = func(...option.RequestOption) MessageStreamer {
		return &scriptedStreamer{}
	}
	t.Cleanup(func() { newStreamer = orig })
}

func TestProvidersPrefersReachableLocal(t *testing.T) {
	stubStreamerCreator(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := NewSelector(SelectorConfig{
		LocalBaseURL: srv.URL,
		LocalModel:   "qwen-local",
		APIKey:       "sk-test",
	})
	providers, err := s.Providers(context.Background())
	if err != nil {
		t.Fatalf("providers: %v", err)
	}
	if len(providers) != 2 {
		t.Fatalf("got %d providers, want local then hosted", len(providers))
	}
	if providers[0].Name != "local" || providers[0].SupportsReasoning {
		t.Fatalf("first provider = %+v", providers[0])
	}
	if providers[1].Name != "anthropic" || !providers[1].SupportsReasoning {
		t.Fatalf("second provider = %+v", providers[1])
	}
}

func TestProvidersSkipsUnreachableLocal(t *testing.T) {
	stubStreamerCreator(t)
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	srv.Close()

	s := NewSelector(SelectorConfig{LocalBaseURL: srv.URL, APIKey: "sk-test"})
	providers, err := s.Providers(context.Background())
	if err != nil {
		t.Fatalf("providers: %v", err)
	}
	if len(providers) != 1 || providers[0].Name != "anthropic" {
		t.Fatalf("providers = %+v", providers)
	}
}

func TestProvidersNoneConfigured(t *testing.T) {
	s := NewSelector(SelectorConfig{})
	_, err := s.Providers(context.Background())
	var ce *Error
	if !errors.As(err, &ce) || ce.Kind != KindProviderSelection {
		t.Fatalf("err = %v", err)
	}
}
