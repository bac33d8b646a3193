package gateway

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ashureev/campusbot/internal/domain"
)

type memCache struct {
	mu      sync.Mutex
	entries map[string]domain.StudentRef
}

func (m *memCache) Get(_ context.Context, email string) (domain.StudentRef, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.entries[email]
	return s, ok, nil
}

func (m *memCache) Set(_ context.Context, email string, s domain.StudentRef) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.entries == nil {
		m.entries = map[string]domain.StudentRef{}
	}
	m.entries[email] = s
	return nil
}

func newBackend(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func TestLookupByEmailFound(t *testing.T) {
	t.Parallel()

	srv := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/students" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if got := r.URL.Query().Get("email"); got != "joao@inst.edu" {
			t.Errorf("email = %q", got)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer svc-key" {
			t.Errorf("Authorization = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"42","name":"Joao","email":"joao@inst.edu","registration_id":"RA2023001","course_id":"CS","class_section":"A"}`))
	})

	g := New(Config{BaseURL: srv.URL + "/", APIKey: "svc-key"}, nil, nil)
	student, err := g.LookupByEmail(context.Background(), "  Joao@Inst.edu ")
	if err != nil {
		t.Fatalf("LookupByEmail() error = %v", err)
	}
	if student.RegistrationID != "RA2023001" || student.CourseID != "CS" || student.StudentID != "42" {
		t.Fatalf("student = %+v", student)
	}
}

func TestLookupByEmailStatusMapping(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		status int
		body   string
		want   error
	}{
		{"not found", http.StatusNotFound, `{"detail":"not found"}`, ErrNotFound},
		{"server error", http.StatusInternalServerError, `boom`, ErrUnavailable},
		{"bad gateway", http.StatusBadGateway, ``, ErrUnavailable},
		{"garbage body", http.StatusOK, `{not json`, ErrUnavailable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			srv := newBackend(t, func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			})
			_, err := New(Config{BaseURL: srv.URL}, nil, nil).LookupByEmail(context.Background(), "a@inst.edu")
			if !errors.Is(err, tc.want) {
				t.Fatalf("error = %v, want %v", err, tc.want)
			}
		})
	}
}

func TestLookupByEmailNetworkFailure(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()

	_, err := New(Config{BaseURL: srv.URL, Timeout: time.Second}, nil, nil).LookupByEmail(context.Background(), "a@inst.edu")
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("error = %v, want ErrUnavailable", err)
	}
}

func TestLookupByEmailUsesCache(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := newBackend(t, func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		_, _ = w.Write([]byte(`{"email":"a@inst.edu","registration_id":"RA1"}`))
	})

	cache := &memCache{}
	g := New(Config{BaseURL: srv.URL}, cache, nil)
	for range 3 {
		if _, err := g.LookupByEmail(context.Background(), "a@inst.edu"); err != nil {
			t.Fatalf("LookupByEmail() error = %v", err)
		}
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("backend calls = %d, want 1", got)
	}
}

func TestLookupByEmailCoalescesConcurrentCalls(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	release := make(chan struct{})
	srv := newBackend(t, func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		<-release
		_, _ = w.Write([]byte(`{"email":"a@inst.edu","registration_id":"RA1"}`))
	})

	g := New(Config{BaseURL: srv.URL}, nil, nil)
	var wg sync.WaitGroup
	for range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := g.LookupByEmail(context.Background(), "a@inst.edu"); err != nil {
				t.Errorf("LookupByEmail() error = %v", err)
			}
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if got := calls.Load(); got < 1 || got >= 5 {
		t.Fatalf("backend calls = %d", got)
	}
}

func TestRedisCacheKeyHidesEmail(t *testing.T) {
	t.Parallel()

	c, err := NewRedisCache(nil, time.Minute, []byte("cache-secret"))
	if err != nil {
		t.Fatalf("NewRedisCache() error = %v", err)
	}
	key := c.key("joao@inst.edu")
	if strings.Contains(key, "joao") || !strings.HasPrefix(key, "campusbot:student:") {
		t.Fatalf("key = %q", key)
	}
	if key != c.key("joao@inst.edu") {
		t.Fatal("key is not deterministic")
	}

	other, err := NewRedisCache(nil, time.Minute, []byte("another-secret"))
	if err != nil {
		t.Fatalf("NewRedisCache() error = %v", err)
	}
	if other.key("joao@inst.edu") == key {
		t.Fatal("key does not depend on the secret")
	}
}

func TestRedisCacheSealsRegistrationID(t *testing.T) {
	t.Parallel()

	c, err := NewRedisCache(nil, time.Minute, []byte("cache-secret"))
	if err != nil {
		t.Fatalf("NewRedisCache() error = %v", err)
	}
	student := domain.StudentRef{StudentID: "42", Email: "joao@inst.edu", RegistrationID: "RA2023001"}
	key := c.key(student.Email)

	sealed, err := c.seal(key, student)
	if err != nil {
		t.Fatalf("seal() error = %v", err)
	}
	for _, secret := range []string{"RA2023001", "joao@inst.edu", "registration_id"} {
		if strings.Contains(string(sealed), secret) {
			t.Fatalf("sealed entry leaks %q", secret)
		}
	}

	got, err := c.open(key, sealed)
	if err != nil {
		t.Fatalf("open() error = %v", err)
	}
	if got != student {
		t.Fatalf("open() = %+v, want %+v", got, student)
	}

	if _, err := c.open(c.key("ana@inst.edu"), sealed); err == nil {
		t.Fatal("entry opened under another key")
	}
	ephemeral, err := NewRedisCache(nil, time.Minute, nil)
	if err != nil {
		t.Fatalf("NewRedisCache() error = %v", err)
	}
	if _, err := ephemeral.open(key, sealed); err == nil {
		t.Fatal("entry opened with another secret")
	}
	if _, err := c.open(key, sealed[:4]); err == nil {
		t.Fatal("truncated entry opened")
	}
}
