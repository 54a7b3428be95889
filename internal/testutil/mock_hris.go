// Package testutil provides test doubles for the HR importer: a fake clock
// and an in-memory HR API server.
package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"
)

// MockResponse is a scripted answer for one request.
type MockResponse struct {
	StatusCode int
	Body       string
	Headers    map[string]string
	Delay      time.Duration
}

// MockHRIS is an in-memory HR API. It creates and serves employees and can
// be scripted to fail specific routes.
//
// Routes:
//
//	POST /v1/employees       create, 201 {"id": ...}; 422 without email, 409 on duplicate email
//	GET  /v1/employees/{id}  200 with ETag, 304 on matching If-None-Match, 404 if unknown
type MockHRIS struct {
	server *httptest.Server
	token  string

	mu        sync.Mutex
	employees map[string]map[string]any
	etags     map[string]string
	emails    map[string]string
	nextID    int
	scripted  map[string][]MockResponse

	requestCount     int
	conditionalCount int
	createCount      int
	lastHeader       http.Header
}

// NewMockHRIS starts a mock server. If token is non-empty every request
// must carry "Authorization: Bearer <token>".
func NewMockHRIS(token string) *MockHRIS {
	m := &MockHRIS{
		token:     token,
		employees: make(map[string]map[string]any),
		etags:     make(map[string]string),
		emails:    make(map[string]string),
		scripted:  make(map[string][]MockResponse),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/employees", m.handleCreate)
	mux.HandleFunc("GET /v1/employees/{id}", m.handleGet)

	m.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.mu.Lock()
		m.requestCount++
		m.lastHeader = r.Header.Clone()
		if r.Header.Get("If-None-Match") != "" || r.Header.Get("If-Modified-Since") != "" {
			m.conditionalCount++
		}
		resp, scripted := m.nextScriptedLocked(r)
		m.mu.Unlock()

		if m.token != "" && r.Header.Get("Authorization") != "Bearer "+m.token {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"message": "invalid token"})
			return
		}
		if scripted {
			writeMockResponse(w, resp)
			return
		}
		mux.ServeHTTP(w, r)
	}))

	return m
}

// URL returns the server's base URL.
func (m *MockHRIS) URL() string {
	return m.server.URL
}

// Close shuts the server down.
func (m *MockHRIS) Close() {
	m.server.Close()
}

// Enqueue scripts resp as the next answer for route, e.g.
// "POST /v1/employees" or "GET /v1/employees/emp-1". Scripted answers are
// used in order before the route's normal behavior resumes.
func (m *MockHRIS) Enqueue(route string, resp ...MockResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scripted[route] = append(m.scripted[route], resp...)
}

// AddEmployee seeds an employee and returns its id.
func (m *MockHRIS) AddEmployee(fields map[string]any) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.storeLocked(fields)
}

// Employee returns a stored employee.
func (m *MockHRIS) Employee(id string) (map[string]any, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.employees[id]
	return e, ok
}

// RequestCount returns the number of requests received.
func (m *MockHRIS) RequestCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requestCount
}

// ConditionalCount returns the number of requests with validators.
func (m *MockHRIS) ConditionalCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conditionalCount
}

// CreateCount returns the number of employees created.
func (m *MockHRIS) CreateCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createCount
}

// LastRequestHeader returns the headers of the latest request.
func (m *MockHRIS) LastRequestHeader() http.Header {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastHeader
}

func (m *MockHRIS) nextScriptedLocked(r *http.Request) (MockResponse, bool) {
	route := r.Method + " " + r.URL.Path
	queue := m.scripted[route]
	if len(queue) == 0 {
		return MockResponse{}, false
	}
	m.scripted[route] = queue[1:]
	return queue[0], true
}

func (m *MockHRIS) handleCreate(w http.ResponseWriter, r *http.Request) {
	var fields map[string]any
	if err := json.NewDecoder(r.Body).Decode(&fields); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "malformed JSON"})
		return
	}

	email, _ := fields["email"].(string)
	if strings.TrimSpace(email) == "" {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"message": "email is required"})
		return
	}

	m.mu.Lock()
	if _, taken := m.emails[strings.ToLower(email)]; taken {
		m.mu.Unlock()
		writeJSON(w, http.StatusConflict, map[string]string{"message": "email already in use"})
		return
	}
	id := m.storeLocked(fields)
	m.createCount++
	m.mu.Unlock()

	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (m *MockHRIS) handleGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	m.mu.Lock()
	employee, ok := m.employees[id]
	etag := m.etags[id]
	m.mu.Unlock()

	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"message": "employee not found"})
		return
	}

	w.Header().Set("ETag", etag)
	w.Header().Set("Cache-Control", "private, max-age=60")
	if r.Header.Get("If-None-Match") == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	writeJSON(w, http.StatusOK, employee)
}

func (m *MockHRIS) storeLocked(fields map[string]any) string {
	m.nextID++
	id := fmt.Sprintf("emp-%d", m.nextID)

	stored := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		stored[k] = v
	}
	stored["id"] = id

	m.employees[id] = stored
	m.etags[id] = fmt.Sprintf(`"%s-v1"`, id)
	if email, ok := fields["email"].(string); ok && email != "" {
		m.emails[strings.ToLower(email)] = id
	}
	return id
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeMockResponse(w http.ResponseWriter, resp MockResponse) {
	if resp.Delay > 0 {
		time.Sleep(resp.Delay)
	}
	for k, v := range resp.Headers {
		w.Header().Set(k, v)
	}
	if w.Header().Get("Content-Type") == "" && resp.Body != "" {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
	}
	w.WriteHeader(resp.StatusCode)
	if resp.Body != "" {
		_, _ = w.Write([]byte(resp.Body))
	}
}

// NewRateLimitResponse is a 429 asking the client to wait retryAfter.
func NewRateLimitResponse(retryAfter time.Duration) MockResponse {
	return MockResponse{
		StatusCode: http.StatusTooManyRequests,
		Body:       `{"message": "rate limit exceeded"}`,
		Headers: map[string]string{
			"Retry-After": fmt.Sprintf("%d", int(retryAfter.Seconds())),
		},
	}
}

// NewServerErrorResponse is a 503 Service Unavailable.
func NewServerErrorResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusServiceUnavailable,
		Body:       `{"error": "upstream unavailable"}`,
	}
}

// NewValidationErrorResponse is a 422 with the given message.
func NewValidationErrorResponse(message string) MockResponse {
	body, _ := json.Marshal(map[string]string{"message": message})
	return MockResponse{
		StatusCode: http.StatusUnprocessableEntity,
		Body:       string(body),
	}
}
