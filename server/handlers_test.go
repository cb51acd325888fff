package server_test

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/subtalk/talklog/backend/store"
	"github.com/subtalk/talklog/backend/testutil"
)

var apiBase = time.Date(2026, 3, 5, 10, 0, 0, 0, time.UTC)

func seedAPI(api *testutil.TestAPI, n int) []store.Message {
	var out []store.Message
	for i := 0; i < n; i++ {
		out = append(out, api.Store.SeedAt(store.Fields{
			Sender:  fmt.Sprintf("sender-%d", i%3),
			Content: fmt.Sprintf("message %d", i),
		}, apiBase.Add(time.Duration(i)*time.Minute)))
	}
	return out
}

func getJSON(t *testing.T, url string, wantStatus int, v any) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != wantStatus {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("GET %s: status %d, want %d (body %s)", url, resp.StatusCode, wantStatus, body)
	}
	if v != nil {
		if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
}

type listResponse struct {
	Messages   []store.Message `json:"messages"`
	NextCursor string          `json:"next_cursor"`
}

func TestMessagesListPagination(t *testing.T) {
	api := testutil.NewTestAPI(t)
	msgs := seedAPI(api, 7)

	var page1 listResponse
	getJSON(t, api.URL+"/messages?limit=3", http.StatusOK, &page1)
	if len(page1.Messages) != 3 {
		t.Fatalf("page 1 has %d messages", len(page1.Messages))
	}
	if page1.Messages[0].ID != msgs[6].ID {
		t.Errorf("page 1 should start at the newest message")
	}
	if page1.NextCursor == "" {
		t.Fatal("full page must carry a next cursor")
	}

	var page2 listResponse
	getJSON(t, api.URL+"/messages?limit=3&before="+page1.NextCursor, http.StatusOK, &page2)
	if len(page2.Messages) != 3 {
		t.Fatalf("page 2 has %d messages", len(page2.Messages))
	}
	for _, m := range page2.Messages {
		for _, p := range page1.Messages {
			if m.ID == p.ID {
				t.Fatalf("id %d appeared on both pages", m.ID)
			}
		}
	}

	var page3 listResponse
	getJSON(t, api.URL+"/messages?limit=3&before="+page2.NextCursor, http.StatusOK, &page3)
	if len(page3.Messages) != 1 || page3.NextCursor != "" {
		t.Errorf("final page: %d messages, cursor %q", len(page3.Messages), page3.NextCursor)
	}
}

func TestMessagesListStableAcrossInserts(t *testing.T) {
	api := testutil.NewTestAPI(t)
	msgs := seedAPI(api, 6)

	var page1 listResponse
	getJSON(t, api.URL+"/messages?limit=3", http.StatusOK, &page1)

	// A new message lands between page requests; the cursor keeps the older
	// page anchored so nothing shifts or duplicates.
	api.Store.InsertAt(store.Fields{Sender: "late", Content: "new arrival"}, apiBase.Add(time.Hour))

	var page2 listResponse
	getJSON(t, api.URL+"/messages?limit=3&before="+page1.NextCursor, http.StatusOK, &page2)
	if len(page2.Messages) != 3 {
		t.Fatalf("page 2 has %d messages", len(page2.Messages))
	}
	if page2.Messages[0].ID != msgs[2].ID {
		t.Errorf("page 2 starts at id %d, want %d", page2.Messages[0].ID, msgs[2].ID)
	}
}

func TestMessagesListRejectsBadCursor(t *testing.T) {
	api := testutil.NewTestAPI(t)
	getJSON(t, api.URL+"/messages?before=%21%21not-base64", http.StatusBadRequest, nil)
}

func TestSenderMessages(t *testing.T) {
	api := testutil.NewTestAPI(t)
	now := time.Now().UTC()
	api.Store.SeedAt(store.Fields{Sender: "alice", Content: "recent"}, now.Add(-time.Hour))
	api.Store.SeedAt(store.Fields{Sender: "alice", Content: "old"}, now.Add(-60*24*time.Hour))
	api.Store.SeedAt(store.Fields{Sender: "bob", Content: "other"}, now.Add(-time.Hour))

	var resp struct {
		Sender   string          `json:"sender"`
		Count    int             `json:"count"`
		Messages []store.Message `json:"messages"`
	}
	getJSON(t, api.URL+"/senders/alice/messages?range=week", http.StatusOK, &resp)
	if resp.Sender != "alice" || resp.Count != 1 {
		t.Errorf("got sender=%q count=%d, want alice/1", resp.Sender, resp.Count)
	}

	getJSON(t, api.URL+"/senders/alice/messages?range=century", http.StatusBadRequest, nil)
	getJSON(t, api.URL+"/senders/alice/nothing", http.StatusNotFound, nil)
}

func TestStatsEndpoint(t *testing.T) {
	api := testutil.NewTestAPI(t)
	now := time.Now().UTC()
	api.Store.SeedAt(store.Fields{Sender: "X", Content: "1"}, now.Add(-time.Hour))
	api.Store.SeedAt(store.Fields{Sender: "X", Content: "2"}, now.Add(-2*time.Hour))
	api.Store.SeedAt(store.Fields{Sender: "Y", Content: "3"}, now.Add(-3*time.Hour))
	api.Store.SeedAt(store.Fields{Sender: "Y", Content: "stale"}, now.Add(-48*time.Hour))

	var resp struct {
		Range   string `json:"range"`
		Total   int    `json:"total"`
		Senders []struct {
			Sender     string  `json:"sender"`
			Count      int     `json:"count"`
			Percentage float64 `json:"percentage"`
		} `json:"senders"`
		TopBar []json.RawMessage `json:"top_bar"`
	}
	getJSON(t, api.URL+"/stats?range=day", http.StatusOK, &resp)
	if resp.Total != 3 || len(resp.Senders) != 2 {
		t.Fatalf("total=%d senders=%d, want 3/2", resp.Total, len(resp.Senders))
	}
	if resp.Senders[0].Sender != "X" || resp.Senders[0].Count != 2 {
		t.Errorf("rank 1 = %+v", resp.Senders[0])
	}
	if len(resp.TopBar) != 2 {
		t.Errorf("top_bar has %d entries", len(resp.TopBar))
	}

	getJSON(t, api.URL+"/stats?range=century", http.StatusBadRequest, nil)
}

func TestStatsFailureIsNotEmptySuccess(t *testing.T) {
	api := testutil.NewTestAPI(t)
	api.Store.SetFailing(true)

	var body map[string]string
	getJSON(t, api.URL+"/stats", http.StatusServiceUnavailable, &body)
	if body["error"] == "" {
		t.Error("failure response must carry an error body")
	}
}

func TestIngestJSON(t *testing.T) {
	api := testutil.NewTestAPI(t)

	resp, err := http.Post(api.URL+"/api/log", "application/json",
		strings.NewReader(`{"text":"hello from bot","sender":"bot","room":"general"}`))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("status %d, body %s", resp.StatusCode, body)
	}
	var m store.Message
	if err := json.NewDecoder(resp.Body).Decode(&m); err != nil {
		t.Fatal(err)
	}
	if m.ID == 0 || m.Content != "hello from bot" || m.Sender != "bot" {
		t.Errorf("created message: %+v", m)
	}
}

func TestIngestValidation(t *testing.T) {
	api := testutil.NewTestAPI(t)

	tests := []struct {
		name string
		body string
	}{
		{"empty_content", `{"text":"","sender":"bot"}`},
		{"whitespace_content", `{"text":"   "}`},
		{"malformed_json", `{"text":`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.Post(api.URL+"/api/log", "application/json", strings.NewReader(tt.body))
			if err != nil {
				t.Fatal(err)
			}
			resp.Body.Close()
			if resp.StatusCode != http.StatusBadRequest {
				t.Errorf("status %d, want 400", resp.StatusCode)
			}
		})
	}

	// Nothing may have been stored.
	rows, err := api.Store.Query(t.Context(), store.QueryOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 0 {
		t.Errorf("rejected requests created %d rows", len(rows))
	}
}

func TestIngestRejectsGet(t *testing.T) {
	api := testutil.NewTestAPI(t)
	resp, err := http.Get(api.URL + "/api/log")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("status %d, want 405", resp.StatusCode)
	}
}

func TestIngestMultipartWithImage(t *testing.T) {
	api := testutil.NewTestAPI(t)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	_ = mw.WriteField("content", "look at this")
	_ = mw.WriteField("sender", "alice")
	fw, err := mw.CreateFormFile("image", "photo.png")
	if err != nil {
		t.Fatal(err)
	}
	_, _ = fw.Write([]byte("fake png bytes"))
	_ = mw.Close()

	resp, err := http.Post(api.URL+"/api/log", mw.FormDataContentType(), &buf)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("status %d, body %s", resp.StatusCode, body)
	}
	var m store.Message
	if err := json.NewDecoder(resp.Body).Decode(&m); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(m.ImageURL, "/media/") || !strings.HasSuffix(m.ImageURL, "photo.png") {
		t.Errorf("image url = %q", m.ImageURL)
	}

	// The stored file is served back at the returned URL.
	img, err := http.Get(api.URL + m.ImageURL)
	if err != nil {
		t.Fatal(err)
	}
	defer img.Body.Close()
	if img.StatusCode != http.StatusOK {
		t.Fatalf("media fetch status %d", img.StatusCode)
	}
	data, _ := io.ReadAll(img.Body)
	if string(data) != "fake png bytes" {
		t.Errorf("media content mismatch: %q", data)
	}
}

func TestIngestMultipartBadTextLeavesNoAttachment(t *testing.T) {
	api := testutil.NewTestAPI(t)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	_ = mw.WriteField("content", "broken \xff\xfe text")
	fw, err := mw.CreateFormFile("image", "photo.png")
	if err != nil {
		t.Fatal(err)
	}
	_, _ = fw.Write([]byte("fake png bytes"))
	_ = mw.Close()

	resp, err := http.Post(api.URL+"/api/log", mw.FormDataContentType(), &buf)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status %d, want 400", resp.StatusCode)
	}

	entries, err := os.ReadDir(api.Blobs.Dir())
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("rejected upload left %d files in media dir", len(entries))
	}
}

func TestSSEReplaysMissedMessages(t *testing.T) {
	api := testutil.NewTestAPI(t)
	first := api.Store.SeedAt(store.Fields{Sender: "alice", Content: "one"}, apiBase)
	api.Store.SeedAt(store.Fields{Sender: "bob", Content: "two"}, apiBase.Add(time.Minute))
	api.Store.SeedAt(store.Fields{Sender: "carol", Content: "three"}, apiBase.Add(2*time.Minute))

	// Reconnect claiming to have seen only the first message.
	var page listResponse
	getJSON(t, api.URL+"/messages?limit=3", http.StatusOK, &page)
	cursor := page.NextCursor // oldest of the full page = first message
	if cursor == "" {
		t.Fatal("expected a next cursor")
	}
	_ = first

	resp, err := http.Get(api.URL + "/messages/stream?after=" + cursor)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type %q", ct)
	}

	reader := bufio.NewReader(resp.Body)
	var contents []string
	deadline := time.After(2 * time.Second)
	for len(contents) < 2 {
		lineCh := make(chan string, 1)
		go func() {
			line, err := reader.ReadString('\n')
			if err == nil {
				lineCh <- line
			}
		}()
		select {
		case line := <-lineCh:
			if strings.HasPrefix(line, "data: ") {
				var m store.Message
				if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &m); err != nil {
					t.Fatalf("bad event payload: %v", err)
				}
				contents = append(contents, m.Content)
			}
		case <-deadline:
			t.Fatalf("timed out after %d events: %v", len(contents), contents)
		}
	}
	if contents[0] != "two" || contents[1] != "three" {
		t.Errorf("replayed %v, want [two three]", contents)
	}
}

func TestSSEDedupesAcrossSubscriberDrop(t *testing.T) {
	api := testutil.NewTestAPI(t)

	resp, err := http.Get(api.URL + "/messages/stream")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	reader := bufio.NewReader(resp.Body)

	readEvents := func(n int) []string {
		t.Helper()
		var contents []string
		deadline := time.After(3 * time.Second)
		for len(contents) < n {
			lineCh := make(chan string, 1)
			go func() {
				line, err := reader.ReadString('\n')
				if err == nil {
					lineCh <- line
				}
			}()
			select {
			case line := <-lineCh:
				if strings.HasPrefix(line, "data: ") {
					var m store.Message
					if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &m); err != nil {
						t.Fatalf("bad event payload: %v", err)
					}
					contents = append(contents, m.Content)
				}
			case <-deadline:
				t.Fatalf("timed out after %d events: %v", len(contents), contents)
			}
		}
		return contents
	}

	api.Store.InsertAt(store.Fields{Sender: "alice", Content: "one"}, apiBase)
	got := readEvents(1)

	// A row written while detached must arrive through the heal, and the heal
	// must not redeliver anything already sent.
	api.Store.SeedAt(store.Fields{Sender: "bob", Content: "two"}, apiBase.Add(time.Minute))
	api.Store.DropSubscribers()
	api.Store.InsertAt(store.Fields{Sender: "carol", Content: "three"}, apiBase.Add(2*time.Minute))

	got = append(got, readEvents(2)...)
	if len(got) != 3 || got[0] != "one" || got[1] != "two" || got[2] != "three" {
		t.Fatalf("events = %v, want [one two three]", got)
	}
	seen := map[string]bool{}
	for _, c := range got {
		if seen[c] {
			t.Errorf("event %q delivered twice", c)
		}
		seen[c] = true
	}
}

func TestHealthzWithoutDB(t *testing.T) {
	api := testutil.NewTestAPI(t)
	var body map[string]string
	getJSON(t, api.URL+"/healthz", http.StatusOK, &body)
	if body["status"] != "healthy" {
		t.Errorf("status = %q", body["status"])
	}
}

func TestStatusWithoutDB(t *testing.T) {
	api := testutil.NewTestAPI(t)
	resp, err := http.Get(api.URL + "/status")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status code = %d, want %d", resp.StatusCode, http.StatusServiceUnavailable)
	}
	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["error"] != "status unavailable" {
		t.Errorf("error = %q", body["error"])
	}
}

func TestCorrelationIDHeader(t *testing.T) {
	api := testutil.NewTestAPI(t)

	req, _ := http.NewRequest(http.MethodGet, api.URL+"/messages", nil)
	req.Header.Set("X-Correlation-ID", "test-corr-123")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if got := resp.Header.Get("X-Correlation-ID"); got != "test-corr-123" {
		t.Errorf("correlation id = %q", got)
	}

	// Absent header gets a generated id.
	resp2, err := http.Get(api.URL + "/messages")
	if err != nil {
		t.Fatal(err)
	}
	resp2.Body.Close()
	if resp2.Header.Get("X-Correlation-ID") == "" {
		t.Error("missing generated correlation id")
	}
}
