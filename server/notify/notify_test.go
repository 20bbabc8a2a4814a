package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/snapbus/pkg/bus"
	"github.com/cyclopcam/snapbus/pkg/envelope"
	"github.com/cyclopcam/snapbus/server/config"
	"github.com/jordan-wright/email"
	"github.com/stretchr/testify/require"
)

func newTestBus(t *testing.T) (*bus.Memory, bus.Topics, *bus.Recorder) {
	b := bus.NewMemory()
	t.Cleanup(b.Close)
	topics := bus.NewTopics("")
	rec, err := bus.NewRecorder(b, "#")
	require.NoError(t, err)
	return b, topics, rec
}

func waitFor(t *testing.T, rec *bus.Recorder, topic string, n int) [][]byte {
	require.Eventually(t, func() bool {
		return rec.Count(topic) >= n
	}, 5*time.Second, 5*time.Millisecond)
	return rec.Messages(topic)
}

func TestJournalRing(t *testing.T) {
	b, topics, rec := newTestBus(t)
	j := NewJournal(logs.NewTestingLog(t), b, topics, filepath.Join(t.TempDir(), "snapshot.jpg"))
	j.now = func() time.Time { return time.Date(2024, 5, 6, 7, 8, 9, 0, time.Local) }

	j.HandleLog("log client: this is mine")
	require.Empty(t, j.Lines())

	for i := 0; i < 12; i++ {
		j.HandleLog(fmt.Sprintf("camera client: line %v", i))
	}
	lines := j.Lines()
	require.Len(t, lines, JournalSize)
	require.Equal(t, "[2024-05-06 07:08:09] camera client: line 11", lines[0])
	require.Equal(t, "[2024-05-06 07:08:09] camera client: line 2", lines[JournalSize-1])

	published := waitFor(t, rec, topics.DashboardLog, 12)
	require.Equal(t, strings.Join(lines, "<br>"), string(published[11]))
	require.Equal(t, "[2024-05-06 07:08:09] camera client: line 0", string(published[0]))
}

func TestJournalIgnoresOwnLines(t *testing.T) {
	b, topics, rec := newTestBus(t)
	j := NewJournal(logs.NewTestingLog(t), b, topics, filepath.Join(t.TempDir(), "snapshot.jpg"))
	require.NoError(t, j.Start())

	require.NoError(t, b.Publish(topics.ActionLog, []byte("camera client: hello")))
	waitFor(t, rec, topics.DashboardLog, 1)

	// The journal's own status line comes back on action/log, and must not produce another update
	require.NoError(t, b.Publish(topics.NotifyEmail, []byte("jpeg")))
	waitFor(t, rec, topics.DashboardSnapshot, 1)
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 1, rec.Count(topics.DashboardLog))
	require.Len(t, j.Lines(), 1)
}

func TestJournalEmailImage(t *testing.T) {
	b, topics, rec := newTestBus(t)
	snapshot := filepath.Join(t.TempDir(), "www", "snapshot.jpg")
	j := NewJournal(logs.NewTestingLog(t), b, topics, snapshot)

	cycle := envelope.NewCycle(42, time.Now())
	j.HandleEmailImage(envelope.Encode(cycle, []byte("jpeg bytes")))
	got, err := os.ReadFile(snapshot)
	require.NoError(t, err)
	require.Equal(t, "jpeg bytes", string(got))

	msgs := waitFor(t, rec, topics.DashboardSnapshot, 1)
	m, err := envelope.Decode(msgs[0])
	require.NoError(t, err)
	require.Equal(t, "snapshot.jpg", string(m.Body))
	require.NotNil(t, m.Cycle)
	require.Equal(t, cycle.Key, m.Cycle.Key)

	status := waitFor(t, rec, topics.ActionLog, 1)
	require.True(t, strings.HasPrefix(string(status[0]), "log client: "))

	// A bare image gives a bare notice, which the collector files under its latest cycle
	j.HandleEmailImage([]byte("more bytes"))
	msgs = waitFor(t, rec, topics.DashboardSnapshot, 2)
	require.Equal(t, "snapshot.jpg", string(msgs[1]))
	m, err = envelope.Decode(msgs[1])
	require.NoError(t, err)
	require.Nil(t, m.Cycle)
}

func TestImgurUpload(t *testing.T) {
	img := filepath.Join(t.TempDir(), "snapshot.jpg")
	require.NoError(t, os.WriteFile(img, []byte("jpeg"), 0644))

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Client-ID abc" {
			w.WriteHeader(http.StatusForbidden)
			w.Write([]byte(`{"data":{"error":"bad client id"},"success":false,"status":403}`))
			return
		}
		f, hdr, err := r.FormFile("image")
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		b, _ := io.ReadAll(f)
		if string(b) != "jpeg" || hdr.Filename != "snapshot.jpg" || r.FormValue("type") != "file" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Write([]byte(`{"data":{"link":"http://i.imgur.com/xyz.jpg"},"success":true,"status":200}`))
	}))
	defer server.Close()

	host := NewImgur(config.ImgurConfig{ClientID: "abc", Endpoint: server.URL})
	link, err := host.Upload(context.Background(), img)
	require.NoError(t, err)
	require.Equal(t, "https://i.imgur.com/xyz.jpg", link)

	host.ClientID = "wrong"
	_, err = host.Upload(context.Background(), img)
	require.Error(t, err)
	require.Contains(t, err.Error(), "403")

	_, err = host.Upload(context.Background(), filepath.Join(t.TempDir(), "missing.jpg"))
	require.Error(t, err)
}

func TestForceHTTPS(t *testing.T) {
	require.Equal(t, "https://a/b.jpg", ForceHTTPS("http://a/b.jpg"))
	require.Equal(t, "https://a/b.jpg", ForceHTTPS("https://a/b.jpg"))
}

type fakeHost struct {
	link string
	err  error
}

func (h *fakeHost) Upload(ctx context.Context, filename string) (string, error) {
	return h.link, h.err
}

type linePush struct {
	To       string           `json:"to"`
	Messages []map[string]any `json:"messages"`
}

type fakeLine struct {
	server *httptest.Server
	lock   sync.Mutex
	pushes []linePush
}

func newFakeLine(t *testing.T) *fakeLine {
	f := &fakeLine{}
	f.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v2/bot/message/push" || r.Header.Get("Authorization") != "Bearer token" {
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"message":"unauthorized"}`))
			return
		}
		p := linePush{}
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"message":"bad json"}`))
			return
		}
		f.lock.Lock()
		f.pushes = append(f.pushes, p)
		f.lock.Unlock()
		w.Write([]byte(`{}`))
	}))
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeLine) all() []linePush {
	f.lock.Lock()
	defer f.lock.Unlock()
	return append([]linePush{}, f.pushes...)
}

func lineConfig(endpoint string) config.LINEConfig {
	return config.LINEConfig{
		ChannelSecret:      "secret",
		ChannelAccessToken: "token",
		TargetUserID:       "U123",
		EndpointBase:       endpoint,
	}
}

func TestLineNotifier(t *testing.T) {
	b, topics, rec := newTestBus(t)
	fl := newFakeLine(t)
	host := &fakeHost{link: "http://i.imgur.com/abc.jpg"}
	n, err := NewLineNotifier(logs.NewTestingLog(t), b, topics, lineConfig(fl.server.URL), host)
	require.NoError(t, err)
	require.NoError(t, n.Start())

	cycle := envelope.NewCycle(1, time.Now())
	require.NoError(t, b.Publish(topics.DashboardInferenceResult, envelope.Encode(cycle, []byte("person 0.9"))))
	require.NoError(t, b.Publish(topics.NotifyLINE, envelope.Encode(cycle, []byte("/tmp/snapshot.jpg"))))

	require.Eventually(t, func() bool { return len(fl.all()) == 2 }, 5*time.Second, 5*time.Millisecond)
	var text, image map[string]any
	for _, p := range fl.all() {
		require.Equal(t, "U123", p.To)
		require.Len(t, p.Messages, 1)
		switch p.Messages[0]["type"] {
		case "text":
			text = p.Messages[0]
		case "image":
			image = p.Messages[0]
		}
	}
	require.Equal(t, "person 0.9", text["text"])
	require.Equal(t, "https://i.imgur.com/abc.jpg", image["originalContentUrl"])
	require.Equal(t, "https://i.imgur.com/abc.jpg", image["previewImageUrl"])

	waitFor(t, rec, topics.ActionLog, 2)
	for _, line := range rec.Messages(topics.ActionLog) {
		require.True(t, strings.HasPrefix(string(line), "LINE client: "))
		require.Contains(t, string(line), "successfully")
	}
}

func TestLineNotifierFailures(t *testing.T) {
	b, topics, rec := newTestBus(t)
	fl := newFakeLine(t)
	host := &fakeHost{err: errors.New("imgur is down")}
	n, err := NewLineNotifier(logs.NewTestingLog(t), b, topics, lineConfig(fl.server.URL), host)
	require.NoError(t, err)

	// Upload failure: one log line, no push
	n.HandleImage([]byte("/tmp/snapshot.jpg"))
	msgs := waitFor(t, rec, topics.ActionLog, 1)
	require.Contains(t, string(msgs[0]), "imgur is down")
	require.Empty(t, fl.all())

	// API failure: one log line
	cfg := lineConfig(fl.server.URL)
	cfg.ChannelAccessToken = "revoked"
	n, err = NewLineNotifier(logs.NewTestingLog(t), b, topics, cfg, host)
	require.NoError(t, err)
	n.HandleResult([]byte("nothing"))
	msgs = waitFor(t, rec, topics.ActionLog, 2)
	require.Contains(t, string(msgs[1]), "an error occurred")
	require.Empty(t, fl.all())

	_, err = NewLineNotifier(logs.NewTestingLog(t), b, topics, config.LINEConfig{}, host)
	require.Error(t, err)
}

func TestMailNotifier(t *testing.T) {
	b, topics, rec := newTestBus(t)
	cfg := config.Default().Mail
	cfg.Username = "me@example.com"
	cfg.To = "you@example.com"
	n, err := NewMailNotifier(logs.NewTestingLog(t), b, topics, cfg)
	require.NoError(t, err)
	n.now = func() time.Time { return time.Date(2024, 1, 2, 3, 4, 5, 0, time.Local) }

	var sent []*email.Email
	n.send = func(e *email.Email) error {
		sent = append(sent, e)
		return nil
	}
	n.HandleImage([]byte("jpeg"))
	require.Len(t, sent, 1)
	e := sent[0]
	require.Equal(t, "Snapshot at 2024-01-02-03-04-05", e.Subject)
	require.Equal(t, "<me@example.com>", e.From)
	require.Equal(t, []string{"<you@example.com>"}, e.To)
	require.Len(t, e.Attachments, 1)
	require.Equal(t, "snapshot.jpg", e.Attachments[0].Filename)
	require.Equal(t, "jpeg", string(e.Attachments[0].Content))
	msgs := waitFor(t, rec, topics.ActionLog, 1)
	require.Equal(t, "mail client: mail sent to you@example.com successfully.", string(msgs[0]))

	n.send = func(e *email.Email) error {
		return errors.New("connection refused")
	}
	n.HandleImage([]byte("jpeg"))
	msgs = waitFor(t, rec, topics.ActionLog, 2)
	require.Contains(t, string(msgs[1]), "connection refused")

	_, err = NewMailNotifier(logs.NewTestingLog(t), b, topics, config.MailConfig{})
	require.Error(t, err)
}
