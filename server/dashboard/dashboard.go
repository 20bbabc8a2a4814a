package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/snapbus/pkg/bus"
	"github.com/cyclopcam/snapbus/pkg/envelope"
	"github.com/cyclopcam/snapbus/pkg/prefixlog"
	"github.com/cyclopcam/snapbus/server/camera"
	"github.com/cyclopcam/snapbus/server/collector"
	"github.com/cyclopcam/snapbus/server/config"
	"github.com/cyclopcam/snapbus/server/storage"
	"github.com/cyclopcam/www"
	"github.com/go-chi/httprate"
	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
)

// Update is one dashboard topic message, as sent to browsers
type Update struct {
	Topic string          `json:"topic"` // eg "dashboard/log"
	Text  string          `json:"text"`
	Cycle *envelope.Cycle `json:"cycle,omitempty"`
	Time  time.Time       `json:"time"`
}

// Dashboard bridges the dashboard topics to browsers, and lets a browser trigger the camera
type Dashboard struct {
	Log          logs.Log
	bus          bus.Bus
	topics       bus.Topics
	cfg          config.DashboardConfig
	snapshotPath string
	hub          *Hub
	wsUpgrader   websocket.Upgrader
	router       *httprouter.Router
	httpServer   *http.Server

	lock   sync.Mutex
	latest map[string]Update
	status map[string]func() any
	index  *collector.Index
	store  storage.Storage
}

func New(log logs.Log, b bus.Bus, topics bus.Topics, cfg config.DashboardConfig, snapshotPath string) *Dashboard {
	log = prefixlog.New(log, "dashboard")
	d := &Dashboard{
		Log:          log,
		bus:          b,
		topics:       topics,
		cfg:          cfg,
		snapshotPath: snapshotPath,
		hub:          NewHub(log),
		latest:       map[string]Update{},
		status:       map[string]func() any{},
	}
	d.wsUpgrader.CheckOrigin = func(r *http.Request) bool { return true }
	d.router = d.setupRoutes()
	return d
}

// AddStatus adds a section to /api/status
func (d *Dashboard) AddStatus(name string, get func() any) {
	d.lock.Lock()
	defer d.lock.Unlock()
	d.status[name] = get
}

// Start subscribes to the dashboard topics
func (d *Dashboard) Start() error {
	return d.bus.Subscribe(d.topics.Dashboard(), d.onMessage)
}

// ListenHTTP serves the API until Close is called
func (d *Dashboard) ListenHTTP() error {
	ln, err := net.Listen("tcp", d.cfg.Listen)
	if err != nil {
		return err
	}
	return d.Serve(ln)
}

func (d *Dashboard) Serve(ln net.Listener) error {
	d.lock.Lock()
	d.httpServer = &http.Server{
		Handler: d.router,
	}
	srv := d.httpServer
	d.lock.Unlock()
	d.Log.Infof("Listening on %v", ln.Addr())
	err := srv.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (d *Dashboard) Handler() http.Handler {
	return d.router
}

func (d *Dashboard) onMessage(topic string, payload []byte) {
	msg, err := envelope.Decode(payload)
	if err != nil {
		d.Log.Warnf("Ignoring %v: %v", topic, err)
		return
	}
	u := Update{
		Topic: d.topics.Short(topic),
		Text:  string(msg.Body),
		Cycle: msg.Cycle,
		Time:  time.Now().UTC(),
	}
	j, err := json.Marshal(&u)
	if err != nil {
		d.Log.Errorf("Failed to encode update: %v", err)
		return
	}
	d.lock.Lock()
	d.latest[u.Topic] = u
	d.lock.Unlock()
	d.hub.Broadcast(j)
}

// Latest returns the most recent update of every dashboard topic, sorted by topic
func (d *Dashboard) Latest() []Update {
	d.lock.Lock()
	all := make([]Update, 0, len(d.latest))
	for _, u := range d.latest {
		all = append(all, u)
	}
	d.lock.Unlock()
	sort.Slice(all, func(i, j int) bool {
		return all[i].Topic < all[j].Topic
	})
	return all
}

func (d *Dashboard) setupRoutes() *httprouter.Router {
	router := httprouter.New()

	ratelimited := func(method, route string, handle httprouter.Handle, requestLimit int, windowLength time.Duration) {
		limited := httprate.Limit(requestLimit, windowLength, httprate.WithKeyFuncs(httprate.KeyByIP))
		www.Handle(d.Log, router, method, route, func(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
			limited(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				handle(w, r, params)
			})).ServeHTTP(w, r)
		})
	}

	perMinute := d.cfg.TriggersPerMinute
	if perMinute <= 0 {
		perMinute = 30
	}

	www.Handle(d.Log, router, "GET", "/api/ping", d.httpPing)
	www.Handle(d.Log, router, "GET", "/api/snapshot", d.httpSnapshot)
	www.Handle(d.Log, router, "GET", "/api/topics", d.httpTopics)
	www.Handle(d.Log, router, "GET", "/api/status", d.httpStatus)
	www.Handle(d.Log, router, "GET", "/api/ws", d.httpWebSocket)
	www.Handle(d.Log, router, "GET", "/api/captures", d.httpCaptureList)
	www.Handle(d.Log, router, "GET", "/api/capture/:key", d.httpCaptureGet)
	www.Handle(d.Log, router, "GET", "/api/capture/:key/:artifact", d.httpCaptureArtifact)
	www.Handle(d.Log, router, "DELETE", "/api/capture/:key", d.httpCaptureDelete)
	ratelimited("POST", "/api/camera/:command", d.httpCamera, perMinute, time.Minute)
	return router
}

func (d *Dashboard) httpPing(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	www.SendText(w, "pong")
}

func (d *Dashboard) httpSnapshot(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	img, err := os.ReadFile(d.snapshotPath)
	if errors.Is(err, os.ErrNotExist) {
		www.PanicNotFound()
	}
	www.Check(err)
	www.CacheNever(w)
	w.Header().Set("Content-Type", "image/jpeg")
	w.Write(img)
}

func (d *Dashboard) httpTopics(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	www.SendJSON(w, d.Latest())
}

func (d *Dashboard) httpStatus(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	d.lock.Lock()
	getters := map[string]func() any{}
	for k, v := range d.status {
		getters[k] = v
	}
	d.lock.Unlock()
	out := map[string]any{
		"websocketClients": d.hub.NumClients(),
	}
	for k, get := range getters {
		out[k] = get()
	}
	www.SendJSON(w, out)
}

func (d *Dashboard) httpCamera(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	token := params.ByName("command")
	if _, ok := camera.ParseCommand(token); !ok {
		www.PanicBadRequestf("Unknown camera command '%v'", token)
	}
	www.Check(d.bus.Publish(d.topics.EventCamera, []byte(token)))
	www.SendOK(w)
}

func (d *Dashboard) httpWebSocket(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	conn, err := d.wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		d.Log.Errorf("Websocket upgrade failed: %v", err)
		return
	}
	// New clients start with the current state of the dashboard
	initial := [][]byte{}
	for _, u := range d.Latest() {
		if j, err := json.Marshal(&u); err == nil {
			initial = append(initial, j)
		}
	}
	d.hub.Serve(conn, initial)
}

// Close stops the HTTP server and disconnects all websockets
func (d *Dashboard) Close() {
	d.lock.Lock()
	srv := d.httpServer
	d.lock.Unlock()
	if srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	}
	d.hub.Close()
}
