package dashboard

import (
	"errors"
	"io"
	"net/http"

	"github.com/cyclopcam/snapbus/server/collector"
	"github.com/cyclopcam/snapbus/server/storage"
	"github.com/cyclopcam/www"
	"github.com/julienschmidt/httprouter"
	"gorm.io/gorm"
)

const (
	defaultRecentCaptures = 20
	maxRecentCaptures     = 1000
)

// Artifact names in /api/capture/:key/:artifact, and the blob names they map to
var artifacts = map[string]func(key string) string{
	"image":     collector.ImageName,
	"detection": collector.DetectionImageName,
	"json":      collector.DetectionJSONName,
}

// SetCaptures enables the capture API, which browses what the collector has stored
func (d *Dashboard) SetCaptures(index *collector.Index, store storage.Storage) {
	d.lock.Lock()
	defer d.lock.Unlock()
	d.index = index
	d.store = store
}

func (d *Dashboard) captures() (*collector.Index, storage.Storage) {
	d.lock.Lock()
	defer d.lock.Unlock()
	if d.index == nil || d.store == nil {
		www.PanicNotFound()
	}
	return d.index, d.store
}

func (d *Dashboard) httpCaptureList(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	index, _ := d.captures()
	n := www.QueryInt(r, "n")
	if n <= 0 {
		n = defaultRecentCaptures
	}
	n = min(n, maxRecentCaptures)
	recent, err := index.Recent(n)
	www.Check(err)
	www.SendJSON(w, recent)
}

func (d *Dashboard) httpCaptureGet(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	index, _ := d.captures()
	c, err := index.Get(params.ByName("key"))
	if errors.Is(err, gorm.ErrRecordNotFound) {
		www.PanicNotFound()
	}
	www.Check(err)
	www.SendJSON(w, c)
}

func (d *Dashboard) httpCaptureArtifact(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	_, store := d.captures()
	name, ok := artifacts[params.ByName("artifact")]
	if !ok {
		www.PanicBadRequestf("Unknown artifact '%v'. Valid artifacts are image, detection, json", params.ByName("artifact"))
	}
	f, err := store.ReadFile(name(params.ByName("key")))
	if errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrInvalidName) {
		www.PanicNotFound()
	}
	www.Check(err)
	defer f.Reader.Close()
	w.Header().Set("Content-Type", f.ContentType)
	io.Copy(w, f.Reader)
}

// Delete the artifacts and index record of a cycle
func (d *Dashboard) httpCaptureDelete(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	index, store := d.captures()
	key := params.ByName("key")
	for _, name := range artifacts {
		err := store.DeleteFile(name(key))
		if errors.Is(err, storage.ErrInvalidName) {
			www.PanicBadRequestf("Invalid capture key '%v'", key)
		}
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			www.Check(err)
		}
	}
	www.Check(index.Delete(key))
	d.Log.Infof("Deleted capture %v", key)
	www.SendOK(w)
}
