// Package digest implements the status digest: the four running totals
// (bytes, done bytes, objects, done objects) that summarize a migration's
// progress across every bucket in the status store, persisted alongside
// the plan so a resumed run can report progress without re-walking every
// bucket.
package digest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gurre/cloudmig/store"
	"github.com/prometheus/client_golang/prometheus"
)

// Field names one of the four counters.
type Field int

const (
	Bytes Field = iota
	DoneBytes
	Objects
	DoneObjects
)

// DefaultRefreshFrequency is how many DoneObjects increments occur between
// automatic re-uploads of the digest document.
const DefaultRefreshFrequency = 50

// Digest tracks the four running totals and periodically persists them.
type Digest struct {
	mu               sync.Mutex
	bytes            int64
	doneBytes        int64
	objects          int64
	doneObjects      int64
	RefreshFrequency int

	client store.Client
	path   store.Locator

	gauges *prometheusGauges
}

type prometheusGauges struct {
	bytes, doneBytes, objects, doneObjects prometheus.Gauge
}

// New returns a Digest that persists to path through client. RefreshFrequency
// defaults to DefaultRefreshFrequency.
func New(client store.Client, path store.Locator) *Digest {
	return &Digest{client: client, path: path, RefreshFrequency: DefaultRefreshFrequency}
}

// RegisterPrometheus creates and registers four gauges tracking the
// digest's counters with reg, returning an error if registration fails
// (e.g. a duplicate registration).
func (d *Digest) RegisterPrometheus(reg prometheus.Registerer) error {
	g := &prometheusGauges{
		bytes:       prometheus.NewGauge(prometheus.GaugeOpts{Name: "cloudmig_bytes_total", Help: "Total bytes to transfer."}),
		doneBytes:   prometheus.NewGauge(prometheus.GaugeOpts{Name: "cloudmig_bytes_done", Help: "Bytes transferred so far."}),
		objects:     prometheus.NewGauge(prometheus.GaugeOpts{Name: "cloudmig_objects_total", Help: "Total objects to transfer."}),
		doneObjects: prometheus.NewGauge(prometheus.GaugeOpts{Name: "cloudmig_objects_done", Help: "Objects transferred so far."}),
	}
	for _, c := range []prometheus.Collector{g.bytes, g.doneBytes, g.objects, g.doneObjects} {
		if err := reg.Register(c); err != nil {
			return fmt.Errorf("digest: registering prometheus gauge: %w", err)
		}
	}
	d.gauges = g
	return nil
}

// Get returns the current value of field.
func (d *Digest) Get(field Field) int64 {
	switch field {
	case Bytes:
		return atomic.LoadInt64(&d.bytes)
	case DoneBytes:
		return atomic.LoadInt64(&d.doneBytes)
	case Objects:
		return atomic.LoadInt64(&d.objects)
	case DoneObjects:
		return atomic.LoadInt64(&d.doneObjects)
	default:
		return 0
	}
}

// Add applies delta to field, updates the matching prometheus gauge if
// registered, and triggers an Upload when DoneObjects crosses a multiple
// of RefreshFrequency.
func (d *Digest) Add(ctx context.Context, field Field, delta int64) error {
	var newVal int64
	d.mu.Lock()
	switch field {
	case Bytes:
		newVal = atomic.AddInt64(&d.bytes, delta)
		if d.gauges != nil {
			d.gauges.bytes.Set(float64(newVal))
		}
	case DoneBytes:
		newVal = atomic.AddInt64(&d.doneBytes, delta)
		if d.gauges != nil {
			d.gauges.doneBytes.Set(float64(newVal))
		}
	case Objects:
		newVal = atomic.AddInt64(&d.objects, delta)
		if d.gauges != nil {
			d.gauges.objects.Set(float64(newVal))
		}
	case DoneObjects:
		newVal = atomic.AddInt64(&d.doneObjects, delta)
		if d.gauges != nil {
			d.gauges.doneObjects.Set(float64(newVal))
		}
	}
	d.mu.Unlock()
	freq := d.RefreshFrequency
	if freq <= 0 {
		freq = DefaultRefreshFrequency
	}
	if field == DoneObjects && newVal%int64(freq) == 0 {
		return d.Upload(ctx)
	}
	return nil
}

// document is the on-disk shape of the digest.
type document struct {
	Bytes       int64     `json:"bytes"`
	DoneBytes   int64     `json:"done_bytes"`
	Objects     int64     `json:"objects"`
	DoneObjects int64     `json:"done_objects"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Upload persists the current counter snapshot unconditionally.
func (d *Digest) Upload(ctx context.Context) error {
	d.mu.Lock()
	doc := document{
		Bytes:       d.Get(Bytes),
		DoneBytes:   d.Get(DoneBytes),
		Objects:     d.Get(Objects),
		DoneObjects: d.Get(DoneObjects),
		UpdatedAt:   time.Now(),
	}
	d.mu.Unlock()
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("digest: marshal: %w", err)
	}
	if err := d.client.Fput(ctx, d.path, data, store.Attrs{}); err != nil {
		return fmt.Errorf("digest: upload: %w", err)
	}
	return nil
}

// Download loads a persisted digest document into d, overwriting its
// counters. Returns store.ErrNotExist if no digest has ever been uploaded,
// signaling the caller should regenerate one from scratch.
func (d *Digest) Download(ctx context.Context) error {
	data, _, err := d.client.Fget(ctx, d.path)
	if err != nil {
		return err
	}
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("digest: unmarshal: %w", err)
	}
	d.mu.Lock()
	atomic.StoreInt64(&d.bytes, doc.Bytes)
	atomic.StoreInt64(&d.doneBytes, doc.DoneBytes)
	atomic.StoreInt64(&d.objects, doc.Objects)
	atomic.StoreInt64(&d.doneObjects, doc.DoneObjects)
	d.mu.Unlock()
	return nil
}
