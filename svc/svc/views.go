package svc

import (
	"context"
	"time"

	"pastebin/metrics"
	"pastebin/pkg/domain"
	"pastebin/svc/geo"
	"pastebin/svc/util"

	"github.com/pkg/errors"
)

// GeoResolver maps a client IP to a location when it can.
type GeoResolver interface {
	Resolve(ip string) (geo.Location, bool)
}

type viewCounter interface {
	IncrViews(ctx context.Context, id string) error
}

type invalidator interface {
	Invalidate(pasteID string)
}

// ViewInput is the client context of one successful retrieval.
type ViewInput struct {
	PasteID   string
	ClientIP  string
	UserAgent string
	Referer   string
	SessionID string
}

type ViewRecorder struct {
	views     ViewStore
	counter   viewCounter
	geo       GeoResolver
	tasks     *Dispatcher
	analytics invalidator
	now       func() time.Time
}

func NewViewRecorder(views ViewStore, counter viewCounter, tasks *Dispatcher) *ViewRecorder {
	return &ViewRecorder{views: views, counter: counter, tasks: tasks, now: time.Now}
}

func (r *ViewRecorder) WithGeo(g GeoResolver) *ViewRecorder {
	r.geo = g
	return r
}

func (r *ViewRecorder) withInvalidator(a invalidator) *ViewRecorder {
	r.analytics = a
	return r
}

// Record appends the view event and bumps the paste's view counter.
func (r *ViewRecorder) Record(ctx context.Context, in ViewInput) error {
	v := &domain.PasteView{
		ID:        util.NewID(),
		PasteID:   in.PasteID,
		ViewerIP:  in.ClientIP,
		UserAgent: in.UserAgent,
		Referer:   in.Referer,
		ViewedAt:  r.now().UTC(),
		SessionID: in.SessionID,
	}
	if v.SessionID == "" {
		v.SessionID = util.NewID()
	}
	if r.geo != nil && in.ClientIP != "" {
		if loc, ok := r.geo.Resolve(in.ClientIP); ok {
			v.ViewerCountry = loc.Country
			v.ViewerCity = loc.City
		}
	}
	if err := r.views.AppendView(ctx, v); err != nil {
		metrics.ViewsFailed.Inc()
		return errors.Wrap(err, "append view")
	}
	if err := r.counter.IncrViews(ctx, in.PasteID); err != nil {
		metrics.ViewsFailed.Inc()
		return errors.Wrap(err, "incr view count")
	}
	if r.analytics != nil {
		r.analytics.Invalidate(in.PasteID)
	}
	metrics.ViewsRecorded.Inc()
	return nil
}

// Enqueue hands Record to the dispatcher. Failures only reach the log.
func (r *ViewRecorder) Enqueue(in ViewInput) bool {
	return r.tasks.Submit("record_view", func(ctx context.Context) error {
		if err := r.Record(ctx, in); err != nil {
			util.Warn().Err(err).
				Str("paste_id", in.PasteID).
				Str("ip", util.RedactIP(in.ClientIP)).
				Msg("view not recorded")
		}
		return nil
	})
}
