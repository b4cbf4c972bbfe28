package server

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"

	"rssi-engine/relay"
	"rssi-engine/store"
	"rssi-engine/web"
)

// Publisher receives every finished run, failed ones included.
type Publisher interface {
	Publish(ctx context.Context, r *Result) error
}

// RelayPublisher forwards estimates, run summaries and failures downstream.
type RelayPublisher struct {
	Sender *relay.Sender
	Region int

	seq atomic.Uint32
}

func (p *RelayPublisher) Publish(_ context.Context, r *Result) error {
	if r.Err != nil {
		p.Sender.Send(relay.FormatWarning(r.Addr, r.Time, r.RunID.String(), r.Err), relay.FlagWarning)
		return nil
	}
	seq := uint16(p.seq.Add(1))
	p.Sender.Send(relay.FormatSource(r.Addr, r.Time, seq, p.Region, r.Estimated), relay.FlagPosition)
	p.Sender.Send(relay.FormatSummary(r.Addr, r.Time, r.RunID.String(), r.Readings, r.Inliers, r.Iterations), relay.FlagSummary)
	return nil
}

// WebPublisher pushes successful estimates to websocket clients.
type WebPublisher struct {
	Hub *web.Hub
}

func (p *WebPublisher) Publish(_ context.Context, r *Result) error {
	if r.Err != nil {
		return nil
	}
	b, err := json.Marshal(newWsSource(r))
	if err != nil {
		return err
	}
	p.Hub.Broadcast(b)
	return nil
}

// StorePublisher persists successful estimates as models.
type StorePublisher struct {
	Store *store.Store
}

func (p *StorePublisher) Publish(ctx context.Context, r *Result) error {
	if r.Err != nil {
		return nil
	}
	return p.Store.Save(ctx, store.NewModel(r.RunID.String(), r.Estimated, r.Readings, r.Inliers, r.Time))
}

// Priors supplies the last known model of a source, used to seed its next
// run. It returns store.ErrNotFound for unseen sources.
type Priors interface {
	Latest(ctx context.Context, id string) (*store.Model, error)
}

var _ Priors = (*store.Store)(nil)

func isNotFound(err error) bool { return errors.Is(err, store.ErrNotFound) }
