package dispatcher

import (
	"context"
	"encoding/json"
	"log/slog"

	"fleettrack-svr/internal/fleet"
	"fleettrack-svr/internal/observability"
)

// Dispatcher decodes raw payloads from vehicle units and hands them to the
// ingestion service. One instance is shared by every connection.
type Dispatcher struct {
	svc    *fleet.Service
	logger *slog.Logger
}

func New(svc *fleet.Service, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{svc: svc, logger: logger.With("component", "dispatcher")}
}

// ProcessIncoming handles one JSON position report as sent by a unit.
// Failures end here: the unit gets no retry signal, redelivery is its call.
func (d *Dispatcher) ProcessIncoming(ctx context.Context, data []byte) {
	observability.ReportsReceived.Inc()

	var rep fleet.PositionReport
	if err := json.Unmarshal(data, &rep); err != nil {
		observability.ParseErrors.Inc()
		d.logger.Warn("undecodable report payload", "bytes", len(data), "err", err)
		return
	}

	out, err := d.svc.Ingest(ctx, &rep)
	if err != nil {
		d.logger.Error("report dropped", "vehicle", rep.VehicleCode, "err", err)
		return
	}
	d.logger.Debug("report processed", "vehicle", rep.VehicleCode, "outcome", out.String())
}
