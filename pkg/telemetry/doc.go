// Package telemetry provides observability for the liveprobe control plane and agents.
//
// It integrates structured logging (zerolog), distributed tracing
// (OpenTelemetry), metrics (Prometheus) and an audit event publisher.
//
// # Usage
//
//	tel, err := telemetry.NewTelemetry(telemetry.DefaultConfig())
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
// Components receive a zerolog logger tagged with their name:
//
//	logger := tel.Logger.Component("bridge")
//
// # Metrics
//
// Metrics use a private registry and are served by the API server:
//
//	mux.Handle("/metrics", tel.Metrics.Handler())
//
// Every Record method is safe on a disabled or nil *Metrics.
//
// # Audit Events
//
// The control registry publishes instrument lifecycle and probe connection
// events; the server subscribes the store's audit log to them:
//
//	tel.Events.Subscribe(func(e telemetry.Event) { ... }, telemetry.FilterByType(telemetry.EventTypeInstrumentRemoved))
package telemetry
