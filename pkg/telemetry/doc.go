// Package telemetry provides observability for storyplayer runs.
//
// It integrates structured logging (zerolog), tracing (OpenTelemetry) and
// metrics (Prometheus). The settings live in the "storyplayer.telemetry"
// section of the resolved configuration:
//
//	cfg := telemetry.DefaultConfig()
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//	ctx = tel.WithContext(ctx)
//
// Every story gets a "story.play" span with one child span per phase group,
// and every host backend call gets a "backend.<operation>" span.
//
// Metrics are kept in a private registry. They can be served over HTTP for
// the duration of a run (MetricsConfig.ListenAddress) or dumped in text
// format when the run ends (MetricsConfig.TextfilePath), which suits CI
// agents running the node exporter textfile collector.
package telemetry
