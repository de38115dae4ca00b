package crossdomain

import (
	"context"

	"go.opentelemetry.io/otel"
	otelAttr "go.opentelemetry.io/otel/attribute"
	otelTrace "go.opentelemetry.io/otel/trace"
)

// startSpan opens a span under the "crossdomain" tracer, matching
// virtcontainers/network.go's Network.trace helper. No exporter is wired by
// this package; with none registered by the embedder, otel.Tracer behaves
// as a no-op, so this costs nothing when tracing isn't configured.
func startSpan(ctx context.Context, name string, attrs ...otelAttr.KeyValue) (otelTrace.Span, context.Context) {
	tracer := otel.Tracer("crossdomain")
	ctx, span := tracer.Start(ctx, name, otelTrace.WithAttributes(attrs...))
	return span, ctx
}

// cmdName renders a command tag for span names and log fields.
func cmdName(cmd uint32) string {
	switch cmd {
	case CmdInit:
		return "init"
	case CmdGetImageRequirements:
		return "get_image_requirements"
	case CmdPoll:
		return "poll"
	case CmdSend:
		return "send"
	case CmdReceive:
		return "receive"
	case CmdRead:
		return "read"
	case CmdWrite:
		return "write"
	case CmdFutexNew:
		return "futex_new"
	case CmdFutexSignal:
		return "futex_signal"
	case CmdFutexDestroy:
		return "futex_destroy"
	default:
		return "unknown"
	}
}
