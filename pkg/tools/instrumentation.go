package tools

import "go.opentelemetry.io/otel"

const scopeName = "github.com/harunnryd/concierge/pkg/tools"

var tracer = otel.Tracer(scopeName)
