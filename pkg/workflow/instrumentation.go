package workflow

import "go.opentelemetry.io/otel"

const scopeName = "github.com/harunnryd/concierge/pkg/workflow"

var tracer = otel.Tracer(scopeName)
