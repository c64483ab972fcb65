package util

import (
	"fmt"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

func RecordSpanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

func GetAbortKey(jobID, buildID int64) string {
	return fmt.Sprintf("deleted_%d_%d", jobID, buildID)
}

func GetAdminTokenKey(pipelineID int64) string {
	return fmt.Sprintf("adminToken:%d", pipelineID)
}
