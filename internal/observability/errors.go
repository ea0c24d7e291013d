package observability

import (
	"errors"
	"fmt"
)

// AggregateErrors drops nil entries, logs one entry listing the rest and returns them joined
// under operation. It returns nil when nothing failed.
func AggregateErrors(operation string, errs []error, fields ...Field) error {
	failed := make([]error, 0, len(errs))
	messages := make([]string, 0, len(errs))
	for _, err := range errs {
		if err == nil {
			continue
		}
		failed = append(failed, err)
		messages = append(messages, err.Error())
	}
	if len(failed) == 0 {
		return nil
	}
	logFields := make([]Field, 0, len(fields)+3)
	logFields = append(logFields, fields...)
	logFields = append(logFields,
		F("operation", operation),
		F("error_count", len(failed)),
		F("errors", messages),
	)
	Log().Error("operation failed", logFields...)
	return fmt.Errorf("%s: %w", operation, errors.Join(failed...))
}
