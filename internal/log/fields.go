package log

// Common field names for structured logging
const (
	FieldComponent  = "component"
	FieldRequestID  = "request_id"
	FieldClientIP   = "client_ip"
	FieldMethod     = "method"
	FieldPath       = "path"
	FieldStatusCode = "status_code"
	FieldDuration   = "duration_ms"
	FieldUserAgent  = "user_agent"
	FieldSuccess    = "success"
	FieldError      = "error"
	FieldOperation  = "operation"
	FieldOwnerID    = "owner_id"
	FieldExpenseID  = "expense_id"
	FieldVendor     = "vendor"
	FieldCategory   = "category"
	FieldAmount     = "amount"
	FieldLine       = "line"
	FieldReason     = "reason"
	FieldImported   = "imported"
	FieldRejected   = "rejected"
	FieldAnomalies  = "anomalies"
)

// Standard component names
const (
	ComponentApp       = "app"
	ComponentHTTP      = "http"
	ComponentExpense   = "expense"
	ComponentIngest    = "ingest"
	ComponentCategory  = "category"
	ComponentAnomaly   = "anomaly"
	ComponentStorage   = "storage"
	ComponentAuth      = "auth"
	ComponentAMQP      = "amqp"
	ComponentWorker    = "worker"
	ComponentCache     = "cache"
	ComponentRateLimit = "rate_limit"
	ComponentTrace     = "trace"
	ComponentBackend   = "backend"
)

// Standard operation names
const (
	OpCreate   = "create"
	OpList     = "list"
	OpDelete   = "delete"
	OpImport   = "import"
	OpCount    = "count"
	OpSignup   = "signup"
	OpLogin    = "login"
	OpPublish  = "publish"
	OpConsume  = "consume"
	OpStartup  = "startup"
	OpShutdown = "shutdown"
)

// LogFields is a small builder for slog key/value pairs.
type LogFields map[string]any

func NewFields() LogFields {
	return make(LogFields)
}

func (f LogFields) WithClientIP(ip string) LogFields {
	f[FieldClientIP] = ip
	return f
}

func (f LogFields) WithError(err error) LogFields {
	if err != nil {
		f[FieldError] = err.Error()
	}
	return f
}

func (f LogFields) WithOperation(op string) LogFields {
	f[FieldOperation] = op
	return f
}

func (f LogFields) WithOwner(ownerID int64) LogFields {
	f[FieldOwnerID] = ownerID
	return f
}

// WithImport adds the counters of a finished CSV import.
func (f LogFields) WithImport(imported, rejected, anomalies int) LogFields {
	f[FieldImported] = imported
	f[FieldRejected] = rejected
	f[FieldAnomalies] = anomalies
	return f
}

func (f LogFields) WithHTTPRequest(method, path, userAgent string) LogFields {
	f[FieldMethod] = method
	f[FieldPath] = path
	if userAgent != "" {
		f[FieldUserAgent] = userAgent
	}
	return f
}

func (f LogFields) WithHTTPResponse(statusCode int, durationMs int64) LogFields {
	f[FieldStatusCode] = statusCode
	f[FieldDuration] = durationMs
	f[FieldSuccess] = statusCode < 400
	return f
}

// ToSlice flattens the fields into slog's alternating key/value form.
func (f LogFields) ToSlice() []any {
	slice := make([]any, 0, len(f)*2)
	for k, v := range f {
		slice = append(slice, k, v)
	}
	return slice
}
