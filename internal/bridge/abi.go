package bridge

// ModuleName is the import module guests resolve host functions from.
const ModuleName = "env"

// Exported host function names.
const (
	FuncLog                = "envoy_log"
	FuncAddHeader          = "envoy_addHeader"
	FuncGetHeader          = "envoy_getHeader"
	FuncGetHeaderPairs     = "envoy_getHeaderPairs"
	FuncReplaceHeader      = "envoy_replaceHeader"
	FuncRemoveHeader       = "envoy_removeHeader"
	FuncGetBodyBufferBytes = "envoy_getBodyBufferBytes"
)

// HeaderType tags passed as the first argument of header functions. The
// bridge accepts the tag but reads always come from the exchange source and
// writes always go to the exchange sink.
const (
	HeaderTypeRequest  = 0
	HeaderTypeResponse = 1
)

// Log level tags for envoy_log.
const (
	LogLevelTrace    = 0
	LogLevelDebug    = 1
	LogLevelInfo     = 2
	LogLevelWarn     = 3
	LogLevelError    = 4
	LogLevelCritical = 5
)

// Function describes one entry of the host function table.
type Function struct {
	Name   string
	Params []string
	// Reserved entries are callable no-ops kept so guests built against a
	// wider ABI still link.
	Reserved bool
}
