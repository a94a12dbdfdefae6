package bridge

// Header is a single key/value pair.
type Header struct {
	Key   string
	Value string
}

// Headers is an ordered header mapping with unique keys. Order is the order
// the source produced and is preserved through the codec.
type Headers []Header

// Get returns the value for key. Keys are compared exactly.
func (h Headers) Get(key string) (string, bool) {
	for _, kv := range h {
		if kv.Key == key {
			return kv.Value, true
		}
	}
	return "", false
}

// Set overwrites the value of an existing key in place, or appends a new
// pair. Last write wins.
func (h *Headers) Set(key, value string) {
	for i := range *h {
		if (*h)[i].Key == key {
			(*h)[i].Value = value
			return
		}
	}
	*h = append(*h, Header{Key: key, Value: value})
}

// Clone returns a copy that shares no backing array with h.
func (h Headers) Clone() Headers {
	if h == nil {
		return nil
	}
	out := make(Headers, len(h))
	copy(out, h)
	return out
}

// HeadersFromPairs builds a mapping from alternating keys and values,
// applying last-write-wins for repeated keys.
func HeadersFromPairs(kv ...string) Headers {
	var h Headers
	for i := 0; i+1 < len(kv); i += 2 {
		h.Set(kv[i], kv[i+1])
	}
	return h
}

// HeaderSource supplies the current incoming header mapping.
type HeaderSource interface {
	Headers() Headers
}

// HeaderSink accepts headers added by the guest.
type HeaderSink interface {
	AddHeader(key, value string)
}

// HeaderSourceFunc adapts a function to HeaderSource.
type HeaderSourceFunc func() Headers

func (f HeaderSourceFunc) Headers() Headers { return f() }

// HeaderSinkFunc adapts a function to HeaderSink.
type HeaderSinkFunc func(key, value string)

func (f HeaderSinkFunc) AddHeader(key, value string) { f(key, value) }

// StaticHeaders is a HeaderSource and HeaderSink backed by a Headers value.
// It is not safe for concurrent use.
type StaticHeaders struct {
	h Headers
}

// NewStaticHeaders returns a StaticHeaders holding a copy of h.
func NewStaticHeaders(h Headers) *StaticHeaders {
	return &StaticHeaders{h: h.Clone()}
}

func (s *StaticHeaders) Headers() Headers { return s.h }

func (s *StaticHeaders) AddHeader(key, value string) { s.h.Set(key, value) }
