package errkind

// Wire is the JSON representation of an *Error carried over the bus, mirroring
// the {code, message, data} shape of a JSON-RPC error object: the protocol
// never returns an opaque boolean, only a typed Ok payload or a typed error.
type Wire struct {
	Kind    Kind   `json:"kind"`
	Code    Code   `json:"code"`
	Message string `json:"message"`
}

// ToWire converts a typed *Error into its wire form. A nil *Error yields a
// zero-value Wire.
func (e *Error) ToWire() Wire {
	if e == nil {
		return Wire{}
	}
	return Wire{Kind: e.Kind, Code: e.Code, Message: e.Message}
}

// FromWire reconstructs a typed *Error from its wire form on the receiving
// side of a bus call.
func FromWire(w Wire) *Error {
	return &Error{Kind: w.Kind, Code: w.Code, Message: w.Message}
}
