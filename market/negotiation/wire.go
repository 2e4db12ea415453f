package negotiation

import (
	"encoding/json"
	"errors"

	"golemmarket/bus"
	"golemmarket/market/errkind"
)

// jsonReply aliases json.RawMessage so handler methods satisfy bus.Handler's
// return type without an explicit conversion at every call site.
type jsonReply = json.RawMessage

type ackReply struct {
	OK bool `json:"ok"`
}

func decodeEnvelope(env bus.Envelope, dst any) error {
	if err := json.Unmarshal(env.Payload, dst); err != nil {
		return errkind.Wrap(errkind.Validation, errkind.CodeMalformed, err, "negotiation: decode request payload")
	}
	return nil
}

func encodeReply(v any) (jsonReply, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, errkind.Wrap(errkind.Internal, errkind.CodeIOFailure, err, "negotiation: encode reply")
	}
	return data, nil
}

// gateDropCode extracts the errkind.Code from a ProposalGate rejection for
// metrics labeling, falling back to the Kind string if err is untyped.
func gateDropCode(err error) string {
	var typed *errkind.Error
	if errors.As(err, &typed) {
		return string(typed.Code)
	}
	return string(errkind.KindOf(err))
}
