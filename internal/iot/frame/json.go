package frame

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	rerrors "github.com/alxayo/go-iotcc/internal/errors"
)

// jsonCommand mirrors the wire shape: {"id": u16, "op": string, "payload"?: string}.
// payload is an opaque byte sequence carried as a base64 string so arbitrary
// binary service payloads survive JSON transport.
type jsonCommand struct {
	ID      *float64 `json:"id"`
	Op      *string  `json:"op"`
	Payload *string  `json:"payload,omitempty"`
}

// jsonResponse mirrors {"id": u16, "status": i8, "is_final": bool, "payload": string|null}.
type jsonResponse struct {
	ID      uint16  `json:"id"`
	Status  int8    `json:"status"`
	IsFinal bool    `json:"is_final"`
	Payload *string `json:"payload"`
}

// DecodeCommandJSON parses a JSON command object. Missing or wrongly-typed
// required fields (id, op) fail with a schema error.
func DecodeCommandJSON(data []byte) (*CommandFrame, error) {
	var jc jsonCommand
	if err := json.Unmarshal(data, &jc); err != nil {
		return nil, rerrors.NewProtocolError("frame.decodeJSON", fmt.Errorf("schema: %w", err))
	}
	if jc.ID == nil {
		return nil, rerrors.NewProtocolError("frame.decodeJSON", fmt.Errorf("schema: missing id"))
	}
	if jc.Op == nil || len(*jc.Op) < MinOpLen || len(*jc.Op) > MaxOpLen {
		return nil, rerrors.NewProtocolError("frame.decodeJSON", fmt.Errorf("schema: missing or invalid op"))
	}
	idFloat := *jc.ID
	if idFloat < 0 || idFloat > 0xFFFF || idFloat != float64(uint16(idFloat)) {
		return nil, rerrors.NewProtocolError("frame.decodeJSON", fmt.Errorf("schema: id not an integer in range: %v", idFloat))
	}
	cf := &CommandFrame{ID: uint16(idFloat), Op: *jc.Op}
	if jc.Payload != nil {
		raw, err := decodePayload(*jc.Payload)
		if err != nil {
			return nil, rerrors.NewProtocolError("frame.decodeJSON", fmt.Errorf("schema: payload: %w", err))
		}
		cf.Payload = raw
	}
	return cf, nil
}

// EncodeResponseJSON serializes a JSON response object.
func EncodeResponseJSON(id uint16, status int8, isFinal bool, payload []byte) ([]byte, error) {
	jr := jsonResponse{ID: id, Status: status, IsFinal: isFinal}
	if payload != nil {
		s := encodePayload(payload)
		jr.Payload = &s
	}
	out, err := json.Marshal(jr)
	if err != nil {
		return nil, rerrors.NewProtocolError("frame.encodeJSON", fmt.Errorf("encoding: %w", err))
	}
	return out, nil
}

func encodePayload(b []byte) string { return base64.StdEncoding.EncodeToString(b) }

func decodePayload(s string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}
	return base64.StdEncoding.DecodeString(s)
}
