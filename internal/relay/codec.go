package relay

import (
	"bytes"
	"encoding/json"
	"fmt"

	nostr "github.com/nbd-wtf/go-nostr"
)

type frameKind int

const (
	frameIgnored frameKind = iota // OK, AUTH, COUNT and anything unknown
	frameEvent
	frameEOSE
	frameClosed
	frameNotice
)

// frame is one parsed relay→client message.
type frame struct {
	kind    frameKind
	subID   string
	event   *nostr.Event
	message string
}

var errMalformed = fmt.Errorf("malformed relay message")

// parseFrame decodes a relay→client message. Recognised labels with the
// wrong arity or field types are errors; unknown labels are ignored.
func parseFrame(data []byte) (frame, error) {
	var parts []json.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil {
		return frame{}, fmt.Errorf("%w: %v", errMalformed, err)
	}
	if len(parts) == 0 {
		return frame{}, fmt.Errorf("%w: empty array", errMalformed)
	}
	var label string
	if err := json.Unmarshal(parts[0], &label); err != nil {
		return frame{}, fmt.Errorf("%w: label is not a string", errMalformed)
	}

	switch label {
	case "EVENT":
		if len(parts) != 3 {
			return frame{}, fmt.Errorf("%w: EVENT arity %d", errMalformed, len(parts))
		}
		subID, err := decodeString(parts[1])
		if err != nil {
			return frame{}, err
		}
		if raw := bytes.TrimSpace(parts[2]); len(raw) == 0 || raw[0] != '{' {
			return frame{}, fmt.Errorf("%w: EVENT payload is not an object", errMalformed)
		}
		evt := &nostr.Event{}
		if err := json.Unmarshal(parts[2], evt); err != nil {
			return frame{}, fmt.Errorf("%w: %v", errMalformed, err)
		}
		return frame{kind: frameEvent, subID: subID, event: evt}, nil

	case "EOSE":
		if len(parts) != 2 {
			return frame{}, fmt.Errorf("%w: EOSE arity %d", errMalformed, len(parts))
		}
		subID, err := decodeString(parts[1])
		if err != nil {
			return frame{}, err
		}
		return frame{kind: frameEOSE, subID: subID}, nil

	case "CLOSED":
		if len(parts) != 3 {
			return frame{}, fmt.Errorf("%w: CLOSED arity %d", errMalformed, len(parts))
		}
		subID, err := decodeString(parts[1])
		if err != nil {
			return frame{}, err
		}
		reason, err := decodeString(parts[2])
		if err != nil {
			return frame{}, err
		}
		return frame{kind: frameClosed, subID: subID, message: reason}, nil

	case "NOTICE":
		if len(parts) != 2 {
			return frame{}, fmt.Errorf("%w: NOTICE arity %d", errMalformed, len(parts))
		}
		msg, err := decodeString(parts[1])
		if err != nil {
			return frame{}, err
		}
		return frame{kind: frameNotice, message: msg}, nil
	}
	return frame{kind: frameIgnored}, nil
}

func decodeString(raw json.RawMessage) (string, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", fmt.Errorf("%w: expected string", errMalformed)
	}
	return s, nil
}

func encodeReq(subID string, filters []nostr.Filter) ([]byte, error) {
	msg := make([]any, 0, len(filters)+2)
	msg = append(msg, "REQ", subID)
	for _, f := range filters {
		msg = append(msg, f)
	}
	return json.Marshal(msg)
}

func encodeClose(subID string) ([]byte, error) {
	return json.Marshal([]string{"CLOSE", subID})
}
