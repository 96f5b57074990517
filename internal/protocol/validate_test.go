package protocol

import (
	"encoding/json"
	"testing"
	"time"

	"ptyhive/internal/classify"
)

func encodeClient(t *testing.T, c Codec, msgType string, payload any) []byte {
	t.Helper()
	msg, err := NewMessage(c, msgType, payload)
	if err != nil {
		t.Fatalf("NewMessage: %v", err)
	}
	data, err := c.Encode(msg)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	return data
}

func TestNewMessage(t *testing.T) {
	payload := SessionUpdatePayload{
		ID:    "test-id",
		State: "active",
		Label: "test",
	}

	msg, err := NewMessage(JSON, TypeSessionUpdate, payload)
	if err != nil {
		t.Fatalf("NewMessage failed: %v", err)
	}

	if msg.Type != TypeSessionUpdate {
		t.Errorf("expected type %s, got %s", TypeSessionUpdate, msg.Type)
	}

	if msg.Timestamp.IsZero() {
		t.Error("expected non-zero timestamp")
	}

	var p SessionUpdatePayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if p.ID != "test-id" {
		t.Errorf("expected ID 'test-id', got %s", p.ID)
	}
}

func TestValidateClientMessage_ValidSessionCreate(t *testing.T) {
	msg := map[string]interface{}{
		"type":      TypeSessionCreate,
		"payload":   map[string]interface{}{"workDir": "/tmp/test", "label": "test", "rows": 30},
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
	}
	data, _ := json.Marshal(msg)

	result, err := ValidateClientMessage(JSON, data)
	if err != nil {
		t.Fatalf("expected valid message, got error: %v", err)
	}
	if result.Type != TypeSessionCreate {
		t.Errorf("expected type %s, got %s", TypeSessionCreate, result.Type)
	}
	p, ok := result.Body.(SessionCreatePayload)
	if !ok {
		t.Fatalf("expected SessionCreatePayload, got %T", result.Body)
	}
	if p.WorkDir != "/tmp/test" || p.Rows != 30 {
		t.Errorf("unexpected payload %+v", p)
	}
}

func TestValidateClientMessage_ValidSessionWrite(t *testing.T) {
	// []byte travels as base64 in JSON.
	data := []byte(`{"type":"session.write","payload":{"sessionId":"abc-123","data":"bHMNCg=="}}`)

	result, err := ValidateClientMessage(JSON, data)
	if err != nil {
		t.Fatalf("expected valid message, got error: %v", err)
	}
	p := result.Body.(SessionWritePayload)
	if string(p.Data) != "ls\r\n" {
		t.Errorf("expected data %q, got %q", "ls\r\n", p.Data)
	}
}

func TestValidateClientMessage_SubscribeOffset(t *testing.T) {
	result, err := ValidateClientMessage(JSON, []byte(`{"type":"session.subscribe","payload":{"sessionId":"abc"}}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Body.(SessionSubscribePayload).Offset != nil {
		t.Error("expected no offset")
	}

	result, err = ValidateClientMessage(JSON, []byte(`{"type":"session.subscribe","payload":{"sessionId":"abc","offset":0}}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	off := result.Body.(SessionSubscribePayload).Offset
	if off == nil || *off != 0 {
		t.Errorf("expected offset 0, got %v", off)
	}
}

func TestValidateClientMessage_InvalidJSON(t *testing.T) {
	_, err := ValidateClientMessage(JSON, []byte("not json"))
	if err == nil {
		t.Fatal("expected error for invalid JSON")
	}
}

func TestValidateClientMessage_MissingType(t *testing.T) {
	msg := map[string]interface{}{
		"payload":   map[string]interface{}{},
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
	}
	data, _ := json.Marshal(msg)

	_, err := ValidateClientMessage(JSON, data)
	if err == nil {
		t.Fatal("expected error for missing type")
	}
}

func TestValidateClientMessage_UnknownType(t *testing.T) {
	msg := map[string]interface{}{
		"type":      "unknown.action",
		"payload":   map[string]interface{}{},
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
	}
	data, _ := json.Marshal(msg)

	_, err := ValidateClientMessage(JSON, data)
	if err == nil {
		t.Fatal("expected error for unknown type")
	}
}

func TestValidateClientMessage_MissingPayload(t *testing.T) {
	for _, data := range []string{
		`{"type":"session.create","timestamp":"2024-01-01T00:00:00.000Z"}`,
		`{"type":"session.create","payload":null}`,
	} {
		if _, err := ValidateClientMessage(JSON, []byte(data)); err == nil {
			t.Fatalf("expected error for missing payload in %s", data)
		}
	}
}

func TestValidateClientMessage_MissingFields(t *testing.T) {
	tests := []struct {
		name    string
		msgType string
		payload map[string]interface{}
	}{
		{"create without workDir", TypeSessionCreate, map[string]interface{}{"label": "test"}},
		{"write without sessionId", TypeSessionWrite, map[string]interface{}{"data": "aGk="}},
		{"write without data", TypeSessionWrite, map[string]interface{}{"sessionId": "abc"}},
		{"resize without size", TypeSessionResize, map[string]interface{}{"sessionId": "abc", "rows": 10}},
		{"close without sessionId", TypeSessionClose, map[string]interface{}{}},
		{"subscribe without sessionId", TypeSessionSubscribe, map[string]interface{}{"offset": 3}},
		{"wrong field type", TypeSessionPause, map[string]interface{}{"sessionId": 42}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, _ := json.Marshal(map[string]interface{}{"type": tt.msgType, "payload": tt.payload})
			if _, err := ValidateClientMessage(JSON, data); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestValidateClientMessage_SessionIDOnlyTypes(t *testing.T) {
	for _, msgType := range []string{TypeSessionPause, TypeSessionResume, TypeSessionClose, TypeSessionUnsubscribe} {
		data := encodeClient(t, JSON, msgType, SessionIDPayload{SessionID: "abc"})
		result, err := ValidateClientMessage(JSON, data)
		if err != nil {
			t.Fatalf("%s: expected valid message, got error: %v", msgType, err)
		}
		if result.Body.(SessionIDPayload).SessionID != "abc" {
			t.Errorf("%s: wrong session id", msgType)
		}
	}
}

func TestValidateClientMessage_CBOR(t *testing.T) {
	data := encodeClient(t, CBOR, TypeSessionResize, SessionResizePayload{SessionID: "abc", Rows: 40, Cols: 100})

	result, err := ValidateClientMessage(CBOR, data)
	if err != nil {
		t.Fatalf("expected valid message, got error: %v", err)
	}
	p := result.Body.(SessionResizePayload)
	if p.Rows != 40 || p.Cols != 100 {
		t.Errorf("unexpected payload %+v", p)
	}

	if _, err := ValidateClientMessage(CBOR, []byte("{}")); err == nil {
		t.Fatal("expected error decoding JSON as CBOR")
	}
}

func TestCodec_EnvelopeKeepsPayloadAndTimestamp(t *testing.T) {
	for _, c := range []Codec{JSON, CBOR} {
		t.Run(c.Name(), func(t *testing.T) {
			want := SessionOutputPayload{
				SessionID: "s1",
				Offset:    42,
				Data:      []byte("\x1b[1mhi\x1b[0m\xff"),
				Events:    []classify.Event{{Kind: classify.KindProgress, State: classify.ProgressSet, Value: 50}},
			}
			msg, err := NewMessage(c, TypeSessionOutput, want)
			if err != nil {
				t.Fatalf("NewMessage: %v", err)
			}
			frame, err := c.Encode(msg)
			if err != nil {
				t.Fatalf("Encode: %v", err)
			}

			got, err := c.Decode(frame)
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if got.Type != TypeSessionOutput {
				t.Errorf("expected type %s, got %s", TypeSessionOutput, got.Type)
			}
			if !got.Timestamp.Equal(msg.Timestamp) {
				t.Errorf("timestamp %v != %v", got.Timestamp, msg.Timestamp)
			}

			var p SessionOutputPayload
			if err := c.Unmarshal(got.Payload, &p); err != nil {
				t.Fatalf("Unmarshal: %v", err)
			}
			if string(p.Data) != string(want.Data) || p.Offset != 42 || len(p.Events) != 1 || p.Events[0].Value != 50 {
				t.Errorf("payload mismatch: %+v", p)
			}
		})
	}
}

func TestCodecByName(t *testing.T) {
	for name, want := range map[string]Codec{"": JSON, "json": JSON, "cbor": CBOR} {
		got, err := CodecByName(name)
		if err != nil || got != want {
			t.Errorf("CodecByName(%q) = %v, %v", name, got, err)
		}
	}
	if _, err := CodecByName("xml"); err == nil {
		t.Error("expected error for unknown encoding")
	}
}

func TestNewErrorMessage(t *testing.T) {
	msg, err := NewErrorMessage(JSON, ErrSessionNotFound, "session xyz not found")
	if err != nil {
		t.Fatalf("NewErrorMessage failed: %v", err)
	}
	if msg.Type != TypeError {
		t.Errorf("expected type %s, got %s", TypeError, msg.Type)
	}

	var p ErrorPayload
	json.Unmarshal(msg.Payload, &p)
	if p.Code != ErrSessionNotFound {
		t.Errorf("expected code %s, got %s", ErrSessionNotFound, p.Code)
	}
}
