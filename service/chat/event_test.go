package chat

import (
	"encoding/json"
	"testing"
	"time"
)

func TestParseActionRejectsGarbage(t *testing.T) {
	if _, err := ParseAction([]byte("not json")); err == nil {
		t.Fatal("garbage frame must be rejected")
	}
	if _, err := ParseAction([]byte(`{"data":{}}`)); err == nil {
		t.Fatal("frame without type must be rejected")
	}
}

func TestDecodeDataMapsJSONTags(t *testing.T) {
	a, err := ParseAction([]byte(`{
		"type": "send_message",
		"data": {"conversation_id": "conv1", "content": "hi", "attachment_url": "http://x/y.png"}
	}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if a.Type != ActionSendMessage {
		t.Fatalf("want send_message, got %s", a.Type)
	}
	var data SendMessageData
	if err := a.DecodeData(&data); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if data.ConversationID != "conv1" || data.Content != "hi" || data.AttachmentURL != "http://x/y.png" {
		t.Fatalf("unexpected decode result: %+v", data)
	}
}

func TestDecodeDataWeaklyTypedSeq(t *testing.T) {
	// json numbers arrive as float64; the decoder must still land them
	// in the int64 field
	a, err := ParseAction([]byte(`{"type":"sync","data":{"conversation_id":"conv1","since_seq":42}}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	var data SyncData
	if err := a.DecodeData(&data); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if data.SinceSeq != 42 {
		t.Fatalf("want since_seq 42, got %d", data.SinceSeq)
	}
}

func TestEventEncodeRoundTrip(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Millisecond)
	raw, err := (&Event{
		Type:           EventReadReceipt,
		ConversationID: "conv1",
		Timestamp:      now,
		Payload:        ReceiptPayload{MessageID: "m1", UserID: "bob", At: now},
	}).Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	var got struct {
		Type           EventType      `json:"type"`
		ConversationID string         `json:"conversation_id"`
		Payload        ReceiptPayload `json:"payload"`
	}
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Type != EventReadReceipt || got.ConversationID != "conv1" || got.Payload.MessageID != "m1" {
		t.Fatalf("unexpected round trip: %+v", got)
	}
}
