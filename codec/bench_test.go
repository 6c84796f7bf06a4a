package codec

import (
	"encoding/json"
	"testing"

	"procmesh/message"
)

// Encoding and decoding one request frame, no network.
func BenchmarkFrameJSON(b *testing.B) {
	frame := &message.Frame{
		Subject: message.SubjectRequest,
		ID:      "Kx1NAk3WgrzN5r2oVw1e1z",
		Data:    json.RawMessage(`{"destination":"users","keepAlive":true,"data":{"funcName":"add","A":1,"B":2}}`),
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		body, err := Default.Encode(frame)
		if err != nil {
			b.Fatal(err)
		}
		if _, err := DecodeFrame(Default, body); err != nil {
			b.Fatal(err)
		}
	}
}
