package protocol

import "testing"

func TestValidatePayloadAcceptsTaskShapes(t *testing.T) {
	thread := map[string]any{
		"tick_number": 7,
		"instruction": "Start a thread about the hull lights.",
		"max_tokens":  240,
		"topics":      []string{"hull", "lights"},
		"board":       "news-meta",
		"board_menu":  "news-meta: News + Meta",
	}
	if err := ValidatePayload(PayloadThreadStart, thread); err != nil {
		t.Fatalf("thread_start: %v", err)
	}
	reply := map[string]any{"tick_number": 7, "slot": 2, "instruction": "Reply.", "max_tokens": 160}
	if err := ValidatePayload(PayloadReply, reply); err != nil {
		t.Fatalf("reply: %v", err)
	}
	dm := map[string]any{
		"tick_number": 7,
		"instruction": "Send a DM.",
		"max_tokens":  150,
		"event_context": map[string]any{
			"seance": false, "seance_label": nil, "omen": true, "omen_label": "Troll raid",
			"sentiment_bias": -0.2, "toxicity_bias": 0.3,
		},
	}
	if err := ValidatePayload(PayloadDM, dm); err != nil {
		t.Fatalf("dm: %v", err)
	}
}

func TestValidatePayloadRejects(t *testing.T) {
	cases := []struct {
		name    string
		typ     string
		payload map[string]any
	}{
		{"missing instruction", PayloadReply, map[string]any{"tick_number": 1, "max_tokens": 100}},
		{"thread without board", PayloadThreadStart, map[string]any{"tick_number": 1, "instruction": "x", "max_tokens": 100, "topics": []string{}}},
		{"negative tick", PayloadDM, map[string]any{"tick_number": -1, "instruction": "x", "max_tokens": 100}},
		{"tokens as string", PayloadDM, map[string]any{"tick_number": 1, "instruction": "x", "max_tokens": "lots"}},
		{"unknown type", "poll", map[string]any{}},
	}
	for _, tc := range cases {
		err := ValidatePayload(tc.typ, tc.payload)
		if err == nil {
			t.Fatalf("%s: expected rejection", tc.name)
		}
		if CodeOf(err) != ErrBadPayload {
			t.Fatalf("%s: code=%q", tc.name, CodeOf(err))
		}
	}
}
