package envelope

import "testing"

func TestOutMessageValidateRequiresExactlyOneBody(t *testing.T) {
	cases := []struct {
		name    string
		msg     OutMessage
		wantErr bool
	}{
		{"text only", OutMessage{Text: "hi"}, false},
		{"payload only", OutMessage{Payload: []byte("{}")}, false},
		{"neither", OutMessage{}, true},
		{"both", OutMessage{Text: "hi", Payload: []byte("{}")}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.msg.Validate()
			if tc.wantErr && err == nil {
				t.Fatal("expected an error")
			}
			if !tc.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestIdempotencyKeyShape(t *testing.T) {
	got := IdempotencyKey("acme", PlatformSlack, "m1")
	if got != "acme:slack:m1" {
		t.Fatalf("got %q", got)
	}
}

func TestRateBucketKeyShape(t *testing.T) {
	got := RateBucketKey("acme")
	if got != "rate/acme" {
		t.Fatalf("got %q", got)
	}
}
