package config

import "testing"

func TestParseICEServersJSON(t *testing.T) {
	raw := `[
		{"urls": "stun:stun.example.org:3478"},
		{"urls": ["turn:turn.example.org:3478", "turns:turn.example.org:5349"], "username": "u", "credential": "c"}
	]`
	servers, err := ParseICEServersJSON(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(servers) != 2 {
		t.Fatalf("server count = %d", len(servers))
	}
	if len(servers[0].URLs) != 1 || servers[0].URLs[0] != "stun:stun.example.org:3478" {
		t.Fatalf("stun entry: %+v", servers[0])
	}
	if servers[1].Username != "u" || servers[1].Credential != "c" {
		t.Fatalf("turn entry: %+v", servers[1])
	}
}

func TestParseICEServersJSON_Rejects(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{"not json", `stun:stun.example.org`},
		{"bad scheme", `[{"urls": "https://example.org"}]`},
		{"empty urls", `[{"urls": []}]`},
		{"turn without creds", `[{"urls": "turn:turn.example.org:3478"}]`},
	}
	for _, tc := range cases {
		if _, err := ParseICEServersJSON(tc.raw); err == nil {
			t.Fatalf("%s: expected an error", tc.name)
		}
	}
}

func TestParseICEServersFromConvenienceEnv(t *testing.T) {
	servers, err := ParseICEServersFromConvenienceEnv(
		"stun:a.example:3478, stun:b.example:3478",
		"turn:turn.example:3478",
		"user", "secret",
	)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(servers) != 2 {
		t.Fatalf("server count = %d", len(servers))
	}
	if len(servers[0].URLs) != 2 {
		t.Fatalf("stun urls: %v", servers[0].URLs)
	}
	if servers[1].Username != "user" || servers[1].Credential != "secret" {
		t.Fatalf("turn creds: %+v", servers[1])
	}

	if _, err := ParseICEServersFromConvenienceEnv("", "turn:turn.example:3478", "user", ""); err == nil {
		t.Fatalf("turn urls without credential should be rejected")
	}

	servers, err = ParseICEServersFromConvenienceEnv("", "", "", "")
	if err != nil || servers != nil {
		t.Fatalf("empty input should yield nil, nil; got %v, %v", servers, err)
	}
}
